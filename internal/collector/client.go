package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registers"
)

// Client reads holding registers from one field device.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	Close() error
}

// Dialer opens a Client for a device. Pollers open one connection per poll.
type Dialer interface {
	Dial(ctx context.Context, d model.Device) (Client, error)
}

// TCPDialer dials devices over Modbus TCP with the goburrow client.
type TCPDialer struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	// Retries is the number of extra connect attempts after the first.
	Retries    int
	RetryDelay time.Duration
}

// Dial connects to d, retrying up to Retries times. Every connect and
// every later request is bounded by the ctx deadline as well as by its own
// timeout, so a poll cannot outlive the deadline.
func (t TCPDialer) Dial(ctx context.Context, d model.Device) (Client, error) {
	connectTimeout := t.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	callTimeout := t.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	retry := t.Retries
	if retry < 0 {
		retry = 0
	}
	delay := t.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	addr := d.Address()
	slaveID := d.SlaveID
	if slaveID == 0 {
		slaveID = model.DefaultSlaveID
	}

	h := mb.NewTCPClientHandler(addr)
	h.SlaveId = slaveID
	c := &tcpClient{ctx: ctx, handler: h, callTimeout: callTimeout}

	var err error
	for attempts := 0; attempts <= retry; attempts++ {
		if err = c.bound("connect "+addr, connectTimeout); err != nil {
			return nil, err
		}
		if err = h.Connect(); err == nil {
			break
		}
		if attempts == retry {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("poll deadline before connect %s: %w", addr, ctx.Err())
		}
	}
	c.client = mb.NewClient(h)
	return c, nil
}

type tcpClient struct {
	ctx         context.Context
	handler     *mb.TCPClientHandler
	client      mb.Client
	callTimeout time.Duration
}

// bound sets the handler timeout to d, shortened to what is left of the
// ctx deadline.
func (c *tcpClient) bound(op string, d time.Duration) error {
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("poll deadline before %s: %w", op, err)
	}
	if deadline, ok := c.ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return fmt.Errorf("poll deadline before %s: %w", op, context.DeadlineExceeded)
		}
		d = min(d, left)
	}
	c.handler.Timeout = d
	return nil
}

func (c *tcpClient) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	if err := c.bound(fmt.Sprintf("read %d", address), c.callTimeout); err != nil {
		return nil, err
	}
	data, err := c.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	if len(data) != int(quantity)*2 {
		return nil, fmt.Errorf("read %d registers at %d: got %d bytes", quantity, address, len(data))
	}
	return registers.BytesToWords(data), nil
}

func (c *tcpClient) Close() error {
	return c.handler.Close()
}

// IsException reports whether err is a Modbus exception response from the
// device, as opposed to a transport failure.
func IsException(err error) bool {
	var mbErr *mb.ModbusError
	return errors.As(err, &mbErr)
}
