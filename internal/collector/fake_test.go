package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registers"
)

var errLinkDown = errors.New("read tcp: connection reset by peer")

func exception(code byte) error {
	return &mb.ModbusError{FunctionCode: 0x03, ExceptionCode: code}
}

// fakeDevice is a scripted field device keyed by source address.
type fakeDevice struct {
	mu    sync.Mutex
	regs  map[uint16]uint16
	errAt map[uint16]error
	delay time.Duration
	reads int
	panic bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{regs: map[uint16]uint16{}, errAt: map[uint16]error{}}
}

func (f *fakeDevice) setFloat(addr uint16, v float32) *fakeDevice {
	hi, lo := registers.EncodeFloat32(v)
	f.regs[addr], f.regs[addr+1] = hi, lo
	return f
}

func (f *fakeDevice) set(addr uint16, words ...uint16) *fakeDevice {
	for i, w := range words {
		f.regs[addr+uint16(i)] = w
	}
	return f
}

type fakeClient struct {
	dev    *fakeDevice
	closed bool
}

func (c *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	c.dev.mu.Lock()
	c.dev.reads++
	delay, err, boom := c.dev.delay, c.dev.errAt[address], c.dev.panic
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = c.dev.regs[address+uint16(i)]
	}
	c.dev.mu.Unlock()

	if boom {
		panic("driver bug")
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
	dialErr map[string]error
	clients []*fakeClient
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{devices: map[string]*fakeDevice{}, dialErr: map[string]error{}}
}

func (d *fakeDialer) add(name string, dev *fakeDevice) *fakeDevice {
	d.mu.Lock()
	d.devices[name] = dev
	d.mu.Unlock()
	return dev
}

func (d *fakeDialer) Dial(_ context.Context, dev model.Device) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dialErr[dev.Name]; err != nil {
		return nil, err
	}
	fd, ok := d.devices[dev.Name]
	if !ok {
		return nil, errors.New("dial tcp " + dev.Address() + ": connection refused")
	}
	c := &fakeClient{dev: fd}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		if !c.closed {
			return false
		}
	}
	return true
}

type staticDevices struct {
	mu      sync.Mutex
	devices []model.Device
	panics  int
}

func (s *staticDevices) List() []model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics > 0 {
		s.panics--
		panic("registry corrupted")
	}
	return append([]model.Device(nil), s.devices...)
}

func (s *staticDevices) set(devices ...model.Device) {
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
}
