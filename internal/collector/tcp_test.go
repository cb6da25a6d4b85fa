package collector

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus"
	"modbus-gateway/internal/registers"
	"modbus-gateway/internal/status"
)

// fieldDevice serves regs over Modbus TCP on a loopback port.
func fieldDevice(t *testing.T, regs *registers.Table) (string, int) {
	t.Helper()
	srv := modbus.NewServer(regs, modbus.Options{Logger: zerolog.Nop()})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func tcpScheduler(t *testing.T, table *registers.Table, store *status.Store, dialer TCPDialer, devices ...model.Device) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Options{
		Devices: &staticDevices{devices: devices},
		Table:   table,
		Status:  store,
		Dialer:  dialer,
		Ceiling: dialer.ConnectTimeout + dialer.CallTimeout,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func quickDialer() TCPDialer {
	return TCPDialer{ConnectTimeout: time.Second, CallTimeout: time.Second, Retries: 1, RetryDelay: 10 * time.Millisecond}
}

func TestEndToEndPowerMeter(t *testing.T) {
	src := registers.NewTable(4000)
	want := make([]float32, len(model.DefaultParams))
	for i, p := range model.DefaultParams {
		want[i] = float32(i)*11.11 + 0.5
		require.NoError(t, src.WriteFloat32(int(p.Address), want[i]))
	}
	// current_l3 reads exactly zero and is skipped
	zeroIdx := 9
	require.Equal(t, "current_l3", model.DefaultParams[zeroIdx].Name)
	want[zeroIdx] = 0
	require.NoError(t, src.WriteFloat32(int(model.DefaultParams[zeroIdx].Address), 0))

	host, port := fieldDevice(t, src)
	table := registers.NewTable(100)
	store := status.NewStore()
	d := model.Device{Name: "pm1", IP: host, Port: port, SlaveID: 1, Type: model.TypePowerMeter, Offset: 0}
	s := tcpScheduler(t, table, store, quickDialer(), d)

	require.NoError(t, s.RunCycle(context.Background()))

	words, err := table.Read(0, 26)
	require.NoError(t, err)
	for i, v := range want {
		hi, lo := registers.EncodeFloat32(v)
		require.Equal(t, []uint16{hi, lo}, words[2*i:2*i+2], model.DefaultParams[i].Name)
	}

	st, ok := store.Get("pm1")
	require.True(t, ok)
	require.Equal(t, model.StatusOnline, st.Status)
	require.Len(t, st.Values, 12)
	require.NotContains(t, st.Values, "current_l3")
	for i, p := range model.DefaultParams {
		if i == zeroIdx {
			continue
		}
		require.Equal(t, model.Round2(want[i]), st.Values[p.Name], p.Name)
	}
}

func TestEndToEndScale(t *testing.T) {
	src := registers.NewTable(10)
	require.NoError(t, src.Write(ScaleSourceAddress, []uint16{12345}))
	host, port := fieldDevice(t, src)

	table := registers.NewTable(10)
	store := status.NewStore()
	s := tcpScheduler(t, table, store, quickDialer(),
		model.Device{Name: "scale1", IP: host, Port: port, Type: model.TypeScale})
	require.NoError(t, s.RunCycle(context.Background()))

	words, _ := table.Read(0, 1)
	require.Equal(t, []uint16{12345}, words)
	st, _ := store.Get("scale1")
	require.Equal(t, map[string]any{"weight": 12345}, st.Values)
}

func TestEndToEndOEE(t *testing.T) {
	regs := []uint16{1, 4294900000 % 65536, 0, 1}
	src := registers.NewTable(10)
	require.NoError(t, src.Write(OEESourceAddress, regs))
	host, port := fieldDevice(t, src)

	table := registers.NewTable(10)
	store := status.NewStore()
	s := tcpScheduler(t, table, store, quickDialer(),
		model.Device{Name: "line1", IP: host, Port: port, Type: model.TypeOEE})
	require.NoError(t, s.RunCycle(context.Background()))

	words, _ := table.Read(0, 4)
	require.Equal(t, regs, words)
	st, _ := store.Get("line1")
	require.Equal(t, map[string]any{
		"available_status":    "Start",
		"meters_hsc":          int(regs[1]),
		"new_output_flag":     0,
		"start_of_production": 1,
	}, st.Values)
}

// A device that accepts but never answers goes offline and leaves its span alone.
func TestEndToEndTimeoutGoesOffline(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)

	table := registers.NewTable(10)
	require.NoError(t, table.Write(0, []uint16{1, 2, 3, 4}))
	store := status.NewStore()
	dialer := TCPDialer{ConnectTimeout: 200 * time.Millisecond, CallTimeout: 100 * time.Millisecond}
	s := tcpScheduler(t, table, store, dialer,
		model.Device{Name: "hung", IP: host, Port: p, Type: model.TypeOEE})

	require.NoError(t, s.RunCycle(context.Background()))
	st, _ := store.Get("hung")
	require.Equal(t, model.StatusOffline, st.Status)
	require.NotEmpty(t, st.Error)

	words, _ := table.Read(0, 4)
	require.Equal(t, []uint16{1, 2, 3, 4}, words)
}

func TestTCPDialerRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	dialer := TCPDialer{ConnectTimeout: 200 * time.Millisecond, Retries: 1, RetryDelay: time.Millisecond}
	_, err = dialer.Dial(context.Background(), model.Device{IP: "127.0.0.1", Port: addr.Port})
	require.ErrorContains(t, err, "connect 127.0.0.1:")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dialer.Dial(ctx, model.Device{IP: "127.0.0.1", Port: addr.Port})
	require.ErrorIs(t, err, context.Canceled)
}

// slowDevice answers every FC3 request after delay with 0x4141 words.
func slowDevice(t *testing.T, delay time.Duration) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req := make([]byte, 12)
				for {
					if _, err := io.ReadFull(conn, req); err != nil {
						return
					}
					time.Sleep(delay)
					qty := int(binary.BigEndian.Uint16(req[10:12]))
					resp := make([]byte, 9+2*qty)
					copy(resp[0:2], req[0:2])
					binary.BigEndian.PutUint16(resp[4:6], uint16(3+2*qty))
					resp[6], resp[7], resp[8] = req[6], 0x03, byte(2*qty)
					for i := 9; i < len(resp); i++ {
						resp[i] = 0x41
					}
					if _, err := conn.Write(resp); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func TestEndToEndCeilingIsHard(t *testing.T) {
	host, port := slowDevice(t, 290*time.Millisecond)
	dialer := TCPDialer{ConnectTimeout: 300 * time.Millisecond, CallTimeout: 300 * time.Millisecond}
	store := status.NewStore()
	d := model.Device{Name: "pm-slow", IP: host, Port: port, Type: model.TypePowerMeter}
	s := tcpScheduler(t, registers.NewTable(100), store, dialer, d)

	started := time.Now()
	require.NoError(t, s.RunCycle(context.Background()))
	took := time.Since(started)

	ceiling := dialer.ConnectTimeout + dialer.CallTimeout
	require.Less(t, took, ceiling+100*time.Millisecond, "cycle took %s", took)
	st, ok := store.Get("pm-slow")
	require.True(t, ok)
	require.Equal(t, model.StatusOffline, st.Status)
}

func TestDialRespectsExpiredDeadline(t *testing.T) {
	host, port := slowDevice(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err := quickDialer().Dial(ctx, model.Device{IP: host, Port: port})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadBoundedByDeadline(t *testing.T) {
	host, port := slowDevice(t, 500*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c, err := TCPDialer{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second}.Dial(ctx, model.Device{IP: host, Port: port})
	require.NoError(t, err)
	defer c.Close()

	started := time.Now()
	_, err = c.ReadHoldingRegisters(1, 1)
	require.Error(t, err)
	require.Less(t, time.Since(started), 400*time.Millisecond)
}
