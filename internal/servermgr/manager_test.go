package servermgr

import (
	"context"
	"net"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registers"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestManagerRunsAndUpdates(t *testing.T) {
	ep := config.SimulatorEndpoint{Host: "127.0.0.1", Port: freePort(t), Slaves: map[uint8]model.Type{1: model.TypeOEE, 2: model.TypeScale}}
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	taken := config.SimulatorEndpoint{Host: "127.0.0.1", Port: busy.Addr().(*net.TCPAddr).Port, Slaves: map[uint8]model.Type{1: model.TypeScale}}

	m := NewManager(config.SimulatorConfig{
		UpdateInterval: 10 * time.Millisecond,
		Servers:        []config.SimulatorEndpoint{ep, taken},
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-m.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("manager not ready")
	}
	require.Equal(t, 1, m.Running(), "the busy port is skipped")

	sim, ok := m.Server(ep.Address())
	require.True(t, ok)
	unit, ok := sim.Unit(2)
	require.True(t, ok)
	require.NoError(t, unit.Table.Write(1, []uint16{60000}))
	// the next refresh overwrites the out-of-range marker
	require.Eventually(t, func() bool {
		w, err := unit.Table.Read(1, 1)
		return err == nil && w[0] <= 50000
	}, time.Second, 5*time.Millisecond)

	h := mb.NewTCPClientHandler(ep.Address())
	h.SlaveId = 1
	h.Timeout = time.Second
	require.NoError(t, h.Connect())
	b, err := mb.NewClient(h).ReadHoldingRegisters(1, 4)
	require.NoError(t, err)
	require.Len(t, registers.BytesToWords(b), 4)
	h.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
	require.Zero(t, m.Running())
}

func TestManagerDefaultsToPlantLayout(t *testing.T) {
	m := NewManager(config.SimulatorConfig{}, zerolog.Nop())
	require.Len(t, m.Cfg.Servers, 18)
	require.Equal(t, 2*time.Second, m.Cfg.UpdateInterval)
}
