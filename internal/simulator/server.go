package simulator

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/registers"
)

// Simulator serves the units of one endpoint on one TCP port.
type Simulator struct {
	Endpoint config.SimulatorEndpoint
	logger   zerolog.Logger
	units    *units
	server   *modbus.ModbusServer
}

// New builds the simulator for ep without binding its port.
func New(ep config.SimulatorEndpoint, logger zerolog.Logger) (*Simulator, error) {
	if ep.Host == "" {
		ep.Host = "127.0.0.1"
	}
	s := &Simulator{
		Endpoint: ep,
		logger:   logger.With().Str("component", "simulator").Str("addr", ep.Address()).Logger(),
		units:    newUnits(ep.Slaves, uint64(ep.Port)),
	}
	srv, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + ep.Address(),
		Timeout:    30 * time.Second,
		MaxClients: 32,
	}, &handler{units: s.units})
	if err != nil {
		return nil, fmt.Errorf("simulator %s: %w", ep.Address(), err)
	}
	s.server = srv
	return s, nil
}

// Start binds the port and serves in the background.
func (s *Simulator) Start() error {
	s.units.update()
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("simulator %s: %w", s.Endpoint.Address(), err)
	}
	s.logger.Info().Int("units", len(s.units.m)).Msg("simulator listening")
	return nil
}

// Update refreshes every unit with new random values.
func (s *Simulator) Update() { s.units.update() }

// Unit returns the simulated slave with id.
func (s *Simulator) Unit(id uint8) (*Unit, bool) { return s.units.get(id) }

func (s *Simulator) Stop() error {
	return s.server.Stop()
}

// handler adapts the per-unit register tables to the simonvetter server.
// Only holding registers exist.
type handler struct {
	units *units
}

func (h *handler) HandleCoils(*modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *handler) HandleDiscreteInputs(*modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *handler) HandleInputRegisters(*modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *handler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	unit, ok := h.units.get(req.UnitId)
	if !ok {
		return nil, modbus.ErrGWTargetFailedToRespond
	}
	if req.IsWrite {
		if err := unit.Table.Write(int(req.Addr), req.Args); err != nil {
			return nil, mapErr(err)
		}
		return req.Args, nil
	}
	words, err := unit.Table.Read(int(req.Addr), int(req.Quantity))
	if err != nil {
		return nil, mapErr(err)
	}
	return words, nil
}

func mapErr(err error) error {
	if errors.Is(err, registers.ErrOutOfRange) {
		return modbus.ErrIllegalDataAddress
	}
	return modbus.ErrServerDeviceFailure
}
