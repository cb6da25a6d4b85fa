package servermgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/simulator"
)

// Manager spins up one simulator per configured endpoint and refreshes
// their registers on a fixed interval.
type Manager struct {
	Cfg    config.SimulatorConfig
	logger zerolog.Logger

	mu      sync.Mutex
	servers map[string]*simulator.Simulator
	ready   chan struct{}
}

// NewManager falls back to simulator.DefaultLayout when cfg lists no servers.
func NewManager(cfg config.SimulatorConfig, logger zerolog.Logger) *Manager {
	if len(cfg.Servers) == 0 {
		cfg.Servers = simulator.DefaultLayout()
	} else {
		cfg.Servers = append([]config.SimulatorEndpoint(nil), cfg.Servers...)
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].Host == "" {
			cfg.Servers[i].Host = "127.0.0.1"
		}
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 2 * time.Second
	}
	return &Manager{
		Cfg:     cfg,
		logger:  logger.With().Str("component", "servermgr").Logger(),
		servers: make(map[string]*simulator.Simulator),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once every endpoint has been started or given up on.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Server returns the running simulator bound to addr.
func (m *Manager) Server(addr string) (*simulator.Simulator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[addr]
	return s, ok
}

// Running is the number of endpoints currently serving.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}

// Run starts every endpoint and blocks until ctx is canceled. An endpoint
// that cannot bind after its retries is skipped.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	sem := make(chan struct{}, 16) // cap concurrent starts

	for _, ep := range m.Cfg.Servers {
		wg.Add(1)
		go func(ep config.SimulatorEndpoint) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			m.start(ctx, ep)
		}(ep)
	}
	wg.Wait()
	close(m.ready)
	m.logger.Info().Int("servers", m.Running()).Int("configured", len(m.Cfg.Servers)).Msg("simulators started")

	ticker := time.NewTicker(m.Cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return nil
		case <-ticker.C:
			m.mu.Lock()
			for _, s := range m.servers {
				s.Update()
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) start(ctx context.Context, ep config.SimulatorEndpoint) {
	addr := ep.Address()
	retry := m.Cfg.ListenRetries
	if retry < 0 {
		retry = 0
	}
	for attempt := 0; attempt <= retry; attempt++ {
		s, err := simulator.New(ep, m.logger)
		if err == nil {
			err = s.Start()
		}
		if err == nil {
			m.mu.Lock()
			m.servers[addr] = s
			m.mu.Unlock()
			return
		}
		if attempt == retry {
			m.logger.Error().Err(err).Str("addr", addr).Msg("simulator listen failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, s := range m.servers {
		if err := s.Stop(); err != nil {
			m.logger.Warn().Err(err).Str("addr", addr).Msg("simulator stop")
		}
		delete(m.servers, addr)
	}
	m.logger.Info().Msg("simulators stopped")
}
