// Package gateway wires the register table, device registry, poll scheduler
// and protocol server into one process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"modbus-gateway/internal/api"
	"modbus-gateway/internal/collector"
	"modbus-gateway/internal/config"
	"modbus-gateway/internal/history"
	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus"
	"modbus-gateway/internal/mqttpub"
	"modbus-gateway/internal/registers"
	"modbus-gateway/internal/registry"
	"modbus-gateway/internal/status"
	"modbus-gateway/internal/telemetry"
)

// Gateway owns every shared component. There is no package-level state;
// everything a component needs is handed to it here.
type Gateway struct {
	cfg    config.RootConfig
	logger zerolog.Logger

	Table     *registers.Table
	Registry  *registry.Registry
	Status    *status.Store
	Feed      *status.Feed
	Scheduler *collector.Scheduler
	Metrics   *prometheus.Registry

	stats   telemetry.Collector
	history *history.Recorder
	mqtt    *mqttpub.Publisher

	srvMu     sync.Mutex
	modbusSrv *modbus.Server
	closed    bool
	httpSrv   *api.Server
	closeOnce sync.Once
	closeErr  error
}

// Option customises New.
type Option func(*options)

type options struct {
	store  registry.Store
	dialer collector.Dialer
	mqtt   mqttpub.Client
}

// WithStore replaces the devices file store.
func WithStore(s registry.Store) Option { return func(o *options) { o.store = s } }

// WithDialer replaces the Modbus TCP dialer used to reach field devices.
func WithDialer(d collector.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithMQTTClient replaces the paho client built from cfg.MQTT.
func WithMQTTClient(c mqttpub.Client) Option { return func(o *options) { o.mqtt = c } }

// New builds the gateway and loads the persisted devices. It fails only on
// configuration or history store errors.
func New(cfg config.RootConfig, logger zerolog.Logger, opts ...Option) (*Gateway, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = registry.NewFileStore(cfg.Gateway.DevicesFile)
	}
	if o.dialer == nil {
		o.dialer = collector.TCPDialer{
			ConnectTimeout: cfg.Poll.ConnectTimeout,
			CallTimeout:    cfg.Poll.CallTimeout,
			Retries:        cfg.Poll.Retries,
		}
	}

	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		Table:   registers.NewTable(cfg.Gateway.Capacity),
		Status:  status.NewStore(),
		Metrics: prometheus.NewRegistry(),
	}
	g.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewPrometheusCollector(g.Metrics)
	if err != nil {
		return nil, err
	}
	g.stats = metrics

	g.Registry = registry.New(o.store, g.Table.Capacity(), logger)
	if err := g.Registry.Load(); err != nil {
		logger.Error().Err(err).Str("file", cfg.Gateway.DevicesFile).Msg("could not load devices, starting empty")
	}
	g.Feed = status.NewFeed(g.Status, cfg.HTTP.StatusInterval)

	if cfg.History.Enabled {
		g.history, err = history.Open(cfg.History, logger)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
	}

	if cfg.MQTT.Enabled {
		if o.mqtt != nil {
			g.mqtt = mqttpub.NewWithClient(o.mqtt, cfg.MQTT, logger)
		} else if g.mqtt, err = mqttpub.New(cfg.MQTT, logger); err != nil {
			g.closeHistory()
			return nil, err
		}
	}

	g.Scheduler, err = collector.NewScheduler(collector.Options{
		Devices:    g.devices(),
		Table:      g.Table,
		Status:     g.Status,
		Dialer:     o.dialer,
		Interval:   cfg.Poll.Interval,
		Backoff:    cfg.Poll.Backoff,
		Ceiling:    cfg.Poll.Ceiling(),
		MaxWorkers: cfg.Poll.MaxWorkers,
		Logger:     logger,
		Metrics:    g.stats,
		OnResult:   g.onResult,
	})
	if err != nil {
		g.closeHistory()
		return nil, err
	}

	g.modbusSrv = g.newModbusServer()
	if cfg.HTTP.Enabled {
		apiOpts := api.Options{
			Devices:   g.Registry,
			Status:    g.Status,
			Feed:      g.Feed,
			Running:   g.Scheduler.Running,
			Gatherer:  g.Metrics,
			StaticDir: cfg.HTTP.StaticDir,
			Logger:    logger,
		}
		if g.history != nil && g.history.DB != nil {
			apiOpts.History = g.history.DB
		}
		g.httpSrv = api.New(apiOpts)
	}
	return g, nil
}

func (g *Gateway) newModbusServer() *modbus.Server {
	return modbus.NewServer(g.Table, modbus.Options{
		UnitID:  g.cfg.Gateway.UnitID,
		Logger:  g.logger,
		Metrics: g.stats,
	})
}

// devices is the poll source: the registry, with history caches pruned to
// the devices that still exist.
func (g *Gateway) devices() collector.DeviceSource {
	return deviceSourceFunc(func() []model.Device {
		list := g.Registry.List()
		if g.history != nil {
			names := make([]string, len(list))
			for i, d := range list {
				names[i] = d.Name
			}
			g.history.Retain(names)
		}
		return list
	})
}

type deviceSourceFunc func() []model.Device

func (f deviceSourceFunc) List() []model.Device { return f() }

func (g *Gateway) onResult(d model.Device, st model.DeviceStatus) {
	if g.history != nil {
		g.history.Record(d, st)
	}
}

// Listen binds the Modbus and HTTP ports. Call it before Run so a port
// already in use fails startup.
func (g *Gateway) Listen() error {
	if err := g.modbusSrv.Listen(g.cfg.Gateway.Listen); err != nil {
		return fmt.Errorf("modbus listen %s: %w", g.cfg.Gateway.Listen, err)
	}
	if g.httpSrv != nil {
		if err := g.httpSrv.Listen(g.cfg.HTTP.Listen); err != nil {
			g.modbusSrv.Close()
			return fmt.Errorf("http listen %s: %w", g.cfg.HTTP.Listen, err)
		}
	}
	return nil
}

func (g *Gateway) currentModbus() *modbus.Server {
	g.srvMu.Lock()
	defer g.srvMu.Unlock()
	return g.modbusSrv
}

// ModbusAddr is the bound address of the live protocol server, after Listen.
func (g *Gateway) ModbusAddr() string {
	if a := g.currentModbus().Addr(); a != nil {
		return a.String()
	}
	return ""
}

// HTTPAddr is the bound HTTP address, or "" when HTTP is disabled.
func (g *Gateway) HTTPAddr() string {
	if g.httpSrv == nil || g.httpSrv.Addr() == nil {
		return ""
	}
	return g.httpSrv.Addr().String()
}

// Run starts every component and blocks until ctx is done. The scheduler
// and the protocol server are supervised and restarted if they fail.
func (g *Gateway) Run(ctx context.Context) error {
	if g.currentModbus().Addr() == nil {
		return errors.New("gateway: Listen not called")
	}
	backoff := g.cfg.Gateway.RestartBackoff
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { Supervise(ctx, g.logger, "scheduler", backoff, g.runScheduler) })
	spawn(func() { Supervise(ctx, g.logger, "modbus-server", backoff, g.serveModbus()) })
	spawn(func() { _ = g.Feed.Run(ctx) })

	if g.httpSrv != nil {
		spawn(func() {
			if err := g.httpSrv.Run(ctx); err != nil {
				g.logger.Error().Err(err).Msg("http server stopped")
			}
		})
	}
	if g.mqtt != nil {
		if err := g.mqtt.Connect(); err != nil {
			g.logger.Error().Err(err).Msg("mqtt disabled")
			g.mqtt = nil
		} else {
			sub := g.Feed.Subscribe()
			spawn(func() { _ = g.mqtt.Run(ctx, sub) })
		}
	}

	g.logger.Info().
		Str("modbus", g.cfg.Gateway.Listen).
		Int("devices", g.Registry.Len()).
		Int("capacity", g.Table.Capacity()).
		Msg("gateway running")

	<-ctx.Done()
	wg.Wait()
	return g.Close()
}

// runScheduler maps a deliberate Stop or Close of the scheduler to a clean
// supervised exit.
func (g *Gateway) runScheduler(ctx context.Context) error {
	err := g.Scheduler.Run(ctx)
	if errors.Is(err, collector.ErrStopped) || errors.Is(err, collector.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	return err
}

// serveModbus returns the protocol server task. The first run uses the
// server bound by Listen; restarts bind a fresh one.
func (g *Gateway) serveModbus() Task {
	first := true
	return func(ctx context.Context) error {
		srv := g.currentModbus()
		if !first {
			srv = g.newModbusServer()
			if err := srv.Listen(g.cfg.Gateway.Listen); err != nil {
				return err
			}
			g.srvMu.Lock()
			if g.closed {
				g.srvMu.Unlock()
				srv.Close()
				return ErrStopped
			}
			g.modbusSrv = srv
			g.srvMu.Unlock()
		}
		first = false
		return srv.Run(ctx)
	}
}

// Close releases the scheduler pool and flushes the optional sinks. It is
// safe to call after Run.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.Scheduler.Close()
		g.srvMu.Lock()
		g.closed = true
		srv := g.modbusSrv
		g.srvMu.Unlock()
		srv.Close()
		if g.mqtt != nil {
			g.mqtt.Close()
		}
		g.closeErr = g.closeHistory()
	})
	return g.closeErr
}

func (g *Gateway) closeHistory() error {
	if g.history == nil {
		return nil
	}
	return g.history.Close()
}
