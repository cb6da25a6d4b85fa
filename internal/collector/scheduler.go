package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/status"
	"modbus-gateway/internal/telemetry"
)

var (
	// ErrRunning is returned by Start and Run on a scheduler that is already running.
	ErrRunning = errors.New("scheduler already running")
	// ErrStopped is returned by Run when Stop ended the loop.
	ErrStopped = errors.New("scheduler stopped")
	// ErrClosed is returned by Start and Run after Close.
	ErrClosed = errors.New("scheduler closed")
)

// DeviceSource yields the devices to poll. It is read once per cycle.
type DeviceSource interface {
	List() []model.Device
}

// ResultHandler observes each device's status after it is stored.
type ResultHandler func(d model.Device, st model.DeviceStatus)

// Options configures a Scheduler. Devices, Table, Status and Dialer are required.
type Options struct {
	Devices DeviceSource
	Table   Writer
	Status  *status.Store
	Dialer  Dialer
	Pollers map[model.Type]Poller

	Interval   time.Duration
	Backoff    time.Duration
	Ceiling    time.Duration
	MaxWorkers int

	Logger   zerolog.Logger
	Metrics  telemetry.Collector
	OnResult ResultHandler
}

// Scheduler polls every device once per cycle, concurrently, and paces
// cycles at a fixed interval. It is either idle or running.
type Scheduler struct {
	opts   Options
	pool   *ants.Pool
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Devices == nil || opts.Table == nil || opts.Status == nil || opts.Dialer == nil {
		return nil, errors.New("scheduler: devices, table, status and dialer are required")
	}
	if opts.Pollers == nil {
		opts.Pollers = DefaultPollers(opts.Logger)
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = 10 * time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 256
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop()
	}

	logger := opts.Logger.With().Str("component", "scheduler").Logger()
	pool, err := ants.NewPool(opts.MaxWorkers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error().Interface("panic", p).Msg("poll worker panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("create poll pool: %w", err)
	}
	return &Scheduler{opts: opts, pool: pool, logger: logger}, nil
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start runs the poll loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	stop, err := s.enter()
	if err != nil {
		return err
	}
	go s.loop(ctx, stop)
	return nil
}

// Run runs the poll loop until ctx is done or Stop is called. It returns
// nil when ctx ended the loop and ErrStopped when Stop did.
func (s *Scheduler) Run(ctx context.Context) error {
	stop, err := s.enter()
	if err != nil {
		return err
	}
	if s.loop(ctx, stop) {
		return ErrStopped
	}
	return nil
}

// Stop prevents further cycles and waits for the in-flight cycle to finish.
// Dispatched polls are not cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if !s.stopped {
		close(s.stop)
		s.stopped = true
	}
	done := s.done
	s.mu.Unlock()
	<-done
}

// Close stops the loop and releases the worker pool. The scheduler cannot
// be started again.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Stop()
	s.pool.Release()
}

func (s *Scheduler) enter() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.running {
		return nil, ErrRunning
	}
	s.running = true
	s.stopped = false
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	return s.stop, nil
}

func (s *Scheduler) leave() {
	s.mu.Lock()
	s.running = false
	close(s.done)
	s.mu.Unlock()
}

// loop reports whether Stop ended it.
func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) bool {
	defer s.leave()
	s.logger.Info().Dur("interval", s.opts.Interval).Msg("polling started")
	defer s.logger.Info().Msg("polling stopped")

	for {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return true
		default:
		}

		wait := s.opts.Interval
		if err := s.RunCycle(ctx); err != nil {
			s.opts.Metrics.IncSchedulerFault()
			s.logger.Error().Err(err).Dur("backoff", s.opts.Backoff).Msg("poll cycle failed")
			wait = s.opts.Backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-stop:
			timer.Stop()
			return true
		case <-timer.C:
		}
	}
}

// RunCycle polls every current device once and waits for all of them.
// Device failures are recorded as offline statuses; only a fault in the
// orchestration itself is returned.
func (s *Scheduler) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler fault: %v", r)
		}
	}()

	devices := s.opts.Devices.List()
	names := make([]string, 0, len(devices))
	// polls keep running past ctx cancellation; each is bounded by the ceiling
	base := context.WithoutCancel(ctx)

	var (
		wg        sync.WaitGroup
		submitErr error
	)
	for _, d := range devices {
		names = append(names, d.Name)
		wg.Add(1)
		if e := s.pool.Submit(func() {
			defer wg.Done()
			s.pollDevice(base, d)
		}); e != nil {
			wg.Done()
			submitErr = errors.Join(submitErr, fmt.Errorf("dispatch %s: %w", d.Name, e))
		}
	}
	wg.Wait()

	s.opts.Status.Retain(names)
	s.opts.Metrics.SetDevicesOnline(s.opts.Status.Online())
	s.opts.Metrics.IncCycle()
	return submitErr
}

func (s *Scheduler) pollDevice(base context.Context, d model.Device) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(base, s.opts.Ceiling)
	defer cancel()

	// the poll is abandoned at the ceiling even if its client ignores ctx;
	// pollers check ctx before every write-back so a late poll writes nothing
	done := make(chan model.Result, 1)
	go func() { done <- s.safePoll(ctx, d) }()
	var res model.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = failed(fmt.Errorf("poll deadline after %s: %w", s.opts.Ceiling, ctx.Err()))
	}
	st := model.StatusFromResult(res)
	s.opts.Status.Set(d.Name, st)
	s.opts.Metrics.ObservePoll(string(d.Type), st.Online(), time.Since(started))

	log := s.logger.With().Str("device", d.Name).Str("type", string(d.Type)).Str("addr", d.Address()).Logger()
	if st.Online() {
		log.Debug().Int("values", len(st.Values)).Dur("took", time.Since(started)).Msg("poll ok")
	} else {
		log.Warn().Str("error", st.Error).Msg("device offline")
	}
	if s.opts.OnResult != nil {
		s.opts.OnResult(d, st)
	}
}

func (s *Scheduler) safePoll(ctx context.Context, d model.Device) (res model.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failed(fmt.Errorf("poller panic: %v", r))
		}
	}()

	poller, ok := s.opts.Pollers[d.Type]
	if !ok {
		return failed(fmt.Errorf("no poller for device type %q", d.Type))
	}
	client, err := s.opts.Dialer.Dial(ctx, d)
	if err != nil {
		return failed(err)
	}
	defer client.Close()
	return poller.Poll(ctx, client, d, s.opts.Table)
}
