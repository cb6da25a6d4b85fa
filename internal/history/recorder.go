package history

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/model"
)

// ErrQueueFull is returned by Enqueue when the writer is behind.
var ErrQueueFull = errors.New("history queue full")

// Recorder de-duplicates point rows and writes them to its sinks on a
// background goroutine.
type Recorder struct {
	logger zerolog.Logger
	cache  *ValueCache
	sinks  []Sink
	// DB is the SQLite sink when enabled. It also answers queries.
	DB *SQLiteSink

	q       chan model.PointValue
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped int
}

// Open builds the sinks named by cfg.FileType and starts the writer.
func Open(cfg config.HistoryConfig, logger zerolog.Logger) (*Recorder, error) {
	jsonl, csv, db, err := config.HistoryOutputs(cfg.FileType)
	if err != nil {
		return nil, err
	}
	var sinks []Sink
	var sq *SQLiteSink
	fail := func(err error) (*Recorder, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}
	if jsonl {
		s, err := NewJSONLSink(cfg.Dir)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if csv {
		s, err := NewCSVSink(cfg.Dir)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if db {
		s, err := OpenSQLite(cfg.DBPath)
		if err != nil {
			return fail(fmt.Errorf("open history db: %w", err))
		}
		sinks = append(sinks, s)
		sq = s
	}
	r := NewRecorder(logger, NewValueCache(cfg.CacheTTL), cfg.QueueSize, sinks...)
	r.DB = sq
	return r, nil
}

// NewRecorder starts a writer over sinks.
func NewRecorder(logger zerolog.Logger, cache *ValueCache, queueSize int, sinks ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if cache == nil {
		cache = NewValueCache(0)
	}
	r := &Recorder{
		logger: logger.With().Str("component", "history").Logger(),
		cache:  cache,
		sinks:  sinks,
		q:      make(chan model.PointValue, queueSize),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues the changed readings of one poll. It matches
// collector.ResultHandler.
func (r *Recorder) Record(d model.Device, st model.DeviceStatus) {
	for _, p := range Points(d, st) {
		if !r.cache.Changed(p.Key(), p.Value) {
			continue
		}
		if err := r.Enqueue(p); err != nil {
			r.mu.Lock()
			r.dropped++
			n := r.dropped
			r.mu.Unlock()
			if n == 1 || n%1000 == 0 {
				r.logger.Warn().Err(err).Int("dropped", n).Msg("history point dropped")
			}
			// let the next poll retry it
			r.cache.Delete(p.Key())
		}
	}
}

// Enqueue hands p to the writer without blocking.
func (r *Recorder) Enqueue(p model.PointValue) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.New("history recorder closed")
	}
	select {
	case r.q <- p:
		return nil
	default:
		return ErrQueueFull
	}
}

// Retain drops cached values of devices not in names.
func (r *Recorder) Retain(names []string) {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	r.cache.Forget(func(k string) bool {
		dev, _, _ := strings.Cut(k, "|")
		_, ok := keep[dev]
		return ok
	})
}

// Dropped is the number of points lost to a full queue.
func (r *Recorder) Dropped() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

func (r *Recorder) loop() {
	defer close(r.done)
	for p := range r.q {
		for _, s := range r.sinks {
			if err := s.Write(p); err != nil {
				r.logger.Error().Err(err).Str("device", p.Device).Msg("history write failed")
			}
		}
		if len(r.q) == 0 {
			r.flush()
		}
	}
	r.flush()
}

func (r *Recorder) flush() {
	for _, s := range r.sinks {
		if err := s.Flush(); err != nil {
			r.logger.Error().Err(err).Msg("history flush failed")
		}
	}
}

// Close drains the queue and closes every sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.q)
	r.mu.Unlock()

	<-r.done
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
