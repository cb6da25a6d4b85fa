package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Task is a long-lived component run under supervision.
type Task func(ctx context.Context) error

// ErrStopped is returned by a task that was stopped on purpose. Supervise
// does not restart it.
var ErrStopped = errors.New("task stopped")

// errExited marks a task that returned nil while ctx was still live.
var errExited = errors.New("task exited")

// Supervise runs task until ctx is done or the task returns ErrStopped. If
// the task returns early with any other result, or panics, it is restarted
// after backoff.
func Supervise(ctx context.Context, logger zerolog.Logger, name string, backoff time.Duration, task Task) {
	if backoff <= 0 {
		backoff = time.Second
	}
	log := logger.With().Str("task", name).Logger()
	for restarts := 0; ; restarts++ {
		err := runTask(ctx, task)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrStopped) {
			log.Info().Msg("task stopped")
			return
		}
		if err == nil {
			err = errExited
		}
		log.Error().Err(err).Int("restarts", restarts).Dur("backoff", backoff).Msg("task failed, restarting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx)
}
