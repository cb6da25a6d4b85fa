package status

import (
	"context"
	"sync"
	"time"
)

// Source produces the snapshot pushed on every tick.
type Source interface {
	Snapshot() Snapshot
}

// Feed pushes the full status map to subscribers on a fixed cadence.
// Each subscriber has a one-slot mailbox; an undelivered snapshot is
// replaced by the newer one so a slow reader never blocks the others.
type Feed struct {
	src      Source
	interval time.Duration

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription receives snapshots on C until Close.
type Subscription struct {
	C    <-chan Snapshot
	ch   chan Snapshot
	feed *Feed
	once sync.Once
}

func NewFeed(src Source, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	return &Feed{src: src, interval: interval, subs: make(map[*Subscription]struct{})}
}

func (f *Feed) Subscribe() *Subscription {
	ch := make(chan Snapshot, 1)
	sub := &Subscription{C: ch, ch: ch, feed: f}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		close(s.ch)
		s.feed.mu.Unlock()
	})
}

// Subscribers returns the number of open subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Publish delivers snap to every subscriber without blocking.
func (f *Feed) Publish(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		// mailbox full: drop the stale snapshot, then deliver
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

// Run publishes a snapshot every interval until ctx is done, then closes
// all subscriptions.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	defer f.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Publish(f.src.Snapshot())
		}
	}
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
