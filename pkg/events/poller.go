package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller is the polling backend for databases without NOTIFY support
// (or deployments that prefer not to hold a LISTEN connection). It
// wakes the bus for every subscribed channel on a timer; the bus's
// watermark fetch does the actual work, so a tick on a quiet channel
// costs one indexed query.
type Poller struct {
	interval time.Duration
	wake     func(channel string)

	mu       sync.RWMutex
	channels map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a polling backend with the given tick interval.
func NewPoller(interval time.Duration, wake func(channel string)) *Poller {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Poller{
		interval: interval,
		wake:     wake,
		channels: make(map[string]bool),
	}
}

// Start launches the poll loop.
func (p *Poller) Start(_ context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.tick()
			}
		}
	}()

	slog.Info("Event poller started", "interval", p.interval)
	return nil
}

func (p *Poller) tick() {
	p.mu.RLock()
	channels := make([]string, 0, len(p.channels))
	for ch := range p.channels {
		channels = append(channels, ch)
	}
	p.mu.RUnlock()

	for _, ch := range channels {
		p.wake(ch)
	}
}

// Listen adds a channel to the poll set.
func (p *Poller) Listen(_ context.Context, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channel] = true
	return nil
}

// Unlisten removes a channel from the poll set.
func (p *Poller) Unlisten(_ context.Context, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.channels, channel)
	return nil
}

// Stop halts the poll loop.
func (p *Poller) Stop(_ context.Context) {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}
