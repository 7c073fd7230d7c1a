package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

// Store is the durable event log the bus dispatches from.
type Store interface {
	InsertEvent(ctx context.Context, channel string, payload map[string]any) (int64, error)
	EventsAfter(ctx context.Context, channel string, afterID int64, limit int) ([]*models.Event, error)
	LatestEventID(ctx context.Context, channel string) (int64, error)
}

// Backend turns external activity (NOTIFY or a poll tick) into channel
// wake-ups. The bus itself fetches from the Store, so a backend only
// signals "there may be something new".
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
}

// Callback receives events for one subscriber, serially and in id order.
type Callback func(event *models.Event)

const (
	dispatchBatchSize = 100
	subscriberBuffer  = 256
)

// Bus is the event bus: durable publish plus live subscription fan-out.
// Dispatch is serial per channel and per subscriber; ordering follows
// event ids. A subscriber that cannot keep up is dropped (its channel
// closed) rather than stalling the rest; SSE clients recover through
// catchup on reconnect.
type Bus struct {
	store        Store
	errorBackoff time.Duration

	mu       sync.Mutex
	backend  Backend
	channels map[string]*channelState
	nextSub  int64
}

type channelState struct {
	watermark int64
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	subs      map[int64]*subscriber
}

type subscriber struct {
	id     int64
	events chan *models.Event
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.events) })
}

// NewBus creates a bus over the given store. The delivery backend is
// attached afterwards via SetBackend, which lets the backend's wake
// function point back at the bus.
func NewBus(store Store, errorBackoff time.Duration) *Bus {
	if errorBackoff < 5*time.Second {
		errorBackoff = 5 * time.Second
	}
	return &Bus{
		store:        store,
		errorBackoff: errorBackoff,
		channels:     make(map[string]*channelState),
	}
}

// SetBackend attaches the delivery backend.
func (b *Bus) SetBackend(backend Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backend = backend
}

// Publish persists an event and wakes local dispatch for its channel.
// Cross-pod subscribers are woken by the backend (NOTIFY fires inside
// the insert transaction; the poller finds the row on its next tick).
// Returns the assigned event id.
func (b *Bus) Publish(ctx context.Context, channel string, payload map[string]any) (int64, error) {
	id, err := b.store.InsertEvent(ctx, channel, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	b.Wake(channel)
	return id, nil
}

// Wake nudges the channel's dispatch loop. Safe to call for channels
// with no subscribers.
func (b *Bus) Wake(channel string) {
	b.mu.Lock()
	state := b.channels[channel]
	b.mu.Unlock()
	if state == nil {
		return
	}
	select {
	case state.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers a callback for a channel's events starting from
// the current head. Returns the subscriber id for Unsubscribe.
func (b *Bus) Subscribe(ctx context.Context, channel string, cb Callback) (int64, error) {
	sub, err := b.addSubscriber(ctx, channel)
	if err != nil {
		return 0, err
	}
	go func() {
		for event := range sub.events {
			invokeCallback(channel, sub.id, cb, event)
		}
	}()
	return sub.id, nil
}

// SubscribeChan is Subscribe with a channel instead of a callback.
// The returned channel is closed on Unsubscribe or when the subscriber
// falls too far behind.
func (b *Bus) SubscribeChan(ctx context.Context, channel string) (int64, <-chan *models.Event, error) {
	sub, err := b.addSubscriber(ctx, channel)
	if err != nil {
		return 0, nil, err
	}
	return sub.id, sub.events, nil
}

func (b *Bus) addSubscriber(ctx context.Context, channel string) (*subscriber, error) {
	b.mu.Lock()
	state := b.channels[channel]
	if state == nil {
		head, err := b.store.LatestEventID(ctx, channel)
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to read channel head: %w", err)
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		state = &channelState{
			watermark: head,
			wake:      make(chan struct{}, 1),
			cancel:    cancel,
			done:      make(chan struct{}),
			subs:      make(map[int64]*subscriber),
		}
		b.channels[channel] = state
		go b.dispatchLoop(loopCtx, channel, state)
	}

	b.nextSub++
	sub := &subscriber{
		id:     b.nextSub,
		events: make(chan *models.Event, subscriberBuffer),
	}
	state.subs[sub.id] = sub
	backend := b.backend
	first := len(state.subs) == 1
	b.mu.Unlock()

	if first && backend != nil {
		if err := backend.Listen(ctx, channel); err != nil {
			b.Unsubscribe(ctx, channel, sub.id)
			return nil, fmt.Errorf("failed to listen on channel: %w", err)
		}
	}
	return sub, nil
}

// Unsubscribe removes a subscriber. The last subscriber on a channel
// tears down its dispatch loop and backend listen.
func (b *Bus) Unsubscribe(ctx context.Context, channel string, subID int64) {
	b.mu.Lock()
	state := b.channels[channel]
	if state == nil {
		b.mu.Unlock()
		return
	}
	sub, ok := state.subs[subID]
	if ok {
		delete(state.subs, subID)
	}
	var backend Backend
	last := len(state.subs) == 0
	if last {
		delete(b.channels, channel)
		state.cancel()
		backend = b.backend
	}
	b.mu.Unlock()

	if ok {
		sub.close()
	}
	if last {
		<-state.done
		if backend != nil {
			if err := backend.Unlisten(ctx, channel); err != nil {
				slog.Warn("Failed to unlisten channel", "channel", channel, "error", err)
			}
		}
	}
}

// Close shuts down all channel dispatch loops.
func (b *Bus) Close() {
	b.mu.Lock()
	states := make(map[string]*channelState, len(b.channels))
	for ch, st := range b.channels {
		states[ch] = st
	}
	b.channels = make(map[string]*channelState)
	b.mu.Unlock()

	for _, state := range states {
		state.cancel()
		<-state.done
		for _, sub := range state.subs {
			sub.close()
		}
	}
}

// dispatchLoop waits for wake-ups and drains new events from the store
// in id order, advancing the channel watermark. Fetch errors back off
// before retrying so a struggling database is not hammered.
func (b *Bus) dispatchLoop(ctx context.Context, channel string, state *channelState) {
	defer close(state.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-state.wake:
		}

		for {
			batch, err := b.store.EventsAfter(ctx, channel, state.watermark, dispatchBatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Event dispatch fetch failed",
					"channel", channel, "error", err, "backoff", b.errorBackoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.errorBackoff):
				}
				continue
			}
			if len(batch) == 0 {
				break
			}

			for _, event := range batch {
				b.deliver(channel, state, event)
				state.watermark = event.ID
			}
			if len(batch) < dispatchBatchSize {
				break
			}
		}
	}
}

// deliver fans one event out to the channel's subscribers. A full
// subscriber buffer means the consumer stopped draining; it is dropped
// so the rest of the channel keeps flowing.
func (b *Bus) deliver(channel string, state *channelState, event *models.Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(state.subs))
	for _, sub := range state.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- event:
		default:
			slog.Warn("Dropping slow event subscriber",
				"channel", channel, "subscriber_id", sub.id, "event_id", event.ID)
			b.mu.Lock()
			delete(state.subs, sub.id)
			b.mu.Unlock()
			sub.close()
		}
	}
}

func invokeCallback(channel string, subID int64, cb Callback, event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event callback panicked",
				"channel", channel, "subscriber_id", subID, "event_id", event.ID, "panic", r)
		}
	}()
	cb(event)
}
