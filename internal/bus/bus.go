// Package bus is the in-memory event fan-out between the core and its
// streaming clients.
//
// Producers call [Bus.Broadcast] with an event type, a camelCase payload
// map, and a channel name; every subscription that selected that channel
// receives the event on its bounded queue. Delivery is at-most-once with no
// history: a slow client whose queue fills up is evicted rather than ever
// blocking a producer, and a reconnecting client re-fetches state instead
// of replaying missed events.
//
// Timestamps on the wire are always UTC with an explicit Z suffix —
// implicit local-time serialisation makes frontend durations flicker.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxweave/voxweave/internal/observe"
)

// Channel names clients can subscribe to.
const (
	ChannelJobs          = "jobs"
	ChannelHealth        = "health"
	ChannelProjects      = "projects"
	ChannelExport        = "export"
	ChannelImport        = "import"
	ChannelEngines       = "engines"
	ChannelSpeakers      = "speakers"
	ChannelSettings      = "settings"
	ChannelPronunciation = "pronunciation"
	ChannelQuality       = "quality"
)

// KnownChannels lists every valid channel name.
var KnownChannels = []string{
	ChannelJobs, ChannelHealth, ChannelProjects, ChannelExport, ChannelImport,
	ChannelEngines, ChannelSpeakers, ChannelSettings, ChannelPronunciation,
	ChannelQuality,
}

// DefaultChannels is the channel set a subscription gets when the client
// does not pick any.
var DefaultChannels = []string{ChannelJobs, ChannelHealth}

// DefaultQueueSize bounds each subscriber queue. A client that falls this
// far behind is evicted.
const DefaultQueueSize = 256

// Event is one broadcast frame. Data is the complete wire payload: the
// entity fields plus the `event`, `_timestamp`, and `_channel` keys, so
// clients need no transport-specific event-type demultiplexing.
type Event struct {
	ID      string
	Type    string
	Channel string
	Data    map[string]any
}

// Subscription is one client's live handle on the bus.
type Subscription struct {
	// ID identifies the client in the connected handshake and in logs.
	ID string

	// Channels is the channel set this subscription selected.
	Channels []string

	// C delivers events in broadcast order. It is closed when the client
	// unsubscribes or is evicted.
	C <-chan Event

	queue chan Event
	bus   *Bus
	once  sync.Once
}

// Close tears the subscription down and removes it from every channel set.
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.queue)
	})
}

// Option configures a [Bus].
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// Bus is the in-memory pub/sub hub. Safe for concurrent use.
type Bus struct {
	queueSize int

	mu       sync.Mutex
	channels map[string]map[*Subscription]struct{}

	// dropped counts evictions, surfaced through Stats for metrics.
	dropped int64
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueSize: DefaultQueueSize,
		channels:  make(map[string]map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a client on the given channels (DefaultChannels when
// empty; unknown names are dropped). The first event on the queue is a
// `connected` handshake carrying the client ID and effective channel set.
func (b *Bus) Subscribe(channels []string) *Subscription {
	selected := normaliseChannels(channels)

	sub := &Subscription{
		ID:       uuid.NewString(),
		Channels: selected,
		queue:    make(chan Event, b.queueSize),
	}
	sub.C = sub.queue
	sub.bus = b

	b.mu.Lock()
	for _, ch := range selected {
		set, ok := b.channels[ch]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.channels[ch] = set
		}
		set[sub] = struct{}{}
	}
	b.mu.Unlock()

	// Handshake frame. The queue is empty, so this cannot block.
	sub.queue <- b.newEvent("connected", map[string]any{
		"clientId": sub.ID,
		"channels": selected,
	}, "")

	slog.Debug("bus subscriber connected", "client_id", sub.ID, "channels", selected)
	return sub
}

// Broadcast fans an event out to every subscriber of channel. Queues are
// never blocked on: a subscriber whose queue is full is evicted from all
// channels and its queue closed.
func (b *Bus) Broadcast(eventType string, data map[string]any, channel string) {
	ev := b.newEvent(eventType, data, channel)

	b.mu.Lock()
	var evicted []*Subscription
	for sub := range b.channels[channel] {
		select {
		case sub.queue <- ev:
		default:
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		b.removeLocked(sub)
		b.dropped++
	}
	b.mu.Unlock()

	for _, sub := range evicted {
		slog.Warn("bus subscriber evicted, queue full", "client_id", sub.ID, "channel", channel)
		observe.DefaultMetrics().RecordBusEviction(context.Background())
		sub.once.Do(func() { close(sub.queue) })
	}
}

// SubscriberCount returns how many subscriptions channel currently has.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

// Dropped returns the number of evictions since the bus was created.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) newEvent(eventType string, data map[string]any, channel string) Event {
	payload := make(map[string]any, len(data)+3)
	for k, v := range data {
		payload[k] = v
	}
	payload["event"] = eventType
	payload["_timestamp"] = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	if channel != "" {
		payload["_channel"] = channel
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Channel: channel,
		Data:    payload,
	}
}

// remove detaches sub from every channel set and garbage-collects empty
// sets.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscription) {
	for ch, set := range b.channels {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.channels, ch)
		}
	}
}

// normaliseChannels filters the requested names down to known channels,
// deduplicated, falling back to DefaultChannels.
func normaliseChannels(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), DefaultChannels...)
	}
	known := make(map[string]struct{}, len(KnownChannels))
	for _, ch := range KnownChannels {
		known[ch] = struct{}{}
	}
	seen := make(map[string]struct{}, len(requested))
	var out []string
	for _, ch := range requested {
		if _, ok := known[ch]; !ok {
			continue
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultChannels...)
	}
	return out
}
