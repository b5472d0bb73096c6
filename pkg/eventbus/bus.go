// Package eventbus is the in-process pub/sub fabric between the pipeline
// and live subscribers (SSE connections). Publishing never blocks: when a
// subscriber's queue is full the oldest queued event is dropped.
package eventbus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Channel names events flow on.
const (
	ChannelLogs    = "log.received"
	ChannelMetrics = "metric.aggregated"
	ChannelAlerts  = "alert.triggered"
)

// DefaultQueueSize bounds a subscriber's queue unless it asks otherwise.
const DefaultQueueSize = 1024

var (
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumen",
		Name:      "eventbus_published_total",
		Help:      "Events published per channel.",
	}, []string{"channel"})
	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumen",
		Name:      "eventbus_dropped_total",
		Help:      "Events dropped because a subscriber queue was full.",
	}, []string{"channel"})
)

// Event is one published item. Service carries the originating service
// name so subscribers can filter without inspecting the payload.
type Event struct {
	Channel   string    `json:"channel"`
	Service   string    `json:"service,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Subscription is one subscriber's view of a channel. Events arrive on C;
// Close releases the subscription and closes C.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	channel string
	service string
	dropped *atomic.Int64
	once    sync.Once
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus fans events out to per-channel subscriber sets.
type Bus struct {
	mtx  sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber on channel. An empty service matches
// every event; otherwise only events for that service are delivered.
// queueSize <= 0 selects DefaultQueueSize.
func (b *Bus) Subscribe(channel, service string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ch := make(chan Event, queueSize)
	sub := &Subscription{
		C:       ch,
		bus:     b,
		ch:      ch,
		channel: channel,
		service: service,
		dropped: atomic.NewInt64(0),
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.subs[sub.channel], sub)
}

// Publish delivers the event to every matching subscriber of its channel.
// Never blocks the caller: a full subscriber queue sheds its oldest event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	metricPublished.WithLabelValues(ev.Channel).Inc()

	b.mtx.RLock()
	defer b.mtx.RUnlock()
	for sub := range b.subs[ev.Channel] {
		if sub.service != "" && sub.service != ev.Service {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Queue full: evict the oldest event to make room. The second
			// send can still lose a race with a concurrent publisher, in
			// which case this event is the one dropped.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				sub.dropped.Inc()
				metricDropped.WithLabelValues(ev.Channel).Inc()
				continue
			}
			sub.dropped.Inc()
			metricDropped.WithLabelValues(ev.Channel).Inc()
		}
	}
}

// SubscriberCount reports active subscribers on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return len(b.subs[channel])
}
