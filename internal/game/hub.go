package game

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"crashroom/internal/metrics"
)

// BROADCAST_BUFFER is the backlog past which multiplier ticks are shed.
// Every other event is always queued.
const BROADCAST_BUFFER = 1024

// Subscriber receives every event the hub fans out, already encoded.
type Subscriber interface {
	ID() string
	// Deliver must not block. Returning false marks the subscriber as too
	// slow; the hub then drops and closes it.
	Deliver(ev Event, payload []byte) bool
	Close()
}

// Hub fans engine events out to observers in publish order. Publish never
// blocks the caller.
type Hub struct {
	clients    map[Subscriber]bool
	register   chan Subscriber
	unregister chan Subscriber
	greeting   func() Event
	log        *zap.Logger
	mu         sync.RWMutex

	pendingMu sync.Mutex
	pending   []Event
	wake      chan struct{}
}

// NewHub creates a hub. greeting, if set, supplies the event a new subscriber
// receives before anything else.
func NewHub(greeting func() Event, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[Subscriber]bool),
		register:   make(chan Subscriber, 64),
		unregister: make(chan Subscriber, 64),
		greeting:   greeting,
		log:        log.Named("hub"),
		wake:       make(chan struct{}, 1),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.Subscribers.Set(float64(total))
			h.log.Debug("subscriber joined", zap.String("id", sub.ID()), zap.Int("total", total))

			if h.greeting != nil {
				if ev := h.greeting(); ev != nil {
					h.deliver(sub, ev)
				}
			}

		case sub := <-h.unregister:
			h.remove(sub, "left")

		case <-h.wake:
			for _, ev := range h.takePending() {
				h.fanOut(ev)
			}
		}
	}
}

func (h *Hub) fanOut(ev Event) {
	payload, err := Encode(ev)
	if err != nil {
		h.log.Error("encode event", zap.String("type", ev.EventType()), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []Subscriber
	for sub := range h.clients {
		if !sub.Deliver(ev, payload) {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		metrics.SubscribersDropped.Inc()
		h.remove(sub, "too slow")
	}
}

// Publish implements Publisher. When the hub falls behind, multiplier ticks
// are dropped; round transitions, bets and cash outs are always delivered.
func (h *Hub) Publish(ev Event) {
	h.pendingMu.Lock()
	if _, tick := ev.(MultiplierTick); tick && len(h.pending) >= BROADCAST_BUFFER {
		h.pendingMu.Unlock()
		metrics.EventsDropped.WithLabelValues(ev.EventType()).Inc()
		h.log.Warn("hub behind, dropping tick", zap.Int64("round", ev.Round()))
		return
	}
	h.pending = append(h.pending, ev)
	h.pendingMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) takePending() []Event {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	out := h.pending
	h.pending = nil
	return out
}

// Backlog is the number of events published but not yet fanned out.
func (h *Hub) Backlog() int {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return len(h.pending)
}

func (h *Hub) Subscribe(sub Subscriber) {
	h.register <- sub
}

func (h *Hub) Unsubscribe(sub Subscriber) {
	h.unregister <- sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(sub Subscriber, ev Event) {
	payload, err := Encode(ev)
	if err != nil {
		h.log.Error("encode event", zap.String("type", ev.EventType()), zap.Error(err))
		return
	}
	if !sub.Deliver(ev, payload) {
		metrics.SubscribersDropped.Inc()
		h.remove(sub, "too slow")
	}
}

func (h *Hub) remove(sub Subscriber, reason string) {
	h.mu.Lock()
	_, ok := h.clients[sub]
	delete(h.clients, sub)
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.Close()
	metrics.Subscribers.Set(float64(total))
	h.log.Debug("subscriber removed", zap.String("id", sub.ID()), zap.String("reason", reason), zap.Int("total", total))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		sub.Close()
		delete(h.clients, sub)
	}
	metrics.Subscribers.Set(0)
}
