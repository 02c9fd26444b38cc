// Package hub fans received telemetry out to in-process subscribers (value
// displays, plotters, recorders) with a bounded queue per subscriber.
package hub

import (
	"sync"

	"github.com/mlukasch/balance-link/internal/iface"
	"github.com/mlukasch/balance-link/internal/logging"
	"github.com/mlukasch/balance-link/internal/metrics"
)

// Update is one leaf write observed on the receive buffer.
type Update struct {
	Key   string // dotted leaf path
	Value iface.Stamped
}

type BackpressurePolicy int

const (
	// PolicyDrop discards updates a full subscriber cannot take.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick detaches subscribers that fall behind.
	PolicyKick
)

// Subscriber receives updates on Out until Closed is signalled.
type Subscriber struct {
	Out       chan Update
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the subscriber is detached (idempotent).
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	subs       map[*Subscriber]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{subs: make(map[*Subscriber]struct{})} }

// Subscribe registers and returns a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	size := h.OutBufSize
	if size <= 0 {
		size = 64
	}
	s := &Subscriber{
		Out:    make(chan Update, size),
		Closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetHubSubscribers(n)
	if n == 1 {
		logging.L().Info("hub_first_subscriber")
	}
	return s
}

// Unsubscribe detaches s; safe to call multiple times.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, existed := h.subs[s]
	if existed {
		delete(h.subs, s)
	}
	n := len(h.subs)
	h.mu.Unlock()
	s.Close()
	metrics.SetHubSubscribers(n)
	if existed && n == 0 {
		logging.L().Info("hub_last_subscriber_gone")
	}
}

// Publish delivers an update to all subscribers honoring the backpressure
// policy. Never blocks the publishing goroutine.
func (h *Hub) Publish(u Update) {
	for _, s := range h.snapshot() {
		select {
		case s.Out <- u:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				s.Close() // consumer notices Closed and unsubscribes
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

func (h *Hub) snapshot() []*Subscriber {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	return subs
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.subs); h.mu.RUnlock(); return n }
