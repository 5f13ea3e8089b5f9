// Package notify fans job status events out to live subscribers and to
// external sinks. Publishing never blocks on a slow consumer.
package notify

import (
	"log/slog"
	"sync"

	"github.com/use-agent/scrapeflow/models"
)

// subscriberBuffer is the per-subscriber backlog before events are dropped.
const subscriberBuffer = 16

// Sink receives every published event. Send must not block the caller for
// long; network sinks hand off to their own goroutines.
type Sink interface {
	Send(ev models.StatusEvent)
	Close() error
}

// Hub is the registry of per-job subscriber channels.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	sinks  []Sink
	closed bool
}

type subscription struct {
	ch   chan models.StatusEvent
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub creates a hub that also forwards events to sinks.
func NewHub(sinks ...Sink) *Hub {
	return &Hub{
		subs:  make(map[string]map[*subscription]struct{}),
		sinks: sinks,
	}
}

// Subscribe registers interest in jobID. The returned cancel func must be
// called when the subscriber goes away; it closes the channel.
func (h *Hub) Subscribe(jobID string) (<-chan models.StatusEvent, func()) {
	sub := &subscription{ch: make(chan models.StatusEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[jobID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Publish delivers ev to every current subscriber of ev.JobID. A subscriber
// whose buffer is full misses the event and must re-read the job.
func (h *Hub) Publish(ev models.StatusEvent) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for sub := range h.subs[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("status subscriber lagging, event dropped",
				"job_id", ev.JobID,
				"status", ev.Status,
			)
		}
	}
	sinks := h.sinks
	h.mu.Unlock()

	for _, s := range sinks {
		s.Send(ev)
	}
}

// Subscribers reports how many live subscribers jobID has.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// Close ends every subscription and closes the sinks.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, id)
	}
	sinks := h.sinks
	h.mu.Unlock()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			slog.Warn("notify sink close failed", "error", err)
		}
	}
}
