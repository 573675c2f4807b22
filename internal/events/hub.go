// Package events fans dispatch progress out to in-process listeners such as
// `outdial run --progress` and the serve loop.
package events

import (
	"maps"
	"sync"
	"time"
)

// Event is one progress notification. Data is one of the payload types in
// this package, or the run summary for RunFinished.
type Event struct {
	Seq  int64     `json:"seq"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Hub delivers events to subscribers without ever blocking the publisher. A
// subscriber that falls behind misses events, and the misses are counted.
type Hub struct {
	now func() time.Time

	mu     sync.Mutex
	seq    int64
	subs   map[int]*subscription
	nextID int
	tally  map[string]int
}

type subscription struct {
	ch      chan Event
	dropped int
}

func NewHub() *Hub {
	return &Hub{
		now:   time.Now,
		subs:  make(map[int]*subscription),
		tally: make(map[string]int),
	}
}

// Publish stamps the event and offers it to every subscriber. Sequence
// numbers follow delivery order.
func (h *Hub) Publish(eventType string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := Event{Seq: h.seq, Type: eventType, At: h.now().UTC(), Data: data}
	h.tally[eventType]++
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped++
		}
	}
}

// Subscribe registers a listener that can hold buffer undelivered events.
// The returned func unsubscribes, closes the channel, and reports how many
// events this listener missed. Events already buffered stay readable.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func() int) {
	if buffer <= 0 {
		buffer = 64
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	s := &subscription{ch: make(chan Event, buffer)}
	h.subs[id] = s

	var once sync.Once
	var dropped int
	cancel := func() int {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(s.ch)
			dropped = s.dropped
		})
		return dropped
	}
	return s.ch, cancel
}

// Tally reports how many events of each type have been published.
func (h *Hub) Tally() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.tally)
}
