// ABOUTME: Fan-out of live execution output to streaming subscribers.
// ABOUTME: Subscribers get per-execution channels closed when the execution ends.

package supervisor

import "sync"

// Chunk is one piece of live output from a running execution.
type Chunk struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// Hub fans execution output out to any number of subscribers. Slow
// subscribers drop chunks rather than stall the capture loop; the durable
// record in the tracker is the source of truth.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Chunk]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Chunk]struct{})}
}

// Subscribe returns a channel of live output for one execution and a cancel
// function. The channel is closed when the execution ends or on cancel.
func (h *Hub) Subscribe(executionID string) (<-chan Chunk, func()) {
	ch := make(chan Chunk, 64)

	h.mu.Lock()
	set, ok := h.subs[executionID]
	if !ok {
		set = make(map[chan Chunk]struct{})
		h.subs[executionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[executionID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, executionID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers a chunk to current subscribers without blocking.
func (h *Hub) Publish(executionID, stream, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[executionID] {
		select {
		case ch <- Chunk{Stream: stream, Data: data}:
		default:
		}
	}
}

// Finish closes every subscriber channel for an execution.
func (h *Hub) Finish(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[executionID] {
		close(ch)
	}
	delete(h.subs, executionID)
}
