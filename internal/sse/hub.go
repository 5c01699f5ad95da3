// Package sse fans engagement events out to server-sent event subscribers.
package sse

import (
	"fmt"
	"sync"
)

// AllTopics receives every broadcast regardless of its topics.
const AllTopics = "*"

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a buffered channel for topic. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	if topic == "" {
		topic = AllTopics
	}
	ch := make(chan []byte, 16)
	h.mu.Lock()
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[chan []byte]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[topic]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, topic)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast delivers payload to subscribers of any of topics and to wildcard
// subscribers. Slow subscribers drop the payload.
func (h *Hub) Broadcast(topics []string, payload []byte) {
	unique := map[string]struct{}{AllTopics: {}}
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		unique[topic] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for topic := range unique {
		for ch := range h.subs[topic] {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

// Subscribers returns the number of channels subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Frame encodes one event in text/event-stream format.
func Frame(event string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}
