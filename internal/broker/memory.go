package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrInjected is returned by a Hub while failures are being injected.
var ErrInjected = errors.New("broker: injected failure")

// Hub is an in-process broker that several buses can share. It is used when
// a single binary hosts more than one node and in tests.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]hubSub
	failN  int
}

type hubSub struct {
	prefix string
	h      Handler
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]hubSub)}
}

// FailNext makes the next n publishes fail.
func (h *Hub) FailNext(n int) {
	h.mu.Lock()
	h.failN = n
	h.mu.Unlock()
}

// Connect returns a Broker attached to the hub.
func (h *Hub) Connect(name string) Broker {
	return &memBroker{hub: h, name: name}
}

func (h *Hub) publish(topic string, data []byte) error {
	h.mu.Lock()
	if h.failN > 0 {
		h.failN--
		h.mu.Unlock()
		return ErrInjected
	}
	subs := make([]hubSub, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.prefix == "" || strings.HasPrefix(topic, s.prefix) {
			s.h(topic, append([]byte(nil), data...))
		}
	}
	return nil
}

func (h *Hub) subscribe(prefix string, fn Handler) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = hubSub{prefix: prefix, h: fn}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

type memBroker struct {
	hub  *Hub
	name string

	mu      sync.Mutex
	cancels []func()
}

func (m *memBroker) Name() string { return "memory" }

func (m *memBroker) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.hub.publish(topic, data)
}

func (m *memBroker) Subscribe(ctx context.Context, h Handler) (func(), error) {
	cancel := m.hub.subscribe("", h)
	m.mu.Lock()
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()
	return cancel, nil
}

func (m *memBroker) Close() error {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}

// Subscribers returns the number of active subscriptions on the hub.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
