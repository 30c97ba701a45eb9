// Package bus fans events out to local subscriber queues and hands them to a
// Forwarder for delivery to other processes.
package bus

import (
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/telemetry"
)

var log = logging.Logger("agora/bus")

// Forwarder ships locally published events to other processes. Forward must
// not block.
type Forwarder interface {
	Forward(evt proto.Event)
}

// Subscription binds a Queue to one target.
type Subscription struct {
	id     uint64
	target proto.Target
	queue  *Queue
}

func (s *Subscription) Target() proto.Target { return s.target }
func (s *Subscription) Queue() *Queue        { return s.queue }

// Stats is a point-in-time copy of the bus counters.
type Stats struct {
	Published     int64 `json:"published"`
	Remote        int64 `json:"remote"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"backpressure_drop"`
	Subscriptions int   `json:"subscriptions"`
}

type Bus struct {
	nodeID  string
	metrics *telemetry.Metrics

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // target key → subscriptions
	n    int

	fwdMu sync.RWMutex
	fwd   Forwarder

	tapMu sync.RWMutex
	taps  []func(proto.Event)

	nextID    atomic.Uint64
	published atomic.Int64
	remote    atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

type Option func(*Bus)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

func WithForwarder(f Forwarder) Option {
	return func(b *Bus) { b.fwd = f }
}

// New creates a bus for the process identified by nodeID.
func New(nodeID string, opts ...Option) *Bus {
	b := &Bus{
		nodeID: nodeID,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) NodeID() string { return b.nodeID }

// SetForwarder replaces the forwarder. nil disables cross-process fanout.
func (b *Bus) SetForwarder(f Forwarder) {
	b.fwdMu.Lock()
	b.fwd = f
	b.fwdMu.Unlock()
}

// OnPublish registers fn to be called for every locally published event
// after local fanout. fn must not block.
func (b *Bus) OnPublish(fn func(proto.Event)) {
	b.tapMu.Lock()
	b.taps = append(b.taps, fn)
	b.tapMu.Unlock()
}

// Subscribe delivers events addressed to target into q.
func (b *Bus) Subscribe(q *Queue, target proto.Target) *Subscription {
	sub := &Subscription{id: b.nextID.Add(1), target: target, queue: q}
	key := target.Key()

	b.mu.Lock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[key] = set
	}
	set[sub] = struct{}{}
	b.n++
	b.mu.Unlock()

	log.Debugf("subscribe %s -> %s", q.owner, key)
	return sub
}

// Unsubscribe removes sub. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	key := sub.target.Key()

	b.mu.Lock()
	if set, ok := b.subs[key]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			b.n--
		}
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()
}

// Subscribers returns the number of local subscriptions for target.
func (b *Bus) Subscribers(target proto.Target) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[target.Key()])
}

// Publish fans evt out to local subscribers and forwards it to other
// processes. It never blocks on a slow subscriber or on the broker.
func (b *Bus) Publish(evt proto.Event) {
	if evt.ID == "" {
		evt.ID = proto.NewID()
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = proto.NowMillis()
	}
	if evt.Origin == "" {
		evt.Origin = b.nodeID
	}

	b.published.Add(1)
	b.metrics.Published(string(evt.Type))
	b.deliverLocal(evt)

	b.tapMu.RLock()
	for _, fn := range b.taps {
		fn(evt)
	}
	b.tapMu.RUnlock()

	b.fwdMu.RLock()
	fwd := b.fwd
	b.fwdMu.RUnlock()
	if fwd != nil {
		fwd.Forward(evt)
	}
}

// Deliver hands an event received from another process to local
// subscribers only. Events that originated here are ignored.
func (b *Bus) Deliver(evt proto.Event) {
	if evt.Origin == b.nodeID {
		return
	}
	b.remote.Add(1)
	b.deliverLocal(evt)
}

func (b *Bus) deliverLocal(evt proto.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[evt.Target.Key()] {
		q := sub.queue
		if evt.SkipUser != "" && q.owner == evt.SkipUser {
			continue
		}
		if q.offer(evt) {
			b.delivered.Add(1)
			b.metrics.Delivered(string(evt.Type))
			continue
		}
		b.dropped.Add(1)
		b.metrics.Dropped(string(evt.Type))
		log.Warnf("queue for %s full, dropping %s %s (target=%s)", q.owner, evt.Type, evt.ID, evt.Target)
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := b.n
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Remote:        b.remote.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		Subscriptions: n,
	}
}
