package broker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petervdpas/agora/internal/bus"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/telemetry"
)

// BridgeOptions tunes the outbound side of a Bridge.
type BridgeOptions struct {
	Prefix         string
	QueueSize      int
	MaxRetry       time.Duration
	PublishTimeout time.Duration
	Metrics        *telemetry.Metrics
}

// Bridge connects a Bus to a Broker in both directions. Outbound events are
// queued and published by a single goroutine with exponential backoff, so a
// slow or unreachable broker never blocks local fanout.
type Bridge struct {
	b    Broker
	bus  *bus.Bus
	opts BridgeOptions

	queue chan proto.Event

	sent     atomic.Int64
	failed   atomic.Int64
	overflow atomic.Int64
	received atomic.Int64
}

func NewBridge(b Broker, bs *bus.Bus, opts BridgeOptions) *Bridge {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1024
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Bridge{
		b:     b,
		bus:   bs,
		opts:  opts,
		queue: make(chan proto.Event, opts.QueueSize),
	}
}

// Forward implements bus.Forwarder.
func (br *Bridge) Forward(evt proto.Event) {
	select {
	case br.queue <- evt:
	default:
		br.overflow.Add(1)
		br.opts.Metrics.BrokerFailed()
		log.Warnf("%s: forward queue full, not mirroring %s %s", br.b.Name(), evt.Type, evt.ID)
	}
}

// Run subscribes to the broker and drains the forward queue until ctx is
// done.
func (br *Bridge) Run(ctx context.Context) error {
	cancel, err := br.b.Subscribe(ctx, br.handle)
	if err != nil {
		return err
	}
	defer cancel()
	log.Infof("%s: bridge running (prefix=%s)", br.b.Name(), br.opts.Prefix)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-br.queue:
			br.publish(ctx, evt)
		}
	}
}

func (br *Bridge) publish(ctx context.Context, evt proto.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Errorf("encode %s: %v", evt.ID, err)
		return
	}
	topic := Topic(br.opts.Prefix, evt.Target)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = br.opts.MaxRetry

	attempt := 0
	op := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, br.opts.PublishTimeout)
		defer cancel()
		return br.b.Publish(pctx, topic, data)
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("%s: publish %s failed (attempt %d), retrying in %s: %v", br.b.Name(), topic, attempt, wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		br.failed.Add(1)
		br.opts.Metrics.BrokerFailed()
		log.Errorf("%s: giving up on %s %s after %d attempts: %v", br.b.Name(), evt.Type, evt.ID, attempt, err)
		return
	}
	br.sent.Add(1)
}

func (br *Bridge) handle(topic string, data []byte) {
	var evt proto.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		log.Warnf("%s: bad payload on %s: %v", br.b.Name(), topic, err)
		return
	}
	if !evt.Type.Valid() {
		log.Warnf("%s: unknown event type %q on %s", br.b.Name(), evt.Type, topic)
		return
	}
	if evt.Target.Validate() != nil {
		t, err := TargetFromTopic(br.opts.Prefix, topic)
		if err != nil {
			log.Warnf("%s: %v", br.b.Name(), err)
			return
		}
		evt.Target = t
	}
	br.received.Add(1)
	br.bus.Deliver(evt)
}

// BridgeStats counts bridge traffic.
type BridgeStats struct {
	Backend  string `json:"backend"`
	Sent     int64  `json:"sent"`
	Failed   int64  `json:"failed"`
	Overflow int64  `json:"overflow"`
	Received int64  `json:"received"`
	Pending  int    `json:"pending"`
}

func (br *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Backend:  br.b.Name(),
		Sent:     br.sent.Load(),
		Failed:   br.failed.Load(),
		Overflow: br.overflow.Load(),
		Received: br.received.Load(),
		Pending:  len(br.queue),
	}
}
