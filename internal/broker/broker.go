// Package broker mirrors bus events between processes over an external
// pub/sub system (Redis, NATS, libp2p GossipSub, or an in-process hub).
package broker

import (
	"context"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/agora/internal/config"
	"github.com/petervdpas/agora/internal/proto"
)

var log = logging.Logger("agora/broker")

// Handler receives raw messages from the broker.
type Handler func(topic string, data []byte)

// Broker is the minimal pub/sub surface the bridge needs.
type Broker interface {
	Name() string
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe receives every message under the broker prefix until
	// cancel is called or ctx is done.
	Subscribe(ctx context.Context, h Handler) (cancel func(), err error)
	Close() error
}

// Topic returns the broker topic for target, e.g. "agora.room.thread-42".
func Topic(prefix string, target proto.Target) string {
	return prefix + "." + string(target.Kind) + "." + target.ID
}

// TargetFromTopic is the inverse of Topic.
func TargetFromTopic(prefix, topic string) (proto.Target, error) {
	rest, ok := strings.CutPrefix(topic, prefix+".")
	if !ok {
		return proto.Target{}, fmt.Errorf("topic %q outside prefix %q", topic, prefix)
	}
	kind, id, ok := strings.Cut(rest, ".")
	if !ok {
		return proto.Target{}, fmt.Errorf("topic %q has no target id", topic)
	}
	t := proto.Target{Kind: proto.TargetKind(kind), ID: id}
	return t, t.Validate()
}

// Open connects the backend selected by cfg. It returns (nil, nil) for
// kind "none". hub is used for kind "memory" and may be nil otherwise.
func Open(ctx context.Context, cfg config.Broker, nodeID string, hub *Hub) (Broker, error) {
	switch cfg.Kind {
	case config.BrokerNone, "":
		return nil, nil
	case config.BrokerMemory:
		if hub == nil {
			hub = NewHub()
		}
		return hub.Connect(nodeID), nil
	case config.BrokerRedis:
		return DialRedis(ctx, cfg.RedisURL, cfg.Prefix)
	case config.BrokerNATS:
		return DialNATS(cfg.NATSURL, cfg.Prefix, "agora-"+nodeID)
	case config.BrokerLibp2p:
		return NewGossip(ctx, cfg.Libp2pListenPort, cfg.Prefix, cfg.Libp2pBootstrap)
	}
	return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
}
