package broker

import (
	"context"
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Dial failures and backoff errors from libp2p are noisy on stderr.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
}

// Gossip mirrors events over a single libp2p GossipSub topic. Nodes find
// each other through the configured bootstrap multiaddrs.
type Gossip struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
}

type gossipEnvelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func NewGossip(ctx context.Context, listenPort int, topicName string, bootstrap []string) (*Gossip, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(topicName)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	g := &Gossip{host: h, ps: ps, topic: topic}
	for _, s := range bootstrap {
		if err := g.Connect(ctx, s); err != nil {
			log.Warnf("libp2p: bootstrap %s: %v", s, err)
		}
	}
	log.Infof("libp2p: %s listening on %v", h.ID(), g.Addrs())
	return g, nil
}

// Connect dials a peer given its full multiaddr (including /p2p/<id>).
func (g *Gossip) Connect(ctx context.Context, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	ai, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return fmt.Errorf("addr info: %w", err)
	}
	return g.host.Connect(ctx, *ai)
}

// Addrs returns dialable multiaddrs for this node.
func (g *Gossip) Addrs() []string {
	out := make([]string, 0, len(g.host.Addrs()))
	for _, a := range g.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+g.host.ID().String())
	}
	return out
}

func (g *Gossip) Name() string { return "libp2p" }

func (g *Gossip) Publish(ctx context.Context, topic string, data []byte) error {
	b, err := json.Marshal(gossipEnvelope{Topic: topic, Data: data})
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, b)
}

func (g *Gossip) Subscribe(ctx context.Context, h Handler) (func(), error) {
	sub, err := g.topic.Subscribe()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	self := g.host.ID()

	go func() {
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if m.ReceivedFrom == self {
				continue
			}
			var env gossipEnvelope
			if err := json.Unmarshal(m.Data, &env); err != nil {
				log.Warnf("libp2p: bad envelope from %s: %v", m.ReceivedFrom, err)
				continue
			}
			h(env.Topic, env.Data)
		}
	}()

	return func() {
		cancel()
		sub.Cancel()
	}, nil
}

func (g *Gossip) Close() error {
	_ = g.topic.Close()
	return g.host.Close()
}
