package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS mirrors events over core NATS subjects "<prefix>.<kind>.<id>".
type NATS struct {
	nc     *nats.Conn
	prefix string
}

func DialNATS(url, prefix, name string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnf("nats: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats: reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Infof("nats: connected to %s", nc.ConnectedUrl())
	return &NATS{nc: nc, prefix: prefix}, nil
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return n.nc.Publish(topic, data)
}

func (n *NATS) Subscribe(ctx context.Context, h Handler) (func(), error) {
	sub, err := n.nc.Subscribe(n.prefix+".>", func(m *nats.Msg) {
		h(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
