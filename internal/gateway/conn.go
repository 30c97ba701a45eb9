package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/agora/internal/bus"
	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/util"
)

// authed hands the writer its queue together with the auth_success frame,
// so the frame is written before any queued event.
type authed struct {
	queue *bus.Queue
	frame proto.Frame
}

type conn struct {
	id string
	g  *Gateway
	ws *websocket.Conn

	// Owned by the reader goroutine.
	user  string
	queue *bus.Queue
	subs  map[string]*bus.Subscription

	isAuthed  atomic.Bool
	authTimer *time.Timer

	ready chan authed
	out   chan []proto.Frame

	done     chan struct{}
	doneOnce sync.Once
}

func newConn(g *Gateway, id string, ws *websocket.Conn) *conn {
	c := &conn{
		id:    id,
		g:     g,
		ws:    ws,
		subs:  make(map[string]*bus.Subscription),
		ready: make(chan authed, 1),
		out:   make(chan []proto.Frame, 16),
		done:  make(chan struct{}),
	}
	c.authTimer = time.AfterFunc(g.opts.AuthTimeout, func() {
		if !c.isAuthed.Load() {
			log.Infof("conn %s: no auth within %s", c.id, g.opts.AuthTimeout)
			c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})
	return c
}

// shutdown stops both loops. Safe from any goroutine.
func (c *conn) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.shutdown()
}

// send queues frames for the writer. It blocks while the writer is busy,
// which only slows this connection's own reader.
func (c *conn) send(frames ...proto.Frame) {
	if len(frames) == 0 {
		return
	}
	select {
	case c.out <- frames:
	case <-c.done:
	}
}

func (c *conn) fail(err error, ref string) {
	code := errs.CodeOf(err)
	if code == errs.CodeInternal {
		log.Errorf("conn %s (%s): %v", c.id, c.user, err)
	} else {
		log.Debugf("conn %s (%s): %v", c.id, c.user, err)
	}
	c.send(proto.ErrorFrame(string(code), errs.MessageOf(err), ref))
}

func (c *conn) touch() {
	if c.user != "" {
		c.g.Presence.Heartbeat(c.user)
	}
}

func (c *conn) readLoop(ctx context.Context) {
	defer c.shutdown()

	opts := c.g.opts
	c.ws.SetReadLimit(opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debugf("conn %s read: %v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		c.touch()

		var cmd proto.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.fail(errs.InvalidArgument("malformed command: %v", err), "")
			continue
		}
		if err := c.handle(ctx, &cmd); err != nil {
			c.fail(err, cmd.Ref)
		}
	}
}

func (c *conn) writeLoop() {
	opts := c.g.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	var events <-chan proto.Event
	var owner string
	ready := c.ready
	for {
		// auth_success is queued before any reply to a later command, so
		// draining ready first keeps it the first frame on the wire.
		if ready != nil {
			select {
			case a := <-ready:
				if err := c.write(a.frame); err != nil {
					return
				}
				events = a.queue.C()
				owner = a.queue.Owner()
				ready = nil
				continue
			default:
			}
		}

		select {
		case <-c.done:
			return

		case a := <-ready:
			if err := c.write(a.frame); err != nil {
				return
			}
			events = a.queue.C()
			owner = a.queue.Owner()
			ready = nil

		case frames := <-c.out:
			for _, f := range frames {
				if err := c.write(f); err != nil {
					return
				}
			}

		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			f, ok := proto.FrameFromEvent(evt)
			if !ok {
				log.Warnf("conn %s: no frame for event type %q", c.id, evt.Type)
				continue
			}
			if err := c.write(f); err != nil {
				return
			}
			c.delivered(owner, evt)

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) write(f proto.Frame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.g.opts.WriteTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		log.Debugf("conn %s write: %v", c.id, err)
		return err
	}
	return nil
}

// delivered marks a direct message delivered once it reached a live
// connection of its recipient.
func (c *conn) delivered(owner string, evt proto.Event) {
	if c.g.Store == nil || evt.Type != proto.EventChatMessage {
		return
	}
	if evt.Target.Kind != proto.TargetUser || evt.Target.ID != owner {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := c.g.Store.MarkDelivered(ctx, evt.ID); err != nil {
		log.Warnf("mark %s delivered: %v", evt.ID, err)
	}
}

// cleanup runs on the reader goroutine after the connection is gone.
// Subscriptions are removed before it returns.
func (c *conn) cleanup() {
	c.authTimer.Stop()
	if c.user == "" {
		return
	}

	var rooms []string
	for key, sub := range c.subs {
		c.g.Bus.Unsubscribe(sub)
		delete(c.subs, key)
		if t := sub.Target(); t.Kind == proto.TargetRoom && t.ID != proto.PresenceRoom {
			rooms = append(rooms, t.ID)
		}
	}
	c.queue.Close()

	for _, room := range rooms {
		c.publishMembership(proto.EventUserLeft, room)
	}
	c.g.detach(c.user)
}
