package gateway

import (
	"context"
	"errors"

	"github.com/petervdpas/agora/internal/bus"
	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/presence"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/util"
)

const defaultReplayLimit = 500

func (c *conn) handle(ctx context.Context, cmd *proto.Command) error {
	if c.user == "" && cmd.Type != proto.CmdAuth && cmd.Type != proto.CmdPing {
		return errs.Unauthenticated("authenticate before %q", cmd.Type)
	}
	if err := cmd.Validate(); err != nil {
		return errs.InvalidArgument("%v", err)
	}

	switch cmd.Type {
	case proto.CmdAuth:
		return c.handleAuth(ctx, cmd)
	case proto.CmdPing:
		c.send(proto.Frame{Type: proto.FramePong, Data: map[string]any{"ref": cmd.Ref}, TS: proto.NowMillis()})
		return nil
	case proto.CmdJoinRoom:
		return c.handleJoin(ctx, cmd)
	case proto.CmdLeaveRoom:
		return c.handleLeave(ctx, cmd)
	case proto.CmdMessage:
		return c.handleMessage(ctx, cmd)
	case proto.CmdTyping:
		return c.handleTyping(cmd, proto.EventTypingStart)
	case proto.CmdStopTyping:
		return c.handleTyping(cmd, proto.EventTypingStop)
	case proto.CmdPresence:
		status, err := presence.ParseStatus(cmd.Status)
		if err != nil {
			return err
		}
		_, err = c.g.Presence.SetStatus(c.user, status)
		return err
	case proto.CmdAck:
		return c.handleAck(ctx, cmd)
	case proto.CmdReplay:
		return c.handleReplay(ctx, cmd)
	case proto.CmdCallStart:
		callee, err := util.ValidateID("callee", cmd.Callee)
		if err != nil {
			return errs.InvalidArgument("%v", err)
		}
		snap, err := c.g.Calls.StartCall(c.user, callee)
		if err != nil {
			return err
		}
		c.send(proto.Frame{Type: proto.FrameCallStarted, ID: snap.ID, Data: snap.Payload(), TS: proto.NowMillis()})
		return nil
	case proto.CmdCallAnswer:
		_, err := c.g.Calls.Answer(cmd.CallID, c.user, cmd.Accepted)
		return err
	case proto.CmdCallEnd:
		_, err := c.g.Calls.End(cmd.CallID, c.user)
		return err
	case proto.CmdCallSignal:
		return c.g.Calls.Relay(cmd.CallID, c.user, cmd.Signal)
	}
	return errs.InvalidArgument("unsupported command %q", cmd.Type)
}

func (c *conn) handleAuth(ctx context.Context, cmd *proto.Command) error {
	if c.user != "" {
		return errs.InvalidState("already authenticated as %s", c.user)
	}

	rctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	user, err := c.g.Auth.ResolveUser(rctx, cmd.Token)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthenticated) {
			return err
		}
		log.Warnf("conn %s: resolve token: %v", c.id, err)
		return errs.Unauthenticated("token could not be verified")
	}
	if user, err = util.ValidateID("user", user); err != nil {
		return errs.Unauthenticated("token resolved to an unusable user id")
	}

	c.isAuthed.Store(true)
	c.authTimer.Stop()
	c.user = user
	c.queue = bus.NewQueue(user, c.g.opts.QueueSize)
	c.subscribe(proto.UserTarget(user))
	c.subscribe(proto.RoomTarget(proto.PresenceRoom))
	c.g.attach(user)

	if _, err := c.g.Presence.SetStatus(user, presence.StatusOnline); err != nil {
		log.Warnf("set %s online: %v", user, err)
	}
	c.ready <- authed{
		queue: c.queue,
		frame: proto.Frame{
			Type: proto.FrameAuthSuccess,
			Data: map[string]any{"user": user, "connection_id": c.id},
			TS:   proto.NowMillis(),
		},
	}
	log.Infof("conn %s authenticated as %s", c.id, user)
	return nil
}

func (c *conn) subscribe(t proto.Target) bool {
	key := t.Key()
	if _, ok := c.subs[key]; ok {
		return false
	}
	c.subs[key] = c.g.Bus.Subscribe(c.queue, t)
	return true
}

func (c *conn) joined(room string) bool {
	_, ok := c.subs[proto.RoomTarget(room).Key()]
	return ok
}

func (c *conn) room(raw string) (string, error) {
	room, err := util.ValidateID("room", raw)
	if err != nil {
		return "", errs.InvalidArgument("%v", err)
	}
	return room, nil
}

func (c *conn) publishMembership(typ proto.EventType, room string) {
	evt := proto.NewEvent(typ, proto.RoomTarget(room), map[string]any{"room": room, "user": c.user})
	evt.SkipUser = c.user
	c.g.Bus.Publish(evt)
}

func (c *conn) handleJoin(_ context.Context, cmd *proto.Command) error {
	room, err := c.room(cmd.Room)
	if err != nil {
		return err
	}
	if c.subscribe(proto.RoomTarget(room)) {
		c.publishMembership(proto.EventUserJoined, room)
		log.Debugf("%s joined %s", c.user, room)
	}
	c.send(proto.Frame{
		Type: proto.FrameRoomJoined,
		Room: room,
		Data: map[string]any{"room": room, "local_members": c.g.Bus.Subscribers(proto.RoomTarget(room))},
		TS:   proto.NowMillis(),
	})
	return nil
}

func (c *conn) handleLeave(_ context.Context, cmd *proto.Command) error {
	room, err := c.room(cmd.Room)
	if err != nil {
		return err
	}
	key := proto.RoomTarget(room).Key()
	sub, ok := c.subs[key]
	if !ok {
		return errs.NotFound("not in room %s", room)
	}
	c.g.Bus.Unsubscribe(sub)
	delete(c.subs, key)
	c.publishMembership(proto.EventUserLeft, room)
	c.send(proto.Frame{Type: proto.FrameRoomLeft, Room: room, Data: map[string]any{"room": room}, TS: proto.NowMillis()})
	return nil
}

func (c *conn) handleMessage(ctx context.Context, cmd *proto.Command) error {
	var msg *proto.ChatMessage
	var target proto.Target
	if cmd.Room != "" {
		room, err := c.room(cmd.Room)
		if err != nil {
			return err
		}
		if !c.joined(room) {
			return errs.Forbidden("join %s before posting to it", room)
		}
		msg = proto.NewRoomMessage(c.user, room, cmd.Body)
		target = proto.RoomTarget(room)
	} else {
		to, err := util.ValidateID("to", cmd.To)
		if err != nil {
			return errs.InvalidArgument("%v", err)
		}
		if to == c.user {
			return errs.InvalidArgument("cannot message yourself")
		}
		msg = proto.NewDirectMessage(c.user, to, cmd.Body)
		target = proto.UserTarget(to)
	}

	if c.g.Store != nil {
		sctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
		err := c.g.Store.SaveMessage(sctx, msg)
		cancel()
		if err != nil {
			return err
		}
	}

	evt := proto.NewEvent(proto.EventChatMessage, target, msg.Payload())
	evt.ID = msg.ID
	c.g.Bus.Publish(evt)

	// Direct messages are not routed back to the sender; echo them here.
	if msg.Type == proto.MessageTypeDirect {
		c.send(proto.Frame{Type: proto.FrameMessage, ID: msg.ID, Data: msg.Payload(), TS: msg.CreatedAt})
	}
	return nil
}

func (c *conn) handleTyping(cmd *proto.Command, typ proto.EventType) error {
	room, err := c.room(cmd.Room)
	if err != nil {
		return err
	}
	if !c.joined(room) {
		return errs.Forbidden("not in room %s", room)
	}
	evt := proto.NewEvent(typ, proto.RoomTarget(room), map[string]any{"room": room, "user": c.user})
	evt.SkipUser = c.user
	c.g.Bus.Publish(evt)
	return nil
}

func (c *conn) handleAck(ctx context.Context, cmd *proto.Command) error {
	if c.g.Store == nil {
		return errs.InvalidState("notifications are not stored on this node")
	}
	sctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
	defer cancel()
	return c.g.Store.MarkNotificationRead(sctx, cmd.NotificationID, c.user)
}

// handleReplay sends logged events for this connection's targets that are
// newer than cmd.Since, then replay_done. Clients drop ids they already have.
func (c *conn) handleReplay(ctx context.Context, cmd *proto.Command) error {
	if c.g.Store == nil {
		return errs.InvalidState("event log is not available on this node")
	}
	targets := make([]proto.Target, 0, len(c.subs))
	for _, sub := range c.subs {
		if t := sub.Target(); t.ID != proto.PresenceRoom || t.Kind != proto.TargetRoom {
			targets = append(targets, t)
		}
	}

	limit := c.g.opts.ReplayLimit
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	sctx, cancel := context.WithTimeout(ctx, util.DefaultWriteTimeout)
	defer cancel()
	events, err := c.g.Store.EventsSince(sctx, targets, cmd.Since, limit)
	if err != nil {
		return err
	}

	frames := make([]proto.Frame, 0, len(events)+1)
	last := cmd.Since
	for _, evt := range events {
		if evt.SkipUser == c.user {
			continue
		}
		f, ok := proto.FrameFromEvent(evt)
		if !ok {
			continue
		}
		frames = append(frames, f)
		last = evt.ID
	}
	frames = append(frames, proto.Frame{
		Type: proto.FrameReplayDone,
		Data: map[string]any{
			"count":   len(frames),
			"last_id": last,
			"more":    len(events) == limit,
		},
		TS: proto.NowMillis(),
	})
	c.send(frames...)
	log.Debugf("conn %s: replayed %d event(s) since %q", c.id, len(frames)-1, cmd.Since)
	return nil
}
