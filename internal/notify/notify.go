// Package notify is the entry point for other forum subsystems (thread
// replies, mentions, moderation) to push events to users without going
// through a client connection.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/util"
)

var log = logging.Logger("agora/notify")

type Publisher interface {
	Publish(evt proto.Event)
}

// Store persists notifications and answers room membership. Nil disables
// notification records; events are still published.
type Store interface {
	CreateNotification(ctx context.Context, n *proto.Notification) error
	ListRoomSubscribers(ctx context.Context, roomID string) ([]string, error)
}

type Service struct {
	pub   Publisher
	store Store
}

func New(pub Publisher, store Store) *Service {
	return &Service{pub: pub, store: store}
}

// PublishExternal injects a live_update or notification event. Notifications
// addressed to a user are stored first so they can be acknowledged; the
// stored id is added to the payload as notification_id.
func (s *Service) PublishExternal(ctx context.Context, evt proto.Event) (proto.Event, error) {
	switch evt.Type {
	case proto.EventLiveUpdate, proto.EventNotification:
	default:
		return evt, errs.InvalidArgument("external events must be live_update or notification, got %q", evt.Type)
	}
	if err := evt.Target.Validate(); err != nil {
		return evt, errs.InvalidArgument("%v", err)
	}
	if _, err := util.ValidateID("target.id", evt.Target.ID); err != nil {
		return evt, errs.InvalidArgument("%v", err)
	}
	if evt.Target.Kind == proto.TargetRoom && evt.Target.ID == proto.PresenceRoom {
		return evt, errs.Forbidden("room %q is reserved", proto.PresenceRoom)
	}

	// Client supplied envelope fields are not trusted.
	evt.ID = proto.NewID()
	evt.CreatedAt = proto.NowMillis()
	evt.Origin = ""
	evt.SkipUser = ""

	if evt.Type == proto.EventNotification && evt.Target.Kind == proto.TargetUser {
		kind, _ := evt.Payload["type"].(string)
		n, err := s.record(ctx, evt.ID, evt.Target.ID, kind, evt.Payload)
		if err != nil {
			return evt, err
		}
		evt.Payload = withNotificationID(evt.Payload, n)
	}

	s.pub.Publish(evt)
	log.Debugf("external %s -> %s (%s)", evt.Type, evt.Target, evt.ID)
	return evt, nil
}

// NotifyRoom creates one notification per subscriber of room, skipping
// exceptUser (usually the author of the triggering post), and pushes each
// to its owner. It returns the number of users notified.
func (s *Service) NotifyRoom(ctx context.Context, room, kind string, data map[string]any, exceptUser string) (int, error) {
	room, err := util.ValidateID("room", room)
	if err != nil {
		return 0, errs.InvalidArgument("%v", err)
	}
	if kind == "" {
		return 0, errs.InvalidArgument("notification type is required")
	}
	if s.store == nil {
		return 0, errs.InvalidState("room subscriptions are not available")
	}

	users, err := s.store.ListRoomSubscribers(ctx, room)
	if err != nil {
		return 0, fmt.Errorf("list subscribers of %s: %w", room, err)
	}

	n := 0
	for _, user := range users {
		if user == exceptUser {
			continue
		}
		id := proto.NewID()
		rec, err := s.record(ctx, id, user, kind, data)
		if err != nil {
			return n, err
		}
		payload := withNotificationID(map[string]any{"type": kind, "room": room, "data": data}, rec)
		evt := proto.NewEvent(proto.EventNotification, proto.UserTarget(user), payload)
		evt.ID = id
		s.pub.Publish(evt)
		n++
	}
	log.Infof("notified %d subscriber(s) of %s (%s)", n, room, kind)
	return n, nil
}

func (s *Service) record(ctx context.Context, id, user, kind string, data map[string]any) (*proto.Notification, error) {
	if s.store == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errs.InvalidArgument("notification data: %v", err)
	}
	n := &proto.Notification{ID: id, UserID: user, Type: kind, Data: string(raw)}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func withNotificationID(payload map[string]any, n *proto.Notification) map[string]any {
	if n == nil {
		return payload
	}
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["notification_id"] = n.ID
	return out
}
