package proto

import (
	"errors"
	"strings"
	"sync"

	"github.com/segmentio/ksuid"
)

// EventType is the closed set of event kinds carried by the bus.
type EventType string

const (
	EventNotification   EventType = "notification"
	EventChatMessage    EventType = "chat_message"
	EventTypingStart    EventType = "typing_start"
	EventTypingStop     EventType = "typing_stop"
	EventPresenceUpdate EventType = "presence_update"
	EventLiveUpdate     EventType = "live_update"

	EventUserJoined EventType = "user_joined"
	EventUserLeft   EventType = "user_left"

	EventCallInvitation EventType = "video_call_invitation"
	EventCallAnswered   EventType = "video_call_answered"
	EventCallAccepted   EventType = "video_call_accepted"
	EventCallEnded      EventType = "video_call_ended"
	EventCallSignal     EventType = "call_signal"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventNotification, EventChatMessage, EventTypingStart, EventTypingStop,
		EventPresenceUpdate, EventLiveUpdate, EventUserJoined, EventUserLeft,
		EventCallInvitation, EventCallAnswered, EventCallAccepted, EventCallEnded,
		EventCallSignal:
		return true
	}
	return false
}

// Durable reports whether events of this type are appended to the event log
// and can be replayed after a reconnect. Transient signals are not.
func (t EventType) Durable() bool {
	switch t {
	case EventNotification, EventChatMessage, EventLiveUpdate,
		EventCallInvitation, EventCallEnded:
		return true
	}
	return false
}

type TargetKind string

const (
	TargetUser TargetKind = "user"
	TargetRoom TargetKind = "room"
)

// Target addresses an event at one user or one room.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func UserTarget(id string) Target { return Target{Kind: TargetUser, ID: id} }
func RoomTarget(id string) Target { return Target{Kind: TargetRoom, ID: id} }

// Key is the subscription key, e.g. "room:thread-42".
func (t Target) Key() string { return string(t.Kind) + ":" + t.ID }

func (t Target) String() string { return t.Key() }

func (t Target) Validate() error {
	if t.Kind != TargetUser && t.Kind != TargetRoom {
		return errors.New("target.kind must be user or room")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("target.id is required")
	}
	return nil
}

// ParseTarget parses a key produced by Target.Key.
func ParseTarget(key string) (Target, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return Target{}, errors.New("target key must be kind:id")
	}
	t := Target{Kind: TargetKind(kind), ID: id}
	return t, t.Validate()
}

// Event is immutable once published.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Target    Target         `json:"target"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt int64          `json:"created_at"`

	// Origin is the node id of the publishing process.
	Origin string `json:"origin,omitempty"`
	// SkipUser is excluded from local delivery (typing relays).
	SkipUser string `json:"skip_user,omitempty"`
}

// NewEvent builds an event with a fresh sortable id.
func NewEvent(typ EventType, target Target, payload map[string]any) Event {
	return Event{
		ID:        NewID(),
		Type:      typ,
		Target:    target,
		Payload:   payload,
		CreatedAt: NowMillis(),
	}
}

var (
	idMu   sync.Mutex
	lastID ksuid.KSUID
)

// NewID returns a KSUID string. KSUIDs only have second resolution, so ids
// minted by this process are bumped to stay strictly increasing.
func NewID() string {
	id := ksuid.New()
	idMu.Lock()
	if ksuid.Compare(id, lastID) <= 0 {
		id = lastID.Next()
	}
	lastID = id
	idMu.Unlock()
	return id.String()
}
