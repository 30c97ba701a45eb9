package client

import (
	"fmt"
	"sort"
	"time"
)

// State is the connection state of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventKind names what a Manager reports to its handler.
type EventKind string

const (
	EventStateChanged    EventKind = "state_changed"
	EventFrame           EventKind = "frame"
	EventReconnecting    EventKind = "reconnecting"
	EventReconnectFailed EventKind = "reconnect_failed"
	EventTypingExpired   EventKind = "typing_expired"
)

// Event is delivered to Config.OnEvent. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind    EventKind
	State   State
	Frame   Frame
	Room    string
	User    string
	Attempt int
	Delay   time.Duration
	Err     error
}

type typingKey struct{ room, user string }

// sortedRooms returns the keys of set in a stable order.
func sortedRooms(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
