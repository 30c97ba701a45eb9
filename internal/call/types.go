package call

import (
	"time"

	"github.com/petervdpas/agora/internal/proto"
)

// State of a call session. Rejected and ended are terminal.
type State string

const (
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateEnded    State = "ended"
)

func (s State) Terminal() bool { return s == StateRejected || s == StateEnded }

// Reasons recorded when a call ends.
const (
	ReasonHangup   = "hangup"
	ReasonTimeout  = "timeout"
	ReasonOffline  = "offline"
	ReasonShutdown = "shutdown"
)

// Publisher is the only surface the call package needs from the bus.
type Publisher interface {
	Publish(evt proto.Event)
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID         string     `json:"id"`
	Caller     string     `json:"caller_id"`
	Callee     string     `json:"callee_id"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
}

type pairKey struct{ a, b string }

func pairOf(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// Payload renders the snapshot as frame data.
func (s Snapshot) Payload() map[string]any {
	p := map[string]any{
		"call_id":    s.ID,
		"caller_id":  s.Caller,
		"callee_id":  s.Callee,
		"state":      string(s.State),
		"created_at": s.CreatedAt.UnixMilli(),
	}
	if s.AnsweredAt != nil {
		p["answered_at"] = s.AnsweredAt.UnixMilli()
	}
	if s.EndedAt != nil {
		p["ended_at"] = s.EndedAt.UnixMilli()
	}
	if s.EndReason != "" {
		p["end_reason"] = s.EndReason
	}
	return p
}
