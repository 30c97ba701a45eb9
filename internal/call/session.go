package call

import (
	"sync"
	"time"
)

// Session is one call between a caller and a callee. All transitions hold mu,
// so answer and end on the same call never interleave.
type Session struct {
	id     string
	caller string
	callee string

	mu         sync.Mutex
	state      State
	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
	endReason  string
	ringTimer  *time.Timer
}

func newSession(id, caller, callee string, now time.Time) *Session {
	return &Session{
		id:        id,
		caller:    caller,
		callee:    callee,
		state:     StateRinging,
		createdAt: now,
	}
}

func (s *Session) isParty(user string) bool {
	return user == s.caller || user == s.callee
}

// peer returns the other participant.
func (s *Session) peer(user string) string {
	if user == s.caller {
		return s.callee
	}
	return s.caller
}

func (s *Session) stopTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// snapshot must be called with mu held.
func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		Caller:    s.caller,
		Callee:    s.callee,
		State:     s.state,
		CreatedAt: s.createdAt,
		EndReason: s.endReason,
	}
	if !s.answeredAt.IsZero() {
		t := s.answeredAt
		snap.AnsweredAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	return snap
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}
