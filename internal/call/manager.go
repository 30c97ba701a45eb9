// Package call implements the call signaling state machine: invitation,
// answer, hangup and the SDP/ICE relay between the two parties. Media never
// passes through the server.
package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/telemetry"
)

var log = logging.Logger("agora/call")

// DefaultRingTimeout ends calls nobody answers.
const DefaultRingTimeout = 60 * time.Second

// Manager owns all call sessions on this node.
type Manager struct {
	pub         Publisher
	metrics     *telemetry.Metrics
	ringTimeout time.Duration
	iceServers  []webrtc.ICEServer
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	active   map[pairKey]string // pair → id of its ringing or accepted call
	closed   bool
}

type Option func(*Manager)

func WithRingTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ringTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithICEServers advertises STUN/TURN urls to both parties when a call is
// accepted.
func WithICEServers(urls []string) Option {
	return func(m *Manager) {
		if len(urls) > 0 {
			m.iceServers = []webrtc.ICEServer{{URLs: urls}}
		}
	}
}

func New(pub Publisher, opts ...Option) *Manager {
	m := &Manager{
		pub:         pub,
		ringTimeout: DefaultRingTimeout,
		now:         time.Now,
		sessions:    make(map[string]*Session),
		active:      make(map[pairKey]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StartCall creates a ringing session and invites the callee. A second call
// between the same two users is refused while one is ringing or accepted.
func (m *Manager) StartCall(caller, callee string) (Snapshot, error) {
	if caller == "" || callee == "" {
		return Snapshot{}, errs.InvalidArgument("caller and callee are required")
	}
	if caller == callee {
		return Snapshot{}, errs.InvalidArgument("cannot call yourself")
	}

	s := newSession(uuid.NewString(), caller, callee, m.now())
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := pairOf(caller, callee)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, errs.InvalidState("call manager is shut down")
	}
	if existing, ok := m.active[pair]; ok {
		m.mu.Unlock()
		return Snapshot{}, errs.InvalidState("call %s between %s and %s is still active", existing, caller, callee)
	}
	m.sessions[s.id] = s
	m.active[pair] = s.id
	m.mu.Unlock()

	id := s.id
	s.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.expire(id) })

	m.metrics.CallTransition(string(StateRinging))
	m.publish(proto.EventCallInvitation, callee, map[string]any{
		"call_id":   s.id,
		"caller":    caller,
		"caller_id": caller,
	})
	log.Infof("started %s: %s -> %s", s.id, caller, callee)
	return s.snapshot(), nil
}

// Answer accepts or rejects a ringing call. Only the callee may answer.
func (m *Manager) Answer(callID, userID string, accepted bool) (Snapshot, error) {
	s, err := m.lookup(callID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isParty(userID) {
		return Snapshot{}, errs.Forbidden("%s is not a participant of call %s", userID, callID)
	}
	if s.state != StateRinging {
		return Snapshot{}, errs.InvalidState("call %s is %s, not ringing", callID, s.state)
	}
	if userID != s.callee {
		return Snapshot{}, errs.Forbidden("only the callee can answer call %s", callID)
	}

	now := m.now()
	s.stopTimer()
	s.answeredAt = now
	if accepted {
		s.state = StateAccepted
	} else {
		s.state = StateRejected
		s.endedAt = now
		s.endReason = "rejected"
		m.release(s)
	}
	m.metrics.CallTransition(string(s.state))

	m.publish(proto.EventCallAnswered, s.caller, map[string]any{
		"call_id":  s.id,
		"accepted": accepted,
		"callee":   s.callee,
	})
	if accepted {
		payload := map[string]any{"call_id": s.id, "caller": s.caller}
		if len(m.iceServers) > 0 {
			payload["ice_servers"] = m.iceServers
		}
		m.publish(proto.EventCallAccepted, s.callee, payload)
	}
	log.Infof("%s answered by %s: accepted=%v", s.id, userID, accepted)
	return s.snapshot(), nil
}

// End hangs up a ringing or accepted call. Ending an ended call succeeds
// without publishing again.
func (m *Manager) End(callID, userID string) (Snapshot, error) {
	s, err := m.lookup(callID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isParty(userID) {
		return Snapshot{}, errs.Forbidden("%s is not a participant of call %s", userID, callID)
	}
	switch s.state {
	case StateEnded:
		return s.snapshot(), nil
	case StateRejected:
		return Snapshot{}, errs.InvalidState("call %s was rejected", callID)
	}
	m.finish(s, ReasonHangup, userID)
	return s.snapshot(), nil
}

// Relay forwards an SDP offer/answer or ICE candidate to the other party of
// an accepted call.
func (m *Manager) Relay(callID, userID string, raw []byte) error {
	signal, err := ParseSignal(raw)
	if err != nil {
		return err
	}
	s, err := m.lookup(callID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isParty(userID) {
		return errs.Forbidden("%s is not a participant of call %s", userID, callID)
	}
	if s.state != StateAccepted {
		return errs.InvalidState("call %s is %s, signals need an accepted call", callID, s.state)
	}
	m.publish(proto.EventCallSignal, s.peer(userID), map[string]any{
		"call_id": s.id,
		"from":    userID,
		"signal":  signal,
	})
	return nil
}

// Get returns a snapshot of the call.
func (m *Manager) Get(callID string) (Snapshot, error) {
	s, err := m.lookup(callID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Active returns the ringing or accepted calls userID takes part in.
func (m *Manager) Active(userID string) []Snapshot {
	var out []Snapshot
	for _, s := range m.activeFor(userID) {
		snap := s.Snapshot()
		if !snap.State.Terminal() {
			out = append(out, snap)
		}
	}
	return out
}

// EndAllFor ends every active call userID takes part in, e.g. when the user
// goes offline. It returns the number of calls ended.
func (m *Manager) EndAllFor(userID, reason string) int {
	n := 0
	for _, s := range m.activeFor(userID) {
		s.mu.Lock()
		if !s.state.Terminal() {
			m.finish(s, reason, userID)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Prune forgets terminal sessions that ended before cutoff.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var stale []string
	for _, s := range all {
		s.mu.Lock()
		if s.state.Terminal() && s.endedAt.Before(cutoff) {
			stale = append(stale, s.id)
		}
		s.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}
	m.mu.Lock()
	for _, id := range stale {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return len(stale)
}

// Close ends all active calls and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	live := make([]*Session, 0, len(m.active))
	for _, id := range m.active {
		live = append(live, m.sessions[id])
	}
	m.mu.Unlock()

	for _, s := range live {
		s.mu.Lock()
		if !s.state.Terminal() {
			m.finish(s, ReasonShutdown, "")
		}
		s.mu.Unlock()
	}
}

func (m *Manager) expire(callID string) {
	s, err := m.lookup(callID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging {
		return
	}
	log.Infof("%s: no answer after %s", callID, m.ringTimeout)
	m.finish(s, ReasonTimeout, "")
}

// finish must be called with s.mu held.
func (m *Manager) finish(s *Session, reason, by string) {
	s.stopTimer()
	s.state = StateEnded
	s.endedAt = m.now()
	s.endReason = reason
	m.release(s)
	m.metrics.CallTransition(string(StateEnded))

	payload := map[string]any{"call_id": s.id, "reason": reason}
	if by != "" {
		payload["ended_by"] = by
	}
	m.publish(proto.EventCallEnded, s.caller, payload)
	m.publish(proto.EventCallEnded, s.callee, payload)
	log.Infof("%s ended (%s)", s.id, reason)
}

// release must be called with s.mu held.
func (m *Manager) release(s *Session) {
	pair := pairOf(s.caller, s.callee)
	m.mu.Lock()
	if m.active[pair] == s.id {
		delete(m.active, pair)
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(callID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("call %s not found", callID)
	}
	return s, nil
}

func (m *Manager) activeFor(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for pair, id := range m.active {
		if pair.a == userID || pair.b == userID {
			out = append(out, m.sessions[id])
		}
	}
	return out
}

func (m *Manager) publish(typ proto.EventType, user string, payload map[string]any) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(proto.NewEvent(typ, proto.UserTarget(user), payload))
}
