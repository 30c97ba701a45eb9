package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
)

type recorder struct {
	mu     sync.Mutex
	events []proto.Event
}

func (r *recorder) Publish(evt proto.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// to returns the event types delivered to user, in order.
func (r *recorder) to(user string) []proto.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []proto.EventType
	for _, e := range r.events {
		if e.Target == proto.UserTarget(user) {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *recorder) count(typ proto.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last() proto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestCallScenario(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	defer m.Close()

	snap, err := m.StartCall("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateRinging {
		t.Fatalf("state = %s, want ringing", snap.State)
	}
	if got := rec.to("bob"); len(got) != 1 || got[0] != proto.EventCallInvitation {
		t.Fatalf("bob got %v", got)
	}

	snap, err = m.Answer(snap.ID, "bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateAccepted || snap.AnsweredAt == nil {
		t.Fatalf("after answer: %+v", snap)
	}
	answered := rec.to("alice")
	if len(answered) != 1 || answered[0] != proto.EventCallAnswered {
		t.Fatalf("alice got %v", answered)
	}
	for _, e := range rec.events {
		if e.Type == proto.EventCallAnswered && e.Payload["accepted"] != true {
			t.Fatalf("answered payload %v", e.Payload)
		}
	}
	if got := rec.to("bob"); got[len(got)-1] != proto.EventCallAccepted {
		t.Fatalf("bob did not get accepted: %v", got)
	}

	snap, err = m.End(snap.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateEnded || snap.EndReason != ReasonHangup {
		t.Fatalf("after end: %+v", snap)
	}
	for _, u := range []string{"alice", "bob"} {
		got := rec.to(u)
		if got[len(got)-1] != proto.EventCallEnded {
			t.Fatalf("%s did not get ended: %v", u, got)
		}
	}
}

func TestEndIsIdempotent(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	snap, _ := m.StartCall("alice", "bob")

	first, err := m.End(snap.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.End(snap.ID, "alice")
	if err != nil {
		t.Fatalf("second end: %v", err)
	}
	if first.State != StateEnded || second.State != StateEnded {
		t.Fatal("expected ended")
	}
	if !first.EndedAt.Equal(*second.EndedAt) {
		t.Fatal("second end changed ended_at")
	}
	if n := rec.count(proto.EventCallEnded); n != 2 {
		t.Fatalf("video_call_ended published %d times, want one per party", n)
	}
}

func TestAnswerOutsideRingingFails(t *testing.T) {
	rec := &recorder{}
	m := New(rec)

	accepted, _ := m.StartCall("a", "b")
	m.Answer(accepted.ID, "b", true)

	rejected, _ := m.StartCall("c", "d")
	m.Answer(rejected.ID, "d", false)

	ended, _ := m.StartCall("e", "f")
	m.End(ended.ID, "e")

	for _, id := range []string{accepted.ID, rejected.ID, ended.ID} {
		before, _ := m.Get(id)
		n := len(rec.events)
		for _, user := range []string{before.Callee, before.Caller} {
			for _, ok := range []bool{true, false} {
				_, err := m.Answer(id, user, ok)
				if !errors.Is(err, errs.ErrInvalidState) {
					t.Fatalf("answer on %s by %s: %v", before.State, user, err)
				}
			}
		}
		after, _ := m.Get(id)
		if after.State != before.State || len(rec.events) != n {
			t.Fatalf("answer mutated %s call", before.State)
		}
	}
}

func TestPermissionAndLookupErrors(t *testing.T) {
	m := New(&recorder{})
	snap, _ := m.StartCall("alice", "bob")

	if _, err := m.Answer("nope", "bob", true); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown call: %v", err)
	}
	if _, err := m.Answer(snap.ID, "mallory", true); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("stranger answer: %v", err)
	}
	if _, err := m.Answer(snap.ID, "alice", true); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("caller answer: %v", err)
	}
	if _, err := m.End(snap.ID, "mallory"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("stranger end: %v", err)
	}
	if _, err := m.StartCall("alice", "alice"); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("self call: %v", err)
	}
}

func TestRejectedIsTerminal(t *testing.T) {
	m := New(&recorder{})
	snap, _ := m.StartCall("alice", "bob")
	if _, err := m.Answer(snap.ID, "bob", false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.End(snap.ID, "alice"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("end after reject: %v", err)
	}
	// the pair is free again
	if _, err := m.StartCall("bob", "alice"); err != nil {
		t.Fatalf("new call after reject: %v", err)
	}
}

func TestDuplicateCallRejected(t *testing.T) {
	m := New(&recorder{})
	first, _ := m.StartCall("alice", "bob")
	if _, err := m.StartCall("bob", "alice"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("duplicate call: %v", err)
	}
	m.End(first.ID, "alice")
	if _, err := m.StartCall("alice", "bob"); err != nil {
		t.Fatalf("call after end: %v", err)
	}
}

func TestRingTimeout(t *testing.T) {
	rec := &recorder{}
	m := New(rec, WithRingTimeout(20*time.Millisecond))
	snap, _ := m.StartCall("alice", "bob")

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.Get(snap.ID)
		if got.State == StateEnded {
			if got.EndReason != ReasonTimeout {
				t.Fatalf("reason = %s", got.EndReason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ringing call never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := m.Answer(snap.ID, "bob", true); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("answer after timeout: %v", err)
	}
}

func TestRelaySignals(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	snap, _ := m.StartCall("alice", "bob")

	offer := []byte(`{"type":"offer","sdp":"` + "v=0\\r\\no=- 0 0 IN IP4 127.0.0.1\\r\\ns=-\\r\\nt=0 0\\r\\n" + `"}`)
	if err := m.Relay(snap.ID, "alice", offer); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("relay while ringing: %v", err)
	}

	m.Answer(snap.ID, "bob", true)
	if err := m.Relay(snap.ID, "alice", offer); err != nil {
		t.Fatal(err)
	}
	evt := rec.last()
	if evt.Type != proto.EventCallSignal || evt.Target != proto.UserTarget("bob") {
		t.Fatalf("relay event %+v", evt)
	}
	sig := evt.Payload["signal"].(map[string]any)
	if sig["sdp"] != testSDP {
		t.Fatalf("sdp not relayed intact: %q", sig["sdp"])
	}

	cand := []byte(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 UDP 2122252543 10.0.0.2 50000 typ host","sdpMid":"0"}}`)
	if err := m.Relay(snap.ID, "bob", cand); err != nil {
		t.Fatal(err)
	}
	if rec.last().Target != proto.UserTarget("alice") {
		t.Fatal("candidate not relayed to caller")
	}

	for _, bad := range []string{`{"type":"offer","sdp":"garbage"}`, `{"type":"candidate"}`, `{"type":"hello"}`, `nope`} {
		if err := m.Relay(snap.ID, "bob", []byte(bad)); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("relay %s: %v", bad, err)
		}
	}
	if err := m.Relay(snap.ID, "mallory", cand); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("stranger relay: %v", err)
	}
}

func TestEndAllForAndPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := New(&recorder{}, WithClock(clock))
	a, _ := m.StartCall("alice", "bob")
	b, _ := m.StartCall("carol", "alice")
	m.StartCall("dave", "erin")

	if n := len(m.Active("alice")); n != 2 {
		t.Fatalf("active for alice = %d", n)
	}
	if n := m.EndAllFor("alice", ReasonOffline); n != 2 {
		t.Fatalf("ended %d calls, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		s, _ := m.Get(id)
		if s.State != StateEnded || s.EndReason != ReasonOffline {
			t.Fatalf("%s: %+v", id, s)
		}
	}

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	if n := m.Prune(clock().Add(-time.Minute)); n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	if _, err := m.Get(a.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("pruned call still visible: %v", err)
	}
}

func TestConcurrentAnswerAndEnd(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &recorder{}
		m := New(rec)
		snap, _ := m.StartCall("alice", "bob")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); m.Answer(snap.ID, "bob", true) }()
		go func() { defer wg.Done(); m.End(snap.ID, "alice") }()
		wg.Wait()

		final, _ := m.Get(snap.ID)
		if final.State != StateEnded && final.State != StateAccepted {
			t.Fatalf("unexpected state %s", final.State)
		}
		if rec.count(proto.EventCallEnded) > 2 {
			t.Fatal("ended published more than once per party")
		}
		m.Close()
	}
}
