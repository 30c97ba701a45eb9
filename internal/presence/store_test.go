package presence

import (
	"errors"
	"fmt"
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

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*Store, *recorder, *fakeClock) {
	rec := &recorder{}
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(rec, WithClock(clk.Now)), rec, clk
}

func TestSetStatusLastWriteWins(t *testing.T) {
	s, rec, _ := newTestStore()
	seq := []Status{StatusOnline, StatusAway, StatusAway, StatusOnline, StatusOffline, StatusAway}
	for _, st := range seq {
		if _, err := s.SetStatus("alice", st); err != nil {
			t.Fatal(err)
		}
	}
	got, ok := s.Get("alice")
	if !ok {
		t.Fatal("record missing")
	}
	if got.Status != StatusAway {
		t.Fatalf("status = %s, want away", got.Status)
	}
	if rec.count() != len(seq) {
		t.Fatalf("published %d events, want %d", rec.count(), len(seq))
	}
	for _, evt := range rec.events {
		if evt.Type != proto.EventPresenceUpdate || evt.Target != proto.RoomTarget(proto.PresenceRoom) {
			t.Fatalf("unexpected event %+v", evt)
		}
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	s, rec, _ := newTestStore()
	_, err := s.SetStatus("alice", Status("busy"))
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
	if rec.count() != 0 {
		t.Fatal("invalid status must not publish")
	}
	if _, ok := s.Get("alice"); ok {
		t.Fatal("invalid status must not create a record")
	}
}

func TestHeartbeatKeepsStatus(t *testing.T) {
	s, rec, clk := newTestStore()
	s.SetStatus("bob", StatusAway)
	first, _ := s.Get("bob")

	clk.Advance(time.Minute)
	s.Heartbeat("bob")
	s.Heartbeat("nobody")

	got, _ := s.Get("bob")
	if got.Status != StatusAway {
		t.Fatalf("heartbeat changed status to %s", got.Status)
	}
	if !got.LastSeen.After(first.LastSeen) {
		t.Fatal("heartbeat did not refresh last_seen")
	}
	if rec.count() != 1 {
		t.Fatalf("heartbeat published events: %d", rec.count())
	}
	if _, ok := s.Get("nobody"); ok {
		t.Fatal("heartbeat must not create records")
	}
}

func TestGetOnlineOrdering(t *testing.T) {
	s, _, clk := newTestStore()
	for i := 0; i < 5; i++ {
		s.SetStatus(fmt.Sprintf("u%d", i), StatusOnline)
		clk.Advance(time.Second)
	}
	s.SetStatus("u2", StatusOffline)

	all := s.GetOnline(0)
	if len(all) != 4 {
		t.Fatalf("got %d online, want 4", len(all))
	}
	want := []string{"u4", "u3", "u1", "u0"}
	for i, r := range all {
		if r.UserID != want[i] {
			t.Fatalf("order = %v, want %v", all, want)
		}
	}
	if top := s.GetOnline(2); len(top) != 2 || top[0].UserID != "u4" {
		t.Fatalf("limit not applied: %v", top)
	}
}

func TestExpireStale(t *testing.T) {
	s, rec, clk := newTestStore()
	s.SetStatus("old", StatusOnline)
	s.SetStatus("idle", StatusAway)
	clk.Advance(10 * time.Minute)
	s.SetStatus("fresh", StatusOnline)
	s.SetStatus("gone", StatusOffline)
	before := rec.count()

	expired := s.ExpireStale(5 * time.Minute)
	if len(expired) != 2 {
		t.Fatalf("expired %v, want old and idle", expired)
	}
	for _, id := range []string{"old", "idle"} {
		r, _ := s.Get(id)
		if r.Status != StatusOffline {
			t.Fatalf("%s status = %s", id, r.Status)
		}
	}
	if r, _ := s.Get("fresh"); r.Status != StatusOnline {
		t.Fatal("fresh user expired")
	}
	if rec.count()-before != 2 {
		t.Fatalf("expected 2 presence events from sweep, got %d", rec.count()-before)
	}
	if again := s.ExpireStale(5 * time.Minute); len(again) != 0 {
		t.Fatalf("second sweep expired %v", again)
	}
}

func TestConcurrentSetStatus(t *testing.T) {
	s, rec, _ := newTestStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%7)
			s.SetStatus(user, StatusOnline)
			s.Heartbeat(user)
		}(i)
	}
	wg.Wait()
	if rec.count() != 50 {
		t.Fatalf("published %d, want 50", rec.count())
	}
	if n := s.Counts()[StatusOnline]; n != 7 {
		t.Fatalf("online = %d, want 7", n)
	}
}

// gatedPublisher holds its first Publish until release is closed.
type gatedPublisher struct {
	recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedPublisher) Publish(evt proto.Event) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	g.recorder.Publish(evt)
}

func TestEventsFollowWriteOrder(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(pub)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		s.SetStatus("alice", StatusAway)
	}()
	<-pub.entered

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		s.SetStatus("alice", StatusOnline)
	}()
	select {
	case <-secondDone:
		t.Fatal("second write finished while the first was still publishing")
	case <-time.After(30 * time.Millisecond):
	}

	close(pub.release)
	<-firstDone
	<-secondDone

	got, _ := s.Get("alice")
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
	last := pub.events[len(pub.events)-1].Payload["status"]
	if got.Status != StatusOnline || last != string(StatusOnline) {
		t.Fatalf("store=%s last presence_update=%v, want both online", got.Status, last)
	}
}
