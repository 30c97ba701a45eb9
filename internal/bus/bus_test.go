package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/agora/internal/proto"
)

type captureForwarder struct {
	mu     sync.Mutex
	events []proto.Event
}

func (c *captureForwarder) Forward(evt proto.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func drain(t *testing.T, q *Queue, n int) []proto.Event {
	t.Helper()
	out := make([]proto.Event, 0, n)
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case evt := <-q.C():
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("got %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishOrderPerTarget(t *testing.T) {
	b := New("node-a")
	room := proto.RoomTarget("thread-1")
	q1 := NewQueue("u1", 100)
	q2 := NewQueue("u2", 100)
	b.Subscribe(q1, room)
	b.Subscribe(q2, room)

	for i := 0; i < 50; i++ {
		b.Publish(proto.NewEvent(proto.EventChatMessage, room, map[string]any{"n": i}))
	}

	for _, q := range []*Queue{q1, q2} {
		got := drain(t, q, 50)
		for i, evt := range got {
			if evt.Payload["n"] != i {
				t.Fatalf("%s: event %d has n=%v", q.Owner(), i, evt.Payload["n"])
			}
		}
	}
}

func TestBackpressureDropKeepsFirstEvent(t *testing.T) {
	b := New("node-a")
	q := NewQueue("slow", 1)
	user := proto.UserTarget("slow")
	b.Subscribe(q, user)

	first := proto.NewEvent(proto.EventNotification, user, map[string]any{"n": 1})
	b.Publish(first)
	b.Publish(proto.NewEvent(proto.EventNotification, user, map[string]any{"n": 2}))

	if got := b.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if q.Dropped() != 1 {
		t.Fatalf("queue dropped = %d, want 1", q.Dropped())
	}
	got := drain(t, q, 1)
	if got[0].ID != first.ID {
		t.Fatalf("delivered %s, want first event %s", got[0].ID, first.ID)
	}
}

func TestPublishFillsDefaultsAndForwards(t *testing.T) {
	fwd := &captureForwarder{}
	b := New("node-a", WithForwarder(fwd))
	var tapped []proto.Event
	b.OnPublish(func(evt proto.Event) { tapped = append(tapped, evt) })

	b.Publish(proto.Event{Type: proto.EventLiveUpdate, Target: proto.RoomTarget("r")})

	if len(fwd.events) != 1 || len(tapped) != 1 {
		t.Fatalf("forwarded=%d tapped=%d", len(fwd.events), len(tapped))
	}
	evt := fwd.events[0]
	if evt.ID == "" || evt.CreatedAt == 0 || evt.Origin != "node-a" {
		t.Fatalf("defaults not filled: %+v", evt)
	}
}

func TestDeliverIgnoresOwnEcho(t *testing.T) {
	fwd := &captureForwarder{}
	b := New("node-a", WithForwarder(fwd))
	q := NewQueue("u1", 10)
	room := proto.RoomTarget("r")
	b.Subscribe(q, room)

	own := proto.NewEvent(proto.EventTypingStart, room, nil)
	own.Origin = "node-a"
	b.Deliver(own)

	remote := proto.NewEvent(proto.EventTypingStart, room, nil)
	remote.Origin = "node-b"
	b.Deliver(remote)

	got := drain(t, q, 1)
	if got[0].ID != remote.ID {
		t.Fatalf("delivered %s, want remote %s", got[0].ID, remote.ID)
	}
	select {
	case evt := <-q.C():
		t.Fatalf("unexpected extra event %+v", evt)
	default:
	}
	if len(fwd.events) != 0 {
		t.Fatal("remote events must not be forwarded again")
	}
	if b.Stats().Remote != 1 {
		t.Fatalf("remote = %d", b.Stats().Remote)
	}
}

func TestSkipUser(t *testing.T) {
	b := New("n")
	room := proto.RoomTarget("r")
	qa := NewQueue("alice", 4)
	qb := NewQueue("bob", 4)
	b.Subscribe(qa, room)
	b.Subscribe(qb, room)

	evt := proto.NewEvent(proto.EventTypingStart, room, map[string]any{"user": "alice"})
	evt.SkipUser = "alice"
	b.Publish(evt)

	drain(t, qb, 1)
	select {
	case got := <-qa.C():
		t.Fatalf("typing user received own relay: %+v", got)
	default:
	}
}

func TestUnsubscribeAndClosedQueue(t *testing.T) {
	b := New("n")
	q := NewQueue("u", 4)
	room := proto.RoomTarget("r")
	sub := b.Subscribe(q, room)
	if b.Subscribers(room) != 1 {
		t.Fatal("expected one subscriber")
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.Subscribers(room) != 0 || b.Stats().Subscriptions != 0 {
		t.Fatal("unsubscribe did not remove subscription")
	}

	sub = b.Subscribe(q, room)
	q.Close()
	q.Close()
	b.Publish(proto.NewEvent(proto.EventLiveUpdate, room, nil))
	if b.Stats().Dropped != 0 {
		t.Fatal("closed queue must not count as a drop")
	}
	b.Unsubscribe(sub)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New("n")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			q := NewQueue(fmt.Sprintf("u%d", i), 16)
			for j := 0; j < 50; j++ {
				s := b.Subscribe(q, proto.RoomTarget("r"))
				b.Unsubscribe(s)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(proto.NewEvent(proto.EventLiveUpdate, proto.RoomTarget("r"), nil))
			}
		}()
	}
	wg.Wait()
	if b.Stats().Published != 400 {
		t.Fatalf("published = %d", b.Stats().Published)
	}
}
