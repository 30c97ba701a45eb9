package broker

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/agora/internal/bus"
	"github.com/petervdpas/agora/internal/config"
	"github.com/petervdpas/agora/internal/proto"
)

func TestTopicRoundTrip(t *testing.T) {
	topic := Topic("agora", proto.RoomTarget("thread.42"))
	if topic != "agora.room.thread.42" {
		t.Fatalf("topic = %q", topic)
	}
	tg, err := TargetFromTopic("agora", topic)
	if err != nil {
		t.Fatal(err)
	}
	if tg != proto.RoomTarget("thread.42") {
		t.Fatalf("target = %+v", tg)
	}
	if _, err := TargetFromTopic("other", topic); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type node struct {
	bus    *bus.Bus
	bridge *Bridge
}

func startNodes(t *testing.T, hub *Hub, names ...string) []node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var out []node
	for _, name := range names {
		b := bus.New(name)
		br := NewBridge(hub.Connect(name), b, BridgeOptions{
			Prefix:   "agora",
			MaxRetry: time.Second,
		})
		b.SetForwarder(br)
		go br.Run(ctx)
		out = append(out, node{bus: b, bridge: br})
	}
	waitFor(t, "hub subscriptions", func() bool { return hub.Subscribers() == len(names) })
	return out
}

func TestTypingRelayAcrossProcesses(t *testing.T) {
	hub := NewHub()
	nodes := startNodes(t, hub, "node-a", "node-b")

	room := proto.RoomTarget("thread-7")
	alice := bus.NewQueue("alice", 8)
	bob := bus.NewQueue("bob", 8)
	nodes[0].bus.Subscribe(alice, room)
	nodes[1].bus.Subscribe(bob, room)

	evt := proto.NewEvent(proto.EventTypingStart, room, map[string]any{"user": "alice", "room": "thread-7"})
	evt.SkipUser = "alice"
	nodes[0].bus.Publish(evt)

	select {
	case got := <-bob.C():
		if got.ID != evt.ID || got.Type != proto.EventTypingStart {
			t.Fatalf("bob got %+v", got)
		}
		if got.Origin != "node-a" {
			t.Fatalf("origin = %q", got.Origin)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received typing relay")
	}

	// alice's own node saw the event locally and skipped her; the echo from
	// the hub must not be delivered twice either.
	time.Sleep(50 * time.Millisecond)
	select {
	case got := <-alice.C():
		t.Fatalf("alice received %+v", got)
	default:
	}
	if nodes[1].bridge.Stats().Received != 1 {
		t.Fatalf("node-b received = %d", nodes[1].bridge.Stats().Received)
	}
}

func TestBridgeRetriesBrokerFailures(t *testing.T) {
	hub := NewHub()
	nodes := startNodes(t, hub, "node-a", "node-b")
	user := proto.UserTarget("carol")
	q := bus.NewQueue("carol", 4)
	nodes[1].bus.Subscribe(q, user)

	hub.FailNext(2)
	local := bus.NewQueue("carol", 4)
	nodes[0].bus.Subscribe(local, user)
	nodes[0].bus.Publish(proto.NewEvent(proto.EventNotification, user, map[string]any{"n": 1}))

	// local fanout is not held up by the failing broker
	select {
	case <-local.C():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("local delivery blocked on broker")
	}

	select {
	case <-q.C():
	case <-time.After(3 * time.Second):
		t.Fatal("event never crossed the hub after retries")
	}
	waitFor(t, "sent counter", func() bool { return nodes[0].bridge.Stats().Sent == 1 })
	if nodes[0].bridge.Stats().Failed != 0 {
		t.Fatal("retry should have succeeded")
	}
}

func TestBridgeIgnoresGarbage(t *testing.T) {
	hub := NewHub()
	nodes := startNodes(t, hub, "node-a")
	if err := hub.publish("agora.room.r", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := hub.publish("agora.room.r", []byte(`{"id":"x","type":"bogus"}`)); err != nil {
		t.Fatal(err)
	}
	if got := nodes[0].bridge.Stats().Received; got != 0 {
		t.Fatalf("received = %d", got)
	}
}

func TestOpenNoneAndMemory(t *testing.T) {
	cfg := config.Default().Broker
	b, err := Open(context.Background(), cfg, "n1", nil)
	if err != nil || b != nil {
		t.Fatalf("none: %v %v", b, err)
	}
	cfg.Kind = config.BrokerMemory
	b, err = Open(context.Background(), cfg, "n1", NewHub())
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "memory" {
		t.Fatalf("name = %s", b.Name())
	}
	_ = b.Close()
}
