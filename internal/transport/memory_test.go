package transport

import (
	"context"
	"errors"
	"testing"
)

func TestPublishFailsFastWhileDisconnected(t *testing.T) {
	tp := NewMemoryTransport()
	err := tp.Channel("ch").Publish(context.Background(), EventMessage, []byte("x"))
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestConnectIdempotent(t *testing.T) {
	tp := NewMemoryTransport()
	if err := tp.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tp.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	h1 := tp.Channel("ch")
	h2 := tp.Channel("ch")
	if h1 != h2 {
		t.Fatal("expected same handle for same channel id")
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	tp := NewMemoryTransport()
	_ = tp.Connect(context.Background())
	h := tp.Channel("ch")

	var got []string
	for i := 0; i < 3; i++ {
		_, err := h.Subscribe(EventMessage, func(ev Event) {
			got = append(got, string(ev.Payload))
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := h.Publish(context.Background(), EventMessage, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tp := NewMemoryTransport()
	_ = tp.Connect(context.Background())
	h := tp.Channel("ch")

	n := 0
	sub, _ := h.Subscribe(EventMessage, func(Event) { n++ })
	_ = h.Publish(context.Background(), EventMessage, []byte("1"))
	sub.Unsubscribe()
	_ = h.Publish(context.Background(), EventMessage, []byte("2"))
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
}

func TestNoBacklogForLateSubscribers(t *testing.T) {
	tp := NewMemoryTransport()
	_ = tp.Connect(context.Background())
	h := tp.Channel("ch")

	_ = h.Publish(context.Background(), EventMessage, []byte("early"))
	n := 0
	_, _ = h.Subscribe(EventMessage, func(Event) { n++ })
	if n != 0 {
		t.Fatal("late subscriber must not see earlier events")
	}
}

func TestPresenceEnterLeaveEvents(t *testing.T) {
	tp := NewMemoryTransport()
	_ = tp.Connect(context.Background())
	pc, err := tp.Channel("ch").Presence()
	if err != nil {
		t.Fatalf("presence: %v", err)
	}

	var events []PresenceEvent
	_, _ = pc.Subscribe(func(ev PresenceEvent) { events = append(events, ev) })

	alice := Member{ID: "alice", DisplayName: "Alice"}
	_ = pc.Enter(context.Background(), alice)
	_ = pc.Enter(context.Background(), alice) // no duplicate event
	members, _ := pc.Members(context.Background())
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}
	_ = pc.Leave(context.Background(), "alice")
	members, _ = pc.Members(context.Background())
	if len(members) != 0 {
		t.Fatalf("expected 0 members, got %d", len(members))
	}

	if len(events) != 2 {
		t.Fatalf("expected enter+leave events, got %d", len(events))
	}
	if events[0].Action != PresenceEnter || events[1].Action != PresenceLeave {
		t.Fatalf("unexpected actions: %v", events)
	}
}
