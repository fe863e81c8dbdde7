package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
	"github.com/menteilabs/relay/internal/presence"
	"github.com/menteilabs/relay/internal/store"
	"github.com/menteilabs/relay/internal/transport"
)

type fixture struct {
	svc       *Service
	store     *store.Store
	tracker   *presence.Tracker
	transport *transport.MemoryTransport
	directory *store.MemoryDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	f := &fixture{
		store:     store.New(store.NewMemoryBackend(), 100, log),
		tracker:   presence.NewTracker(time.Minute, log),
		transport: transport.NewMemoryTransport(),
		directory: store.NewMemoryDirectory(),
	}
	if err := f.transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.directory.Put(domain.Identity{ID: "alice", DisplayName: "Alice"})
	f.directory.Put(domain.Identity{ID: "bob", DisplayName: "Bob"})
	f.svc = NewService(Options{GlobalChannelID: "global", StatsTTL: 30 * time.Second},
		f.store, f.tracker, f.transport, f.directory, nil, nil, log)
	return f
}

func TestDirectChannelUniqueness(t *testing.T) {
	f := newFixture(t)
	ch1, err := f.svc.GetOrCreateDirectChannel(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch2, err := f.svc.GetOrCreateDirectChannel(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("reverse order: %v", err)
	}
	if ch1.ID != ch2.ID {
		t.Fatalf("argument order produced different channels: %s vs %s", ch1.ID, ch2.ID)
	}
	if ch1.Kind != domain.ChannelDirect || len(ch1.ParticipantIDs) != 2 {
		t.Fatalf("unexpected channel shape: %+v", ch1)
	}
}

func TestDirectChannelRejectsSameIdentity(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.GetOrCreateDirectChannel(context.Background(), "alice", "alice"); !errors.Is(err, ErrSameIdentity) {
		t.Fatalf("expected ErrSameIdentity, got %v", err)
	}
}

func TestListConversationsSingleEntryPerPeer(t *testing.T) {
	f := newFixture(t)
	_, _ = f.svc.GetOrCreateDirectChannel(context.Background(), "alice", "bob")
	_, _ = f.svc.GetOrCreateDirectChannel(context.Background(), "bob", "alice")

	convs, err := f.svc.ListConversations(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected exactly one conversation with bob, got %d", len(convs))
	}
	if convs[0].Participant.ID != "bob" || convs[0].Participant.DisplayName != "Bob" {
		t.Fatalf("unexpected participant: %+v", convs[0].Participant)
	}
}

func TestListConversationsUnreadAndLastMessage(t *testing.T) {
	f := newFixture(t)
	ch, _ := f.svc.GetOrCreateDirectChannel(context.Background(), "alice", "bob")

	bob := domain.Identity{ID: "bob", DisplayName: "Bob"}
	if _, err := f.svc.Post(context.Background(), ch.ID, bob, "hey"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := f.svc.Post(context.Background(), ch.ID, bob, "you there?"); err != nil {
		t.Fatalf("post: %v", err)
	}

	convs, err := f.svc.ListConversations(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", convs[0].UnreadCount)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.Content != "you there?" {
		t.Fatalf("unexpected last message: %+v", convs[0].LastMessage)
	}

	n, err := f.svc.MarkRead(context.Background(), ch.ID, "alice")
	if err != nil || n != 2 {
		t.Fatalf("mark read: n=%d err=%v", n, err)
	}
	n, err = f.svc.MarkRead(context.Background(), ch.ID, "alice")
	if err != nil || n != 0 {
		t.Fatalf("second mark read should be 0, got n=%d err=%v", n, err)
	}
}

func TestPostForbiddenForNonParticipant(t *testing.T) {
	f := newFixture(t)
	ch, _ := f.svc.GetOrCreateDirectChannel(context.Background(), "alice", "bob")
	carol := domain.Identity{ID: "carol"}
	if _, err := f.svc.Post(context.Background(), ch.ID, carol, "hi"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.OpenSession(context.Background(), ch.ID, carol, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on open, got %v", err)
	}
}

func TestGlobalChannelCreatedLazily(t *testing.T) {
	f := newFixture(t)
	carol := domain.Identity{ID: "carol", DisplayName: "Carol"}
	m, err := f.svc.Post(context.Background(), "global", carol, "first!")
	if err != nil {
		t.Fatalf("post to lazily-created global: %v", err)
	}
	if m.ChannelID != "global" {
		t.Fatalf("unexpected channel: %s", m.ChannelID)
	}
	sess, err := f.svc.OpenSession(context.Background(), "global", carol, nil)
	if err != nil {
		t.Fatalf("open global: %v", err)
	}
	defer sess.Close(context.Background())
	if len(sess.Messages()) != 1 {
		t.Fatalf("expected backfilled message, got %d", len(sess.Messages()))
	}
}

func TestPostFansOutLive(t *testing.T) {
	f := newFixture(t)
	_, _ = f.svc.EnsureGlobalChannel(context.Background())

	received := 0
	_, _ = f.transport.Channel("global").Subscribe(transport.EventMessage, func(transport.Event) {
		received++
	})
	if _, err := f.svc.Post(context.Background(), "global", domain.Identity{ID: "alice"}, "hi"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if received != 1 {
		t.Fatalf("expected live delivery, got %d", received)
	}
}

func TestUnknownChannelNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Post(context.Background(), "nope", domain.Identity{ID: "alice"}, "hi")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatsAggregationAndTTL(t *testing.T) {
	f := newFixture(t)
	_, _ = f.svc.EnsureGlobalChannel(context.Background())
	alice := domain.Identity{ID: "alice"}
	_, _ = f.svc.Post(context.Background(), "global", alice, "one")
	_, _ = f.svc.Post(context.Background(), "global", alice, "two")
	f.tracker.Enter("global", alice)

	st, err := f.svc.Stats(context.Background(), "global")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalMessages != 2 || st.TodayMessages != 2 || st.OnlineCount != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	// within the TTL the cached aggregate is served
	_, _ = f.svc.Post(context.Background(), "global", alice, "three")
	st, err = f.svc.Stats(context.Background(), "global")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalMessages != 2 {
		t.Fatalf("expected cached total 2, got %d", st.TotalMessages)
	}
}

func TestSearchIdentities(t *testing.T) {
	f := newFixture(t)
	idents, err := f.svc.SearchIdentities(context.Background(), "ali", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(idents) != 1 || idents[0].ID != "alice" {
		t.Fatalf("unexpected result: %v", idents)
	}
}
