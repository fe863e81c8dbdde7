package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
)

type flakyBackend struct {
	*MemoryBackend
	down bool
}

func (b *flakyBackend) AppendMessage(ctx context.Context, m *domain.Message) error {
	if b.down {
		return errors.New("connection refused")
	}
	return b.MemoryBackend.AppendMessage(ctx, m)
}

func (b *flakyBackend) Messages(ctx context.Context, channelID string, limit int64, before time.Time) ([]domain.Message, error) {
	if b.down {
		return nil, errors.New("connection refused")
	}
	return b.MemoryBackend.Messages(ctx, channelID, limit, before)
}

func newTestStore(t *testing.T) (*Store, *flakyBackend) {
	t.Helper()
	b := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	return New(b, 100, zap.NewNop().Sugar()), b
}

func msg(id, channel, sender string, at time.Time) *domain.Message {
	return &domain.Message{ID: id, ChannelID: channel, SenderID: sender, Content: "x", CreatedAt: at}
}

func TestAppendFallsBackToCache(t *testing.T) {
	st, backend := newTestStore(t)
	backend.down = true

	err := st.Append(context.Background(), msg("m1", "ch", "alice", time.Now().UTC()))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	cached := st.CacheGet("ch")
	if len(cached) != 1 || cached[0].ID != "m1" {
		t.Fatalf("expected message in cache, got %v", cached)
	}
}

func TestHistoryDegradedServesCache(t *testing.T) {
	st, backend := newTestStore(t)
	_ = st.Append(context.Background(), msg("m1", "ch", "alice", time.Now().UTC()))

	backend.down = true
	msgs, err := st.History(context.Background(), "ch", 50, time.Time{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("expected cached partial history, got %v", msgs)
	}
}

func TestHistoryDegradedCacheSorted(t *testing.T) {
	st, backend := newTestStore(t)
	backend.down = true
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// fallback appends land in arrival order, not message order
	_ = st.Append(context.Background(), msg("m2", "ch", "bob", base.Add(2*time.Second)))
	_ = st.Append(context.Background(), msg("m1", "ch", "alice", base.Add(time.Second)))

	msgs, err := st.History(context.Background(), "ch", 50, time.Time{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("expected cached history in display order, got %v", msgs)
	}
}

func TestHistoryChronologicalOrder(t *testing.T) {
	st, _ := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_ = st.Append(context.Background(), msg("m2", "ch", "a", base.Add(2*time.Second)))
	_ = st.Append(context.Background(), msg("m1", "ch", "a", base.Add(time.Second)))
	_ = st.Append(context.Background(), msg("m3", "ch", "a", base.Add(3*time.Second)))

	msgs, err := st.History(context.Background(), "ch", 50, time.Time{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].ID)
		}
	}
}

func TestHistoryBeforeCursor(t *testing.T) {
	st, _ := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		_ = st.Append(context.Background(), msg(id, "ch", "a", base.Add(time.Duration(i)*time.Second)))
	}
	msgs, err := st.History(context.Background(), "ch", 50, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// cursor is exclusive: m3 is at the cursor instant and excluded
	if len(msgs) != 2 || msgs[1].ID != "m2" {
		t.Fatalf("expected [m1 m2], got %v", msgs)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	now := time.Now().UTC()
	_ = st.Append(context.Background(), msg("m1", "ch", "alice", now))
	_ = st.Append(context.Background(), msg("m2", "ch", "alice", now.Add(time.Second)))
	_ = st.Append(context.Background(), msg("m3", "ch", "bob", now.Add(2*time.Second)))

	n, err := st.MarkRead(context.Background(), "ch", "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 updated, got %d", n)
	}
	n, err = st.MarkRead(context.Background(), "ch", "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n != 0 {
		t.Fatalf("second call should update 0, got %d", n)
	}
}

func TestAppendIdempotentByID(t *testing.T) {
	st, _ := newTestStore(t)
	m := msg("m1", "ch", "alice", time.Now().UTC())
	_ = st.Append(context.Background(), m)
	_ = st.Append(context.Background(), m)

	n, err := st.CountMessages(context.Background(), "ch")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("duplicate append created %d rows", n)
	}
}

func TestUpsertChannelKeepsExisting(t *testing.T) {
	st, _ := newTestStore(t)
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ch := &domain.Channel{ID: "dm:1", Kind: domain.ChannelDirect, ParticipantIDs: []string{"a", "b"}, CreatedAt: created, UpdatedAt: created}
	if err := st.UpsertChannel(context.Background(), ch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	later := &domain.Channel{ID: "dm:1", Kind: domain.ChannelDirect, ParticipantIDs: []string{"a", "b"}, CreatedAt: created.Add(time.Hour), UpdatedAt: created.Add(time.Hour)}
	if err := st.UpsertChannel(context.Background(), later); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !later.CreatedAt.Equal(created) {
		t.Fatalf("second upsert should load the stored row, got created_at %v", later.CreatedAt)
	}
}
