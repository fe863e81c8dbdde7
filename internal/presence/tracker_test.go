package presence

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
)

func newTestTracker(ttl time.Duration) *Tracker {
	return NewTracker(ttl, zap.NewNop().Sugar())
}

func TestEnterIdempotent(t *testing.T) {
	tr := newTestTracker(time.Minute)
	alice := domain.Identity{ID: "alice", DisplayName: "Alice"}

	tr.Enter("ch", alice)
	first := tr.List("ch")
	if len(first) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(first))
	}

	tr.Enter("ch", alice)
	entries := tr.List("ch")
	if len(entries) != 1 {
		t.Fatalf("re-enter duplicated the entry: %d", len(entries))
	}
	if !entries[0].EnteredAt.Equal(first[0].EnteredAt) {
		t.Fatal("re-enter should keep the original entered_at")
	}
	if entries[0].LastSeenAt.Before(first[0].LastSeenAt) {
		t.Fatal("re-enter should refresh last_seen")
	}
}

func TestLeaveAbsentIdentity(t *testing.T) {
	tr := newTestTracker(time.Minute)
	tr.Leave("ch", "ghost")
	if entries := tr.List("ch"); len(entries) != 0 {
		t.Fatalf("expected empty, got %d", len(entries))
	}
}

func TestStaleEntriesTreatedAbsent(t *testing.T) {
	tr := newTestTracker(time.Minute)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Enter("ch", domain.Identity{ID: "alice"})
	if len(tr.List("ch")) != 1 {
		t.Fatal("expected alice present")
	}

	// abrupt disconnect: no leave, clock moves past the ttl window
	now = now.Add(61 * time.Second)
	if entries := tr.List("ch"); len(entries) != 0 {
		t.Fatalf("stale entry should read as absent, got %d", len(entries))
	}
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	tr := newTestTracker(time.Minute)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Enter("ch", domain.Identity{ID: "alice"})
	now = now.Add(50 * time.Second)
	tr.Touch("ch", "alice")
	now = now.Add(30 * time.Second)
	if len(tr.List("ch")) != 1 {
		t.Fatal("touched entry should still be present")
	}
}

func TestTouchIgnoresUnknownIdentity(t *testing.T) {
	tr := newTestTracker(time.Minute)
	tr.Touch("ch", "ghost")
	if len(tr.List("ch")) != 0 {
		t.Fatal("touch must not create entries")
	}
}

func TestOnChangeFiresOnEnterAndLeave(t *testing.T) {
	tr := newTestTracker(time.Minute)
	var calls [][]domain.PresenceEntry
	cancel := tr.OnChange("ch", func(entries []domain.PresenceEntry) {
		calls = append(calls, entries)
	})
	defer cancel()

	tr.Enter("ch", domain.Identity{ID: "alice"})
	tr.Leave("ch", "alice")
	if len(calls) != 2 {
		t.Fatalf("expected 2 callbacks, got %d", len(calls))
	}
	if len(calls[0]) != 1 || len(calls[1]) != 0 {
		t.Fatalf("unexpected snapshots: %v", calls)
	}

	cancel()
	tr.Enter("ch", domain.Identity{ID: "bob"})
	if len(calls) != 2 {
		t.Fatal("callback fired after cancel")
	}
}

func TestReplaceSwapsEntries(t *testing.T) {
	tr := newTestTracker(time.Minute)
	tr.Enter("ch", domain.Identity{ID: "alice"})
	tr.Replace("ch", []domain.PresenceEntry{
		{IdentityID: "bob", ChannelID: "ch", LastSeenAt: time.Now().UTC()},
	})
	entries := tr.List("ch")
	if len(entries) != 1 || entries[0].IdentityID != "bob" {
		t.Fatalf("expected only bob after replace, got %v", entries)
	}
}
