package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
)

// Tracker answers "who is here" for a channel. It is driven by transport
// enter/leave events when the transport has a presence primitive, and by
// periodic polling otherwise. Entries without a last-seen refresh inside the
// TTL window count as absent even without an explicit leave, which covers
// abrupt disconnects. State is per process and eventually consistent.
type Tracker struct {
	ttl time.Duration
	log *zap.SugaredLogger

	mu       sync.RWMutex
	channels map[string]*channelState
	now      func() time.Time
}

type channelState struct {
	entries   map[string]domain.PresenceEntry
	nextSubID int
	subs      map[int]func([]domain.PresenceEntry)
}

func NewTracker(ttl time.Duration, log *zap.SugaredLogger) *Tracker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Tracker{
		ttl:      ttl,
		log:      log,
		channels: make(map[string]*channelState),
		now:      time.Now,
	}
}

// Enter is idempotent: re-entering refreshes last_seen without duplicating
// the entry.
func (t *Tracker) Enter(channelID string, identity domain.Identity) {
	t.mu.Lock()
	st := t.state(channelID)
	now := t.now().UTC()
	e, ok := st.entries[identity.ID]
	if !ok {
		e = domain.PresenceEntry{
			IdentityID:  identity.ID,
			ChannelID:   channelID,
			DisplayName: identity.DisplayName,
			EnteredAt:   now,
		}
	}
	e.LastSeenAt = now
	st.entries[identity.ID] = e
	t.mu.Unlock()
	t.notify(channelID)
}

// Touch refreshes last_seen for an identity already present. Unknown
// identities are ignored; observing a message from someone is not proof
// they are attached.
func (t *Tracker) Touch(channelID, identityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.channels[channelID]
	if !ok {
		return
	}
	if e, ok := st.entries[identityID]; ok {
		e.LastSeenAt = t.now().UTC()
		st.entries[identityID] = e
	}
}

// Leave is safe to call for an identity that is not present.
func (t *Tracker) Leave(channelID, identityID string) {
	t.mu.Lock()
	st, ok := t.channels[channelID]
	if !ok {
		t.mu.Unlock()
		return
	}
	_, present := st.entries[identityID]
	delete(st.entries, identityID)
	t.mu.Unlock()
	if present {
		t.notify(channelID)
	}
}

func (t *Tracker) List(channelID string) []domain.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	cutoff := t.now().UTC().Add(-t.ttl)
	out := make([]domain.PresenceEntry, 0, len(st.entries))
	for _, e := range st.entries {
		if e.LastSeenAt.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// OnChange registers a callback fired with the current entry set whenever
// presence for the channel changes. The returned func cancels it.
func (t *Tracker) OnChange(channelID string, fn func([]domain.PresenceEntry)) func() {
	t.mu.Lock()
	st := t.state(channelID)
	id := st.nextSubID
	st.nextSubID++
	st.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if st, ok := t.channels[channelID]; ok {
			delete(st.subs, id)
		}
	}
}

// Replace swaps the whole entry set for a channel. Used by the polling
// fallback, which re-fetches snapshots instead of observing events.
func (t *Tracker) Replace(channelID string, entries []domain.PresenceEntry) {
	t.mu.Lock()
	st := t.state(channelID)
	st.entries = make(map[string]domain.PresenceEntry, len(entries))
	for _, e := range entries {
		st.entries[e.IdentityID] = e
	}
	t.mu.Unlock()
	t.notify(channelID)
}

// Run sweeps stale entries until ctx is done.
func (t *Tracker) Run(ctx context.Context, sweep time.Duration) {
	if sweep <= 0 {
		sweep = t.ttl / 2
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// Poll drives the degraded mode: when the transport has no presence
// primitive, snapshots come from fetch on a fixed interval.
func (t *Tracker) Poll(ctx context.Context, channelID string, interval time.Duration, fetch func(context.Context, string) ([]domain.PresenceEntry, error)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := fetch(ctx, channelID)
			if err != nil {
				t.log.Warnw("presence poll failed", "channel", channelID, zap.Error(err))
				continue
			}
			t.Replace(channelID, entries)
		}
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	cutoff := t.now().UTC().Add(-t.ttl)
	changed := []string{}
	for channelID, st := range t.channels {
		for id, e := range st.entries {
			if e.LastSeenAt.Before(cutoff) {
				delete(st.entries, id)
				changed = append(changed, channelID)
			}
		}
	}
	t.mu.Unlock()
	for _, channelID := range changed {
		t.notify(channelID)
	}
}

// state must be called with t.mu held.
func (t *Tracker) state(channelID string) *channelState {
	st, ok := t.channels[channelID]
	if !ok {
		st = &channelState{
			entries: make(map[string]domain.PresenceEntry),
			subs:    make(map[int]func([]domain.PresenceEntry)),
		}
		t.channels[channelID] = st
	}
	return st
}

func (t *Tracker) notify(channelID string) {
	t.mu.RLock()
	st, ok := t.channels[channelID]
	if !ok {
		t.mu.RUnlock()
		return
	}
	fns := make([]func([]domain.PresenceEntry), 0, len(st.subs))
	for _, fn := range st.subs {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()
	if len(fns) == 0 {
		return
	}
	entries := t.List(channelID)
	for _, fn := range fns {
		fn(entries)
	}
}
