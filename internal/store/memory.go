package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/menteilabs/relay/internal/domain"
)

// MemoryBackend keeps everything in process. It backs single-node deploys
// without Mongo and doubles as the test backend.
type MemoryBackend struct {
	mu       sync.RWMutex
	messages map[string][]domain.Message // channelID -> messages, append order
	index    map[string]struct{}         // message ids, for idempotent append
	channels map[string]domain.Channel
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		messages: make(map[string][]domain.Message),
		index:    make(map[string]struct{}),
		channels: make(map[string]domain.Channel),
	}
}

func (b *MemoryBackend) AppendMessage(ctx context.Context, m *domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.index[m.ID]; dup {
		return nil
	}
	b.index[m.ID] = struct{}{}
	b.messages[m.ChannelID] = append(b.messages[m.ChannelID], *m)
	if ch, ok := b.channels[m.ChannelID]; ok {
		ch.UpdatedAt = m.CreatedAt
		b.channels[m.ChannelID] = ch
	}
	return nil
}

func (b *MemoryBackend) Messages(ctx context.Context, channelID string, limit int64, before time.Time) ([]domain.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.messages[channelID]
	out := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Before(&out[i]) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) MarkRead(ctx context.Context, channelID, readerID string, at time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	msgs := b.messages[channelID]
	for i := range msgs {
		if msgs[i].SenderID != readerID && msgs[i].ReadAt == nil {
			t := at
			msgs[i].ReadAt = &t
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) LastMessage(ctx context.Context, channelID string) (*domain.Message, error) {
	msgs, err := b.Messages(ctx, channelID, 1, time.Time{})
	if err != nil || len(msgs) == 0 {
		if err == nil {
			err = ErrNotFound
		}
		return nil, err
	}
	m := msgs[0]
	return &m, nil
}

func (b *MemoryBackend) CountMessages(ctx context.Context, channelID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.messages[channelID])), nil
}

func (b *MemoryBackend) CountMessagesSince(ctx context.Context, channelID string, since time.Time) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	for _, m := range b.messages[channelID] {
		if !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) CountUnread(ctx context.Context, channelID, readerID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	for _, m := range b.messages[channelID] {
		if m.SenderID != readerID && m.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) UpsertChannel(ctx context.Context, ch *domain.Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.channels[ch.ID]; ok {
		*ch = existing
		return nil
	}
	b.channels[ch.ID] = *ch
	return nil
}

func (b *MemoryBackend) Channel(ctx context.Context, id string) (*domain.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ch, nil
}

func (b *MemoryBackend) ChannelsFor(ctx context.Context, identityID string, limit int64) ([]domain.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []domain.Channel{}
	for _, ch := range b.channels {
		if ch.Kind == domain.ChannelGlobal {
			continue
		}
		if ch.HasParticipant(identityID) {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}
