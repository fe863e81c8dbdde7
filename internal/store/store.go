package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("store unavailable")
)

// Backend is the durable contract: one append-only messages table indexed by
// (channel_id, created_at) and one channels table indexed by id. Messages()
// returns newest-first; Store reverses for display.
type Backend interface {
	AppendMessage(ctx context.Context, m *domain.Message) error
	Messages(ctx context.Context, channelID string, limit int64, before time.Time) ([]domain.Message, error)
	MarkRead(ctx context.Context, channelID, readerID string, at time.Time) (int64, error)
	LastMessage(ctx context.Context, channelID string) (*domain.Message, error)
	CountMessages(ctx context.Context, channelID string) (int64, error)
	CountMessagesSince(ctx context.Context, channelID string, since time.Time) (int64, error)
	CountUnread(ctx context.Context, channelID, readerID string) (int64, error)

	UpsertChannel(ctx context.Context, ch *domain.Channel) error
	Channel(ctx context.Context, id string) (*domain.Channel, error)
	ChannelsFor(ctx context.Context, identityID string, limit int64) ([]domain.Channel, error)
}

// Store fronts the durable backend with a bounded local cache. Append goes
// through a circuit breaker so a dead backend fails fast to the cache path
// instead of stalling every send; the user-visible effect of a backend
// outage is "message appears locally but may not survive a reload".
type Store struct {
	durable Backend
	cache   *RingCache
	breaker *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger
}

func New(durable Backend, cacheSize int, log *zap.SugaredLogger) *Store {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "store-append",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Store{
		durable: durable,
		cache:   NewRingCache(cacheSize),
		breaker: cb,
		log:     log,
	}
}

// Append persists the message durably and mirrors it into the local cache.
// On backend failure the message survives only in the cache and the caller
// gets ErrUnavailable.
func (s *Store) Append(ctx context.Context, m *domain.Message) error {
	s.cache.Add(m.ChannelID, *m)
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.durable.AppendMessage(ctx, m)
	})
	if err != nil {
		s.log.Warnw("durable append failed, message cached only",
			"channel", m.ChannelID, "message", m.ID, zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// History returns messages in chronological order for display. before is an
// exclusive cursor on created_at; limit defaults to 50. On backend failure
// it returns whatever the local cache holds along with ErrUnavailable so the
// caller can show partial history with a retry affordance.
func (s *Store) History(ctx context.Context, channelID string, limit int64, before time.Time) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.durable.Messages(ctx, channelID, limit, before)
	if err != nil {
		s.log.Warnw("history read failed, serving cache", "channel", channelID, zap.Error(err))
		// cache entries arrive in append order, which interleaves across
		// senders; re-sort into display order
		cached := s.cache.Get(channelID)
		sort.Slice(cached, func(i, j int) bool { return cached[i].Before(&cached[j]) })
		return cached, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// backend returns newest-first; reverse to oldest-first
	out := make([]domain.Message, len(msgs))
	for i := range msgs {
		out[len(msgs)-1-i] = msgs[i]
	}
	return out, nil
}

// MarkRead stamps read_at on every unread message addressed to readerID in
// the channel and reports how many changed. Idempotent: a second call with
// nothing unread returns 0.
func (s *Store) MarkRead(ctx context.Context, channelID, readerID string) (int64, error) {
	n, err := s.durable.MarkRead(ctx, channelID, readerID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *Store) LastMessage(ctx context.Context, channelID string) (*domain.Message, error) {
	return s.durable.LastMessage(ctx, channelID)
}

func (s *Store) CountMessages(ctx context.Context, channelID string) (int64, error) {
	return s.durable.CountMessages(ctx, channelID)
}

func (s *Store) CountMessagesSince(ctx context.Context, channelID string, since time.Time) (int64, error) {
	return s.durable.CountMessagesSince(ctx, channelID, since)
}

func (s *Store) CountUnread(ctx context.Context, channelID, readerID string) (int64, error) {
	return s.durable.CountUnread(ctx, channelID, readerID)
}

func (s *Store) UpsertChannel(ctx context.Context, ch *domain.Channel) error {
	return s.durable.UpsertChannel(ctx, ch)
}

func (s *Store) Channel(ctx context.Context, id string) (*domain.Channel, error) {
	return s.durable.Channel(ctx, id)
}

func (s *Store) ChannelsFor(ctx context.Context, identityID string, limit int64) ([]domain.Channel, error) {
	return s.durable.ChannelsFor(ctx, identityID, limit)
}

// CacheGet exposes the degraded-mode tier directly.
func (s *Store) CacheGet(channelID string) []domain.Message {
	return s.cache.Get(channelID)
}

func (s *Store) CacheSet(channelID string, msgs []domain.Message) {
	s.cache.Set(channelID, msgs)
}
