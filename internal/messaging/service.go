package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
	"github.com/menteilabs/relay/internal/events"
	"github.com/menteilabs/relay/internal/metrics"
	"github.com/menteilabs/relay/internal/presence"
	"github.com/menteilabs/relay/internal/session"
	"github.com/menteilabs/relay/internal/store"
	"github.com/menteilabs/relay/internal/transport"
)

var (
	ErrForbidden    = errors.New("not a participant")
	ErrNotFound     = store.ErrNotFound
	ErrSameIdentity = errors.New("direct channel requires two distinct identities")
)

// Directory is the external identity provider contract. The service only
// reads from it; authentication happens elsewhere.
type Directory interface {
	Identity(ctx context.Context, id string) (*domain.Identity, error)
	Search(ctx context.Context, query string, limit int64) ([]domain.Identity, error)
}

type Options struct {
	GlobalChannelID   string
	HistoryLimit      int64
	MaxContentSize    int64
	StatsTTL          time.Duration
	PresencePoll      time.Duration
	PresenceHeartbeat time.Duration
}

// Service resolves channels and serves the cross-channel aggregate views.
type Service struct {
	opts      Options
	store     *store.Store
	tracker   *presence.Tracker
	transport transport.Transport
	directory Directory
	producer  *events.Producer      // optional
	chanEv    *events.ChannelEvents // optional
	log       *zap.SugaredLogger

	statsMu sync.Mutex
	stats   map[string]statsEntry
}

type statsEntry struct {
	stats domain.ChannelStats
	at    time.Time
}

func NewService(opts Options, st *store.Store, tr *presence.Tracker, tp transport.Transport, dir Directory, prod *events.Producer, chanEv *events.ChannelEvents, log *zap.SugaredLogger) *Service {
	if opts.GlobalChannelID == "" {
		opts.GlobalChannelID = "global"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = 30 * time.Second
	}
	return &Service{
		opts:      opts,
		store:     st,
		tracker:   tr,
		transport: tp,
		directory: dir,
		producer:  prod,
		chanEv:    chanEv,
		log:       log,
		stats:     make(map[string]statsEntry),
	}
}

// EnsureGlobalChannel creates the shared global channel if it does not
// exist yet. Called at startup; also invoked lazily on first use.
func (s *Service) EnsureGlobalChannel(ctx context.Context) (*domain.Channel, error) {
	now := time.Now().UTC()
	ch := &domain.Channel{
		ID:        s.opts.GlobalChannelID,
		Kind:      domain.ChannelGlobal,
		Name:      "Global",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// GetOrCreateDirectChannel resolves the direct channel for an unordered
// pair. The id derives from the sorted pair, so both argument orders and
// concurrent callers land on the same channel.
func (s *Service) GetOrCreateDirectChannel(ctx context.Context, idA, idB string) (*domain.Channel, error) {
	if idA == "" || idB == "" || idA == idB {
		return nil, ErrSameIdentity
	}
	channelID := domain.DirectChannelID(idA, idB)
	if ch, err := s.store.Channel(ctx, channelID); err == nil {
		return ch, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	pair := []string{idA, idB}
	if pair[0] > pair[1] {
		pair[0], pair[1] = pair[1], pair[0]
	}
	ch := &domain.Channel{
		ID:             channelID,
		Kind:           domain.ChannelDirect,
		ParticipantIDs: pair,
		DirectKey:      domain.DirectPairKey(idA, idB),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.UpsertChannel(ctx, ch); err != nil {
		return nil, err
	}
	if s.chanEv != nil {
		s.chanEv.PublishChannelCreated(ch)
	}
	return ch, nil
}

func (s *Service) CreateGroupChannel(ctx context.Context, ownerID, name string, memberIDs []string) (*domain.Channel, error) {
	if ownerID == "" || name == "" {
		return nil, fmt.Errorf("%w: owner and name required", session.ErrInvalidContent)
	}
	participants := []string{ownerID}
	for _, id := range memberIDs {
		if id != ownerID {
			participants = append(participants, id)
		}
	}
	now := time.Now().UTC()
	ch := &domain.Channel{
		ID:             uuid.NewString(),
		Kind:           domain.ChannelGroup,
		Name:           name,
		ParticipantIDs: participants,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.UpsertChannel(ctx, ch); err != nil {
		return nil, err
	}
	if s.chanEv != nil {
		s.chanEv.PublishChannelCreated(ch)
	}
	return ch, nil
}

// OpenSession is the one place the Forbidden check happens; a session is
// never handed out for a channel the identity cannot attach to.
func (s *Service) OpenSession(ctx context.Context, channelID string, identity domain.Identity, notify chan<- domain.Message) (*session.Session, error) {
	ch, err := s.resolveChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.HasParticipant(identity.ID) {
		return nil, ErrForbidden
	}
	return session.Open(ctx, ch.ID, identity, session.Deps{
		Store:            s.store,
		Transport:        s.transport,
		Tracker:          s.tracker,
		Events:           s.eventSink(),
		Log:              s.log,
		HistoryLimit:     s.opts.HistoryLimit,
		MaxContentSize:   s.opts.MaxContentSize,
		PollInterval:     s.opts.PresencePoll,
		Heartbeat:        s.opts.PresenceHeartbeat,
		PresenceSnapshot: s.presenceSnapshot,
		Notify:           notify,
	})
}

// Post is the HTTP-side twin of Session.Send: durable append first, then
// best-effort live fan-out and event emit.
func (s *Service) Post(ctx context.Context, channelID string, sender domain.Identity, content string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty message", session.ErrInvalidContent)
	}
	if s.opts.MaxContentSize > 0 && int64(len(content)) > s.opts.MaxContentSize {
		return nil, fmt.Errorf("%w: message too large", session.ErrInvalidContent)
	}
	ch, err := s.resolveChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.HasParticipant(sender.ID) {
		return nil, ErrForbidden
	}
	m := &domain.Message{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		SenderID:  sender.ID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Append(ctx, m); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(m)
	if err := s.transport.Channel(ch.ID).Publish(ctx, transport.EventMessage, payload); err != nil {
		s.log.Warnw("live fan-out failed, message is durable", "message", m.ID, zap.Error(err))
	} else {
		metrics.PublishedEvents.Inc()
	}
	if s.producer != nil {
		if err := s.producer.MessageSent(ctx, *m); err != nil {
			s.log.Warnw("message.sent emit failed", "message", m.ID, zap.Error(err))
		}
	}
	return m, nil
}

func (s *Service) History(ctx context.Context, channelID string, limit int64, before time.Time) ([]domain.Message, error) {
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	return s.store.History(ctx, channelID, limit, before)
}

func (s *Service) MarkRead(ctx context.Context, channelID, readerID string) (int64, error) {
	return s.store.MarkRead(ctx, channelID, readerID)
}

func (s *Service) LastMessage(ctx context.Context, channelID string) (*domain.Message, error) {
	return s.store.LastMessage(ctx, channelID)
}

func (s *Service) Presence(channelID string) []domain.PresenceEntry {
	return s.tracker.List(channelID)
}

// ListConversations returns one summary per channel the identity belongs
// to, newest activity first. Summaries are always recomputed, never stored.
func (s *Service) ListConversations(ctx context.Context, identityID string) ([]domain.ConversationSummary, error) {
	channels, err := s.store.ChannelsFor(ctx, identityID, 100)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConversationSummary, 0, len(channels))
	for _, ch := range channels {
		sum := domain.ConversationSummary{
			ChannelID: ch.ID,
			UpdatedAt: ch.UpdatedAt,
		}
		if last, err := s.store.LastMessage(ctx, ch.ID); err == nil {
			sum.LastMessage = last
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if n, err := s.store.CountUnread(ctx, ch.ID, identityID); err == nil {
			sum.UnreadCount = n
		}
		sum.Participant = s.counterpart(ctx, &ch, identityID)
		out = append(out, sum)
	}
	return out, nil
}

func (s *Service) SearchIdentities(ctx context.Context, query string, limit int64) ([]domain.Identity, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.directory.Search(ctx, query, limit)
}

// Stats aggregates store counts and live presence, cached behind a short
// TTL to bound load.
func (s *Service) Stats(ctx context.Context, channelID string) (domain.ChannelStats, error) {
	s.statsMu.Lock()
	if e, ok := s.stats[channelID]; ok && time.Since(e.at) < s.opts.StatsTTL {
		s.statsMu.Unlock()
		return e.stats, nil
	}
	s.statsMu.Unlock()

	total, err := s.store.CountMessages(ctx, channelID)
	if err != nil {
		return domain.ChannelStats{}, err
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	today, err := s.store.CountMessagesSince(ctx, channelID, midnight)
	if err != nil {
		return domain.ChannelStats{}, err
	}
	st := domain.ChannelStats{
		TotalMessages: total,
		TodayMessages: today,
		OnlineCount:   len(s.tracker.List(channelID)),
	}
	s.statsMu.Lock()
	s.stats[channelID] = statsEntry{stats: st, at: time.Now()}
	s.statsMu.Unlock()
	return st, nil
}

// resolveChannel looks the channel up, creating the global channel lazily.
func (s *Service) resolveChannel(ctx context.Context, channelID string) (*domain.Channel, error) {
	ch, err := s.store.Channel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) && channelID == s.opts.GlobalChannelID {
		return s.EnsureGlobalChannel(ctx)
	}
	return ch, err
}

// counterpart resolves the "other side" shown in a conversation list entry.
func (s *Service) counterpart(ctx context.Context, ch *domain.Channel, identityID string) domain.Identity {
	if ch.Kind == domain.ChannelGroup {
		return domain.Identity{ID: ch.ID, DisplayName: ch.Name}
	}
	for _, id := range ch.ParticipantIDs {
		if id == identityID {
			continue
		}
		if ident, err := s.directory.Identity(ctx, id); err == nil {
			return *ident
		}
		return domain.Identity{ID: id}
	}
	return domain.Identity{}
}

// presenceSnapshot approximates presence from recent sender activity when
// the transport has no native primitive. The snapshot can lag by up to a
// minute.
func (s *Service) presenceSnapshot(ctx context.Context, channelID string) ([]domain.PresenceEntry, error) {
	msgs, err := s.store.History(ctx, channelID, s.opts.HistoryLimit, time.Time{})
	if err != nil && len(msgs) == 0 {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-time.Minute)
	seen := map[string]struct{}{}
	out := []domain.PresenceEntry{}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.CreatedAt.Before(cutoff) {
			break
		}
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		out = append(out, domain.PresenceEntry{
			IdentityID: m.SenderID,
			ChannelID:  channelID,
			EnteredAt:  m.CreatedAt,
			LastSeenAt: m.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) eventSink() session.EventSink {
	if s.producer == nil {
		return nil
	}
	return s.producer
}
