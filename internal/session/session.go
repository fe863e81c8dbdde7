package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
	"github.com/menteilabs/relay/internal/metrics"
	"github.com/menteilabs/relay/internal/presence"
	"github.com/menteilabs/relay/internal/transport"
)

var (
	ErrInvalidContent = errors.New("invalid content")
	ErrNotSent        = errors.New("message not sent")
	ErrClosed         = errors.New("session closed")
)

// MessageStore is the slice of the store a session needs.
type MessageStore interface {
	Append(ctx context.Context, m *domain.Message) error
	History(ctx context.Context, channelID string, limit int64, before time.Time) ([]domain.Message, error)
}

// EventSink receives message.sent notifications after a successful send.
type EventSink interface {
	MessageSent(ctx context.Context, m domain.Message) error
}

type Deps struct {
	Store     MessageStore
	Transport transport.Transport
	Tracker   *presence.Tracker
	Events    EventSink // optional
	Log       *zap.SugaredLogger

	HistoryLimit   int64
	MaxContentSize int64
	PollInterval   time.Duration
	// Heartbeat is how often an open session refreshes its presence entry
	// and, with native presence, re-extends the transport's TTL key. Must be
	// shorter than the tracker's TTL or idle sessions read as absent.
	Heartbeat time.Duration
	// PresenceSnapshot feeds the polling fallback when the transport has no
	// presence primitive. Optional.
	PresenceSnapshot func(ctx context.Context, channelID string) ([]domain.PresenceEntry, error)
	// Notify receives de-duplicated incoming messages, for a UI bridge.
	// Sends never block; a full channel drops the notification (the message
	// itself is still in Messages()).
	Notify chan<- domain.Message
}

// Session is one client's relationship to a channel: subscribe, backfill,
// de-duplicate, send with fallback.
type Session struct {
	channelID string
	identity  domain.Identity
	deps      Deps

	handle  transport.ChannelHandle
	sub     transport.Subscription
	presSub transport.Subscription
	pres    transport.PresenceChannel
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	messages []domain.Message
	seen     map[string]struct{}
	failed   map[string]struct{}

	native bool // transport presence available
}

// Open seeds local state from history, subscribes to live events and enters
// presence. A partial backfill (store degraded) still yields a usable
// session; live delivery covers the gap until a retry.
func Open(ctx context.Context, channelID string, identity domain.Identity, deps Deps) (*Session, error) {
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 50
	}
	if deps.MaxContentSize <= 0 {
		deps.MaxContentSize = 65536
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 30 * time.Second
	}
	s := &Session{
		channelID: channelID,
		identity:  identity,
		deps:      deps,
		seen:      make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}

	history, err := deps.Store.History(ctx, channelID, deps.HistoryLimit, time.Time{})
	if err != nil {
		deps.Log.Warnw("backfill degraded", "channel", channelID, zap.Error(err))
	}
	for i := range history {
		s.insert(history[i])
	}

	s.handle = deps.Transport.Channel(channelID)
	sub, err := s.handle.Subscribe(transport.EventMessage, s.onIncoming)
	if err != nil {
		return nil, err
	}
	s.sub = sub

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.enterPresence(ctx, runCtx)
	go s.heartbeat(runCtx)

	metrics.ActiveSessions.Inc()
	return s, nil
}

func (s *Session) enterPresence(ctx, runCtx context.Context) {
	member := transport.Member{ID: s.identity.ID, DisplayName: s.identity.DisplayName}
	pc, err := s.handle.Presence()
	if err == nil && pc != nil {
		s.pres = pc
		s.native = true
		if err := pc.Enter(ctx, member); err != nil {
			s.deps.Log.Warnw("presence enter failed", "channel", s.channelID, zap.Error(err))
		}
		if sub, err := pc.Subscribe(s.onPresence); err == nil {
			s.presSub = sub
		}
	} else if s.deps.PresenceSnapshot != nil {
		// no native presence: fall back to polling snapshots
		go s.deps.Tracker.Poll(runCtx, s.channelID, s.deps.PollInterval, s.deps.PresenceSnapshot)
	}
	s.deps.Tracker.Enter(s.channelID, s.identity)
}

// heartbeat keeps an attached-but-idle session present: the tracker entry's
// last_seen is refreshed and, with native presence, the transport's TTL key
// is re-extended before either crosses the staleness cutoff.
func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.deps.Heartbeat)
	defer ticker.Stop()
	member := transport.Member{ID: s.identity.ID, DisplayName: s.identity.DisplayName}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deps.Tracker.Enter(s.channelID, s.identity)
			if s.pres != nil {
				if err := s.pres.Enter(ctx, member); err != nil {
					s.deps.Log.Warnw("presence refresh failed", "channel", s.channelID, zap.Error(err))
				}
			}
		}
	}
}

// Send validates locally, applies the optimistic append, then publishes.
// A failed publish triggers exactly one fallback append to the store; if
// that also fails the local copy is marked failed, never silently dropped.
func (s *Session) Send(ctx context.Context, content string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidContent)
	}
	if int64(len(content)) > s.deps.MaxContentSize {
		return nil, fmt.Errorf("%w: message too large", ErrInvalidContent)
	}

	m := domain.Message{
		ID:        uuid.NewString(),
		ChannelID: s.channelID,
		SenderID:  s.identity.ID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.insert(m)
	s.mu.Unlock()

	payload, _ := json.Marshal(m)
	if err := s.handle.Publish(ctx, transport.EventMessage, payload); err != nil {
		metrics.FallbackAppends.Inc()
		if appendErr := s.deps.Store.Append(ctx, &m); appendErr != nil {
			s.markFailed(m.ID)
			metrics.FailedSends.Inc()
			return &m, fmt.Errorf("%w: publish: %v, append: %v", ErrNotSent, err, appendErr)
		}
		s.deps.Log.Infow("publish failed, message stored via fallback",
			"channel", s.channelID, "message", m.ID, zap.Error(err))
		return &m, nil
	}
	metrics.PublishedEvents.Inc()

	// at-least-once durable append; the upsert keyed by id makes the echo
	// and archiver paths collapse to the same row
	if err := s.deps.Store.Append(ctx, &m); err != nil {
		s.deps.Log.Warnw("append after publish failed, message cached",
			"channel", s.channelID, "message", m.ID, zap.Error(err))
	}
	if s.deps.Events != nil {
		if err := s.deps.Events.MessageSent(ctx, m); err != nil {
			s.deps.Log.Warnw("message.sent emit failed", "message", m.ID, zap.Error(err))
		}
	}
	return &m, nil
}

// Messages returns the current ordered view, ascending by (created_at, id).
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// Failed reports whether a locally-sent message ended in the failed state.
func (s *Session) Failed(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[messageID]
	return ok
}

// Close stops incoming processing before leaving presence, so no handler
// mutates state of a surface being torn down.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sub.Unsubscribe()
	if s.presSub != nil {
		s.presSub.Unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.pres != nil {
		if err := s.pres.Leave(ctx, s.identity.ID); err != nil {
			s.deps.Log.Warnw("presence leave failed", "channel", s.channelID, zap.Error(err))
		}
	}
	s.deps.Tracker.Leave(s.channelID, s.identity.ID)
	metrics.ActiveSessions.Dec()
}

func (s *Session) onIncoming(ev transport.Event) {
	var m domain.Message
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		s.deps.Log.Warnw("dropping malformed event", "channel", s.channelID, zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	added := s.insert(m)
	s.mu.Unlock()
	if !added {
		return
	}
	s.deps.Tracker.Touch(s.channelID, m.SenderID)
	if s.deps.Notify != nil {
		select {
		case s.deps.Notify <- m:
		default:
		}
	}
}

func (s *Session) onPresence(ev transport.PresenceEvent) {
	switch ev.Action {
	case transport.PresenceEnter:
		s.deps.Tracker.Enter(s.channelID, domain.Identity{
			ID:          ev.Member.ID,
			DisplayName: ev.Member.DisplayName,
		})
	case transport.PresenceLeave:
		s.deps.Tracker.Leave(s.channelID, ev.Member.ID)
	}
}

// insert adds m in (created_at, id) order unless its id was already seen.
// Callers must hold s.mu except during Open, before the subscription exists.
func (s *Session) insert(m domain.Message) bool {
	if _, dup := s.seen[m.ID]; dup {
		return false
	}
	s.seen[m.ID] = struct{}{}
	i := sort.Search(len(s.messages), func(i int) bool {
		return m.Before(&s.messages[i])
	})
	s.messages = append(s.messages, domain.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return true
}

func (s *Session) markFailed(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[messageID] = struct{}{}
}
