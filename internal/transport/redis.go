package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport fans events out through Redis pub/sub so every instance
// holding a subscription sees them. Presence rides on TTL'd member keys plus
// a per-channel set, with enter/leave events published alongside.
type RedisTransport struct {
	client      *redis.Client
	prefix      string
	presenceTTL time.Duration
	log         *zap.SugaredLogger

	mu        sync.Mutex
	connected bool
	reconnect bool
	channels  map[string]*redisChannel
}

func NewRedisTransport(client *redis.Client, prefix string, presenceTTL time.Duration, log *zap.SugaredLogger) *RedisTransport {
	if presenceTTL <= 0 {
		presenceTTL = 60 * time.Second
	}
	return &RedisTransport{
		client:      client,
		prefix:      prefix,
		presenceTTL: presenceTTL,
		log:         log,
		channels:    make(map[string]*redisChannel),
	}
}

// Connect is idempotent: a second call while connected is a no-op.
func (t *RedisTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	t.connected = true
	return nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return t.client.Close()
}

func (t *RedisTransport) Channel(id string) ChannelHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	if !ok {
		ch = &redisChannel{t: t, id: id}
		t.channels[id] = ch
	}
	return ch
}

func (t *RedisTransport) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// markDown flips to disconnected and starts one backoff loop that probes
// Redis until it answers again. Publishes fail fast in the meantime.
func (t *RedisTransport) markDown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected && t.reconnect {
		return
	}
	t.connected = false
	if t.reconnect {
		return
	}
	t.reconnect = true
	go t.reconnectLoop()
}

func (t *RedisTransport) reconnectLoop() {
	backoff := time.Second
	for {
		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := t.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			t.mu.Lock()
			t.connected = true
			t.reconnect = false
			t.mu.Unlock()
			t.log.Infow("transport reconnected")
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (t *RedisTransport) eventTopic(channelID string, et EventType) string {
	return fmt.Sprintf("%s:ev:%s:%s", t.prefix, channelID, et)
}

func (t *RedisTransport) memberKey(channelID, identityID string) string {
	return fmt.Sprintf("%s:presence:%s:%s", t.prefix, channelID, identityID)
}

func (t *RedisTransport) memberSetKey(channelID string) string {
	return fmt.Sprintf("%s:presence:%s", t.prefix, channelID)
}

type redisChannel struct {
	t  *RedisTransport
	id string
}

func (c *redisChannel) Subscribe(et EventType, h Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := c.t.client.Subscribe(ctx, c.t.eventTopic(c.id, et))
	go func() {
		for msg := range ps.Channel() {
			h(Event{Type: et, Channel: c.id, Payload: []byte(msg.Payload)})
		}
	}()
	return &redisSub{cancel: func() {
		_ = ps.Close()
		cancel()
	}}, nil
}

func (c *redisChannel) Publish(ctx context.Context, et EventType, payload []byte) error {
	if !c.t.isConnected() {
		return ErrDisconnected
	}
	if err := c.t.client.Publish(ctx, c.t.eventTopic(c.id, et), payload).Err(); err != nil {
		c.t.markDown()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *redisChannel) Presence() (PresenceChannel, error) {
	return &redisPresence{t: c.t, channelID: c.id}, nil
}

type redisSub struct {
	once   sync.Once
	cancel func()
}

func (s *redisSub) Unsubscribe() { s.once.Do(s.cancel) }

type redisPresence struct {
	t         *RedisTransport
	channelID string
}

func (p *redisPresence) Enter(ctx context.Context, m Member) error {
	b, _ := json.Marshal(m)
	if err := p.t.client.Set(ctx, p.t.memberKey(p.channelID, m.ID), b, p.t.presenceTTL).Err(); err != nil {
		return err
	}
	if err := p.t.client.SAdd(ctx, p.t.memberSetKey(p.channelID), m.ID).Err(); err != nil {
		return err
	}
	return p.publish(ctx, PresenceEvent{Action: PresenceEnter, Member: m, At: time.Now().UTC()})
}

func (p *redisPresence) Leave(ctx context.Context, identityID string) error {
	_ = p.t.client.Del(ctx, p.t.memberKey(p.channelID, identityID)).Err()
	if err := p.t.client.SRem(ctx, p.t.memberSetKey(p.channelID), identityID).Err(); err != nil {
		return err
	}
	return p.publish(ctx, PresenceEvent{Action: PresenceLeave, Member: Member{ID: identityID}, At: time.Now().UTC()})
}

// Members prunes ids whose TTL'd member key has expired, which is how an
// abrupt disconnect without a graceful leave eventually reads as absent.
func (p *redisPresence) Members(ctx context.Context) ([]Member, error) {
	ids, err := p.t.client.SMembers(ctx, p.t.memberSetKey(p.channelID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		b, err := p.t.client.Get(ctx, p.t.memberKey(p.channelID, id)).Bytes()
		if err == redis.Nil {
			_ = p.t.client.SRem(ctx, p.t.memberSetKey(p.channelID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		var m Member
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *redisPresence) Subscribe(fn func(PresenceEvent)) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := p.t.client.Subscribe(ctx, p.t.eventTopic(p.channelID, EventPresence))
	go func() {
		for msg := range ps.Channel() {
			var ev PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}()
	return &redisSub{cancel: func() {
		_ = ps.Close()
		cancel()
	}}, nil
}

func (p *redisPresence) publish(ctx context.Context, ev PresenceEvent) error {
	b, _ := json.Marshal(ev)
	return p.t.client.Publish(ctx, p.t.eventTopic(p.channelID, EventPresence), b).Err()
}
