package transport

import (
	"context"
	"sync"
	"time"
)

// MemoryTransport is the in-process fan-out used by single-node deploys and
// tests. Handlers run on the publisher's goroutine.
type MemoryTransport struct {
	mu        sync.RWMutex
	connected bool
	channels  map[string]*memoryChannel
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{channels: make(map[string]*memoryChannel)}
}

func (t *MemoryTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *MemoryTransport) Channel(id string) ChannelHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	if !ok {
		ch = &memoryChannel{
			t:        t,
			id:       id,
			subs:     make(map[EventType]map[int]Handler),
			presence: newMemoryPresence(id),
		}
		t.channels[id] = ch
	}
	return ch
}

func (t *MemoryTransport) isConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

type memoryChannel struct {
	t        *MemoryTransport
	id       string
	mu       sync.RWMutex
	nextID   int
	subs     map[EventType]map[int]Handler
	presence *memoryPresence
}

func (c *memoryChannel) Subscribe(et EventType, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[et] == nil {
		c.subs[et] = make(map[int]Handler)
	}
	id := c.nextID
	c.nextID++
	c.subs[et][id] = h
	return &memorySub{cancel: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[et], id)
	}}, nil
}

func (c *memoryChannel) Publish(ctx context.Context, et EventType, payload []byte) error {
	if !c.t.isConnected() {
		return ErrDisconnected
	}
	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.subs[et]))
	for _, h := range c.subs[et] {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()
	ev := Event{Type: et, Channel: c.id, Payload: payload}
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (c *memoryChannel) Presence() (PresenceChannel, error) {
	return c.presence, nil
}

type memorySub struct {
	once   sync.Once
	cancel func()
}

func (s *memorySub) Unsubscribe() { s.once.Do(s.cancel) }

type memoryPresence struct {
	channelID string
	mu        sync.RWMutex
	members   map[string]Member
	nextID    int
	subs      map[int]func(PresenceEvent)
}

func newMemoryPresence(channelID string) *memoryPresence {
	return &memoryPresence{
		channelID: channelID,
		members:   make(map[string]Member),
		subs:      make(map[int]func(PresenceEvent)),
	}
}

func (p *memoryPresence) Enter(ctx context.Context, m Member) error {
	p.mu.Lock()
	_, already := p.members[m.ID]
	p.members[m.ID] = m
	fns := p.listeners()
	p.mu.Unlock()
	if !already {
		p.emit(fns, PresenceEvent{Action: PresenceEnter, Member: m, At: time.Now().UTC()})
	}
	return nil
}

func (p *memoryPresence) Leave(ctx context.Context, identityID string) error {
	p.mu.Lock()
	m, ok := p.members[identityID]
	delete(p.members, identityID)
	fns := p.listeners()
	p.mu.Unlock()
	if ok {
		p.emit(fns, PresenceEvent{Action: PresenceLeave, Member: m, At: time.Now().UTC()})
	}
	return nil
}

func (p *memoryPresence) Members(ctx context.Context) ([]Member, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m)
	}
	return out, nil
}

func (p *memoryPresence) Subscribe(fn func(PresenceEvent)) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return &memorySub{cancel: func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}}, nil
}

// listeners must be called with p.mu held.
func (p *memoryPresence) listeners() []func(PresenceEvent) {
	fns := make([]func(PresenceEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	return fns
}

func (p *memoryPresence) emit(fns []func(PresenceEvent), ev PresenceEvent) {
	for _, fn := range fns {
		fn(ev)
	}
}
