package store

import (
	"sync"

	"github.com/menteilabs/relay/internal/domain"
)

// RingCache is the local fallback tier: a size-bounded per-channel buffer of
// recent messages, consulted when the durable backend is unreachable.
type RingCache struct {
	mu   sync.RWMutex
	max  int
	byCh map[string][]domain.Message
}

func NewRingCache(max int) *RingCache {
	if max <= 0 {
		max = 100
	}
	return &RingCache{max: max, byCh: make(map[string][]domain.Message)}
}

func (c *RingCache) Add(channelID string, m domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := append(c.byCh[channelID], m)
	if len(msgs) > c.max {
		msgs = msgs[len(msgs)-c.max:]
	}
	c.byCh[channelID] = msgs
}

func (c *RingCache) Set(channelID string, msgs []domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(msgs) > c.max {
		msgs = msgs[len(msgs)-c.max:]
	}
	c.byCh[channelID] = append([]domain.Message(nil), msgs...)
}

func (c *RingCache) Get(channelID string) []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Message(nil), c.byCh[channelID]...)
}
