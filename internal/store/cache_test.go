package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/menteilabs/relay/internal/domain"
)

func TestRingCacheBound(t *testing.T) {
	c := NewRingCache(100)
	for i := 0; i < 150; i++ {
		c.Add("ch", domain.Message{ID: fmt.Sprintf("m%03d", i), CreatedAt: time.Now()})
	}
	got := c.Get("ch")
	if len(got) != 100 {
		t.Fatalf("expected cache capped at 100, got %d", len(got))
	}
	if got[0].ID != "m050" {
		t.Fatalf("expected oldest retained to be m050, got %s", got[0].ID)
	}
	if got[99].ID != "m149" {
		t.Fatalf("expected newest to be m149, got %s", got[99].ID)
	}
}

func TestRingCacheSetCopies(t *testing.T) {
	c := NewRingCache(10)
	src := []domain.Message{{ID: "a"}, {ID: "b"}}
	c.Set("ch", src)
	src[0].ID = "mutated"
	got := c.Get("ch")
	if got[0].ID != "a" {
		t.Fatalf("cache aliases caller slice: %s", got[0].ID)
	}
}

func TestRingCacheGetUnknownChannel(t *testing.T) {
	c := NewRingCache(10)
	if got := c.Get("nope"); len(got) != 0 {
		t.Fatalf("expected empty, got %d", len(got))
	}
}
