package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"time"
)

type ChannelKind string

const (
	ChannelGlobal ChannelKind = "global"
	ChannelDirect ChannelKind = "direct"
	ChannelGroup  ChannelKind = "group"
)

type Channel struct {
	ID             string      `bson:"_id" json:"id"`
	Kind           ChannelKind `bson:"kind" json:"kind"`
	Name           string      `bson:"name,omitempty" json:"name,omitempty"`
	ParticipantIDs []string    `bson:"participant_ids" json:"participant_ids"`
	DirectKey      string      `bson:"direct_key,omitempty" json:"-"`
	CreatedAt      time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `bson:"updated_at" json:"updated_at"`
}

// HasParticipant is the membership check behind the Forbidden error. Global
// channels admit everyone.
func (c *Channel) HasParticipant(identityID string) bool {
	if c.Kind == ChannelGlobal {
		return true
	}
	for _, id := range c.ParticipantIDs {
		if id == identityID {
			return true
		}
	}
	return false
}

// DirectKey is the sorted pair of participant ids. Both argument orders map
// to the same key, so repeated "start conversation" calls resolve to one
// channel.
func DirectPairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// DirectChannelID derives a deterministic channel id from the pair key.
func DirectChannelID(a, b string) string {
	sum := sha1.Sum([]byte(DirectPairKey(a, b)))
	return "dm:" + hex.EncodeToString(sum[:])[:16]
}
