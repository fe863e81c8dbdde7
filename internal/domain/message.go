package domain

import "time"

type Message struct {
	ID        string     `bson:"_id" json:"id"`
	ChannelID string     `bson:"channel_id" json:"channel_id"`
	SenderID  string     `bson:"sender_id" json:"sender_id"`
	Content   string     `bson:"content" json:"content"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	ReadAt    *time.Time `bson:"read_at,omitempty" json:"read_at,omitempty"`
}

// Before reports whether m sorts before other in display order.
// Display order is ascending (created_at, id); the id tiebreak keeps the
// order stable when two clients stamp the same millisecond.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
