package domain

import "time"

// PresenceEntry is ephemeral: it exists while a session is attached and is
// recomputed from live transport state, never persisted.
type PresenceEntry struct {
	IdentityID  string    `json:"identity_id"`
	ChannelID   string    `json:"channel_id"`
	DisplayName string    `json:"display_name"`
	EnteredAt   time.Time `json:"entered_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// ConversationSummary is a derived read-only view, always recomputed from
// messages, channels and read cursors.
type ConversationSummary struct {
	ChannelID   string    `json:"channel_id"`
	Participant Identity  `json:"participant"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int64     `json:"unread_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChannelStats is the on-demand aggregate behind GET /channels/:id/stats.
type ChannelStats struct {
	TotalMessages int64 `json:"total_messages"`
	TodayMessages int64 `json:"today_messages"`
	OnlineCount   int   `json:"online_count"`
}
