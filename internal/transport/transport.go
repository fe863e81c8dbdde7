package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisconnected = errors.New("transport disconnected")
	ErrUnavailable  = errors.New("transport unavailable")
	ErrUnsupported  = errors.New("not supported by transport")
)

type EventType string

const (
	EventMessage  EventType = "message"
	EventPresence EventType = "presence"
)

// Event is what a subscribed handler receives. Payload is the raw published
// bytes; delivery is at-least-once with no ordering guarantee across
// publishers, so consumers de-duplicate and re-sort.
type Event struct {
	Type    EventType
	Channel string
	Payload []byte
}

type Handler func(Event)

type Subscription interface {
	Unsubscribe()
}

type PresenceAction string

const (
	PresenceEnter PresenceAction = "enter"
	PresenceLeave PresenceAction = "leave"
)

type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type PresenceEvent struct {
	Action PresenceAction `json:"action"`
	Member Member         `json:"member"`
	At     time.Time      `json:"at"`
}

// PresenceChannel is the transport's native presence primitive. Transports
// without one return ErrUnsupported from Presence() and the tracker falls
// back to polling.
type PresenceChannel interface {
	Enter(ctx context.Context, m Member) error
	Leave(ctx context.Context, identityID string) error
	Members(ctx context.Context) ([]Member, error)
	Subscribe(fn func(PresenceEvent)) (Subscription, error)
}

// ChannelHandle addresses one channel on the transport. Handlers only see
// events published while they are subscribed; backlog replay is the store's
// job, not the transport's.
type ChannelHandle interface {
	Subscribe(t EventType, h Handler) (Subscription, error)
	Publish(ctx context.Context, t EventType, payload []byte) error
	Presence() (PresenceChannel, error)
}

// Transport fans published events out to every attached subscriber of a
// channel. Connect is idempotent; Publish fails fast while disconnected so
// the session can take its fallback path instead of buffering silently.
type Transport interface {
	Connect(ctx context.Context) error
	Channel(id string) ChannelHandle
	Close() error
}
