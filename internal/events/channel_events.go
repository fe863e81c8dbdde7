package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
)

const subjectChannelCreated = "channel.created"

type ChannelCreatedEvent struct {
	Channel domain.Channel `json:"channel"`
}

type channelStore interface {
	UpsertChannel(ctx context.Context, ch *domain.Channel) error
}

// ChannelEvents propagates channel lifecycle across instances over NATS, so
// a channel created on one node resolves on the others without a store
// round-trip race.
type ChannelEvents struct {
	nc  *nats.Conn
	log *zap.SugaredLogger
}

func NewChannelEvents(url string, log *zap.SugaredLogger) (*ChannelEvents, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &ChannelEvents{nc: nc, log: log}, nil
}

func (e *ChannelEvents) PublishChannelCreated(ch *domain.Channel) {
	if e == nil || e.nc == nil {
		return
	}
	b, _ := json.Marshal(ChannelCreatedEvent{Channel: *ch})
	if err := e.nc.Publish(subjectChannelCreated, b); err != nil {
		e.log.Warnw("publish channel.created failed", "channel", ch.ID, zap.Error(err))
	}
}

// SubscribeChannelCreated mirrors created channels into the local store via
// a queue group, with a short retry on transient store errors.
func (e *ChannelEvents) SubscribeChannelCreated(queue string, store channelStore) error {
	_, err := e.nc.QueueSubscribe(subjectChannelCreated, queue, func(m *nats.Msg) {
		var ev ChannelCreatedEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			e.log.Warnw("invalid channel.created event", zap.Error(err))
			return
		}
		for i := 0; i < 3; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := store.UpsertChannel(ctx, &ev.Channel)
			cancel()
			if err == nil {
				return
			}
			e.log.Warnw("channel.created upsert retry", "channel", ev.Channel.ID, zap.Error(err))
			time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		}
	})
	return err
}

func (e *ChannelEvents) Close() {
	if e != nil && e.nc != nil {
		e.nc.Close()
	}
}
