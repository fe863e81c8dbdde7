package events

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
	"github.com/menteilabs/relay/internal/metrics"
)

type appendStore interface {
	Append(ctx context.Context, m *domain.Message) error
}

// Archiver is the server-side listener on the message.sent topic: it
// persists every record it sees. Appends are idempotent upserts, so replays
// and the sender's own durable append cannot duplicate a row.
type Archiver struct {
	reader *kafkago.Reader
	store  appendStore
	log    *zap.SugaredLogger
}

func NewArchiver(brokers []string, topic, groupID string, store appendStore, log *zap.SugaredLogger) *Archiver {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return &Archiver{reader: r, store: store, log: log}
}

func (a *Archiver) Run(ctx context.Context) {
	for {
		rec, err := a.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warnw("archiver read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		var m domain.Message
		if err := json.Unmarshal(rec.Value, &m); err != nil {
			a.log.Warnw("archiver skipping malformed record", zap.Error(err))
			continue
		}
		if err := a.store.Append(ctx, &m); err != nil {
			a.log.Warnw("archiver append failed", "message", m.ID, zap.Error(err))
			continue
		}
		metrics.ArchivedMessages.Inc()
	}
}

func (a *Archiver) Close() error {
	return a.reader.Close()
}
