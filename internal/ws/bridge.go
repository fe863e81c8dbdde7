package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/domain"
	"github.com/menteilabs/relay/internal/messaging"
)

// Envelope is the wire format for websocket frames.
type Envelope struct {
	Type      string          `json:"type"` // "message","history","ack","error"
	ChannelID string          `json:"channel_id,omitempty"`
	MsgID     string          `json:"msg_id,omitempty"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type sendPayload struct {
	Content string `json:"content"`
}

// Bridge binds a websocket connection to a ChannelSession: the read pump
// feeds Send, session notifications feed the write pump. All writes go
// through the write pump; the connection has a single writer.
type Bridge struct {
	svc           *messaging.Service
	pingInterval  time.Duration
	writeDeadline time.Duration
	maxMsgSize    int64
	log           *zap.SugaredLogger
}

func NewBridge(svc *messaging.Service, pingInterval, writeDeadline time.Duration, maxMsgSize int64, log *zap.SugaredLogger) *Bridge {
	return &Bridge{
		svc:           svc,
		pingInterval:  pingInterval,
		writeDeadline: writeDeadline,
		maxMsgSize:    maxMsgSize,
		log:           log,
	}
}

func (b *Bridge) UpgradeGuard() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (b *Bridge) Handler() fiber.Handler {
	return websocket.New(b.handle)
}

func (b *Bridge) handle(c *websocket.Conn) {
	ident, ok := c.Locals("identity").(domain.Identity)
	if !ok || ident.ID == "" {
		b.refuse(c, "missing identity")
		return
	}
	channelID := c.Query("channel")
	if channelID == "" {
		b.refuse(c, "missing channel")
		return
	}

	notify := make(chan domain.Message, 256)
	sess, err := b.svc.OpenSession(context.Background(), channelID, ident, notify)
	if err != nil {
		b.log.Warnw("session open refused", "channel", channelID, "identity", ident.ID, zap.Error(err))
		b.refuse(c, "cannot attach")
		return
	}
	defer sess.Close(context.Background())

	out := make(chan Envelope, 64)
	done := make(chan struct{})
	go b.writePump(c, channelID, out, notify, done)
	defer close(done)

	// seed the client with the backfilled view
	if backlog, err := json.Marshal(sess.Messages()); err == nil {
		out <- Envelope{Type: "history", ChannelID: channelID, Payload: backlog}
	}

	c.SetReadLimit(b.maxMsgSize)
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type != "message" {
			continue
		}
		var p sendPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			continue
		}
		m, err := sess.Send(context.Background(), p.Content)
		if err != nil {
			msg, _ := json.Marshal(fiber.Map{"error": err.Error()})
			out <- Envelope{Type: "error", ChannelID: channelID, Payload: msg}
			continue
		}
		out <- Envelope{Type: "ack", ChannelID: channelID, MsgID: m.ID}
	}
}

func (b *Bridge) writePump(c *websocket.Conn, channelID string, out <-chan Envelope, notify <-chan domain.Message, done <-chan struct{}) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case env := <-out:
			if err := b.write(c, env); err != nil {
				return
			}
		case m := <-notify:
			payload, _ := json.Marshal(m)
			env := Envelope{
				Type:      "message",
				ChannelID: channelID,
				MsgID:     m.ID,
				From:      m.SenderID,
				Payload:   payload,
			}
			if err := b.write(c, env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(b.writeDeadline))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) write(c *websocket.Conn, env Envelope) error {
	_ = c.SetWriteDeadline(time.Now().Add(b.writeDeadline))
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) refuse(c *websocket.Conn, reason string) {
	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"error":"`+reason+`"}}`))
	_ = c.Close()
}
