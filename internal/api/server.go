package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/menteilabs/relay/internal/config"
	"github.com/menteilabs/relay/internal/messaging"
	"github.com/menteilabs/relay/internal/session"
	"github.com/menteilabs/relay/internal/store"
	"github.com/menteilabs/relay/internal/ws"
)

type Server struct {
	svc *messaging.Service
	log *zap.SugaredLogger
}

func NewServer(cfg *config.Config, svc *messaging.Service, bridge *ws.Bridge, log *zap.SugaredLogger) *fiber.App {
	app := fiber.New()
	app.Use(fiberlogger.New())

	s := &Server{svc: svc, log: log}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/v1", IdentityMiddleware(cfg.JWT.Secret))
	rl := NewSendRateLimiter(cfg.Rate.SendPerMinute, log)

	v1.Get("/channels/:id/messages", s.getHistory)
	v1.Post("/channels/:id/messages", rl.Handler(), s.postMessage)
	v1.Put("/channels/:id/messages/read", s.markRead)
	v1.Get("/channels/:id/presence", s.getPresence)
	v1.Get("/channels/:id/stats", s.getStats)
	v1.Get("/channels/:id/last-message", s.getLastMessage)
	v1.Post("/channels", s.createGroup)
	v1.Get("/conversations", s.listConversations)
	v1.Post("/conversations", s.startConversation)
	v1.Get("/identities", s.searchIdentities)
	v1.Get("/ws", bridge.UpgradeGuard(), bridge.Handler())

	return app
}

func (s *Server) getHistory(c *fiber.Ctx) error {
	channelID := c.Params("id")
	limit := int64(c.QueryInt("limit", 0))
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid before cursor"})
		}
		before = t
	}
	msgs, err := s.svc.History(c.Context(), channelID, limit, before)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			// partial history: whatever the cache held, flagged for retry
			return c.JSON(fiber.Map{"messages": msgs, "degraded": true})
		}
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (s *Server) postMessage(c *fiber.Ctx) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	m, err := s.svc.Post(c.Context(), c.Params("id"), identityFromCtx(c), req.Content)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	n, err := s.svc.MarkRead(c.Context(), c.Params("id"), identityFromCtx(c).ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"updated": n})
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"entries": s.svc.Presence(c.Params("id"))})
}

func (s *Server) getStats(c *fiber.Ctx) error {
	st, err := s.svc.Stats(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(st)
}

func (s *Server) getLastMessage(c *fiber.Ctx) error {
	m, err := s.svc.LastMessage(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(m)
}

func (s *Server) createGroup(c *fiber.Ctx) error {
	var req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	ch, err := s.svc.CreateGroupChannel(c.Context(), identityFromCtx(c).ID, req.Name, req.MemberIDs)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ch)
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	convs, err := s.svc.ListConversations(c.Context(), identityFromCtx(c).ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"conversations": convs})
}

func (s *Server) startConversation(c *fiber.Ctx) error {
	var req struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	ch, err := s.svc.GetOrCreateDirectChannel(c.Context(), identityFromCtx(c).ID, req.ParticipantID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(ch)
}

func (s *Server) searchIdentities(c *fiber.Ctx) error {
	idents, err := s.svc.SearchIdentities(c.Context(), c.Query("q"), int64(c.QueryInt("limit", 0)))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"identities": idents})
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidContent), errors.Is(err, messaging.ErrSameIdentity):
		status = fiber.StatusBadRequest
	case errors.Is(err, messaging.ErrForbidden):
		status = fiber.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, store.ErrUnavailable):
		status = fiber.StatusServiceUnavailable
	}
	if status == fiber.StatusInternalServerError {
		s.log.Errorw("request failed", "path", c.Path(), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
