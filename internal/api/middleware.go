package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/menteilabs/relay/internal/domain"
)

const identityKey = "identity"

// IdentityMiddleware trusts the Bearer token's claims as the caller's
// identity. Verification of who issued the token is the auth system's job;
// this layer only decodes what it is handed.
func IdentityMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := c.Get("Authorization")
		token := ""
		const pref = "Bearer "
		if len(h) > len(pref) && h[:len(pref)] == pref {
			token = h[len(pref):]
		}
		if token == "" {
			// websocket clients cannot set headers
			token = c.Query("token")
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth"})
		}
		ident, err := parseIdentity(secret, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals(identityKey, ident)
		return c.Next()
	}
}

func parseIdentity(secret, token string) (domain.Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return domain.Identity{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, jwt.ErrTokenInvalidClaims
	}
	ident := domain.Identity{IsOnline: true}
	if sub, ok := claims["sub"].(string); ok {
		ident.ID = sub
	}
	if name, ok := claims["name"].(string); ok {
		ident.DisplayName = name
	}
	if avatar, ok := claims["avatar"].(string); ok {
		ident.AvatarURL = avatar
	}
	if ident.ID == "" {
		return domain.Identity{}, jwt.ErrTokenInvalidSubject
	}
	return ident, nil
}

func identityFromCtx(c *fiber.Ctx) domain.Identity {
	if ident, ok := c.Locals(identityKey).(domain.Identity); ok {
		return ident
	}
	return domain.Identity{}
}

// SendRateLimiter bounds message posts per identity with a token bucket.
type SendRateLimiter struct {
	visitors sync.Map
	rps      rate.Limit
	burst    int
	log      *zap.SugaredLogger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewSendRateLimiter(perMinute int, log *zap.SugaredLogger) *SendRateLimiter {
	l := &SendRateLimiter{
		rps:   rate.Limit(float64(perMinute) / 60.0),
		burst: 5,
		log:   log,
	}
	go l.cleanupVisitors()
	return l
}

func (l *SendRateLimiter) getLimiter(id string) *rate.Limiter {
	v, ok := l.visitors.Load(id)
	if ok {
		vi := v.(*visitor)
		vi.lastSeen = time.Now()
		return vi.limiter
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.visitors.Store(id, &visitor{limiter: lim, lastSeen: time.Now()})
	return lim
}

func (l *SendRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		cutoff := time.Now().Add(-5 * time.Minute)
		l.visitors.Range(func(k, v interface{}) bool {
			if v.(*visitor).lastSeen.Before(cutoff) {
				l.visitors.Delete(k)
			}
			return true
		})
	}
}

func (l *SendRateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ident := identityFromCtx(c)
		if !l.getLimiter(ident.ID).Allow() {
			l.log.Warnw("send rate limit exceeded", "identity", ident.ID)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Next()
	}
}
