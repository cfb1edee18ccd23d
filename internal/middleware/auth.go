package middleware

import (
	"errors"
	"strings"
	"time"

	"duet/internal/identity"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ParticipantLocal is the Fiber locals key holding the participant id.
const ParticipantLocal = "participantID"

var errSigningMethod = errors.New("invalid signing method")

// IssueToken signs an HS256 token whose subject is participantID.
func IssueToken(secret, participantID string, ttl time.Duration) (string, error) {
	actor, err := identity.New(participantID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   actor.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a token and returns the participant it names.
func ParseToken(secret, token string) (identity.Actor, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errSigningMethod
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return identity.Actor{}, errors.New("invalid or expired token")
	}
	return identity.New(claims.Subject)
}

// IdentityRequired resolves the acting participant from a bearer token and
// stores it in both Fiber locals and the request context. With allowQuery
// the token may also come from the `token` query parameter, which browsers
// need for websocket upgrades.
func IdentityRequired(secret string, allowQuery bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := ""
		if allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			authHeader := c.Get("Authorization")
			if authHeader == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization header required",
				})
			}
			scheme, value, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || value == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization header format",
				})
			}
			token = value
		}

		actor, err := ParseToken(secret, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals(ParticipantLocal, actor.ID)
		c.SetUserContext(identity.WithActor(c.UserContext(), actor))
		return c.Next()
	}
}

// ActorFrom returns the participant resolved by IdentityRequired.
func ActorFrom(c *fiber.Ctx) (identity.Actor, bool) {
	return identity.FromContext(c.UserContext())
}
