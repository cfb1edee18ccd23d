package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"duet/internal/identity"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

func TestIdentityRequired(t *testing.T) {
	app := fiber.New()
	app.Get("/test", IdentityRequired(testSecret, false), func(c *fiber.Ctx) error {
		actor, ok := ActorFrom(c)
		return c.JSON(fiber.Map{"participant": actor.ID, "ok": ok, "local": c.Locals(ParticipantLocal)})
	})

	valid, err := IssueToken(testSecret, "frontend1", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "frontend1", -time.Minute)
	require.NoError(t, err)
	otherSecret, err := IssueToken("another-secret", "frontend1", time.Hour)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "frontend1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	reserved, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": identity.SystemID}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name       string
		authHeader string
		status     int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + otherSecret, http.StatusUnauthorized},
		{"alg none", "Bearer " + noneAlg, http.StatusUnauthorized},
		{"system id cannot be claimed", "Bearer " + reserved, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			if tt.status == http.StatusOK {
				var body map[string]any
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, "frontend1", body["participant"])
				assert.Equal(t, "frontend1", body["local"])
				assert.Equal(t, true, body["ok"])
			}
		})
	}
}

func TestIdentityRequired_QueryToken(t *testing.T) {
	token, err := IssueToken(testSecret, "frontend2", time.Hour)
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/ws", IdentityRequired(testSecret, true), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(ParticipantLocal).(string))
	})
	app.Get("/api", IdentityRequired(testSecret, false), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "frontend2", string(body))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIssueToken_RejectsBadParticipant(t *testing.T) {
	_, err := IssueToken(testSecret, "  ", time.Hour)
	assert.Error(t, err)
	_, err = IssueToken(testSecret, identity.SystemID, time.Hour)
	assert.Error(t, err)
}

func TestCheckRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	ctx := context.Background()

	t.Setenv("APP_ENV", "test")
	for range 5 {
		allowed, err := CheckRateLimit(ctx, rdb, "posts", "participant:a", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "limits are off in test")
	}

	t.Setenv("APP_ENV", "production")
	for i := range 3 {
		allowed, err := CheckRateLimit(ctx, rdb, "posts", "participant:a", 2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i < 2, allowed)
	}
	assert.True(t, mr.TTL("rl:posts:participant:a") > 0)

	_, err := CheckRateLimit(ctx, nil, "posts", "participant:a", 2, time.Minute)
	assert.Error(t, err)
}

func TestRateLimitPolicies(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	app := fiber.New()
	app.Get("/open", RateLimit(nil, 1, time.Minute, "open"), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	app.Get("/closed", RateLimitWithPolicy(nil, 1, time.Minute, FailClosed, "closed"), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/open", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/closed", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&ctxHandler{slog.NewJSONHandler(&buf, nil)})

	actor, err := identity.New("frontend1")
	require.NoError(t, err)
	ctx := identity.WithActor(context.Background(), actor)
	ctx = context.WithValue(ctx, RequestIDKey, "req-1")
	logger.With(slog.String("component", "test")).InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "frontend1", entry["participant_id"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "test", entry["component"])
}

func TestTracingMiddleware_SetsTraceHeader(t *testing.T) {
	app := fiber.New()
	app.Use(TracingMiddleware())
	app.Get("/x", func(c *fiber.Ctx) error {
		_, ok := c.Locals("traceID").(string)
		assert.True(t, ok)
		return c.SendStatus(http.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, resp.Header.Get("X-Trace-ID"), 32)
}
