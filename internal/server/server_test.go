package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"duet/internal/bootstrap"
	"duet/internal/config"
	"duet/internal/identity"
	"duet/internal/middleware"
	"duet/internal/models"
	"duet/internal/notifications"
	"duet/internal/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

func newTestServer(t *testing.T, tweak func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:                 "0",
		Env:                  "test",
		JWTSecret:            testSecret,
		StoreBackend:         config.BackendMemory,
		RetentionHorizonMS:   86_400_000,
		SweepIntervalSeconds: 60,
		MutationMaxAttempts:  5,
		FeedMaxBacklog:       64,
		MediaDir:             t.TempDir(),
		MediaMaxUploadMB:     1,
		FeatureFlags:         "lazy_expiry=on,call_signaling=on",
		InstanceID:           "test",
	}
	if tweak != nil {
		tweak(cfg)
	}
	rt, err := bootstrap.InitRuntime(context.Background(), cfg)
	require.NoError(t, err)
	s := NewServer(rt)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func token(t *testing.T, participantID string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, participantID, time.Hour)
	require.NoError(t, err)
	return tok
}

// call performs a JSON request and decodes the response into out when
// out is non-nil.
func call(t *testing.T, s *Server, method, path, participantID string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if participantID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, participantID))
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthChecks(t *testing.T) {
	s := newTestServer(t, nil)

	var live map[string]any
	assert.Equal(t, http.StatusOK, call(t, s, http.MethodGet, "/health/live", "", nil, &live))
	assert.Equal(t, "up", live["status"])

	var ready struct {
		Status string         `json:"status"`
		Checks map[string]any `json:"checks"`
	}
	assert.Equal(t, http.StatusOK, call(t, s, http.MethodGet, "/health/ready", "", nil, &ready))
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "disabled", ready.Checks["redis"])
}

func TestAPI_RequiresIdentity(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusUnauthorized, call(t, s, http.MethodGet, "/api/posts", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, s, http.MethodPost, "/api/posts", "", map[string]string{"text": "x"}, nil))
}

func TestPostLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	var post models.Post
	require.Equal(t, http.StatusCreated, call(t, s, http.MethodPost, "/api/posts", "alice", map[string]string{"text": "hello"}, &post))
	assert.Equal(t, "alice", post.AuthorID)
	assert.Equal(t, uint64(1), post.Version)
	base := "/api/posts/" + post.ID

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusForbidden, call(t, s, http.MethodPut, base, "bob", map[string]string{"text": "hijack"}, &errResp))
	assert.Equal(t, models.CodeForbidden, errResp.Code)

	var edited models.Post
	require.Equal(t, http.StatusOK, call(t, s, http.MethodPut, base, "alice", map[string]string{"text": "hello, bob"}, &edited))
	assert.Equal(t, "hello, bob", edited.Text)

	var likes likeResponse
	require.Equal(t, http.StatusOK, call(t, s, http.MethodPost, base+"/like", "alice", nil, &likes))
	require.Equal(t, http.StatusOK, call(t, s, http.MethodPost, base+"/like", "bob", nil, &likes))
	require.Equal(t, http.StatusOK, call(t, s, http.MethodPost, base+"/like", "bob", nil, &likes))
	assert.Equal(t, 2, likes.Likes)
	assert.Equal(t, models.LikeSet{"alice", "bob"}, likes.LikedBy)

	var comment models.Comment
	require.Equal(t, http.StatusCreated, call(t, s, http.MethodPost, base+"/comments", "bob", map[string]string{"text": "hi"}, &comment))
	commentPath := base + "/comments/" + comment.ID

	var reply models.Reply
	require.Equal(t, http.StatusCreated, call(t, s, http.MethodPost, commentPath+"/replies", "alice", map[string]string{"text": "hey"}, &reply))
	replyPath := commentPath + "/replies/" + reply.ID

	require.Equal(t, http.StatusOK, call(t, s, http.MethodPost, commentPath+"/like", "alice", nil, &likes))
	assert.Equal(t, 1, likes.Likes)
	require.Equal(t, http.StatusOK, call(t, s, http.MethodPost, replyPath+"/like", "bob", nil, &likes))
	assert.Equal(t, 1, likes.Likes)

	var gotComment models.Comment
	require.Equal(t, http.StatusOK, call(t, s, http.MethodGet, commentPath, "bob", nil, &gotComment))
	assert.Len(t, gotComment.Replies, 1)
	assert.Equal(t, 1, gotComment.Likes)

	var gotReply models.Reply
	require.Equal(t, http.StatusOK, call(t, s, http.MethodGet, replyPath, "bob", nil, &gotReply))
	assert.Equal(t, "hey", gotReply.Text)

	var list []models.Post
	require.Equal(t, http.StatusOK, call(t, s, http.MethodGet, "/api/posts?limit=10", "bob", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, post.ID, list[0].ID)

	assert.Equal(t, http.StatusForbidden, call(t, s, http.MethodDelete, base, "bob", nil, nil))
	assert.Equal(t, http.StatusNoContent, call(t, s, http.MethodDelete, base, "alice", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, s, http.MethodGet, base, "alice", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, s, http.MethodGet, commentPath, "alice", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, s, http.MethodPost, base+"/like", "bob", nil, nil))
}

func TestPostValidation(t *testing.T) {
	s := newTestServer(t, nil)

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, call(t, s, http.MethodPost, "/api/posts", "alice", map[string]string{"text": "   "}, &errResp))
	assert.Equal(t, models.CodeInvalidInput, errResp.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, call(t, s, http.MethodPost, "/api/posts/missing/comments", "alice", map[string]string{"text": "hi"}, nil))
}

func TestMediaUploadAndServe(t *testing.T) {
	s := newTestServer(t, nil)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 4, 3))))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "pixel.png")
	require.NoError(t, err)
	_, err = part.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/media", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ref models.MediaRef
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ref))
	assert.Equal(t, models.MediaImage, ref.Kind)
	assert.Equal(t, 4, ref.Width)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, ref.URL, nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	served, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, img.Bytes(), served)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/media/image/nothing.png", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var post models.Post
	require.Equal(t, http.StatusCreated, call(t, s, http.MethodPost, "/api/posts", "alice",
		service.CreatePostInput{Media: []models.MediaRef{ref}}, &post))
	assert.Equal(t, ref.URL, post.Media[0].URL)

	req = httptest.NewRequest(http.MethodPost, "/api/media", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
	resp, err = s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	var idle models.CallRecord
	require.Equal(t, http.StatusOK, call(t, s, http.MethodGet, "/api/call", "alice", nil, &idle))
	assert.Equal(t, models.CallStatus(""), idle.Status)

	var ringing models.CallRecord
	require.Equal(t, http.StatusCreated, call(t, s, http.MethodPost, "/api/call/ring", "alice", nil, &ringing))
	assert.Equal(t, models.CallRinging, ringing.Status)
	assert.Len(t, ringing.Code, 6)

	assert.Equal(t, http.StatusConflict, call(t, s, http.MethodPost, "/api/call/ring", "bob", nil, nil))
	assert.Equal(t, http.StatusForbidden, call(t, s, http.MethodPost, "/api/call/answer", "alice", nil, nil))

	var answered models.CallRecord
	require.Equal(t, http.StatusOK, call(t, s, http.MethodPost, "/api/call/answer", "bob", nil, &answered))
	assert.Equal(t, models.CallInCall, answered.Status)

	var ended models.CallRecord
	require.Equal(t, http.StatusOK, call(t, s, http.MethodPost, "/api/call/end", "alice", nil, &ended))
	assert.Equal(t, models.CallEnded, ended.Status)
	assert.Empty(t, ended.Code)
}

func TestCallEndpoints_FlagOff(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.FeatureFlags = "call_signaling=off" })

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusForbidden, call(t, s, http.MethodPost, "/api/call/ring", "alice", nil, &errResp))
	assert.Equal(t, models.CodeForbidden, errResp.Code)

	var flags struct {
		Evaluated map[string]bool `json:"evaluated"`
	}
	require.Equal(t, http.StatusOK, call(t, s, http.MethodGet, "/api/features", "alice", nil, &flags))
	assert.Equal(t, map[string]bool{"call_signaling": false}, flags.Evaluated)
}

func TestWebSocketRoutes_RejectPlainHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusUpgradeRequired, call(t, s, http.MethodGet, "/ws/feed?token="+token(t, "alice"), "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, s, http.MethodGet, "/ws/feed", "", nil, nil))
}

// listen serves the app on a loopback port and returns its address.
func listen(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.App().Listener(ln) }()
	return ln.Addr().String()
}

func dial(t *testing.T, addr, path, participantID string, query url.Values) *websocket.Conn {
	t.Helper()
	if query == nil {
		query = url.Values{}
	}
	query.Set("token", token(t, participantID))
	u := url.URL{Scheme: "ws", Host: addr, Path: path, RawQuery: query.Encode()}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func readChange(t *testing.T, conn *websocket.Conn) models.ChangeRecord {
	t.Helper()
	ev := readEvent(t, conn)
	require.Equal(t, notifications.EventChange, ev.Type)
	var rec models.ChangeRecord
	require.NoError(t, json.Unmarshal(ev.Payload, &rec))
	return rec
}

func TestWebSocketFeed(t *testing.T) {
	s := newTestServer(t, nil)
	addr := listen(t, s)
	ctx := context.Background()
	alice, _ := identity.New("alice")

	watched, err := s.rt.Posts.CreatePost(ctx, alice, service.CreatePostInput{Text: "watched"})
	require.NoError(t, err)

	all := dial(t, addr, "/ws/feed", "bob", nil)
	require.Equal(t, notifications.EventSubscribed, readEvent(t, all).Type)
	one := dial(t, addr, "/ws/feed", "bob", url.Values{"post_id": {watched.ID}})
	require.Equal(t, notifications.EventSubscribed, readEvent(t, one).Type)

	other, err := s.rt.Posts.CreatePost(ctx, alice, service.CreatePostInput{Text: "other"})
	require.NoError(t, err)
	_, err = s.rt.Posts.LikePost(ctx, alice, watched.ID)
	require.NoError(t, err)

	rec := readChange(t, all)
	assert.Equal(t, other.ID, rec.PostID())
	assert.Equal(t, models.ChangePostCreated, rec.Kind)
	rec = readChange(t, all)
	assert.Equal(t, watched.ID, rec.PostID())

	rec = readChange(t, one)
	assert.Equal(t, watched.ID, rec.PostID(), "per-post subscription skips other posts")
	assert.Equal(t, models.ChangePostLiked, rec.Kind)
	assert.Equal(t, uint64(2), rec.AggregateVersion)

	require.NoError(t, s.rt.Posts.DeletePost(ctx, alice, watched.ID))
	rec = readChange(t, one)
	assert.True(t, rec.Tombstone)

	require.NoError(t, one.Close())
	require.NoError(t, all.Close())
	assert.Eventually(t, func() bool { return s.rt.Feed.Subscribers() == 0 }, 3*time.Second, 10*time.Millisecond,
		"closing the socket ends the subscription")
}

func TestWebSocketCall(t *testing.T) {
	s := newTestServer(t, nil)
	addr := listen(t, s)

	conn := dial(t, addr, "/ws/call", "bob", nil)
	ev := readEvent(t, conn)
	require.Equal(t, notifications.EventCall, ev.Type)

	alice, _ := identity.New("alice")
	_, err := s.rt.Calls.Ring(context.Background(), alice)
	require.NoError(t, err)

	ev = readEvent(t, conn)
	require.Equal(t, notifications.EventCall, ev.Type)
	var rec models.CallRecord
	require.NoError(t, json.Unmarshal(ev.Payload, &rec))
	assert.Equal(t, models.CallRinging, rec.Status)
	assert.Equal(t, "alice", rec.From)
}

func TestWebSocket_Unauthorized(t *testing.T) {
	s := newTestServer(t, nil)
	addr := listen(t, s)

	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws/feed"}
	_, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestErrorFrame_EscapesMessage(t *testing.T) {
	for _, msg := range []string{"unauthorized", `hub "feed" is shutting down`, "line\nbreak \\ backslash"} {
		var got map[string]string
		require.NoError(t, json.Unmarshal(errorFrame(msg), &got), msg)
		assert.Equal(t, map[string]string{"error": msg}, got)
	}
}
