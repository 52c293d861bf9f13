package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodlistener/callserver/internal/config"
	"github.com/goodlistener/callserver/internal/database"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type pushCall struct {
	userID string
	msg    PushMessage
}

type fakeNotifier struct {
	calls chan pushCall
}

func (n *fakeNotifier) Notify(ctx context.Context, userID string, msg PushMessage) error {
	n.calls <- pushCall{userID: userID, msg: msg}
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	h        *Handlers
	router   *gin.Engine
	db       *gorm.DB
	clock    *testClock
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Initialize(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}

	cfg := &config.Config{
		JWTSecret:   "test-secret",
		VAPIDKeys:   &config.VAPIDKeys{PublicKey: "test-public-key"},
		TURNPort:    3478,
		LogLevel:    "debug",
		RetryLimit:  3,
		RetryWindow: 3 * time.Minute,
		SessionTTL:  30 * time.Minute,
		CallLimit:   3 * time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions := NewSessionStore(cfg.SessionTTL, cfg.RetryLimit, cfg.RetryWindow, logger)
	t.Cleanup(sessions.Stop)

	h := New(db, cfg, nil,
		sessions,
		NewWSHub(),
		websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger,
	)

	clock := &testClock{now: time.Unix(1_760_000_000, 0)}
	notifier := &fakeNotifier{calls: make(chan pushCall, 8)}
	h.nowFn = clock.Now
	h.notifier = notifier

	router := gin.New()
	h.Mount(router.Group("/api"))

	return &testEnv{h: h, router: router, db: db, clock: clock, notifier: notifier}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// register creates a user and returns its token and id.
func (e *testEnv) register(t *testing.T, username, role string) (string, string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/register", "", gin.H{
		"username": username,
		"nickname": username + "-nick",
		"role":     role,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	decode(t, rec, &resp)
	return resp.Token, resp.User.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	token, userID := env.register(t, "speaker1", "Speaker")

	rec := env.do(t, http.MethodGet, "/api/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d", rec.Code)
	}
	var me map[string]any
	decode(t, rec, &me)
	if me["id"] != userID || me["role"] != "speaker" || me["nickname"] != "speaker1-nick" {
		t.Fatalf("unexpected me %v", me)
	}

	rec = env.do(t, http.MethodPost, "/api/login", "", gin.H{"username": "speaker1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/login", "", gin.H{"username": "nobody"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login unknown: status %d", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/register", "", gin.H{"username": "user1", "role": "moderator"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: status %d", rec.Code)
	}

	env.register(t, "user1", "listener")
	rec = env.do(t, http.MethodPost, "/api/register", "", gin.H{"username": "user1", "role": "speaker"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate username: status %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/me", "not-a-token", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", rec.Code)
	}

	token, _ := env.register(t, "speaker1", "speaker")
	req := httptest.NewRequest(http.MethodGet, "/api/me?token="+token, nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token: status %d", rec.Code)
	}
}

func TestSetRole(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.register(t, "user1", "speaker")

	rec := env.do(t, http.MethodPut, "/api/me/role", token, gin.H{"role": "listener"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set role: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPut, "/api/me/role", token, gin.H{"role": "host"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad role: status %d", rec.Code)
	}

	var me map[string]any
	decode(t, env.do(t, http.MethodGet, "/api/me", token, nil), &me)
	if me["role"] != "listener" {
		t.Fatalf("role not persisted: %v", me["role"])
	}
}

func TestPublicEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var vapid map[string]string
	decode(t, env.do(t, http.MethodGet, "/api/vapid-public-key", "", nil), &vapid)
	if vapid["publicKey"] != "test-public-key" {
		t.Fatalf("vapid key %v", vapid)
	}

	if rec := env.do(t, http.MethodGet, "/api/turn-config", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("turn config without server: status %d", rec.Code)
	}

	var cc clientConfigResponse
	decode(t, env.do(t, http.MethodGet, "/api/client-config", "", nil), &cc)
	if !cc.Debug || cc.RetryLimit != 3 || cc.RetryWindowSeconds != 180 || cc.CallLimitSeconds != 180 {
		t.Fatalf("client config %+v", cc)
	}

	env.h.sessions.SetRetryBudget(5, time.Minute)
	decode(t, env.do(t, http.MethodGet, "/api/client-config", "", nil), &cc)
	if cc.RetryLimit != 5 || cc.RetryWindowSeconds != 60 {
		t.Fatalf("client config after budget change %+v", cc)
	}

	rec := env.do(t, http.MethodGet, "/api/translations/ko-KR", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Language") != "ko" {
		t.Fatalf("translations: status %d lang %q", rec.Code, rec.Header().Get("Content-Language"))
	}
	var catalog map[string]string
	decode(t, rec, &catalog)
	if catalog["call.listener.failed.title"] == "" {
		t.Fatalf("missing key in ko catalog")
	}

	rec = env.do(t, http.MethodGet, "/api/translations/xx", "", nil)
	if rec.Header().Get("Content-Language") != "en" {
		t.Fatalf("unknown language should fall back to en")
	}
}

func TestPushSubscribeKeepsLatest(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.register(t, "speaker1", "speaker")

	sub := func(endpoint string) int {
		return env.do(t, http.MethodPost, "/api/push/subscribe", token, gin.H{
			"endpoint": endpoint,
			"keys":     gin.H{"p256dh": "p", "auth": "a"},
		}).Code
	}
	if code := sub("https://push.example/1"); code != http.StatusCreated {
		t.Fatalf("subscribe: status %d", code)
	}
	if code := sub("https://push.example/2"); code != http.StatusCreated {
		t.Fatalf("resubscribe: status %d", code)
	}

	var count int64
	env.db.Table("push_subscriptions").Where("user_id = ?", userID).Count(&count)
	if count != 1 {
		t.Fatalf("expected one subscription, got %d", count)
	}

	rec := env.do(t, http.MethodDelete, "/api/push/subscribe", token, gin.H{"endpoint": "https://push.example/1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unsubscribe replaced endpoint: status %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/push/subscribe", token, gin.H{"endpoint": "https://push.example/2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unsubscribe: status %d", rec.Code)
	}
}
