package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/collabd/internal/app"
	iauth "github.com/charlesng35/collabd/internal/auth"
	"github.com/charlesng35/collabd/internal/directory"
	"github.com/charlesng35/collabd/internal/document"
	"github.com/charlesng35/collabd/internal/eventloop"
	"github.com/charlesng35/collabd/internal/proxy"
	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/wire"
	"github.com/charlesng35/collabd/pkg/response"
)

type envelope[T any] struct {
	Success bool                `json:"success"`
	Data    T                   `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

type testEnv struct {
	router *gin.Engine
	dir    *directory.Directory
	loop   *eventloop.Loop
	tokens *iauth.TokenService
}

func newTestEnv(t *testing.T, mutate ...func(*app.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &app.Config{}
	cfg.Monitoring.Health.Enabled = true
	cfg.Monitoring.Prometheus.Enabled = true
	cfg.Monitoring.Prometheus.Endpoint = "/metrics"
	for _, fn := range mutate {
		fn(cfg)
	}

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{Secret: "test-secret", Issuer: "test"})
	require.NoError(t, err)

	loop := eventloop.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	policy := iauth.NewNameBinding(cfg.Auth.Required)
	dir := directory.New(directory.WithJoinPolicy(func(px *proxy.Proxy) { policy.Attach(px) }))

	router, err := NewRouter(Deps{
		Directory: dir,
		Loop:      loop,
		Tokens:    tokens,
		Config:    cfg,
	})
	require.NoError(t, err)

	return &testEnv{router: router, dir: dir, loop: loop, tokens: tokens}
}

func (e *testEnv) request(t *testing.T, method, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch v := body.(type) {
	case nil:
	case string:
		payload = []byte(v)
	default:
		var err error
		payload, err = json.Marshal(v)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) issue(t *testing.T, input iauth.TokenInput) string {
	t.Helper()
	token, err := e.tokens.Issue(input)
	require.NoError(t, err)
	return token
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var out envelope[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := NewRouter(Deps{})
	require.Error(t, err)

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{Secret: "s"})
	require.NoError(t, err)
	_, err = NewRouter(Deps{Tokens: tokens, Config: &app.Config{}})
	require.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok","documents":0}`, w.Body.String())

	w = env.request(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "collabd_documents")
}

func TestDisabledMonitoringRoutes(t *testing.T) {
	env := newTestEnv(t, func(cfg *app.Config) {
		cfg.Monitoring.Health.Enabled = false
		cfg.Monitoring.Prometheus.Enabled = false
	})

	require.Equal(t, http.StatusNotFound, env.request(t, http.MethodGet, "/health", nil, "").Code)
	require.Equal(t, http.StatusNotFound, env.request(t, http.MethodGet, "/metrics", nil, "").Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/nope", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", decode[any](t, w).Error.Code)
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/documents/notes/users", map[string]any{"name": "bot", "hue": 0.5}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	joined := decode[directory.UserInfo](t, w)
	require.Equal(t, directory.UserInfo{
		ID:     1,
		Name:   "bot",
		Status: "active",
		Local:  true,
		Extra:  map[string]string{"hue": "0.5"},
	}, joined.Data)

	w = env.request(t, http.MethodPost, "/api/documents/notes/users", map[string]any{"name": "bot"}, "")
	require.Equal(t, http.StatusConflict, w.Code)
	failure := decode[any](t, w).Error
	require.Equal(t, "user", failure.Domain)
	require.Equal(t, "name-in-use", failure.Code)

	w = env.request(t, http.MethodGet, "/api/documents", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]directory.Info](t, w)
	require.Equal(t, 1, list.Meta.Total)
	require.Equal(t, "notes", list.Data[0].Name)
	require.False(t, list.Data[0].Idle)

	w = env.request(t, http.MethodGet, "/api/documents/notes", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[directory.Info](t, w).Data.Users, 1)

	w = env.request(t, http.MethodGet, "/health", nil, "")
	require.JSONEq(t, `{"status":"ok","documents":1}`, w.Body.String())

	w = env.request(t, http.MethodDelete, "/api/documents/notes", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, http.StatusNotFound, env.request(t, http.MethodDelete, "/api/documents/notes", nil, "").Code)
	require.Equal(t, http.StatusNotFound, env.request(t, http.MethodGet, "/api/documents/notes", nil, "").Code)
}

func TestJoinRejectsInvalidPayloads(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]any{
		"malformed json":   "{",
		"missing name":     map[string]any{"hue": 0.1},
		"bad status":       map[string]any{"name": "bot", "status": "away"},
		"hue out of range": map[string]any{"name": "bot", "hue": 2},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.request(t, http.MethodPost, "/api/documents/notes/users", body, "")
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			require.Equal(t, "BAD_REQUEST", decode[any](t, w).Error.Code)
		})
	}

	w := env.request(t, http.MethodPost, "/api/documents/notes/users", map[string]any{"name": "bot", "status": "unavailable"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid-attribute", decode[any](t, w).Error.Code)

	w = env.request(t, http.MethodPost, "/api/documents/a%5Cb/users", map[string]any{"name": "bot"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, func(cfg *app.Config) { cfg.Auth.Required = true })
	user := env.issue(t, iauth.TokenInput{Name: "alice"})
	admin := env.issue(t, iauth.TokenInput{Name: "root", Admin: true})
	body := map[string]any{"name": "bot"}

	require.Equal(t, http.StatusUnauthorized, env.request(t, http.MethodGet, "/api/documents", nil, "").Code)
	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/api/documents", nil, user).Code)
	require.Equal(t, http.StatusForbidden, env.request(t, http.MethodPost, "/api/documents/notes/users", body, user).Code)
	require.Equal(t, http.StatusCreated, env.request(t, http.MethodPost, "/api/documents/notes/users", body, admin).Code)
	require.Equal(t, http.StatusForbidden, env.request(t, http.MethodDelete, "/api/documents/notes", nil, user).Code)

	// Health stays public.
	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/health", nil, "").Code)
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t, func(cfg *app.Config) { cfg.Auth.Required = true })
	admin := env.issue(t, iauth.TokenInput{Name: "root", Admin: true})

	w := env.request(t, http.MethodPost, "/api/tokens", map[string]any{"name": "alice", "documents": []string{"notes"}}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	issued := decode[map[string]string](t, w).Data["token"]
	claims, err := env.tokens.Validate(issued)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Name)
	require.True(t, claims.CanAccess("notes"))
	require.False(t, claims.CanAccess("other"))

	w = env.request(t, http.MethodPost, "/api/tokens", map[string]any{"documents": []string{"notes"}}, admin)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func dial(t *testing.T, server *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if ws != nil {
		t.Cleanup(func() { _ = ws.Close() })
	}
	return ws, resp, err
}

func sendMessage(t *testing.T, ws *websocket.Conn, msg *wire.Message) {
	t.Helper()
	payload, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, payload))
}

func readMessage(t *testing.T, ws *websocket.Conn) *wire.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(payload)
	require.NoError(t, err)
	return msg
}

func requireAttr(t *testing.T, msg *wire.Message, name, want string) {
	t.Helper()
	got, ok := msg.Attr(name)
	require.True(t, ok, "attribute %q missing from %s", name, msg)
	require.Equal(t, want, got)
}

func (e *testEnv) info(t *testing.T, name string) directory.Info {
	t.Helper()
	var info directory.Info
	require.NoError(t, e.loop.Call(context.Background(), func() (err error) {
		info, err = e.dir.Info(name)
		return err
	}))
	return info
}

func (e *testEnv) syncStatus(t *testing.T, name string) session.SyncStatus {
	t.Helper()
	var status session.SyncStatus
	require.NoError(t, e.loop.Call(context.Background(), func() error {
		doc := e.dir.Lookup(name)
		if doc == nil {
			return fmt.Errorf("document %q is not open", name)
		}
		subs := doc.Proxy.Subscriptions()
		if len(subs) != 1 {
			return fmt.Errorf("expected one subscription, got %d", len(subs))
		}
		status = doc.Session.SyncStatus(subs[0].Conn)
		return nil
	}))
	return status
}

func TestWebsocketSession(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	alice, _, err := dial(t, server, "/ws/notes")
	require.NoError(t, err)
	bob, _, err := dial(t, server, "/ws/notes")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.info(t, "notes").Subscriptions == 2 }, 5*time.Second, 10*time.Millisecond)

	sendMessage(t, alice, wire.New(wire.TagUserJoin).SetAttr(wire.AttrName, "alice").SetAttr(wire.AttrSeq, "1"))

	for _, ws := range []*websocket.Conn{alice, bob} {
		msg := readMessage(t, ws)
		require.Equal(t, wire.TagUserJoin, msg.Name)
		requireAttr(t, msg, wire.AttrName, "alice")
		requireAttr(t, msg, wire.AttrID, "1")
	}

	// bob tries to take the same name and only he hears about it.
	sendMessage(t, bob, wire.New(wire.TagUserJoin).SetAttr(wire.AttrName, "alice").SetAttr(wire.AttrSeq, "5"))
	failure := readMessage(t, bob)
	require.Equal(t, wire.TagRequestFailed, failure.Name)
	requireAttr(t, failure, wire.AttrCode, "name-in-use")

	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		info := env.info(t, "notes")
		return info.Subscriptions == 1 && len(info.Users) == 1 && info.Users[0].Status == "unavailable"
	}, 5*time.Second, 10*time.Millisecond)

	change := readMessage(t, bob)
	require.Equal(t, wire.TagUserStatusChange, change.Name)
	requireAttr(t, change, wire.AttrStatus, "unavailable")
}

func TestWebsocketSynchronize(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPost, "/api/documents/notes/users", map[string]any{"name": "bot"}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	server := httptest.NewServer(env.router)
	defer server.Close()

	ws, _, err := dial(t, server, "/ws/notes?synchronize=true")
	require.NoError(t, err)

	require.Equal(t, wire.TagSyncBegin, readMessage(t, ws).Name)
	user := readMessage(t, ws)
	require.Equal(t, wire.TagSyncUser, user.Name)
	requireAttr(t, user, wire.AttrName, "bot")
	require.Equal(t, wire.TagSyncEnd, readMessage(t, ws).Name)

	require.Eventually(t, func() bool {
		return env.syncStatus(t, "notes") == session.SyncAwaitingAck
	}, 5*time.Second, 10*time.Millisecond)

	sendMessage(t, ws, wire.New(wire.TagSyncAck))
	require.Eventually(t, func() bool {
		return env.syncStatus(t, "notes") == session.SyncNone
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketAuthentication(t *testing.T) {
	env := newTestEnv(t, func(cfg *app.Config) { cfg.Auth.Required = true })
	server := httptest.NewServer(env.router)
	defer server.Close()

	_, resp, err := dial(t, server, "/ws/notes")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	scoped := env.issue(t, iauth.TokenInput{Name: "alice", Documents: []string{"other"}})
	_, resp, err = dial(t, server, "/ws/notes?token="+scoped)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	token := env.issue(t, iauth.TokenInput{Name: "alice"})
	ws, _, err := dial(t, server, "/ws/notes?token="+token)
	require.NoError(t, err)

	sendMessage(t, ws, wire.New(wire.TagUserJoin).SetAttr(wire.AttrName, "mallory").SetAttr(wire.AttrSeq, "1"))
	failure := readMessage(t, ws)
	require.Equal(t, wire.TagRequestFailed, failure.Name)
	requireAttr(t, failure, wire.AttrCode, "not-authorized")

	sendMessage(t, ws, wire.New(wire.TagUserJoin).SetAttr(wire.AttrName, "alice").SetAttr(wire.AttrSeq, "2"))
	joined := readMessage(t, ws)
	require.Equal(t, wire.TagUserJoin, joined.Name)
	requireAttr(t, joined, wire.AttrName, "alice")
}

func TestWebsocketSynchronizeLargeDocument(t *testing.T) {
	env := newTestEnv(t)
	const lines = 600
	require.NoError(t, env.loop.Call(context.Background(), func() error {
		bot, err := env.dir.JoinLocal("big", session.NewUserFields("bot"))
		if err != nil {
			return err
		}
		doc := env.dir.Lookup("big")
		for i := 0; i < lines; i++ {
			doc.Session.AppendContent(bot.ID(), fmt.Sprintf("line %d", i))
		}
		return nil
	}))

	server := httptest.NewServer(env.router)
	defer server.Close()

	ws, _, err := dial(t, server, "/ws/big?synchronize=true")
	require.NoError(t, err)

	begin := readMessage(t, ws)
	require.Equal(t, wire.TagSyncBegin, begin.Name)
	requireAttr(t, begin, document.AttrNumMessages, strconv.Itoa(lines+1))
	require.Equal(t, wire.TagSyncUser, readMessage(t, ws).Name)
	for i := 0; i < lines; i++ {
		msg := readMessage(t, ws)
		require.Equal(t, wire.TagSyncRequest, msg.Name)
		require.Equal(t, fmt.Sprintf("line %d", i), msg.Text)
	}
	require.Equal(t, wire.TagSyncEnd, readMessage(t, ws).Name)

	// Acknowledge right away instead of waiting for the server to notice sync-end left.
	sendMessage(t, ws, wire.New(wire.TagSyncAck))
	require.Eventually(t, func() bool {
		return env.syncStatus(t, "big") == session.SyncNone
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, env.info(t, "big").Subscriptions)
}

func (e *testEnv) lookup(t *testing.T, name string) (directory.Info, bool) {
	t.Helper()
	var (
		info directory.Info
		ok   bool
	)
	require.NoError(t, e.loop.Call(context.Background(), func() error {
		if e.dir.Lookup(name) == nil {
			return nil
		}
		var err error
		info, err = e.dir.Info(name)
		ok = err == nil
		return err
	}))
	return info, ok
}

func TestWebsocketUpload(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	_, resp, err := dial(t, server, "/ws/shared?upload=true&synchronize=true")
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	source, _, err := dial(t, server, "/ws/shared?upload=true")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, ok := env.lookup(t, "shared")
		return ok && info.Status == "synchronizing" && info.Subscriptions == 1 && !info.Idle
	}, 5*time.Second, 10*time.Millisecond)

	_, resp, err = dial(t, server, "/ws/shared?upload=true")
	require.Error(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	sendMessage(t, source, wire.New(wire.TagSyncBegin).SetAttr(document.AttrNumMessages, "2"))
	sendMessage(t, source, wire.New(wire.TagSyncUser).
		SetAttr(wire.AttrName, "alice").
		SetAttr(wire.AttrID, "4").
		SetAttr(wire.AttrStatus, "active"))
	content := wire.New(wire.TagSyncRequest).SetAttr(wire.AttrUser, "4")
	content.Text = "hello"
	sendMessage(t, source, content)
	sendMessage(t, source, wire.New(wire.TagSyncEnd))

	require.Equal(t, wire.TagSyncAck, readMessage(t, source).Name)
	require.Eventually(t, func() bool {
		info, ok := env.lookup(t, "shared")
		return ok && info.Status == "running"
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []directory.UserInfo{{ID: 4, Name: "alice", Status: "active"}}, env.info(t, "shared").Users)

	// A later peer receives the uploaded state.
	peer, _, err := dial(t, server, "/ws/shared?synchronize=true")
	require.NoError(t, err)
	begin := readMessage(t, peer)
	require.Equal(t, wire.TagSyncBegin, begin.Name)
	requireAttr(t, begin, document.AttrNumMessages, "2")
	user := readMessage(t, peer)
	require.Equal(t, wire.TagSyncUser, user.Name)
	requireAttr(t, user, wire.AttrName, "alice")
	request := readMessage(t, peer)
	require.Equal(t, wire.TagSyncRequest, request.Name)
	require.Equal(t, "hello", request.Text)
	require.Equal(t, wire.TagSyncEnd, readMessage(t, peer).Name)

	// The uploader owns alice, so she becomes unavailable once it leaves.
	require.NoError(t, source.Close())
	require.Eventually(t, func() bool {
		info, ok := env.lookup(t, "shared")
		return ok && len(info.Users) == 1 && info.Users[0].Status == "unavailable"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStoppedLoopReportsInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens, err := iauth.NewTokenService(iauth.TokenConfig{Secret: "test-secret"})
	require.NoError(t, err)

	loop := eventloop.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop.Run(ctx)

	router, err := NewRouter(Deps{
		Directory: directory.New(),
		Loop:      loop,
		Tokens:    tokens,
		Config:    &app.Config{},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[any](t, w)
	require.False(t, body.Success)
	require.NotNil(t, body.Error)
	require.Equal(t, "INTERNAL_ERROR", body.Error.Code)
}
