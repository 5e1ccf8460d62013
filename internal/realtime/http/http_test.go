package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradepulse.com/internal/realtime/auth"
	"tradepulse.com/internal/realtime/bus"
	"tradepulse.com/internal/realtime/event"
	"tradepulse.com/internal/realtime/registry"
	"tradepulse.com/internal/realtime/ws"
	"tradepulse.com/pkg/ratelimit"
	"tradepulse.com/pkg/xerr"
)

func init() { gin.SetMode(gin.TestMode) }

type staticGate struct{}

func (staticGate) Authenticate(_ context.Context, cred string) (auth.Principal, error) {
	if auth.BearerToken(cred) == "ok" {
		return auth.Principal{UserID: "1"}, nil
	}
	return auth.Principal{}, xerr.ErrAuthMalformed
}

type downBus struct{}

func (downBus) Publish(context.Context, string, []byte) (uint64, error) {
	return 0, xerr.New(xerr.TransportUnavailable, "breaker open")
}

type memRevoker struct{ jti atomic.Value }

func (m *memRevoker) Revoke(_ context.Context, jti string, _ time.Time) error {
	m.jti.Store(jti)
	return nil
}

type fixture struct {
	router *gin.Engine
	bus    *bus.MemBus
	rev    *memRevoker
	ws     *ws.Server
}

func newFixture(t *testing.T, pub Publisher) *fixture {
	t.Helper()
	f := &fixture{bus: bus.NewMemBus(bus.Options{}), rev: &memRevoker{}}
	t.Cleanup(func() { _ = f.bus.Close() })
	if pub == nil {
		pub = f.bus
	}
	f.ws = ws.NewServer(ws.DefaultConfig(), registry.New(), staticGate{})
	f.router = NewRouter(Deps{
		Service:    "rt-gateway",
		WS:         f.ws,
		Publisher:  pub,
		Revoker:    f.rev,
		PublishKey: "secret",
		RateLimit:  ratelimit.NewStore(1000, 1000, time.Minute),
		Healthy:    func() bool { return true },
	})
	return f
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path, key, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderPublishKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestPublish(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.bus.Subscribe(ctx, []string{"alerts:*"})
	require.NoError(t, err)

	w, env := do(t, f.router, "POST", "/api/v1/publish", "secret", `{"topic":"alerts:7","payload":{"level":"high"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"topic":"alerts:7","seq":1}`, string(env.Data))

	var ev event.Event
	select {
	case ev = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
	assert.Equal(t, "alerts:7", ev.Topic)
	assert.JSONEq(t, `{"level":"high"}`, string(ev.Payload))
}

func TestPublish_Rejections(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := do(t, f.router, "POST", "/api/v1/publish", "", `{"topic":"alerts:7"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(t, f.router, "POST", "/api/v1/publish", "wrong", `{"topic":"alerts:7"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env := do(t, f.router, "POST", "/api/v1/publish", "secret", `{"topic":"weather:paris"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, xerr.Protocol, env.Code)

	w, _ = do(t, f.router, "POST", "/api/v1/publish", "secret", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublish_BusUnavailable(t *testing.T) {
	f := newFixture(t, downBus{})
	w, env := do(t, f.router, "POST", "/api/v1/publish", "secret", `{"topic":"alerts:7","payload":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, xerr.TransportUnavailable, env.Code)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, nil)
	w, _ := do(t, f.router, "POST", "/api/v1/revoke", "secret", `{"jti":"abc"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", f.rev.jti.Load())

	w, _ = do(t, f.router, "POST", "/api/v1/revoke", "secret", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthStatsMetrics(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := do(t, f.router, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w, env := do(t, f.router, "GET", "/api/v1/stats", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var st ws.Stats
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, 0, st.Connections)

	w, _ = do(t, f.router, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rt_ws_conns")
}

func TestHealthUnhealthy(t *testing.T) {
	f := newFixture(t, nil)
	r := NewRouter(Deps{Service: "rt-gateway", WS: f.ws, Publisher: f.bus, Healthy: func() bool { return false }})
	w, _ := do(t, r, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWSThroughRouter(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/market-data/BTC-USD/"
	c, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer ok"}})
	require.NoError(t, err)
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m ws.ServerMsg
	require.NoError(t, c.ReadJSON(&m))
	assert.Equal(t, ws.OpSubscribed, m.Op)
	assert.Equal(t, "market-data:BTC-USD", m.Topic)

	// 非法路径在升级前就 400
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/nope/", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
