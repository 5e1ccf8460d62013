package app

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rtconfig "tradepulse.com/internal/realtime/config"
	rthttp "tradepulse.com/internal/realtime/http"
	"tradepulse.com/internal/realtime/ws"
)

func settings(t *testing.T) rtconfig.Settings {
	t.Helper()
	c := rtconfig.GatewayConfig{}
	c.HTTP.Addr = "127.0.0.1:0"
	c.HTTP.PublishKey = "pk"
	c.Auth.SigningKeys = []string{"secret"}
	c.Auth.Users = []rtconfig.StaticUser{{UserID: "1", TradingEnabled: true}}
	c.Bus.EncryptionKeys = []string{"bus-key"}
	c.WS.DrainTimeout = time.Second
	s, err := rtconfig.Build(c)
	require.NoError(t, err)
	return s
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":    sub,
		"token_type": "access",
		"jti":        "j-" + sub,
		"exp":        time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func TestApp_PublishReachesSubscriber(t *testing.T) {
	a, err := NewWithSettings(settings(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	select {
	case <-a.Started():
	case err := <-done:
		t.Fatalf("run failed: %v", err)
	}
	base := a.Addr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	c, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws/trading/1/",
		http.Header{"Authorization": {"Bearer " + token(t, "1")}})
	require.NoError(t, err)
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m ws.ServerMsg
	require.NoError(t, c.ReadJSON(&m))
	require.Equal(t, ws.OpSubscribed, m.Op)
	require.Equal(t, "trading:1", m.Topic)

	req, _ := http.NewRequest("POST", "http://"+base+"/api/v1/publish",
		strings.NewReader(`{"topic":"trading:1","payload":{"fill":"ok"}}`))
	req.Header.Set(rthttp.HeaderPublishKey, "pk")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, c.ReadJSON(&m))
	assert.Equal(t, ws.OpEvent, m.Op)
	assert.Equal(t, uint64(1), m.Seq)
	assert.JSONEq(t, `{"fill":"ok"}`, string(m.Payload))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// 优雅退出：客户端收到 1001
	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestApp_RevokedTokenRejected(t *testing.T) {
	a, err := NewWithSettings(settings(t))
	require.NoError(t, err)
	require.NoError(t, a.gate.Revoke(context.Background(), "j-1", time.Now().Add(time.Hour)))

	_, err = a.gate.Authenticate(context.Background(), token(t, "1"))
	require.Error(t, err)
}
