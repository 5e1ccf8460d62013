package ws

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradepulse.com/pkg/xerr"
)

// 另一套客户端实现跑一遍完整流程，避免只和 gorilla 自己兼容
func TestWS_CoderClient(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, h.url("/ws/model-training/m1/"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer alice"}},
	})
	require.NoError(t, err)
	defer c.CloseNow()

	var m ServerMsg
	require.NoError(t, wsjson.Read(ctx, c, &m))
	assert.Equal(t, OpSubscribed, m.Op)
	assert.Equal(t, "model-training:m1", m.Topic)

	_, err = h.bus.Publish(ctx, "model-training:m1", []byte{0xff, 0x00})
	require.NoError(t, err)
	require.NoError(t, wsjson.Read(ctx, c, &m))
	assert.Equal(t, OpEvent, m.Op)
	assert.Equal(t, uint64(1), m.Seq)
	// 非 JSON payload 走 base64
	assert.Equal(t, `"/wA="`, string(m.Payload))

	require.NoError(t, wsjson.Write(ctx, c, ClientMsg{Op: OpPing}))
	require.NoError(t, wsjson.Read(ctx, c, &m))
	assert.Equal(t, OpPong, m.Op)

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"op":"dance"}`)))
	_, _, err = c.Read(ctx)
	assert.Equal(t, websocket.StatusCode(xerr.Protocol), websocket.CloseStatus(err))
}
