package topic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradepulse.com/pkg/xerr"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Topic
	}{
		{"market-data:aapl", Topic{MarketData, "AAPL"}},
		{"market-data:btc_usdt", Topic{MarketData, "BTC-USDT"}},
		{"market-data:BRK.B", Topic{MarketData, "BRK.B"}},
		{"trading:42", Topic{Trading, "42"}},
		{"webrtc-signaling:room-1.a", Topic{WebRTCSignaling, "room-1.a"}},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got)
	}
	assert.Equal(t, "market-data:AAPL", MustParse("market-data:aapl").String())
}

func TestParse_RejectsAsProtocolError(t *testing.T) {
	for _, in := range []string{
		"",
		"AAPL",
		"stocks:AAPL",     // 未知 namespace
		"trading:",        // 空 key
		"trading:a-b",     // id 只能是 \w
		"market-data:A B", // 空格
		"webrtc-signaling:" + string(make([]byte, 65)),
	} {
		_, err := Parse(in)
		assert.True(t, errors.Is(err, xerr.ErrProtocol), "%q 应该是 protocol error, got %v", in, err)
	}
}

func TestResolve(t *testing.T) {
	cases := []struct {
		path string
		name string
		want []string
	}{
		{"/ws", "multiplex", nil},
		{"/ws/", "multiplex", nil},
		{"/ws/market-data/aapl/", "market-data", []string{"market-data:AAPL"}},
		{"/ws/market-data/aapl", "market-data", []string{"market-data:AAPL"}},
		{"/ws/market-data/stream/aapl,msft,AAPL/", "market-data-stream", []string{"market-data:AAPL", "market-data:MSFT"}},
		{"/ws/trading/7/", "trading", []string{"trading:7"}},
		{"/ws/portfolio/p1/positions/", "portfolio", []string{"portfolio:p1"}},
		{"/ws/risk-monitoring/p1/", "risk-monitoring", []string{"portfolio:p1"}},
		{"/ws/backtesting/s9/", "backtesting", []string{"predictions:S9"}},
		{"/ws/webrtc/trading-room/desk.1/", "webrtc-trading-room", []string{"webrtc-signaling:desk.1"}},
	}
	for _, c := range cases {
		r, err := Resolve(c.path)
		require.NoError(t, err, c.path)
		assert.Equal(t, c.name, r.Name, c.path)
		var got []string
		for _, tp := range r.Topics {
			got = append(got, tp.String())
		}
		assert.Equal(t, c.want, got, c.path)
	}
}

func TestResolve_Malformed(t *testing.T) {
	for _, p := range []string{
		"/api/x",
		"/ws/unknown/1/",
		"/ws/trading/a-b/",
		"/ws/portfolio/p1/orders/",
		"/ws/market-data/a/b/c/",
	} {
		_, err := Resolve(p)
		assert.True(t, errors.Is(err, xerr.ErrProtocol), p)
	}
}
