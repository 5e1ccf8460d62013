package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"tradepulse.com/pkg/xerr"
)

func TestStore_AllowBurstPerKey(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 2, time.Minute)

	assert.True(t, s.Allow("1.2.3.4"))
	assert.True(t, s.Allow("1.2.3.4"))
	assert.False(t, s.Allow("1.2.3.4"), "突发用完后应该被限流")

	// 不同 key 互不影响
	assert.True(t, s.Allow("5.6.7.8"))
}

func TestStore_CleanupEvictsIdleKeys(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 1, time.Nanosecond)
	assert.True(t, s.Allow("k"))
	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, s.sweep())
	assert.Zero(t, s.Len())

	// 被清理后重新拿到完整 burst
	assert.True(t, s.Allow("k"))
}

func TestStore_JanitorStopsWithContext(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 1, time.Nanosecond)
	s.Allow("a")
	s.Allow("b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartJanitor(ctx, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_TripsOnConsecutiveTransportFailures(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 3, Timeout: time.Minute}, nil)
	cb := m.Get("bus.publish")
	require.Same(t, cb, m.Get("bus.publish"))

	fail := xerr.NewErrCode(xerr.TransportUnavailable)
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (struct{}, error) { return struct{}{}, fail })
		assert.True(t, errors.Is(err, xerr.ErrTransportUnavailable))
	}

	_, err := cb.Execute(func() (struct{}, error) { return struct{}{}, nil })
	assert.True(t, IsOpen(err), "连续失败后应 fail-fast")
}

func TestManager_ProtocolErrorsDoNotTrip(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 1, Timeout: time.Minute}, nil)
	cb := m.Get("bus.publish")

	_, _ = cb.Execute(func() (struct{}, error) { return struct{}{}, xerr.NewErrCode(xerr.Protocol) })
	_, err := cb.Execute(func() (struct{}, error) { return struct{}{}, nil })
	assert.NoError(t, err)
}
