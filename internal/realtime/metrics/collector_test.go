package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradepulse.com/internal/realtime/auth"
	"tradepulse.com/internal/realtime/event"
	"tradepulse.com/internal/realtime/registry"
	"tradepulse.com/internal/realtime/session"
	"tradepulse.com/internal/realtime/topic"
)

func TestCollector(t *testing.T) {
	reg := registry.New()
	s := session.New("s1", 1, func(s *session.Session) { reg.RemoveSession(s) })
	require.NoError(t, s.Authenticate(auth.Principal{UserID: "7"}))
	s.Activate()
	_, err := reg.Subscribe(s, topic.MustParse("market-data:AAPL"))
	require.NoError(t, err)
	s.EnqueueEvict(event.Event{Seq: 1})
	s.EnqueueEvict(event.Event{Seq: 2})

	pr := prometheus.NewPedanticRegistry()
	require.NoError(t, pr.Register(NewCollector(reg)))

	expected := `
# HELP rt_session_dropped_total Events evicted from a session queue
# TYPE rt_session_dropped_total counter
rt_session_dropped_total{session="s1",user="7"} 1
# HELP rt_session_queue_depth Queued outbound events per session
# TYPE rt_session_queue_depth gauge
rt_session_queue_depth{session="s1",user="7"} 1
# HELP rt_topic_subscribers Current subscribers per topic
# TYPE rt_topic_subscribers gauge
rt_topic_subscribers{topic="market-data:AAPL"} 1
# HELP rt_topics Topics with at least one subscriber
# TYPE rt_topics gauge
rt_topics 1
`
	assert.NoError(t, testutil.GatherAndCompare(pr, strings.NewReader(expected)))

	s.Close("bye")
	n, err := testutil.GatherAndCount(pr, "rt_topic_subscribers")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
