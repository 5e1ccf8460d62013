package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"tradepulse.com/internal/realtime/registry"
)

// Collector 抓取时从 registry 取快照：每个 topic 的订阅数、每个会话的队列深度和丢弃数
type Collector struct {
	reg *registry.Registry

	topicSubs    *prometheus.Desc
	queueDepth   *prometheus.Desc
	sessionDrops *prometheus.Desc
	topics       *prometheus.Desc
}

func NewCollector(reg *registry.Registry) *Collector {
	return &Collector{
		reg: reg,
		topicSubs: prometheus.NewDesc(namespace+"_topic_subscribers",
			"Current subscribers per topic", []string{"topic"}, nil),
		queueDepth: prometheus.NewDesc(namespace+"_session_queue_depth",
			"Queued outbound events per session", []string{"session", "user"}, nil),
		sessionDrops: prometheus.NewDesc(namespace+"_session_dropped_total",
			"Events evicted from a session queue", []string{"session", "user"}, nil),
		topics: prometheus.NewDesc(namespace+"_topics",
			"Topics with at least one subscriber", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.topicSubs
	ch <- c.queueDepth
	ch <- c.sessionDrops
	ch <- c.topics
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := c.reg.Counts()
	ch <- prometheus.MustNewConstMetric(c.topics, prometheus.GaugeValue, float64(len(counts)))
	for t, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.topicSubs, prometheus.GaugeValue, float64(n), t.String())
	}
	for _, s := range c.reg.Sessions() {
		user := s.Principal().UserID
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.Len()), s.ID(), user)
		ch <- prometheus.MustNewConstMetric(c.sessionDrops, prometheus.CounterValue, float64(s.Dropped()), s.ID(), user)
	}
}
