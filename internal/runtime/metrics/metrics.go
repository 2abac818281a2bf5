// Package metrics exports bus activity as Prometheus collectors and keeps a
// small per-channel snapshot for diagnostics.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	sagapkg "github.com/drblury/flowbus/internal/runtime/saga"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
)

const namespace = "flowbus"

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Metrics is safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	channels map[string]*ChannelStats

	sentTotal        *prometheus.CounterVec
	receivedTotal    *prometheus.CounterVec
	depth            *prometheus.GaugeVec
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	timeoutsTotal    *prometheus.CounterVec
	timeoutsPending  prometheus.Gauge
	sagasTotal       *prometheus.CounterVec
	undeliveredTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// ChannelStats holds the counters of one channel.
type ChannelStats struct {
	Sent           uint64    `json:"sent"`
	Received       uint64    `json:"received"`
	LastSentAt     time.Time `json:"last_sent_at,omitempty"`
	LastReceivedAt time.Time `json:"last_received_at,omitempty"`
}

func (s *ChannelStats) depth() float64 {
	if s.Sent <= s.Received {
		return 0
	}
	return float64(s.Sent - s.Received)
}

// Snapshot is a point-in-time view of all channel counters.
type Snapshot struct {
	TotalSent     uint64                   `json:"total_sent"`
	TotalReceived uint64                   `json:"total_received"`
	Channels      map[string]*ChannelStats `json:"channels"`
	CollectedAt   time.Time                `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer means the default registry,
// in which case the default gatherer backs Handler.
func New(registerer prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		channels:      make(map[string]*ChannelStats),
		registerer:    registerer,
		gatherer:      gatherer,
		sentTotal:     newCounterVec("channel", "sent_total", "Envelopes sent to a channel", []string{"channel"}),
		receivedTotal: newCounterVec("channel", "received_total", "Envelopes received from a channel", []string{"channel"}),
		depth:         newGaugeVec("channel", "depth", "Envelopes waiting in a channel, sampled on send and receive", []string{"channel"}),
		jobsTotal:     newCounterVec("endpoint", "jobs_total", "Endpoint dispatches by outcome", []string{"endpoint", "method", "outcome"}),
		jobDuration: newHistogramVec("endpoint", "job_duration_seconds", "Endpoint dispatch duration",
			[]float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5}, []string{"endpoint"}),
		timeoutsTotal: newCounterVec("timeout", "events_total", "Timeout lifecycle events", []string{"event"}),
		timeoutsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timeout",
			Name:      "pending",
			Help:      "Timeouts scheduled but not yet delivered or cancelled",
		}),
		sagasTotal:       newCounterVec("saga", "handled_total", "Saga handler invocations", []string{"saga", "message", "outcome"}),
		undeliveredTotal: newCounterVec("adapter", "undelivered_total", "Envelopes an outbound adapter gave up on", []string{"uri"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.sentTotal,
		m.receivedTotal,
		m.depth,
		m.jobsTotal,
		m.jobDuration,
		m.timeoutsTotal,
		m.timeoutsPending,
		m.sagasTotal,
		m.undeliveredTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the gatherer backing the registerer passed to New.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Observer returns a channel observer feeding the channel collectors.
func (m *Metrics) Observer() channelpkg.Observer {
	return channelpkg.ObserverFuncs{
		Sent:     m.recordSent,
		Received: m.recordReceived,
	}
}

func (m *Metrics) recordSent(channel string, _ *envelopepkg.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateChannel(channel)
	stats.Sent++
	stats.LastSentAt = time.Now()

	m.sentTotal.WithLabelValues(channel).Inc()
	m.depth.WithLabelValues(channel).Set(stats.depth())
}

func (m *Metrics) recordReceived(channel string, _ *envelopepkg.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateChannel(channel)
	stats.Received++
	stats.LastReceivedAt = time.Now()

	m.receivedTotal.WithLabelValues(channel).Inc()
	m.depth.WithLabelValues(channel).Set(stats.depth())
}

// JobHooks returns endpoint hooks recording dispatch outcomes and durations.
func (m *Metrics) JobHooks() endpointpkg.JobHooks {
	return endpointpkg.JobHooks{
		OnJobDone: func(ctx endpointpkg.JobContext) {
			m.jobsTotal.WithLabelValues(ctx.Endpoint, ctx.Method, outcomeOK).Inc()
			m.jobDuration.WithLabelValues(ctx.Endpoint).Observe(ctx.Duration.Seconds())
		},
		OnJobError: func(ctx endpointpkg.JobContext, _ error) {
			m.jobsTotal.WithLabelValues(ctx.Endpoint, ctx.Method, outcomeError).Inc()
			m.jobDuration.WithLabelValues(ctx.Endpoint).Observe(ctx.Duration.Seconds())
		},
	}
}

// TimeoutHooks returns timeout service hooks feeding the timeout collectors.
func (m *Metrics) TimeoutHooks() timeoutpkg.Hooks {
	return timeoutpkg.Hooks{
		OnScheduled: func(*timeoutpkg.Message) {
			m.timeoutsTotal.WithLabelValues("scheduled").Inc()
			m.timeoutsPending.Inc()
		},
		OnDelivered: func(*timeoutpkg.Message) {
			m.timeoutsTotal.WithLabelValues("delivered").Inc()
			m.timeoutsPending.Dec()
		},
		OnCancelled: func(_ any, removed int) {
			m.timeoutsTotal.WithLabelValues("cancelled").Add(float64(removed))
			m.timeoutsPending.Sub(float64(removed))
		},
		OnError: func(*timeoutpkg.Message, error) {
			m.timeoutsTotal.WithLabelValues("failed").Inc()
		},
	}
}

// SetTimeoutsPending resyncs the pending gauge with the persister, which may
// hold timeouts from a previous process.
func (m *Metrics) SetTimeoutsPending(n int) {
	m.timeoutsPending.Set(float64(n))
}

// SagaHook is suitable for saga.Options.OnHandled.
func (m *Metrics) SagaHook(info sagapkg.HandleInfo, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
	}
	m.sagasTotal.WithLabelValues(info.SagaType, info.MessageType, outcome).Inc()
}

// RecordUndelivered counts an envelope an outbound adapter could not send.
func (m *Metrics) RecordUndelivered(uri string) {
	m.undeliveredTotal.WithLabelValues(uri).Inc()
}

// GetSnapshot returns a copy of all channel counters.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		Channels:    make(map[string]*ChannelStats, len(m.channels)),
		CollectedAt: time.Now(),
	}
	for name, stats := range m.channels {
		cp := *stats
		snapshot.Channels[name] = &cp
		snapshot.TotalSent += stats.Sent
		snapshot.TotalReceived += stats.Received
	}
	return snapshot
}

// GetChannelStats returns a copy of one channel's counters or nil.
func (m *Metrics) GetChannelStats(channel string) *ChannelStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.channels[channel]; ok {
		cp := *stats
		return &cp
	}
	return nil
}

func (m *Metrics) getOrCreateChannel(channel string) *ChannelStats {
	if stats, ok := m.channels[channel]; ok {
		return stats
	}
	stats := &ChannelStats{}
	m.channels[channel] = stats
	return stats
}

// Reset clears all counters (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = make(map[string]*ChannelStats)
	m.sentTotal.Reset()
	m.receivedTotal.Reset()
	m.depth.Reset()
	m.jobsTotal.Reset()
	m.jobDuration.Reset()
	m.timeoutsTotal.Reset()
	m.timeoutsPending.Set(0)
	m.sagasTotal.Reset()
	m.undeliveredTotal.Reset()
}
