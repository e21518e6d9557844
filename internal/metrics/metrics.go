package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider exposes the aggregate call/RTP/playout/LLM counters the
// collector scrapes. cmd/bridge's registryStatsAdapter satisfies this by
// wrapping bridge.Registry.
type StatsProvider interface {
	AggregateStats() Stats
}

// Stats mirrors bridge.Registry.AggregateStats's shape so this package
// does not need to import internal/bridge directly.
type Stats struct {
	ActiveCalls            int
	RTPPacketsSent         uint64
	RTPPacketsDropped      uint64
	PlayoutUnderruns       uint64
	CircuitBreakerTrips    uint64
	LLMReconnects          uint64
	InstructionsSent       uint64
	InstructionsSuperseded uint64
}

// Collector is a prometheus.Collector that gathers voice-bridge metrics
// at scrape time from a single aggregate snapshot.
type Collector struct {
	stats     StatsProvider
	startTime time.Time

	activeCallsDesc            *prometheus.Desc
	rtpPacketsSentDesc         *prometheus.Desc
	rtpPacketsDroppedDesc      *prometheus.Desc
	playoutUnderrunsDesc       *prometheus.Desc
	circuitBreakerTripsDesc    *prometheus.Desc
	llmReconnectsDesc          *prometheus.Desc
	instructionsSentDesc       *prometheus.Desc
	instructionsSupersededDesc *prometheus.Desc
	uptimeDesc                 *prometheus.Desc
}

// NewCollector creates a metrics collector backed by stats.
func NewCollector(stats StatsProvider, startTime time.Time) *Collector {
	return &Collector{
		stats:     stats,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"bridge_active_calls",
			"Number of currently active voice bridge calls",
			nil, nil,
		),
		rtpPacketsSentDesc: prometheus.NewDesc(
			"bridge_rtp_packets_sent_total",
			"Total RTP packets sent to callers across all active calls",
			nil, nil,
		),
		rtpPacketsDroppedDesc: prometheus.NewDesc(
			"bridge_rtp_packets_dropped_total",
			"Total inbound RTP packets dropped (decode failures) across active calls",
			nil, nil,
		),
		playoutUnderrunsDesc: prometheus.NewDesc(
			"bridge_playout_underruns_total",
			"Total playout buffer underruns (Playing->Buffering transitions) across active calls",
			nil, nil,
		),
		circuitBreakerTripsDesc: prometheus.NewDesc(
			"bridge_circuit_breaker_trips_total",
			"Total RTP send circuit breaker trips across active calls",
			nil, nil,
		),
		llmReconnectsDesc: prometheus.NewDesc(
			"bridge_llm_ws_reconnects_total",
			"Total LLM WebSocket reconnect attempts across active calls",
			nil, nil,
		),
		instructionsSentDesc: prometheus.NewDesc(
			"bridge_instructions_sent_total",
			"Total engine instructions transmitted to the LLM across active calls",
			nil, nil,
		),
		instructionsSupersededDesc: prometheus.NewDesc(
			"bridge_instructions_superseded_total",
			"Total engine instructions superseded before transmission across active calls",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"bridge_uptime_seconds",
			"Seconds since the bridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.rtpPacketsSentDesc
	ch <- c.rtpPacketsDroppedDesc
	ch <- c.playoutUnderrunsDesc
	ch <- c.circuitBreakerTripsDesc
	ch <- c.llmReconnectsDesc
	ch <- c.instructionsSentDesc
	ch <- c.instructionsSupersededDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. Counters are summed across
// currently active calls, so they reset to zero as calls end rather than
// accumulating across the process lifetime; this mirrors the aggregation
// the single stats snapshot naturally supports.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.AggregateStats()

	ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(s.ActiveCalls))
	ch <- prometheus.MustNewConstMetric(c.rtpPacketsSentDesc, prometheus.CounterValue, float64(s.RTPPacketsSent))
	ch <- prometheus.MustNewConstMetric(c.rtpPacketsDroppedDesc, prometheus.CounterValue, float64(s.RTPPacketsDropped))
	ch <- prometheus.MustNewConstMetric(c.playoutUnderrunsDesc, prometheus.CounterValue, float64(s.PlayoutUnderruns))
	ch <- prometheus.MustNewConstMetric(c.circuitBreakerTripsDesc, prometheus.CounterValue, float64(s.CircuitBreakerTrips))
	ch <- prometheus.MustNewConstMetric(c.llmReconnectsDesc, prometheus.CounterValue, float64(s.LLMReconnects))
	ch <- prometheus.MustNewConstMetric(c.instructionsSentDesc, prometheus.CounterValue, float64(s.InstructionsSent))
	ch <- prometheus.MustNewConstMetric(c.instructionsSupersededDesc, prometheus.CounterValue, float64(s.InstructionsSuperseded))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
