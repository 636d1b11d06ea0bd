package surge

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one engine. Each engine owns its
// own set so that independent engines (and tests) never share counters.
// All observe methods are safe on a nil *Metrics.
type Metrics struct {
	Admissions      prometheus.Counter
	Preemptions     prometheus.Counter
	Finished        *prometheus.CounterVec
	KernelFailures  *prometheus.CounterVec
	PrefixLookups   prometheus.Counter
	PrefixHits      prometheus.Counter
	PrefixHitTokens prometheus.Counter
	EvictedPages    prometheus.Counter
	PagesAllocated  prometheus.Gauge
	WaitingSeqs     prometheus.Gauge
	RunningSeqs     prometheus.Gauge
	StepLatency     prometheus.Histogram
}

// NewMetrics creates an unregistered set of collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surge", Subsystem: "scheduler", Name: "admissions_total",
			Help: "Sequences admitted into prefill",
		}),
		Preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surge", Subsystem: "scheduler", Name: "preemptions_total",
			Help: "Decode sequences preempted back to waiting",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "surge", Subsystem: "scheduler", Name: "finished_total",
			Help: "Sequences reaching a terminal state, by reason",
		}, []string{"reason"}),
		KernelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "surge", Subsystem: "dispatcher", Name: "kernel_failures_total",
			Help: "Failed kernel invocations, by batch kind",
		}, []string{"kind"}),
		PrefixLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surge", Subsystem: "prefix_cache", Name: "lookups_total",
			Help: "Prefix cache lookups",
		}),
		PrefixHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surge", Subsystem: "prefix_cache", Name: "hits_total",
			Help: "Prefix cache lookups that matched at least one page",
		}),
		PrefixHitTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surge", Subsystem: "prefix_cache", Name: "hit_tokens_total",
			Help: "Tokens served from shared pages",
		}),
		EvictedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surge", Subsystem: "prefix_cache", Name: "evicted_pages_total",
			Help: "Pages returned to the free list by dropped prefix entries",
		}),
		PagesAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "surge", Subsystem: "pages", Name: "allocated",
			Help: "Pages currently allocated",
		}),
		WaitingSeqs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "surge", Subsystem: "scheduler", Name: "waiting_sequences",
			Help: "Sequences in the wait queue",
		}),
		RunningSeqs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "surge", Subsystem: "scheduler", Name: "running_sequences",
			Help: "Sequences holding pages (prefill or decode)",
		}),
		StepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "surge", Subsystem: "engine", Name: "step_latency_seconds",
			Help:    "Wall time of one scheduling step including kernel execution",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every collector of the set.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Admissions, m.Preemptions, m.Finished, m.KernelFailures,
		m.PrefixLookups, m.PrefixHits, m.PrefixHitTokens, m.EvictedPages,
		m.PagesAllocated, m.WaitingSeqs, m.RunningSeqs, m.StepLatency,
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering surge metrics: %w", err)
		}
	}
	return nil
}

func (m *Metrics) observeLookup() {
	if m == nil {
		return
	}
	m.PrefixLookups.Inc()
}

func (m *Metrics) observeHit(tokens int) {
	if m == nil {
		return
	}
	m.PrefixHits.Inc()
	m.PrefixHitTokens.Add(float64(tokens))
}

func (m *Metrics) observeEviction(pages int) {
	if m == nil || pages == 0 {
		return
	}
	m.EvictedPages.Add(float64(pages))
}

func (m *Metrics) observeAdmission() {
	if m == nil {
		return
	}
	m.Admissions.Inc()
}

func (m *Metrics) observePreemption() {
	if m == nil {
		return
	}
	m.Preemptions.Inc()
}

func (m *Metrics) observeFinished(reason FinishReason) {
	if m == nil {
		return
	}
	m.Finished.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) observeKernelFailure(kind BatchKind) {
	if m == nil {
		return
	}
	m.KernelFailures.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeStep(d time.Duration, budget Budget, waiting, running int) {
	if m == nil {
		return
	}
	m.StepLatency.Observe(d.Seconds())
	m.PagesAllocated.Set(float64(budget.Allocated))
	m.WaitingSeqs.Set(float64(waiting))
	m.RunningSeqs.Set(float64(running))
}
