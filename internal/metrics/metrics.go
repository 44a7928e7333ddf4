package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	collectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_collect_attempts_total",
			Help: "Total collection attempts.",
		},
		[]string{"queue"},
	)
	collectSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_collect_success_total",
			Help: "Total items collected and stored.",
		},
		[]string{"queue"},
	)
	collectFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_collect_failure_total",
			Help: "Total failed collection attempts by failure class.",
		},
		[]string{"queue", "class"},
	)
	itemsPoisoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_items_poisoned_total",
			Help: "Total items moved to poisoned after exhausting retries.",
		},
		[]string{"queue"},
	)
	collectRuntime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weathervault_collect_runtime_seconds",
			Help:    "Collection runtime histogram in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)
	timeInQueue = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weathervault_time_in_queue_seconds",
			Help:    "Time between dispatch and pickup in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)
	workerUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weathervault_worker_utilization",
			Help: "Worker utilization (in-flight / concurrency).",
		},
		[]string{"queue"},
	)
	concurrencyThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_worker_concurrency_throttled_total",
			Help: "Total times work was throttled by concurrency.",
		},
		[]string{"queue"},
	)
	rateThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_worker_rate_throttled_total",
			Help: "Total times work was throttled by rate limit.",
		},
		[]string{"queue"},
	)
	apiCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_api_calls_total",
			Help: "Upstream API calls by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)
	geocodeCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_geocode_cache_total",
			Help: "Geocode cache lookups by result.",
		},
		[]string{"result"},
	)
	objectWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathervault_object_writes_total",
			Help: "Object store writes by outcome.",
		},
		[]string{"outcome"},
	)
	batchesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weathervault_batch_items_dispatched_total",
			Help: "Total items handed out by next-batch.",
		},
	)
)

func Register(reg *prometheus.Registry) {
	once.Do(func() {
		reg.MustRegister(
			collectAttempts,
			collectSuccess,
			collectFailure,
			itemsPoisoned,
			collectRuntime,
			timeInQueue,
			workerUtilization,
			concurrencyThrottled,
			rateThrottled,
			apiCalls,
			geocodeCache,
			objectWrites,
			batchesDispatched,
		)
	})
}

func IncAttempts(queue string) {
	collectAttempts.WithLabelValues(queue).Inc()
}

func IncSuccess(queue string) {
	collectSuccess.WithLabelValues(queue).Inc()
}

func IncFailure(queue, class string) {
	collectFailure.WithLabelValues(queue, class).Inc()
}

func IncPoisoned(queue string) {
	itemsPoisoned.WithLabelValues(queue).Inc()
}

func ObserveRuntime(queue string, seconds float64) {
	collectRuntime.WithLabelValues(queue).Observe(seconds)
}

func ObserveTimeInQueue(queue string, seconds float64) {
	timeInQueue.WithLabelValues(queue).Observe(seconds)
}

func SetWorkerUtilization(queue string, value float64) {
	workerUtilization.WithLabelValues(queue).Set(value)
}

func IncConcurrencyThrottled(queue string) {
	concurrencyThrottled.WithLabelValues(queue).Inc()
}

func IncRateThrottled(queue string) {
	rateThrottled.WithLabelValues(queue).Inc()
}

func IncAPICall(endpoint, outcome string) {
	apiCalls.WithLabelValues(endpoint, outcome).Inc()
}

func IncGeocodeCache(result string) {
	geocodeCache.WithLabelValues(result).Inc()
}

func IncObjectWrite(outcome string) {
	objectWrites.WithLabelValues(outcome).Inc()
}

func AddDispatched(n int) {
	batchesDispatched.Add(float64(n))
}

// ProgressSnapshot is the subset of the progress aggregate exported as gauges.
type ProgressSnapshot struct {
	Total          int
	Completed      int
	Remaining      int
	Poisoned       int
	DailyCallsUsed int
	DailyLimit     int
}

type ProgressProvider interface {
	ProgressSnapshot(ctx context.Context) (ProgressSnapshot, error)
	QueueDepth(ctx context.Context) (int64, error)
}

// ProgressCollector reads the progress row and dispatch queue depth on every scrape.
type ProgressCollector struct {
	jobID     string
	queueName string
	provider  ProgressProvider

	itemsDesc *prometheus.Desc
	callsDesc *prometheus.Desc
	limitDesc *prometheus.Desc
	depthDesc *prometheus.Desc
}

func NewProgressCollector(jobID, queueName string, provider ProgressProvider) *ProgressCollector {
	return &ProgressCollector{
		jobID:     jobID,
		queueName: queueName,
		provider:  provider,
		itemsDesc: prometheus.NewDesc(
			"weathervault_progress_items",
			"Work items by progress bucket.",
			[]string{"job", "bucket"},
			nil,
		),
		callsDesc: prometheus.NewDesc(
			"weathervault_daily_calls_used",
			"API calls charged against today's quota.",
			[]string{"job"},
			nil,
		),
		limitDesc: prometheus.NewDesc(
			"weathervault_daily_calls_limit",
			"Configured daily API call limit.",
			[]string{"job"},
			nil,
		),
		depthDesc: prometheus.NewDesc(
			"weathervault_queue_depth",
			"Current dispatch queue depth.",
			[]string{"queue"},
			nil,
		),
	}
}

func (c *ProgressCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.itemsDesc
	ch <- c.callsDesc
	ch <- c.limitDesc
	ch <- c.depthDesc
}

func (c *ProgressCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	if snap, err := c.provider.ProgressSnapshot(ctx); err == nil {
		for bucket, v := range map[string]int{
			"total":     snap.Total,
			"completed": snap.Completed,
			"remaining": snap.Remaining,
			"poisoned":  snap.Poisoned,
		} {
			ch <- prometheus.MustNewConstMetric(c.itemsDesc, prometheus.GaugeValue, float64(v), c.jobID, bucket)
		}
		ch <- prometheus.MustNewConstMetric(c.callsDesc, prometheus.GaugeValue, float64(snap.DailyCallsUsed), c.jobID)
		ch <- prometheus.MustNewConstMetric(c.limitDesc, prometheus.GaugeValue, float64(snap.DailyLimit), c.jobID)
	}
	if depth, err := c.provider.QueueDepth(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.depthDesc, prometheus.GaugeValue, float64(depth), c.queueName)
	}
}
