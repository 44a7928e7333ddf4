package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the process metrics, the collection counters and, when provider is set,
// the progress gauges.
func Handler(jobID, queueName string, provider ProgressProvider) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	Register(reg)
	if provider != nil {
		reg.MustRegister(NewProgressCollector(jobID, queueName, provider))
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

type Snapshotter interface {
	ProgressSnapshot(ctx context.Context) (ProgressSnapshot, error)
}

type DepthReader interface {
	Depth(ctx context.Context, queueName string) (int64, error)
}

// NewProgressProvider joins a progress source with the dispatch queue it feeds.
func NewProgressProvider(progress Snapshotter, queue DepthReader, queueName string) ProgressProvider {
	return &queueProgress{progress: progress, queue: queue, queueName: queueName}
}

type queueProgress struct {
	progress  Snapshotter
	queue     DepthReader
	queueName string
}

func (q *queueProgress) ProgressSnapshot(ctx context.Context) (ProgressSnapshot, error) {
	return q.progress.ProgressSnapshot(ctx)
}

func (q *queueProgress) QueueDepth(ctx context.Context) (int64, error) {
	return q.queue.Depth(ctx, q.queueName)
}
