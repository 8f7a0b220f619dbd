package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// IngestLatency is the aggregated ingest latency view for one platform.
type IngestLatency struct {
	Platform       string  `json:"platform"`
	P95Seconds     float64 `json:"p95_seconds"`
	P95TargetMs    int64   `json:"p95_target_ms"`
	TargetExceeded bool    `json:"target_exceeded"`
}

// QueryService queries aggregated metrics back out of Prometheus. Optional:
// when PROMETHEUS_URL is unset the snapshot simply omits the latency view.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetIngestLatencyP95 computes the per-platform ingest latency p95 over the
// window and compares it against the target.
func (q *QueryService) GetIngestLatencyP95(ctx context.Context, window time.Duration, targetMs int64) ([]IngestLatency, error) {
	query := fmt.Sprintf(
		`histogram_quantile(0.95, sum by (platform, le) (rate(leasebot_ingest_duration_seconds_bucket[%s])))`,
		model.Duration(window).String(),
	)
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query ingest latency p95: %w", err)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T for ingest latency query", result)
	}

	latencies := make([]IngestLatency, 0, len(vector))
	for _, sample := range vector {
		p95 := float64(sample.Value)
		latencies = append(latencies, IngestLatency{
			Platform:       string(sample.Metric["platform"]),
			P95Seconds:     p95,
			P95TargetMs:    targetMs,
			TargetExceeded: p95*1000 > float64(targetMs),
		})
	}
	return latencies, nil
}
