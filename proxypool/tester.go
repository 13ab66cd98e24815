package proxypool

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/storyscan-io/storyscan/errors"
	"github.com/storyscan-io/storyscan/internal/httpclient"
)

// degradedLatencyMs is the probe latency above which a reachable proxy is
// considered degraded rather than healthy.
const degradedLatencyMs = 2000

// TestResult is the outcome of a manual proxy connectivity test.
type TestResult struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Tester probes proxies against a known target and feeds the results back
// into pool health and usage metrics. Probes are rate limited so a bulk
// "test all" from the dashboard cannot hammer the targets.
type Tester struct {
	pool      *Pool
	targetURL string
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger

	// newClient is injectable for tests
	newClient func(host string, port int, username, password string, timeout time.Duration) (*http.Client, error)
}

// NewTester creates a proxy tester. probesPerMinute bounds probe frequency.
func NewTester(pool *Pool, targetURL string, timeout time.Duration, probesPerMinute int, logger *zap.SugaredLogger) *Tester {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if probesPerMinute < 1 {
		probesPerMinute = 1
	}
	return &Tester{
		pool:      pool,
		targetURL: targetURL,
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Limit(float64(probesPerMinute)/60.0), 1),
		logger:    logger.Named("proxytester"),
		newClient: httpclient.NewWithProxy,
	}
}

// Test probes one proxy and records the outcome as both a health snapshot
// and a usage sample. The probe itself is bounded by the configured timeout.
func (t *Tester) Test(ctx context.Context, proxyID string) (TestResult, error) {
	p, err := t.pool.Get(proxyID)
	if err != nil {
		return TestResult{}, err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return TestResult{}, errors.Wrap(errors.ErrCanceled, err.Error())
	}

	client, err := t.newClient(p.Host, p.Port, p.Username, p.Password, t.timeout)
	if err != nil {
		return TestResult{}, err
	}

	start := time.Now()
	result := t.probe(ctx, client)
	latency := result.LatencyMs

	status := HealthHealthy
	if !result.Success {
		status = HealthDegraded
	} else if latency > degradedLatencyMs {
		status = HealthDegraded
	}

	if err := t.pool.RecordHealth(proxyID, Health{
		Status:        status,
		LatencyMs:     latency,
		UptimePercent: p.Metrics.SuccessRate * 100,
		LastCheckedAt: start,
	}); err != nil {
		t.logger.Warnw("Failed to record proxy health", "proxy_id", proxyID, "error", err)
	}
	if err := t.pool.RecordUsage(proxyID, result.Success, latency); err != nil {
		t.logger.Warnw("Failed to record proxy usage", "proxy_id", proxyID, "error", err)
	}

	t.logger.Infow("Proxy tested",
		"proxy_id", proxyID,
		"success", result.Success,
		"latency_ms", latency,
		"status", status)
	return result, nil
}

// probe performs the actual HTTP round trip and measures latency.
func (t *Tester) probe(ctx context.Context, client *http.Client) TestResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.targetURL, nil)
	if err != nil {
		return TestResult{Success: false, Error: err.Error()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return TestResult{Success: false, LatencyMs: latency, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return TestResult{
			Success:   false,
			LatencyMs: latency,
			Error:     errors.Newf("probe returned HTTP %d", resp.StatusCode).Error(),
		}
	}
	return TestResult{Success: true, LatencyMs: latency}
}
