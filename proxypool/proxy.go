// Package proxypool owns proxy records, their sessions, health metrics, and
// the rotation/selection policy for outbound profile checks.
package proxypool

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyscan-io/storyscan/errors"
)

// HealthHistoryCap bounds the health snapshot ring buffer per proxy.
const HealthHistoryCap = 10

// SessionStatus is the eligibility state of a proxy session
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionDisabled SessionStatus = "disabled"
)

// HealthStatus classifies a proxy's last known health
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthUnknown  HealthStatus = "unknown"
)

// Session is an authentication session owned by a proxy. Only active
// sessions make a proxy eligible for selection.
type Session struct {
	ID     string        `json:"id"`
	Token  string        `json:"token"`
	Status SessionStatus `json:"status"`
}

// Health is a point-in-time health snapshot
type Health struct {
	Status        HealthStatus `json:"status"`
	LatencyMs     int64        `json:"latency_ms"`
	UptimePercent float64      `json:"uptime_percent"`
	LastCheckedAt time.Time    `json:"last_checked_at"`
}

// PerformanceMetrics accumulates usage outcomes for selection ranking
type PerformanceMetrics struct {
	SuccessRate  float64    `json:"success_rate"`
	AvgLatencyMs float64    `json:"avg_latency_ms"`
	RequestCount int64      `json:"request_count"`
	FailureCount int64      `json:"failure_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// Proxy is a pool-owned proxy record. Sessions, health, and metrics are
// mutated only through Pool operations, never directly by callers.
type Proxy struct {
	ID            string             `json:"id"`
	Host          string             `json:"host"`
	Port          int                `json:"port"`
	Username      string             `json:"username,omitempty"`
	Password      string             `json:"password,omitempty"`
	Sessions      []Session          `json:"sessions"`
	Health        Health             `json:"health"`
	HealthHistory []Health           `json:"health_history"`
	Metrics       PerformanceMetrics `json:"performance_metrics"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NewProxy creates a proxy record after validating host and port.
func NewProxy(host string, port int, username, password string) (*Proxy, error) {
	if host == "" {
		return nil, errors.NewValidationError("proxy host cannot be empty")
	}
	if port < 1 || port > 65535 {
		return nil, errors.NewValidationError("proxy port out of range [1,65535]: %d", port)
	}

	now := time.Now()
	return &Proxy{
		ID:       uuid.NewString(),
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Sessions: []Session{},
		Health: Health{
			Status: HealthUnknown,
		},
		HealthHistory: []Health{},
		Metrics:       PerformanceMetrics{SuccessRate: 1.0},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// recordHealth overwrites current health after pushing the previous snapshot
// onto the bounded history ring (oldest evicted first).
func (p *Proxy) recordHealth(h Health) {
	p.HealthHistory = append(p.HealthHistory, p.Health)
	if len(p.HealthHistory) > HealthHistoryCap {
		p.HealthHistory = p.HealthHistory[len(p.HealthHistory)-HealthHistoryCap:]
	}
	if h.LastCheckedAt.IsZero() {
		h.LastCheckedAt = time.Now()
	}
	p.Health = h
	p.UpdatedAt = time.Now()
}

// recordUsage folds one check outcome into the performance metrics using a
// cumulative-average rule: success rate is successes/requests, latency is
// the running mean over successful samples. A string of failures degrades
// the rate within a bounded number of samples.
func (p *Proxy) recordUsage(success bool, latencyMs int64) {
	now := time.Now()
	p.Metrics.RequestCount++
	if !success {
		p.Metrics.FailureCount++
	}

	successCount := p.Metrics.RequestCount - p.Metrics.FailureCount
	p.Metrics.SuccessRate = float64(successCount) / float64(p.Metrics.RequestCount)

	if success && latencyMs > 0 {
		// Running mean over successful samples only
		p.Metrics.AvgLatencyMs += (float64(latencyMs) - p.Metrics.AvgLatencyMs) / float64(successCount)
	}

	p.Metrics.LastUsedAt = &now
	p.UpdatedAt = now
}

// hasActiveSession reports whether at least one session is active.
func (p *Proxy) hasActiveSession() bool {
	for _, s := range p.Sessions {
		if s.Status == SessionActive {
			return true
		}
	}
	return false
}

// eligible reports whether the proxy qualifies for selection: healthy or
// degraded, with at least one active session.
func (p *Proxy) eligible() bool {
	if p.Health.Status != HealthHealthy && p.Health.Status != HealthDegraded {
		return false
	}
	return p.hasActiveSession()
}

// clone returns a deep copy so callers never alias pool-owned slices.
func (p *Proxy) clone() *Proxy {
	cp := *p
	cp.Sessions = append([]Session(nil), p.Sessions...)
	cp.HealthHistory = append([]Health(nil), p.HealthHistory...)
	if p.Metrics.LastUsedAt != nil {
		t := *p.Metrics.LastUsedAt
		cp.Metrics.LastUsedAt = &t
	}
	return &cp
}

// Credentials is what the executor needs to route a check through a proxy.
type Credentials struct {
	ProxyID  string
	Host     string
	Port     int
	Username string
	Password string
}
