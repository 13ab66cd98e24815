package proxypool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyscan-io/storyscan/errors"
)

// newTesterAgainst wires a tester whose probes hit the given test server
// directly instead of an actual proxy.
func newTesterAgainst(t *testing.T, pool *Pool, srv *httptest.Server) *Tester {
	t.Helper()
	tester := NewTester(pool, srv.URL, time.Second, 600, nil)
	tester.newClient = func(host string, port int, username, password string, timeout time.Duration) (*http.Client, error) {
		return srv.Client(), nil
	}
	return tester
}

func TestTester_SuccessfulProbeMarksHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := NewPool(nil, nil)
	p, err := pool.Add("10.0.0.1", 8080, "", "")
	require.NoError(t, err)

	tester := newTesterAgainst(t, pool, srv)
	result, err := tester.Test(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)

	got, err := pool.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, got.Health.Status)
	assert.Equal(t, int64(1), got.Metrics.RequestCount)
	assert.Equal(t, int64(0), got.Metrics.FailureCount)
	// The initial unknown snapshot moved into history
	require.Len(t, got.HealthHistory, 1)
	assert.Equal(t, HealthUnknown, got.HealthHistory[0].Status)
}

func TestTester_FailedProbeMarksDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	pool := NewPool(nil, nil)
	p, err := pool.Add("10.0.0.1", 8080, "", "")
	require.NoError(t, err)

	tester := newTesterAgainst(t, pool, srv)
	result, err := tester.Test(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "HTTP 502")

	got, err := pool.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, got.Health.Status)
	assert.Equal(t, int64(1), got.Metrics.FailureCount)
}

func TestTester_UnknownProxy(t *testing.T) {
	pool := NewPool(nil, nil)
	tester := NewTester(pool, "http://example.com", time.Second, 60, nil)

	_, err := tester.Test(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}
