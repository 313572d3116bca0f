package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/nixsync/pkg/metrics"
)

func TestMountServesMetricsAndHealthz(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.PushPathsSent.Inc()
	m.PullBytesTotal.Add(42)

	router := chi.NewRouter()
	m.Mount(router)

	ts := httptest.NewServer(router)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "nixsync_push_paths_sent_total 1"))
	assert.True(t, strings.Contains(string(body), "nixsync_pull_bytes_total 42"))
}

func TestIsolatedRegistries(t *testing.T) {
	t.Parallel()

	// Two Metrics must not share collectors; a second New would panic on a
	// global registry.
	m1 := metrics.New()
	m2 := metrics.New()

	m1.PresenceHits.Inc()

	assert.NotSame(t, m1.Registry, m2.Registry)
}
