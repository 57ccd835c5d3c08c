package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/store"
)

func newTestSelector(t *testing.T, sources []store.MirrorSource, enabled bool) (*Selector, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "config.toml"), logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.SetMirrorSources(sources))
	require.NoError(t, st.SetMirrorsEnabled(enabled))
	return NewSelector(st, logging.NewNop()), st
}

func TestIndexURLDisabled(t *testing.T) {
	s, _ := newTestSelector(t, []store.MirrorSource{
		{Name: "pypi", URL: "https://pypi.org/simple", Priority: 100, Enabled: true},
	}, false)
	assert.Empty(t, s.IndexURL(), "disabled mirrors fall back to the tool default index")
}

func TestIndexURLLowestPriorityEnabledWins(t *testing.T) {
	s, _ := newTestSelector(t, []store.MirrorSource{
		{Name: "pypi", URL: "https://pypi.org/simple", Priority: 100, Enabled: true},
		{Name: "internal", URL: "https://mirror.corp/simple", Priority: 10, Enabled: true},
		{Name: "fastest-but-off", URL: "https://off.example/simple", Priority: 1, Enabled: false},
	}, true)
	assert.Equal(t, "https://mirror.corp/simple", s.IndexURL())
}

func TestProbeReportsReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := newTestSelector(t, []store.MirrorSource{
		{Name: "up", URL: srv.URL, Priority: 1, Enabled: true},
	}, true)

	results := s.Probe(context.Background())
	require.Len(t, results, 1)
	assert.True(t, results[0].Reachable)
	assert.False(t, results[0].Skipped)
}

func TestBreakerTripsAndCoolsDown(t *testing.T) {
	b := &breaker{}
	now := time.Now()

	for i := 0; i < tripThreshold; i++ {
		require.True(t, b.allow(now))
		b.record(false, now)
	}
	assert.True(t, b.tripped(now))
	assert.False(t, b.allow(now), "open breaker suppresses probes")

	// After the cooldown exactly one probe gets through
	later := now.Add(cooldown + time.Second)
	assert.True(t, b.allow(later))
	assert.False(t, b.allow(later), "half-open admits a single probe")

	// A success closes it again
	b.record(true, later)
	assert.True(t, b.allow(later))
}
