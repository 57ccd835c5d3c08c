package mirror

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/store"
)

// Health is the result of probing one mirror source
type Health struct {
	Name      string        `json:"name"`
	URL       string        `json:"url"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ms"`
	// Skipped means the mirror's breaker is open and no probe was sent
	Skipped bool `json:"skipped,omitempty"`
}

// Selector picks the package index plugins install from. Sources live in
// the store; the selector only reads them and probes reachability.
type Selector struct {
	store  *store.Store
	client *retryablehttp.Client
	logger *logging.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewSelector wires a selector with a short-retry probe client
func NewSelector(st *store.Store, logger *logging.Logger) *Selector {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &Selector{
		store:    st,
		client:   client,
		logger:   logger.Component("mirror"),
		breakers: make(map[string]*breaker),
	}
}

func (s *Selector) breakerFor(name string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = &breaker{}
		s.breakers[name] = b
	}
	return b
}

// IndexURL returns the index to pass to the installer, or empty when
// mirrors are disabled and the tool's default index should be used.
func (s *Selector) IndexURL() string {
	if !s.store.MirrorsEnabled() {
		return ""
	}
	sources := s.store.MirrorSources()
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority < sources[j].Priority
	})
	for _, src := range sources {
		if src.Enabled {
			return src.URL
		}
	}
	return ""
}

// Probe checks every configured source and reports reachability. Slow or
// flapping mirrors get a couple of retries before being declared down; a
// mirror that keeps failing is skipped entirely until its cooldown ends.
func (s *Selector) Probe(ctx context.Context) []Health {
	sources := s.store.MirrorSources()
	results := make([]Health, 0, len(sources))
	for _, src := range sources {
		h := Health{Name: src.Name, URL: src.URL}
		b := s.breakerFor(src.Name)
		now := time.Now()

		if !b.allow(now) {
			h.Skipped = true
			results = append(results, h)
			continue
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, src.URL, nil)
		if err != nil {
			b.record(false, now)
			results = append(results, h)
			continue
		}

		start := time.Now()
		resp, err := s.client.Do(req)
		h.Latency = time.Since(start)
		if err == nil {
			resp.Body.Close()
			h.Reachable = resp.StatusCode < http.StatusInternalServerError
		} else {
			s.logger.Warn("mirror unreachable",
				zap.String("mirror", src.Name), zap.Error(err))
		}
		b.record(h.Reachable, time.Now())
		results = append(results, h)
	}
	return results
}
