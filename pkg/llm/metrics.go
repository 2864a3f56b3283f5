package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	cacheQueriesPattern = regexp.MustCompile(`^vllm:prefix_cache_queries_total(?:\{[^}]*\})?\s+([\d.eE+-]+)`)
	cacheHitsPattern    = regexp.MustCompile(`^vllm:prefix_cache_hits_total(?:\{[^}]*\})?\s+([\d.eE+-]+)`)
)

// CacheMetricsTracker reads prefix-cache counters from a vLLM-style
// Prometheus metrics endpoint and derives hit rates. An unreachable
// endpoint is not an error; rates are simply unavailable.
type CacheMetricsTracker struct {
	mu sync.Mutex

	metricsURL string
	httpClient *http.Client

	baselineQueries float64
	baselineHits    float64
	hasBaseline     bool
}

// NewCacheMetricsTracker creates a tracker for the given metrics URL.
func NewCacheMetricsTracker(metricsURL string) *CacheMetricsTracker {
	return &CacheMetricsTracker{
		metricsURL: metricsURL,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// Snapshot fetches the current cumulative hit and query counters.
func (t *CacheMetricsTracker) Snapshot() (hits, queries float64, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", t.metricsURL, nil)
	if err != nil {
		return 0, 0, err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, err
	}

	var haveQueries, haveHits bool
	for _, line := range strings.Split(string(body), "\n") {
		if m := cacheQueriesPattern.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				queries = v
				haveQueries = true
			}
		}
		if m := cacheHitsPattern.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				hits = v
				haveHits = true
			}
		}
	}

	if !haveQueries || !haveHits {
		return 0, 0, fmt.Errorf("prefix cache counters not found in metrics output")
	}
	return hits, queries, nil
}

// ResetBaseline records the current counters so the next call to
// IncrementalHitRate reports only traffic after this point.
func (t *CacheMetricsTracker) ResetBaseline() {
	hits, queries, err := t.Snapshot()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.hasBaseline = false
		return
	}
	t.baselineHits = hits
	t.baselineQueries = queries
	t.hasBaseline = true
}

// IncrementalHitRate returns the hit rate (percent) since the last
// baseline reset. The second return is false when no rate is available.
func (t *CacheMetricsTracker) IncrementalHitRate() (float64, bool) {
	hits, queries, err := t.Snapshot()
	if err != nil {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasBaseline {
		return 0, false
	}

	deltaQueries := queries - t.baselineQueries
	deltaHits := hits - t.baselineHits
	if deltaQueries <= 0 {
		return 0, false
	}
	return deltaHits / deltaQueries * 100, true
}

// CurrentHitRate returns the cumulative hit rate (percent) over the
// endpoint's lifetime.
func (t *CacheMetricsTracker) CurrentHitRate() (float64, bool) {
	hits, queries, err := t.Snapshot()
	if err != nil || queries <= 0 {
		return 0, false
	}
	return hits / queries * 100, true
}
