package subsystem

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"
)

// ResolverRetryDelays is the fixed bounded retry schedule for external
// rule-file downloads, spec.md §4.5.5.
var ResolverRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second}

// ErrResolverSkipped is returned by ReconcileResolver when the proxy is
// enabled but not yet healthy, matching "the handler is skipped for this
// pass... and retried by the periodic loop" — not an error, a deferral.
var ErrResolverSkipped = fmt.Errorf("resolver: proxy not yet healthy, deferring to next pass")

// RuleFetcher downloads a single external rule file, routed through the
// proxy's HTTP port when the proxy is enabled, direct otherwise. The
// limiter bounds concurrent/burst fetches across all rule files in a
// single pass.
type RuleFetcher struct {
	Client     *http.Client
	ProxyHTTP  string // host:port of the proxy's HTTP listener, empty if disabled
	Limiter    *rate.Limiter
}

// NewRuleFetcher constructs a fetcher with a sane default limiter (burst 4,
// refill 2/sec) when limiter is nil.
func NewRuleFetcher(client *http.Client, proxyHTTP string, limiter *rate.Limiter) *RuleFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(2), 4)
	}
	return &RuleFetcher{Client: client, ProxyHTTP: proxyHTTP, Limiter: limiter}
}

// Fetch retries at ResolverRetryDelays until the download succeeds or the
// schedule is exhausted.
func (f *RuleFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	attempts := append([]time.Duration{0}, ResolverRetryDelays...)
	for i, delay := range attempts {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := f.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		_ = i
	}
	return nil, fmt.Errorf("resolver: fetching %s after %d attempts: %w", url, len(attempts), lastErr)
}

func (f *RuleFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if f.ProxyHTTP != "" {
		proxyURL, err := neturl.Parse("http://" + f.ProxyHTTP)
		if err != nil {
			return nil, err
		}
		transport := f.Client.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		base, ok := transport.(*http.Transport)
		if !ok {
			base = &http.Transport{}
		}
		routed := base.Clone()
		routed.Proxy = http.ProxyURL(proxyURL)
		client = &http.Client{Transport: routed, Timeout: f.Client.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("decompressing gzip response: %w", err)
		}
		defer gz.Close()
		body = gz
	}
	return io.ReadAll(body)
}

// ResolverDeps carries the proxy state ReconcileResolver gates on: whether
// the proxy is enabled and whether it was last observed healthy. The
// materializer, supervisor and forwarder updater are passed separately.
type ResolverDeps struct {
	ProxyEnabled bool
	ProxyHealthy bool
}

// ReconcileResolver implements spec.md §4.5.5's dependency-on-proxy-health
// gate. materialize writes the resolver config; downloadRules fetches and
// writes the external rule-text files (already wired to the right
// transport by the caller via RuleFetcher); updateForwarder pushes the new
// upstream list.
func ReconcileResolver(
	ctx context.Context,
	deps ResolverDeps,
	sup unitSupervisor,
	unitName string,
	materialize func() error,
	downloadRules func(ctx context.Context) error,
	writeRefreshTimestamp func() error,
	updateForwarderUpstreams func() error,
) error {
	if deps.ProxyEnabled && !deps.ProxyHealthy {
		return ErrResolverSkipped
	}
	if err := materialize(); err != nil {
		return fmt.Errorf("resolver: materializing config: %w", err)
	}
	if err := downloadRules(ctx); err != nil {
		return fmt.Errorf("resolver: downloading rule files: %w", err)
	}
	if err := writeRefreshTimestamp(); err != nil {
		return fmt.Errorf("resolver: writing refresh timestamp: %w", err)
	}
	if err := sup.Restart(ctx, unitName); err != nil {
		return fmt.Errorf("resolver: restarting: %w", err)
	}
	if err := updateForwarderUpstreams(); err != nil {
		return fmt.Errorf("resolver: updating forwarder upstreams: %w", err)
	}
	return nil
}
