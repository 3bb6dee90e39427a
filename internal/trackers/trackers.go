// Package trackers provides the fallback public tracker list used for torrents that
// carry no announce-list.
package trackers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultCacheTTL     = 24 * time.Hour
	maxResponseSize     = 1 << 20 // 1 MiB
)

// ErrNoURL is returned when no fallback list URL is configured.
var ErrNoURL = errors.New("no tracker list url configured")

// Provider fetches and caches a tracker list. Concurrent callers share one fetch.
type Provider struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	cached    []string
	fetchedAt time.Time
}

// Option is a functional option for configuring the provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithTTL sets how long a fetched list is reused.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// NewProvider creates a provider for the list at url.
func NewProvider(url string, opts ...Option) *Provider {
	p := &Provider{
		url:        url,
		ttl:        defaultCacheTTL,
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Trackers returns the fallback tracker list. A stale cached list is returned when a
// refresh fails.
func (p *Provider) Trackers(ctx context.Context) ([]string, error) {
	if p.url == "" {
		return nil, ErrNoURL
	}

	p.mu.RLock()
	cached, fetchedAt := p.cached, p.fetchedAt
	p.mu.RUnlock()

	if cached != nil && p.now().Sub(fetchedAt) < p.ttl {
		return cached, nil
	}

	v, err, _ := p.group.Do(p.url, func() (any, error) {
		return p.fetch(ctx)
	})
	if err != nil {
		if cached != nil {
			p.logger.Warn().Err(err).Msg("tracker list refresh failed, using cached list")
			return cached, nil
		}
		return nil, err
	}

	trackers, _ := v.([]string)
	p.mu.Lock()
	p.cached = trackers
	p.fetchedAt = p.now()
	p.mu.Unlock()

	p.logger.Debug().Int("count", len(trackers)).Str("url", p.url).Msg("refreshed fallback tracker list")
	return trackers, nil
}

func (p *Provider) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tracker list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch tracker list: unexpected status code %d", resp.StatusCode)
	}

	return Parse(io.LimitReader(resp.Body, maxResponseSize))
}

// Parse reads a whitespace separated tracker list. Comments and entries without a
// known tracker scheme are skipped.
func Parse(r io.Reader) ([]string, error) {
	trackers := []string{}
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if !hasTrackerScheme(field) || seen[field] {
				continue
			}
			seen[field] = true
			trackers = append(trackers, field)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tracker list: %w", err)
	}
	return trackers, nil
}

func hasTrackerScheme(s string) bool {
	for _, scheme := range []string{"http://", "https://", "udp://", "wss://"} {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}
