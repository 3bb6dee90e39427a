// Package indexer queries search indexes for releases and resolves the best one to a
// magnet link.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/config"
)

// ErrNotFound is returned when no result qualifies for a query.
var ErrNotFound = errors.New("no candidate found")

// errRateLimited marks a response the index asked us to retry later.
var errRateLimited = errors.New("rate limited")

const bytesPerGiB = 1 << 30

// Result is a single release returned by an index.
type Result struct {
	Title     string
	Seeders   int
	Size      int64
	MagnetURI string
	Link      string
	Indexer   string
	Gain      float64
}

// SizeGiB returns the release size in GiB.
func (r Result) SizeGiB() float64 {
	return float64(r.Size) / bytesPerGiB
}

// Indexer is the interface that search index backends must implement.
type Indexer interface {
	// Name returns the configured name of this indexer instance.
	Name() string

	// Search runs a free-text query in the category matching kind.
	Search(ctx context.Context, text string, kind catalog.Kind) ([]Result, error)
}

type options struct {
	logger      zerolog.Logger
	retryDelays []time.Duration
	httpClient  *http.Client
}

// Option is a functional option for configuring index backends.
type Option func(*options)

// WithLogger sets the logger for any backend.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRetryDelays sets the wait before each retry of a rate-limited request. The number
// of delays is the number of retries.
func WithRetryDelays(delays []time.Duration) Option {
	return func(o *options) {
		o.retryDelays = delays
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// New creates the backend named by cfg.Type.
func New(name string, cfg config.IndexerConfig, opts ...Option) (Indexer, error) {
	o := options{
		logger:      zerolog.Nop(),
		retryDelays: []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second},
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := requester{
		httpClient: o.httpClient,
		delays:     o.retryDelays,
		logger:     o.logger.With().Str("indexer", name).Logger(),
	}
	base := strings.TrimSuffix(cfg.URL, "/")

	switch cfg.Type {
	case config.IndexerJackett:
		return &jackett{name: name, baseURL: base, apiKey: cfg.APIKey, categories: categories(cfg), requester: r}, nil
	case config.IndexerProwlarr:
		return &prowlarr{name: name, baseURL: base, apiKey: cfg.APIKey, categories: categories(cfg), requester: r}, nil
	default:
		return nil, fmt.Errorf("unknown indexer type %q", cfg.Type)
	}
}

type categoryMap struct {
	tv    int
	movie int
}

func categories(cfg config.IndexerConfig) categoryMap {
	c := categoryMap{tv: cfg.TVCategory, movie: cfg.MovieCategory}
	if c.tv == 0 {
		c.tv = config.DefaultTVCategory
	}
	if c.movie == 0 {
		c.movie = config.DefaultMovieCategory
	}
	return c
}

func (c categoryMap) forKind(kind catalog.Kind) int {
	if kind == catalog.KindMovie {
		return c.movie
	}
	return c.tv
}
