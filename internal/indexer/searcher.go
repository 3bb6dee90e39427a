package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/magnet"
	"github.com/auto3t/auto3t/internal/matcher"
)

const (
	defaultFetchTimeout = 60 * time.Second
	maxTorrentSize      = 10 << 20 // 10 MiB
	bytesPerMiB         = 1 << 20
)

// Query describes one search: the targets it is for and the constraints a result must
// satisfy.
type Query struct {
	Kind    catalog.Kind
	Members []catalog.Target
	Include []string
	Exclude []string
	// IgnoredHashes holds info-hashes already rejected for these targets.
	IgnoredHashes map[string]bool
	// MinSize and MaxSize bound the release size in bytes. Zero disables a bound.
	MinSize int64
	MaxSize int64
}

// Text returns the free-text query sent to the index.
func (q Query) Text() string {
	if len(q.Members) == 0 {
		return ""
	}
	parts := append([]string{catalog.SearchString(q.Kind, q.Members[0])}, q.Include...)
	return strings.Join(parts, " ")
}

// Candidate is a result resolved to a magnet link.
type Candidate struct {
	Magnet   string
	InfoHash string
	Result   Result
}

// TrackerSource provides the fallback trackers for torrents without an announce-list.
type TrackerSource interface {
	Trackers(ctx context.Context) ([]string, error)
}

// SizeWindow returns the size bounds in bytes of a release with the given runtime in
// minutes, expected bitrate in kbps and tolerance in percent. It returns zeros when
// runtime or bitrate is unknown.
func SizeWindow(runtime, kbps, tolerancePercent int) (int64, int64) {
	if runtime <= 0 || kbps <= 0 {
		return 0, 0
	}
	mib := float64(runtime) * 60 * float64(kbps) / 8 / 1024
	delta := mib * float64(tolerancePercent) / 100
	return int64((mib - delta) * bytesPerMiB), int64((mib + delta) * bytesPerMiB)
}

// Searcher queries every configured index, ranks the combined results and resolves the
// best one to a magnet link.
type Searcher struct {
	indexers   []Indexer
	matcher    *matcher.Matcher
	trackers   TrackerSource
	httpClient *http.Client
	minSeeders int
	minGain    float64
	logger     zerolog.Logger
}

// SearcherOption is a functional option for configuring the Searcher.
type SearcherOption func(*Searcher)

// WithSearcherLogger sets the logger.
func WithSearcherLogger(logger zerolog.Logger) SearcherOption {
	return func(s *Searcher) {
		s.logger = logger
	}
}

// WithTrackers sets the fallback tracker source.
func WithTrackers(src TrackerSource) SearcherOption {
	return func(s *Searcher) {
		s.trackers = src
	}
}

// WithThresholds sets the minimum seeders and gain a result must exceed.
func WithThresholds(minSeeders int, minGain float64) SearcherOption {
	return func(s *Searcher) {
		s.minSeeders = minSeeders
		s.minGain = minGain
	}
}

// WithFetchClient overrides the HTTP client used to fetch torrent files. Redirects are
// never followed regardless of the client's policy.
func WithFetchClient(c *http.Client) SearcherOption {
	return func(s *Searcher) {
		clone := *c
		s.httpClient = &clone
	}
}

// NewSearcher creates a Searcher over the given indexes.
func NewSearcher(indexers []Indexer, m *matcher.Matcher, opts ...SearcherOption) *Searcher {
	s := &Searcher{
		indexers:   indexers,
		matcher:    m,
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		minSeeders: 2,
		minGain:    1,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return s
}

// Search returns the best resolvable candidate for q, or ErrNotFound. Errors of the index
// requests are returned only when no index produced results.
func (s *Searcher) Search(ctx context.Context, q Query) (*Candidate, error) {
	if len(q.Members) == 0 {
		return nil, errors.New("search query has no targets")
	}
	text := q.Text()

	var (
		results []Result
		errs    []error
	)
	for _, ix := range s.indexers {
		rs, err := ix.Search(ctx, text, q.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("indexer %s: %w", ix.Name(), err))
			continue
		}
		results = append(results, rs...)
	}
	if len(results) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		s.logger.Warn().Err(err).Str("query", text).Msg("index search failed")
	}

	ranked := s.Rank(q, results)
	s.logger.Debug().
		Str("query", text).
		Int("results", len(results)).
		Int("qualified", len(ranked)).
		Msg("ranked search results")

	for _, r := range ranked {
		c, err := s.resolve(ctx, r)
		if err != nil {
			s.logger.Debug().Err(err).Str("title", r.Title).Msg("candidate rejected")
			continue
		}
		if q.IgnoredHashes[c.InfoHash] {
			s.logger.Debug().Str("title", r.Title).Str("hash", c.InfoHash).Msg("candidate previously ignored")
			continue
		}

		s.logger.Info().
			Str("title", r.Title).
			Int("seeders", r.Seeders).
			Str("size", humanize.IBytes(uint64(max(r.Size, 0)))).
			Str("hash", c.InfoHash).
			Msg("selected candidate")
		return c, nil
	}

	return nil, fmt.Errorf("%w for %q", ErrNotFound, text)
}

// Rank computes the gain of every result, drops those that fail the filters and sorts
// the rest by gain then seeders, both descending.
func (s *Searcher) Rank(q Query, results []Result) []Result {
	ranked := make([]Result, 0, len(results))
	for _, r := range results {
		r.Gain = float64(r.Seeders) * r.SizeGiB()
		if s.qualifies(q, r) {
			ranked = append(ranked, r)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Gain != ranked[j].Gain {
			return ranked[i].Gain > ranked[j].Gain
		}
		return ranked[i].Seeders > ranked[j].Seeders
	})
	return ranked
}

func (s *Searcher) qualifies(q Query, r Result) bool {
	if r.Seeders <= s.minSeeders || r.Gain <= s.minGain {
		return false
	}
	if r.MagnetURI == "" && r.Link == "" {
		return false
	}
	if q.MinSize > 0 && r.Size < q.MinSize {
		return false
	}
	if q.MaxSize > 0 && r.Size > q.MaxSize {
		return false
	}

	title := strings.ToLower(r.Title)
	for _, word := range q.Exclude {
		if word != "" && strings.Contains(title, strings.ToLower(word)) {
			return false
		}
	}

	return s.matcher.ValidTitle(q.Kind, q.Members, r.Title)
}

func (s *Searcher) resolve(ctx context.Context, r Result) (*Candidate, error) {
	link := r.Link
	if strings.HasPrefix(r.MagnetURI, "magnet:") {
		return candidate(r, r.MagnetURI)
	}
	if link == "" {
		// Some indexes proxy the magnet through an HTTP redirect.
		link = r.MagnetURI
	}

	uri, err := s.fetchMagnet(ctx, link)
	if err != nil {
		return nil, err
	}
	return candidate(r, uri)
}

func candidate(r Result, uri string) (*Candidate, error) {
	hash, err := magnet.InfoHash(uri)
	if err != nil {
		return nil, err
	}
	return &Candidate{Magnet: uri, InfoHash: hash, Result: r}, nil
}

// fetchMagnet fetches a torrent link without following redirects. A torrent payload is
// converted to a magnet; a redirect to a magnet is used as is.
func (s *Searcher) fetchMagnet(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch torrent: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentSize))
		if err != nil {
			return "", fmt.Errorf("read torrent: %w", err)
		}
		if !isTorrent(resp.Header.Get("Content-Type"), data) {
			return "", fmt.Errorf("fetch torrent: unexpected content type %q", resp.Header.Get("Content-Type"))
		}
		return s.magnetFromTorrent(ctx, data)

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		location := resp.Header.Get("Location")
		if strings.HasPrefix(location, "magnet:?") {
			return location, nil
		}
		return "", fmt.Errorf("fetch torrent: redirect to non-magnet location %q", location)

	default:
		return "", fmt.Errorf("fetch torrent: unexpected status %d", resp.StatusCode)
	}
}

func (s *Searcher) magnetFromTorrent(ctx context.Context, data []byte) (string, error) {
	t, err := magnet.Decode(data)
	if err != nil {
		return "", err
	}

	if len(t.Trackers) == 0 && s.trackers != nil {
		fallback, err := s.trackers.Trackers(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("name", t.Name).Msg("no fallback trackers available")
		}
		t.Trackers = fallback
	}
	return t.Magnet(), nil
}

func isTorrent(contentType string, data []byte) bool {
	if strings.HasPrefix(contentType, "application/x-bittorrent") {
		return true
	}
	// Some indexes serve torrents as octet-stream; a bencoded dictionary starts with 'd'.
	return bytes.HasPrefix(data, []byte("d"))
}
