package testing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// FakeRelease represents a search result served by the mock index server.
type FakeRelease struct {
	Title     string
	Seeders   int
	Size      int64
	MagnetURI string // empty to serve only a link
	Link      string // absolute, or relative to the server (e.g. "/torrents/x")
	Indexer   string
}

// IndexerQuery records a search request received by the mock index server.
type IndexerQuery struct {
	API      string // "jackett" or "prowlarr"
	Query    string
	Category string
	APIKey   string
}

// IndexerServer is a mock search index serving both the Jackett and the Prowlarr API.
// It also serves torrent files under /torrents/{name} and magnet redirects under
// /redirect/{name}.
type IndexerServer struct {
	*httptest.Server

	mu          sync.RWMutex
	releases    []FakeRelease
	torrents    map[string][]byte
	redirects   map[string]string
	rateLimited int
	queries     []IndexerQuery
}

// NewIndexerServer creates a new mock index server.
func NewIndexerServer() *IndexerServer {
	s := &IndexerServer{
		torrents:  make(map[string][]byte),
		redirects: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2.0/indexers/all/results", s.handleJackett)
	mux.HandleFunc("GET /api/v1/search", s.handleProwlarr)
	mux.HandleFunc("GET /torrents/{name}", s.handleTorrent)
	mux.HandleFunc("GET /redirect/{name}", s.handleRedirect)

	s.Server = httptest.NewServer(mux)
	return s
}

// SetReleases replaces the search results returned for every query.
func (s *IndexerServer) SetReleases(releases ...FakeRelease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releases = releases
}

// AddTorrentFile serves data as a torrent file at /torrents/{name} and returns its URL.
func (s *IndexerServer) AddTorrentFile(name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.torrents[name] = data
	return s.URL + "/torrents/" + name
}

// AddMagnetRedirect serves a redirect to uri at /redirect/{name} and returns its URL.
func (s *IndexerServer) AddMagnetRedirect(name, uri string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.redirects[name] = uri
	return s.URL + "/redirect/" + name
}

// RateLimit makes the next n search requests answer 429.
func (s *IndexerServer) RateLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rateLimited = n
}

// Queries returns the search requests received so far.
func (s *IndexerServer) Queries() []IndexerQuery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]IndexerQuery(nil), s.queries...)
}

// record stores the query and reports whether the request should be rate limited.
func (s *IndexerServer) record(q IndexerQuery) ([]FakeRelease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, q)
	if s.rateLimited > 0 {
		s.rateLimited--
		return nil, true
	}
	return append([]FakeRelease(nil), s.releases...), false
}

// handleJackett handles GET /api/v2.0/indexers/all/results.
func (s *IndexerServer) handleJackett(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	releases, limited := s.record(IndexerQuery{
		API:      "jackett",
		Query:    q.Get("Query"),
		Category: q.Get("Category[]"),
		APIKey:   q.Get("apikey"),
	})
	if limited {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	type result struct {
		Title     string `json:"Title"`
		Seeders   int    `json:"Seeders"`
		Size      int64  `json:"Size"`
		MagnetURI string `json:"MagnetUri,omitempty"`
		Link      string `json:"Link,omitempty"`
		Tracker   string `json:"Tracker"`
	}

	resp := struct {
		Results []result `json:"Results"`
	}{Results: []result{}}
	for _, rel := range releases {
		resp.Results = append(resp.Results, result{
			Title:     rel.Title,
			Seeders:   rel.Seeders,
			Size:      rel.Size,
			MagnetURI: rel.MagnetURI,
			Link:      s.absolute(rel.Link),
			Tracker:   rel.Indexer,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleProwlarr handles GET /api/v1/search.
func (s *IndexerServer) handleProwlarr(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	releases, limited := s.record(IndexerQuery{
		API:      "prowlarr",
		Query:    q.Get("query"),
		Category: q.Get("categories"),
		APIKey:   r.Header.Get("X-Api-Key"),
	})
	if limited {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	type result struct {
		Title       string `json:"title"`
		Seeders     int    `json:"seeders"`
		Size        int64  `json:"size"`
		MagnetURL   string `json:"magnetUrl,omitempty"`
		DownloadURL string `json:"downloadUrl,omitempty"`
		Indexer     string `json:"indexer"`
	}

	resp := []result{}
	for _, rel := range releases {
		resp = append(resp, result{
			Title:       rel.Title,
			Seeders:     rel.Seeders,
			Size:        rel.Size,
			MagnetURL:   rel.MagnetURI,
			DownloadURL: s.absolute(rel.Link),
			Indexer:     rel.Indexer,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleTorrent handles GET /torrents/{name}.
func (s *IndexerServer) handleTorrent(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	data, ok := s.torrents[r.PathValue("name")]
	s.mu.RUnlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-bittorrent")
	_, _ = w.Write(data)
}

// handleRedirect handles GET /redirect/{name}.
func (s *IndexerServer) handleRedirect(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	uri, ok := s.redirects[r.PathValue("name")]
	s.mu.RUnlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Location", uri)
	w.WriteHeader(http.StatusFound)
}

func (s *IndexerServer) absolute(link string) string {
	if link != "" && link[0] == '/' {
		return s.URL + link
	}
	return link
}
