package testing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

const qbittorrentCookie = "SID"

// QBittorrentServer is a fake qBittorrent Web API v2 server for testing.
type QBittorrentServer struct {
	*httptest.Server
	*fakeClient

	authMu   sync.Mutex
	username string
	password string
	sessions map[string]bool
	logins   int
}

// NewQBittorrentServer creates a new fake qBittorrent server. Without RequireLogin
// every request is accepted.
func NewQBittorrentServer() *QBittorrentServer {
	s := &QBittorrentServer{
		fakeClient: newFakeClient(),
		sessions:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/v2/app/version", s.authorized(s.handleVersion))
	mux.HandleFunc("POST /api/v2/torrents/add", s.authorized(s.handleAdd))
	mux.HandleFunc("GET /api/v2/torrents/info", s.authorized(s.handleTorrentsInfo))
	mux.HandleFunc("GET /api/v2/torrents/files", s.authorized(s.handleTorrentsFiles))
	mux.HandleFunc("POST /api/v2/torrents/delete", s.authorized(s.handleDelete))

	s.Server = httptest.NewServer(mux)
	return s
}

// RequireLogin makes every API call require a session from the given credentials.
func (s *QBittorrentServer) RequireLogin(username, password string) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.username = username
	s.password = password
}

// ExpireSessions invalidates every issued session cookie.
func (s *QBittorrentServer) ExpireSessions() {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.sessions = make(map[string]bool)
}

// Logins returns the number of successful logins.
func (s *QBittorrentServer) Logins() int {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	return s.logins
}

func (s *QBittorrentServer) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.authMu.Lock()
		required := s.username != ""
		var ok bool
		if cookie, err := r.Cookie(qbittorrentCookie); err == nil {
			ok = s.sessions[cookie.Value]
		}
		s.authMu.Unlock()

		if required && !ok {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// handleLogin handles POST /api/v2/auth/login.
func (s *QBittorrentServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if s.username != "" && (r.FormValue("username") != s.username || r.FormValue("password") != s.password) {
		_, _ = w.Write([]byte("Fails."))
		return
	}

	sid := ulid.Make().String()
	s.sessions[sid] = true
	s.logins++
	http.SetCookie(w, &http.Cookie{Name: qbittorrentCookie, Value: sid, Path: "/"})
	_, _ = w.Write([]byte("Ok."))
}

// handleVersion handles GET /api/v2/app/version.
func (s *QBittorrentServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("v4.6.0"))
}

// handleAdd handles POST /api/v2/torrents/add with magnet URIs in the urls field.
func (s *QBittorrentServer) handleAdd(w http.ResponseWriter, r *http.Request) {
	ok := true
	for uri := range strings.SplitSeq(r.FormValue("urls"), "\n") {
		if uri = strings.TrimSpace(uri); uri != "" {
			ok = s.addMagnet(uri) && ok
		}
	}
	if !ok {
		_, _ = w.Write([]byte("Fails."))
		return
	}
	_, _ = w.Write([]byte("Ok."))
}

// handleDelete handles POST /api/v2/torrents/delete.
func (s *QBittorrentServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	deleteFiles := r.FormValue("deleteFiles") == "true"
	for h := range strings.SplitSeq(r.FormValue("hashes"), "|") {
		if h != "" {
			s.remove(h, deleteFiles)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// qbAPITorrent matches the qBittorrent API response format.
type qbAPITorrent struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Size         int64   `json:"size"`
	Progress     float64 `json:"progress"`
	AddedOn      int64   `json:"added_on"`
	LastActivity int64   `json:"last_activity"`
	TimeActive   int64   `json:"time_active"`
}

func qbittorrentState(t FakeTorrent) string {
	switch t.State {
	case FakeDownloading:
		return "downloading"
	case FakeCompleted:
		return "stalledUP"
	case FakePaused:
		return "pausedDL"
	default:
		if len(t.Files) == 0 {
			return "metaDL"
		}
		return "queuedDL"
	}
}

// handleTorrentsInfo handles GET /api/v2/torrents/info.
func (s *QBittorrentServer) handleTorrentsInfo(w http.ResponseWriter, r *http.Request) {
	var hashes []string
	if h := r.URL.Query().Get("hashes"); h != "" {
		hashes = strings.Split(h, "|")
	}

	result := []qbAPITorrent{}
	for _, t := range s.snapshot(hashes...) {
		item := qbAPITorrent{
			Hash:       t.Hash,
			Name:       t.Name,
			State:      qbittorrentState(t),
			Size:       t.Size,
			Progress:   t.Progress,
			TimeActive: int64(t.ActiveFor.Seconds()),
		}
		if !t.AddedOn.IsZero() {
			item.AddedOn = t.AddedOn.Unix()
		}
		if !t.LastActivity.IsZero() {
			item.LastActivity = t.LastActivity.Unix()
		}
		result = append(result, item)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// qbAPIFile matches the qBittorrent API response format for files.
type qbAPIFile struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

// handleTorrentsFiles handles GET /api/v2/torrents/files.
func (s *QBittorrentServer) handleTorrentsFiles(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		http.Error(w, "hash required", http.StatusBadRequest)
		return
	}

	result := []qbAPIFile{}
	// Unknown hashes return an empty array, like qBittorrent does.
	if t, ok := s.Torrent(hash); ok {
		for i, f := range t.Files {
			result = append(result, qbAPIFile{
				Index:    i,
				Name:     f.Name,
				Size:     f.Size,
				Progress: t.Progress,
				Priority: 1,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
