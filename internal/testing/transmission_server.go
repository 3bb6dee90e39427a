package testing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/oklog/ulid/v2"
)

const transmissionSessionHeader = "X-Transmission-Session-Id"

// TransmissionServer is a fake Transmission RPC server for testing. It serves the RPC
// endpoint at /transmission/rpc and enforces the session-id handshake.
type TransmissionServer struct {
	*httptest.Server
	*fakeClient

	authMu    sync.Mutex
	username  string
	password  string
	sessionID string
	conflicts int
}

// NewTransmissionServer creates a new fake Transmission server.
func NewTransmissionServer() *TransmissionServer {
	s := &TransmissionServer{
		fakeClient: newFakeClient(),
		sessionID:  ulid.Make().String(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /transmission/rpc", s.handleRPC)

	s.Server = httptest.NewServer(mux)
	return s
}

// RPCURL returns the URL of the RPC endpoint.
func (s *TransmissionServer) RPCURL() string {
	return s.URL + "/transmission/rpc"
}

// RequireAuth makes the server demand basic auth credentials.
func (s *TransmissionServer) RequireAuth(username, password string) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.username = username
	s.password = password
}

// RotateSession issues a new session id, so the next request gets a 409.
func (s *TransmissionServer) RotateSession() {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.sessionID = ulid.Make().String()
}

// Conflicts returns how many 409 handshakes were answered.
func (s *TransmissionServer) Conflicts() int {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	return s.conflicts
}

type trRPCRequest struct {
	Method    string `json:"method"`
	Arguments struct {
		Filename        string   `json:"filename"`
		IDs             []string `json:"ids"`
		DeleteLocalData bool     `json:"delete-local-data"`
	} `json:"arguments"`
}

type trAPIFile struct {
	Name           string `json:"name"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

type trAPITorrent struct {
	HashString         string      `json:"hashString"`
	Name               string      `json:"name"`
	Status             int         `json:"status"`
	PercentDone        float64     `json:"percentDone"`
	LeftUntilDone      int64       `json:"leftUntilDone"`
	TotalSize          int64       `json:"totalSize"`
	Error              int         `json:"error"`
	AddedDate          int64       `json:"addedDate"`
	ActivityDate       int64       `json:"activityDate"`
	SecondsDownloading int64       `json:"secondsDownloading"`
	Files              []trAPIFile `json:"files"`
	Wanted             []bool      `json:"wanted"`
}

func (s *TransmissionServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	s.authMu.Lock()
	username, password, sessionID := s.username, s.password, s.sessionID
	s.authMu.Unlock()

	if username != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != username || p != password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	if r.Header.Get(transmissionSessionHeader) != sessionID {
		s.authMu.Lock()
		s.conflicts++
		s.authMu.Unlock()
		w.Header().Set(transmissionSessionHeader, sessionID)
		w.WriteHeader(http.StatusConflict)
		return
	}

	var req trRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := "success"
	var args any
	switch req.Method {
	case "session-get":
		args = map[string]any{"version": "4.0.5"}
	case "torrent-add":
		if !s.addMagnet(req.Arguments.Filename) {
			result = "invalid or corrupt torrent file"
		}
	case "torrent-get":
		torrents := []trAPITorrent{}
		for _, t := range s.snapshot(req.Arguments.IDs...) {
			torrents = append(torrents, renderTransmission(t))
		}
		args = map[string]any{"torrents": torrents}
	case "torrent-remove":
		for _, h := range req.Arguments.IDs {
			s.remove(h, req.Arguments.DeleteLocalData)
		}
	default:
		result = "method name not recognized"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "arguments": args})
}

func renderTransmission(t FakeTorrent) trAPITorrent {
	out := trAPITorrent{
		HashString:         t.Hash,
		Name:               t.Name,
		PercentDone:        t.Progress,
		TotalSize:          t.Size,
		LeftUntilDone:      t.Size - int64(float64(t.Size)*t.Progress),
		SecondsDownloading: int64(t.ActiveFor.Seconds()),
		Files:              []trAPIFile{},
		Wanted:             []bool{},
	}

	switch t.State {
	case FakeDownloading:
		out.Status = 4
	case FakeCompleted:
		out.Status = 0
		out.PercentDone = 1
		out.LeftUntilDone = 0
	case FakePaused:
		out.Status = 0
	default:
		out.Status = 3
	}

	if !t.AddedOn.IsZero() {
		out.AddedDate = t.AddedOn.Unix()
	}
	if !t.LastActivity.IsZero() {
		out.ActivityDate = t.LastActivity.Unix()
	}
	for _, f := range t.Files {
		out.Files = append(out.Files, trAPIFile{
			Name:           f.Name,
			Length:         f.Size,
			BytesCompleted: int64(float64(f.Size) * out.PercentDone),
		})
		out.Wanted = append(out.Wanted, true)
	}
	return out
}
