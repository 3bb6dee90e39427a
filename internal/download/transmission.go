package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/config"
)

const transmissionSessionHeader = "X-Transmission-Session-Id"

// Transmission torrent status codes.
const (
	trStopped     = 0
	trDownloading = 4
	trSeedWait    = 5
	trSeeding     = 6
)

//nolint:gochecknoglobals // requested torrent-get fields
var transmissionFields = []string{
	"hashString", "name", "status", "percentDone", "leftUntilDone", "totalSize",
	"error", "addedDate", "activityDate", "secondsDownloading",
}

// transmissionClient implements the Client interface for the Transmission RPC.
type transmissionClient struct {
	rpcURL     string
	username   string
	password   string
	httpClient *http.Client
	logger     zerolog.Logger

	mu        sync.Mutex
	sessionID string
}

type transmissionRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type transmissionResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

type transmissionTorrent struct {
	HashString         string  `json:"hashString"`
	Name               string  `json:"name"`
	Status             int     `json:"status"`
	PercentDone        float64 `json:"percentDone"`
	LeftUntilDone      int64   `json:"leftUntilDone"`
	TotalSize          int64   `json:"totalSize"`
	Error              int     `json:"error"`
	AddedDate          int64   `json:"addedDate"`
	ActivityDate       int64   `json:"activityDate"`
	SecondsDownloading int64   `json:"secondsDownloading"`
	Files              []struct {
		Name   string `json:"name"`
		Length int64  `json:"length"`
	} `json:"files"`
	Wanted []bool `json:"wanted"`
}

// setLogger implements configurable for shared options.
func (c *transmissionClient) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// NewTransmission creates a new Transmission client and returns it as Client.
// cfg.URL is the RPC endpoint, usually http://host:9091/transmission/rpc.
func NewTransmission(cfg config.DownloaderConfig, opts ...Option) Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = config.DefaultHTTPTimeout
	}

	c := &transmissionClient{
		rpcURL:     strings.TrimSuffix(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Type returns the type of client.
func (c *transmissionClient) Type() string {
	return config.DownloaderTransmission
}

// Connect performs the session handshake.
func (c *transmissionClient) Connect(ctx context.Context) error {
	if err := c.call(ctx, "session-get", nil, nil); err != nil {
		return fmt.Errorf("transmission connect failed: %w", err)
	}

	c.logger.Info().
		Str("url", c.rpcURL).
		Msg("connected to transmission")

	return nil
}

// call runs one RPC method, repeating the request once when the server hands out a
// new session id.
func (c *transmissionClient) call(ctx context.Context, method string, args, out any) error {
	payload, err := json.Marshal(transmissionRequest{Method: method, Arguments: args})
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		if c.username != "" || c.password != "" {
			req.SetBasicAuth(c.username, c.password)
		}
		c.mu.Lock()
		if c.sessionID != "" {
			req.Header.Set(transmissionSessionHeader, c.sessionID)
		}
		c.mu.Unlock()

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}

		if resp.StatusCode == http.StatusConflict {
			resp.Body.Close()
			c.mu.Lock()
			c.sessionID = resp.Header.Get(transmissionSessionHeader)
			c.mu.Unlock()
			c.logger.Debug().Msg("transmission session id refreshed")
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("transmission %s: status %d", method, resp.StatusCode)
		}

		var rpcResp transmissionResponse
		if err = json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return fmt.Errorf("decode transmission response: %w", err)
		}
		if rpcResp.Result != "success" {
			return fmt.Errorf("transmission %s: %s", method, rpcResp.Result)
		}
		if out != nil && len(rpcResp.Arguments) > 0 {
			if err = json.Unmarshal(rpcResp.Arguments, out); err != nil {
				return fmt.Errorf("decode transmission arguments: %w", err)
			}
		}
		return nil
	}

	return errors.New("transmission session handshake failed")
}

// Add adds a magnet URI.
func (c *transmissionClient) Add(ctx context.Context, magnet string) error {
	return c.call(ctx, "torrent-add", map[string]any{"filename": magnet}, nil)
}

// List returns all torrents.
func (c *transmissionClient) List(ctx context.Context) ([]Torrent, error) {
	var out struct {
		Torrents []transmissionTorrent `json:"torrents"`
	}
	if err := c.call(ctx, "torrent-get", map[string]any{"fields": transmissionFields}, &out); err != nil {
		return nil, err
	}

	torrents := make([]Torrent, 0, len(out.Torrents))
	for _, t := range out.Torrents {
		torrents = append(torrents, toTransmissionTorrent(t))
	}
	return torrents, nil
}

// Files returns the wanted files of a torrent.
func (c *transmissionClient) Files(ctx context.Context, hash string) ([]File, error) {
	var out struct {
		Torrents []transmissionTorrent `json:"torrents"`
	}
	args := map[string]any{
		"ids":    []string{hash},
		"fields": []string{"hashString", "files", "wanted"},
	}
	if err := c.call(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	if len(out.Torrents) == 0 {
		return nil, nil
	}

	t := out.Torrents[0]
	files := make([]File, 0, len(t.Files))
	for i, f := range t.Files {
		if i < len(t.Wanted) && !t.Wanted[i] {
			continue
		}
		files = append(files, File{Path: f.Name, Size: f.Length})
	}
	return files, nil
}

// Remove deletes a torrent.
func (c *transmissionClient) Remove(ctx context.Context, hash string, deleteData bool) error {
	return c.call(ctx, "torrent-remove", map[string]any{
		"ids":               []string{hash},
		"delete-local-data": deleteData,
	}, nil)
}

func toTransmissionTorrent(t transmissionTorrent) Torrent {
	finished := t.PercentDone >= 1 && t.LeftUntilDone == 0

	var state LiveState
	switch {
	case t.Error != 0:
		state = LiveError
	case finished && (t.Status == trStopped || t.Status == trSeedWait || t.Status == trSeeding):
		state = LiveCompleted
	case t.Status == trDownloading:
		state = LiveDownloading
	case t.Status == trStopped:
		state = LivePaused
	default:
		// check-wait, checking and download-wait
		state = LiveQueued
	}

	out := Torrent{
		Hash:      strings.ToLower(t.HashString),
		Name:      t.Name,
		State:     state,
		Progress:  t.PercentDone * 100,
		Size:      t.TotalSize,
		ActiveFor: time.Duration(t.SecondsDownloading) * time.Second,
	}
	if t.AddedDate > 0 {
		out.AddedOn = time.Unix(t.AddedDate, 0)
	}
	if t.ActivityDate > 0 {
		out.LastActivity = time.Unix(t.ActivityDate, 0)
	}
	return out
}
