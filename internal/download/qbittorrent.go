package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/config"
)

// errForbidden is returned when the qBittorrent session cookie is missing or expired.
var errForbidden = errors.New("qbittorrent: forbidden")

// qbittorrentClient implements the Client interface for qBittorrent.
// It is private and only exposed via the Client interface.
type qbittorrentClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// qbittorrentAPITorrent represents a torrent from the qBittorrent API.
type qbittorrentAPITorrent struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Size         int64   `json:"size"`
	Progress     float64 `json:"progress"`
	AddedOn      int64   `json:"added_on"`
	LastActivity int64   `json:"last_activity"`
	TimeActive   int64   `json:"time_active"`
}

// qbittorrentAPIFile represents a file from the qBittorrent API.
type qbittorrentAPIFile struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

// setLogger implements configurable for shared options.
func (c *qbittorrentClient) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// NewQBittorrent creates a new qBittorrent client and returns it as Client.
func NewQBittorrent(cfg config.DownloaderConfig, opts ...Option) Client {
	jar, _ := cookiejar.New(nil)

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = config.DefaultHTTPTimeout
	}

	c := &qbittorrentClient{
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Type returns the type of client.
func (c *qbittorrentClient) Type() string {
	return config.DownloaderQBittorrent
}

// Connect establishes a session with the qBittorrent API.
func (c *qbittorrentClient) Connect(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return fmt.Errorf("qbittorrent login failed: %w", err)
	}

	c.logger.Info().
		Str("url", c.baseURL).
		Msg("connected to qbittorrent")

	return nil
}

func (c *qbittorrentClient) login(ctx context.Context) error {
	// qBittorrent may be configured without auth
	if c.username == "" && c.password == "" {
		c.logger.Debug().Msg("no credentials provided, skipping authentication")

		resp, err := c.send(ctx, http.MethodGet, "/api/v2/app/version", nil)
		if err != nil {
			return err
		}
		resp.Body.Close()

		return nil
	}

	data := url.Values{
		"username": {c.username},
		"password": {c.password},
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		c.baseURL+"/api/v2/auth/login",
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "Ok." {
		return fmt.Errorf("login failed: %s", string(body))
	}

	return nil
}

// send performs one request. GET requests carry form as query, POST requests as body.
func (c *qbittorrentClient) send(
	ctx context.Context,
	method, path string,
	form url.Values,
) (*http.Response, error) {
	target := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet && len(form) > 0 {
		target += "?" + form.Encode()
	} else if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusForbidden:
		resp.Body.Close()
		return nil, errForbidden
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("qbittorrent %s %s: status %d", method, path, resp.StatusCode)
	}
}

// do sends a request, logging in again once when the session has expired.
func (c *qbittorrentClient) do(
	ctx context.Context,
	method, path string,
	form url.Values,
) (*http.Response, error) {
	resp, err := c.send(ctx, method, path, form)
	if !errors.Is(err, errForbidden) {
		return resp, err
	}

	c.logger.Debug().Msg("qbittorrent session expired, logging in")
	if err = c.login(ctx); err != nil {
		return nil, fmt.Errorf("qbittorrent login failed: %w", err)
	}
	return c.send(ctx, method, path, form)
}

// Add adds a magnet URI.
func (c *qbittorrentClient) Add(ctx context.Context, magnet string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v2/torrents/add", url.Values{"urls": {magnet}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) == "Fails." {
		return errors.New("qbittorrent rejected torrent")
	}
	return nil
}

// List returns all torrents.
func (c *qbittorrentClient) List(ctx context.Context) ([]Torrent, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v2/torrents/info", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var torrents []qbittorrentAPITorrent
	if err = json.NewDecoder(resp.Body).Decode(&torrents); err != nil {
		return nil, fmt.Errorf("decode torrents: %w", err)
	}

	out := make([]Torrent, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, c.toTorrent(t))
	}
	return out, nil
}

// Files returns the files of a torrent.
func (c *qbittorrentClient) Files(ctx context.Context, hash string) ([]File, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v2/torrents/files", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var files []qbittorrentAPIFile
	if err = json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}

	result := make([]File, 0, len(files))
	for _, f := range files {
		// Priority 0 means the file is skipped
		if f.Priority == 0 {
			continue
		}
		result = append(result, File{Path: f.Name, Size: f.Size})
	}
	return result, nil
}

// Remove deletes a torrent.
func (c *qbittorrentClient) Remove(ctx context.Context, hash string, deleteData bool) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v2/torrents/delete", url.Values{
		"hashes":      {hash},
		"deleteFiles": {fmt.Sprintf("%t", deleteData)},
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *qbittorrentClient) toTorrent(t qbittorrentAPITorrent) Torrent {
	state := LiveDownloading

	switch t.State {
	case "queuedDL", "metaDL", "forcedMetaDL", "checkingDL", "allocating", "checkingResumeData", "moving":
		state = LiveQueued
	case "uploading", "stalledUP", "queuedUP", "forcedUP", "checkingUP", "pausedUP", "stoppedUP":
		state = LiveCompleted
	case "pausedDL", "stoppedDL":
		// qBittorrent v4.5+ renamed "paused" to "stopped"
		state = LivePaused
	case "error", "missingFiles":
		state = LiveError
	}

	// If progress is 1.0, it's complete regardless of state string
	if t.Progress >= 1.0 && state != LiveError {
		state = LiveCompleted
	}

	out := Torrent{
		Hash:      strings.ToLower(t.Hash),
		Name:      t.Name,
		State:     state,
		Progress:  t.Progress * 100,
		Size:      t.Size,
		ActiveFor: time.Duration(t.TimeActive) * time.Second,
	}
	if t.AddedOn > 0 {
		out.AddedOn = time.Unix(t.AddedOn, 0)
	}
	if t.LastActivity > 0 {
		out.LastActivity = time.Unix(t.LastActivity, 0)
	}
	return out
}
