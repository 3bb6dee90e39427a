package testing

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/auto3t/auto3t/internal/magnet"
)

// FakeState is a client-neutral transfer state. Each fake server renders it in its
// own wire format.
type FakeState string

const (
	// FakeQueued waits for metadata or a slot.
	FakeQueued FakeState = "queued"
	// FakeDownloading transfers data.
	FakeDownloading FakeState = "downloading"
	// FakeCompleted has all data and is stopped.
	FakeCompleted FakeState = "completed"
	// FakePaused was stopped before finishing.
	FakePaused FakeState = "paused"
)

// FakeFile represents a file in a torrent.
type FakeFile struct {
	Name string // Relative path within the download folder
	Size int64
}

// FakeTorrent represents a torrent in a fake torrent client.
type FakeTorrent struct {
	Hash         string
	Name         string
	State        FakeState
	Progress     float64 // 0.0 to 1.0
	Size         int64
	Files        []FakeFile
	AddedOn      time.Time
	LastActivity time.Time
	ActiveFor    time.Duration
}

// fakeClient is the torrent bookkeeping shared by the fake servers.
type fakeClient struct {
	mu       sync.RWMutex
	torrents map[string]*FakeTorrent
	added    []string
	removed  map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		torrents: make(map[string]*FakeTorrent),
		removed:  make(map[string]bool),
	}
}

// AddTorrent adds a torrent to the fake client.
func (c *fakeClient) AddTorrent(t FakeTorrent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.Hash = strings.ToLower(t.Hash)
	if t.State == "" {
		t.State = FakeQueued
	}
	c.torrents[t.Hash] = &t
}

// Torrent returns a copy of a torrent by hash.
func (c *fakeClient) Torrent(hash string) (FakeTorrent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.torrents[strings.ToLower(hash)]
	if !ok {
		return FakeTorrent{}, false
	}
	return *t, true
}

// SetTorrentState updates a torrent's state and progress.
func (c *fakeClient) SetTorrentState(hash string, state FakeState, progress float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.torrents[strings.ToLower(hash)]; ok {
		t.State = state
		t.Progress = progress
	}
}

// SetFiles replaces a torrent's file listing, as if its metadata arrived.
func (c *fakeClient) SetFiles(hash string, files ...FakeFile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.torrents[strings.ToLower(hash)]; ok {
		t.Files = files
		t.Size = 0
		for _, f := range files {
			t.Size += f.Size
		}
	}
}

// RemoveTorrent removes a torrent as if the user deleted it in the client.
func (c *fakeClient) RemoveTorrent(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.torrents, strings.ToLower(hash))
}

// Added returns every magnet URI handed to the client, in order.
func (c *fakeClient) Added() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]string(nil), c.added...)
}

// Removed returns the hashes removed through the API, mapped to whether data was
// deleted as well.
func (c *fakeClient) Removed() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]bool, len(c.removed))
	for k, v := range c.removed {
		out[k] = v
	}
	return out
}

// Reset clears all torrents and history.
func (c *fakeClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.torrents = make(map[string]*FakeTorrent)
	c.removed = make(map[string]bool)
	c.added = nil
}

// addMagnet registers a magnet as a new queued torrent without metadata.
func (c *fakeClient) addMagnet(uri string) bool {
	hash, err := magnet.InfoHash(uri)
	if err != nil {
		return false
	}

	name := hash
	if u, parseErr := url.Parse(uri); parseErr == nil {
		if dn := u.Query().Get("dn"); dn != "" {
			name = dn
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.added = append(c.added, uri)
	if _, ok := c.torrents[hash]; !ok {
		c.torrents[hash] = &FakeTorrent{
			Hash:    hash,
			Name:    name,
			State:   FakeQueued,
			AddedOn: time.Now(),
		}
	}
	return true
}

func (c *fakeClient) remove(hash string, deleteData bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash = strings.ToLower(hash)
	delete(c.torrents, hash)
	c.removed[hash] = deleteData
}

// snapshot returns copies of the torrents matching hashes, or all when hashes is empty.
func (c *fakeClient) snapshot(hashes ...string) []FakeTorrent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []FakeTorrent
	if len(hashes) == 0 {
		for _, t := range c.torrents {
			out = append(out, *t)
		}
		return out
	}
	for _, h := range hashes {
		if t, ok := c.torrents[strings.ToLower(h)]; ok {
			out = append(out, *t)
		}
	}
	return out
}
