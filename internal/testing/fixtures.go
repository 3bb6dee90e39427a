package testing

import (
	"crypto/sha1" //nolint:gosec // info-hashes are SHA-1 by definition
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/zeebo/bencode"

	"github.com/auto3t/auto3t/internal/magnet"
)

// GiB is one gibibyte in bytes.
const GiB = int64(1) << 30

// TorrentFile returns a bencoded single-file torrent. Trackers become the announce-list;
// none omits it.
func TorrentFile(t *testing.T, name string, trackers ...string) []byte {
	t.Helper()

	doc := map[string]any{
		"info": map[string]any{
			"name":         name,
			"piece length": int64(262144),
			"pieces":       string(make([]byte, 20)),
			"length":       2 * GiB,
		},
	}
	if len(trackers) > 0 {
		tiers := make([]any, 0, len(trackers))
		for _, tr := range trackers {
			tiers = append(tiers, []any{tr})
		}
		doc["announce-list"] = tiers
	}

	data, err := bencode.EncodeBytes(doc)
	if err != nil {
		t.Fatalf("failed to encode torrent: %v", err)
	}
	return data
}

// Magnet returns a magnet URI with a hash derived from name, and that hash.
func Magnet(name string) (string, string) {
	sum := sha1.Sum([]byte(name)) //nolint:gosec // see import
	hash := hex.EncodeToString(sum[:])
	return magnet.Build(hash, name, []string{"udp://tracker.example:1337/announce"}), hash
}

// ReleaseGroup returns a random release group name.
func ReleaseGroup() string {
	return fmt.Sprintf("GRP%d", gofakeit.IntRange(1, 99))
}

// EpisodeRelease returns a plausible release title for an episode.
func EpisodeRelease(show string, season, episode int) string {
	return fmt.Sprintf("%s.S%02dE%02d.1080p.WEB.h264-%s", show, season, episode, ReleaseGroup())
}

// ShowName returns a random show name.
func ShowName() string {
	return gofakeit.Adverb() + " " + gofakeit.Noun()
}
