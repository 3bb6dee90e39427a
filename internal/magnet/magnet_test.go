package magnet_test

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/auto3t/auto3t/internal/magnet"
)

func torrentBytes(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	data, err := bencode.EncodeBytes(doc)
	require.NoError(t, err)
	return data
}

func sampleInfo() map[string]any {
	return map[string]any{
		"name":         "Show.S01E02.1080p.WEB.x264-GRP",
		"piece length": int64(262144),
		"pieces":       string(bytes.Repeat([]byte{0xAB}, 20)),
		"length":       int64(734003200),
	}
}

func TestDecode(t *testing.T) {
	t.Run("MatchesMetainfoHash", func(t *testing.T) {
		data := torrentBytes(t, map[string]any{
			"announce": "udp://tracker.one:1337/announce",
			"announce-list": []any{
				[]any{"udp://tracker.one:1337/announce"},
				[]any{"https://tracker.two/announce?k=v", "udp://tracker.three:80"},
			},
			"info": sampleInfo(),
		})

		got, err := magnet.Decode(data)
		require.NoError(t, err)

		mi, err := metainfo.Load(bytes.NewReader(data))
		require.NoError(t, err)

		assert.Equal(t, mi.HashInfoBytes().HexString(), got.InfoHash)
		assert.Equal(t, "Show.S01E02.1080p.WEB.x264-GRP", got.Name)
		assert.Equal(t, []string{
			"udp://tracker.one:1337/announce",
			"https://tracker.two/announce?k=v",
			"udp://tracker.three:80",
		}, got.Trackers)
	})

	t.Run("BuildThenParseRoundTripsHash", func(t *testing.T) {
		data := torrentBytes(t, map[string]any{
			"announce-list": []any{[]any{"udp://tracker.one:1337/announce"}},
			"info":          sampleInfo(),
		})

		got, err := magnet.Decode(data)
		require.NoError(t, err)

		hash, err := magnet.InfoHash(got.Magnet())
		require.NoError(t, err)
		assert.Equal(t, got.InfoHash, hash)
	})

	t.Run("KeyOrderDoesNotChangeHash", func(t *testing.T) {
		a := torrentBytes(t, map[string]any{"info": sampleInfo()})

		info := sampleInfo()
		info["name"] = "Show.S01E02.1080p.WEB.x264-GRP"
		b := torrentBytes(t, map[string]any{"info": info, "comment": "extra"})

		ta, err := magnet.Decode(a)
		require.NoError(t, err)
		tb, err := magnet.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, ta.InfoHash, tb.InfoHash)
	})

	t.Run("NoAnnounceListYieldsNoTrackers", func(t *testing.T) {
		data := torrentBytes(t, map[string]any{
			"announce": "udp://only.announce:80",
			"info":     sampleInfo(),
		})

		got, err := magnet.Decode(data)
		require.NoError(t, err)
		assert.Empty(t, got.Trackers)
	})

	t.Run("Malformed", func(t *testing.T) {
		tests := []struct {
			name string
			data []byte
		}{
			{name: "empty", data: nil},
			{name: "not bencode", data: []byte("<html>rate limited</html>")},
			{name: "truncated", data: []byte("d4:infod4:name")},
			{name: "top level list", data: []byte("l4:spame")},
			{name: "missing info", data: torrentBytes(t, map[string]any{"announce": "x"})},
			{name: "info not dict", data: torrentBytes(t, map[string]any{"info": "x"})},
			{name: "missing name", data: torrentBytes(t, map[string]any{"info": map[string]any{"length": int64(1)}})},
			{name: "bad announce-list", data: torrentBytes(t, map[string]any{
				"info":          sampleInfo(),
				"announce-list": "udp://x",
			})},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := magnet.Decode(tt.data)
				require.Error(t, err)
				assert.True(t, errors.Is(err, magnet.ErrMalformed), "got %v", err)
			})
		}
	})
}

func TestBuild(t *testing.T) {
	t.Run("Format", func(t *testing.T) {
		got := magnet.Build(
			"0123456789ABCDEF0123456789ABCDEF01234567",
			"Show S01E02 & more",
			[]string{"udp://tracker.one:1337/announce", "https://t.two/a?x=1"},
		)

		assert.Equal(t,
			"magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"+
				"&dn=Show+S01E02+%26+more"+
				"&tr=udp%3A%2F%2Ftracker.one%3A1337%2Fannounce"+
				"&tr=https%3A%2F%2Ft.two%2Fa%3Fx%3D1",
			got)
	})

	t.Run("NoTrackers", func(t *testing.T) {
		got := magnet.Build("0123456789abcdef0123456789abcdef01234567", "x", nil)
		assert.Equal(t, "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=x", got)
	})
}

func TestInfoHash(t *testing.T) {
	const hexHash = "0123456789abcdef0123456789abcdef01234567"

	t.Run("Hex", func(t *testing.T) {
		got, err := magnet.InfoHash("magnet:?xt=urn:btih:0123456789ABCDEF0123456789ABCDEF01234567&dn=x")
		require.NoError(t, err)
		assert.Equal(t, hexHash, got)
	})

	t.Run("Base32", func(t *testing.T) {
		raw, err := hex.DecodeString(hexHash)
		require.NoError(t, err)
		encoded := base32.StdEncoding.EncodeToString(raw)

		got, err := magnet.InfoHash("magnet:?xt=urn:btih:" + encoded)
		require.NoError(t, err)
		assert.Equal(t, hexHash, got)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := magnet.InfoHash("https://example.com/file.torrent")
		assert.True(t, errors.Is(err, magnet.ErrInvalidURI))
	})
}
