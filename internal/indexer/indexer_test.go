package indexer_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/indexer"
	"github.com/auto3t/auto3t/internal/magnet"
	"github.com/auto3t/auto3t/internal/matcher"
	testutil "github.com/auto3t/auto3t/internal/testing"
)

var fastRetries = indexer.WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond})

func newIndexer(t *testing.T, typ, url string) indexer.Indexer {
	t.Helper()
	ix, err := indexer.New(typ, config.IndexerConfig{
		Type:          typ,
		URL:           url,
		APIKey:        "secret",
		HTTPTimeout:   5 * time.Second,
		TVCategory:    5000,
		MovieCategory: 2000,
	}, fastRetries)
	require.NoError(t, err)
	return ix
}

func episodeTarget() catalog.Target {
	return catalog.Target{
		ID:            "t1",
		Kind:          catalog.KindEpisode,
		ShowName:      "Show",
		SeasonNumber:  1,
		EpisodeNumber: 2,
		Title:         "Pilot",
	}
}

func episodeQuery() indexer.Query {
	return indexer.Query{Kind: catalog.KindEpisode, Members: []catalog.Target{episodeTarget()}}
}

func TestBackends(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewIndexerServer()
	defer srv.Close()

	uri, _ := testutil.Magnet("Show.S01E02")
	srv.SetReleases(testutil.FakeRelease{
		Title:     "Show.S01E02.1080p",
		Seeders:   12,
		Size:      2 * testutil.GiB,
		MagnetURI: uri,
		Indexer:   "public",
	})

	t.Run("Jackett", func(t *testing.T) {
		results, err := newIndexer(t, "jackett", srv.URL).Search(ctx, "Show S01E02 1080p", catalog.KindEpisode)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "Show.S01E02.1080p", results[0].Title)
		assert.Equal(t, 12, results[0].Seeders)
		assert.Equal(t, uri, results[0].MagnetURI)
		assert.Equal(t, "public", results[0].Indexer)

		queries := srv.Queries()
		last := queries[len(queries)-1]
		assert.Equal(t, testutil.IndexerQuery{
			API: "jackett", Query: "Show S01E02 1080p", Category: "5000", APIKey: "secret",
		}, last)
	})

	t.Run("Prowlarr", func(t *testing.T) {
		results, err := newIndexer(t, "prowlarr", srv.URL).Search(ctx, "Heat 1995", catalog.KindMovie)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 2*testutil.GiB, results[0].Size)

		queries := srv.Queries()
		last := queries[len(queries)-1]
		assert.Equal(t, testutil.IndexerQuery{
			API: "prowlarr", Query: "Heat 1995", Category: "2000", APIKey: "secret",
		}, last)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := indexer.New("x", config.IndexerConfig{Type: "newznab"})
		assert.Error(t, err)
	})
}

func TestRateLimitRetry(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewIndexerServer()
	defer srv.Close()
	ix := newIndexer(t, "jackett", srv.URL)

	t.Run("RecoversWithinLadder", func(t *testing.T) {
		srv.RateLimit(2)
		_, err := ix.Search(ctx, "Show", catalog.KindEpisode)
		require.NoError(t, err)
	})

	t.Run("FailsAfterLadder", func(t *testing.T) {
		before := len(srv.Queries())
		srv.RateLimit(5)
		_, err := ix.Search(ctx, "Show", catalog.KindEpisode)
		require.Error(t, err)
		assert.Equal(t, 3, len(srv.Queries())-before)
		srv.RateLimit(0)
	})
}

func TestRank(t *testing.T) {
	s := indexer.NewSearcher(nil, matcher.New())
	q := episodeQuery()
	q.Exclude = []string{"HDCAM"}

	results := []indexer.Result{
		{Title: "Show.S01E02.720p", Seeders: 10, Size: 1 * testutil.GiB, Link: "l1"},
		{Title: "Show.S01E02.1080p", Seeders: 10, Size: 3 * testutil.GiB, Link: "l2"},
		{Title: "Show.S01E02.2160p", Seeders: 15, Size: 2 * testutil.GiB, Link: "l3"},
		{Title: "Show.S01E02.1080p.alt", Seeders: 30, Size: 1 * testutil.GiB, Link: "l4"},
		{Title: "Show.S01E02.few.seeders", Seeders: 2, Size: 10 * testutil.GiB, Link: "l5"},
		{Title: "Show.S01E02.tiny", Seeders: 3, Size: testutil.GiB / 4, Link: "l6"},
		{Title: "Show.S01E02.nolink", Seeders: 50, Size: 2 * testutil.GiB},
		{Title: "Show.S01E03.1080p", Seeders: 50, Size: 2 * testutil.GiB, Link: "l7"},
		{Title: "Show.S01E02.hdcam", Seeders: 50, Size: 2 * testutil.GiB, Link: "l8"},
	}

	ranked := s.Rank(q, results)

	var links []string
	for _, r := range ranked {
		links = append(links, r.Link)
	}
	// Gains: l1=10, l2=30, l3=30, l4=30. Ties on gain go to the higher seeder count.
	assert.Equal(t, []string{"l4", "l3", "l2", "l1"}, links)
	assert.InDelta(t, 30.0, ranked[0].Gain, 0.0001)

	t.Run("SizeWindow", func(t *testing.T) {
		q := episodeQuery()
		q.MinSize = 2 * testutil.GiB
		q.MaxSize = 2 * testutil.GiB
		ranked := s.Rank(q, results[:4])
		require.Len(t, ranked, 1)
		assert.Equal(t, "l3", ranked[0].Link)
	})

	t.Run("Thresholds", func(t *testing.T) {
		strict := indexer.NewSearcher(nil, matcher.New(), indexer.WithThresholds(20, 25))
		ranked := strict.Rank(episodeQuery(), results[:8])
		require.Len(t, ranked, 1)
		assert.Equal(t, "l4", ranked[0].Link)
	})
}

func TestSizeWindow(t *testing.T) {
	lo, hi := indexer.SizeWindow(60, 8192, 25)
	// 60 min at 8192 kbps is 3600 MiB.
	assert.Equal(t, int64(2700)<<20, lo)
	assert.Equal(t, int64(4500)<<20, hi)

	lo, hi = indexer.SizeWindow(0, 8192, 25)
	assert.Zero(t, lo)
	assert.Zero(t, hi)
}

func TestQueryText(t *testing.T) {
	q := episodeQuery()
	q.Include = []string{"1080p", "x265"}
	assert.Equal(t, "Show S01E02 1080p x265", q.Text())

	season := indexer.Query{Kind: catalog.KindSeason, Members: []catalog.Target{episodeTarget()}}
	assert.Equal(t, "Show S01 COMPLETE", season.Text())
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	srv := testutil.NewIndexerServer()
	defer srv.Close()

	fallback := staticTrackers{"udp://fallback.example:80/announce"}
	newSearcher := func(t *testing.T) *indexer.Searcher {
		t.Helper()
		return indexer.NewSearcher(
			[]indexer.Indexer{newIndexer(t, "jackett", srv.URL)},
			matcher.New(),
			indexer.WithTrackers(fallback),
		)
	}

	t.Run("MagnetResult", func(t *testing.T) {
		uri, hash := testutil.Magnet("magnet-result")
		srv.SetReleases(testutil.FakeRelease{Title: "Show.S01E02.1080p", Seeders: 10, Size: 2 * testutil.GiB, MagnetURI: uri})

		c, err := newSearcher(t).Search(ctx, episodeQuery())
		require.NoError(t, err)
		assert.Equal(t, uri, c.Magnet)
		assert.Equal(t, hash, c.InfoHash)
		assert.Equal(t, "Show.S01E02.1080p", c.Result.Title)
	})

	t.Run("TorrentLinkUsesFallbackTrackers", func(t *testing.T) {
		data := testutil.TorrentFile(t, "Show.S01E02.1080p")
		link := srv.AddTorrentFile("plain.torrent", data)
		srv.SetReleases(testutil.FakeRelease{Title: "Show.S01E02.1080p", Seeders: 10, Size: 2 * testutil.GiB, Link: link})

		decoded, err := magnet.Decode(data)
		require.NoError(t, err)

		c, err := newSearcher(t).Search(ctx, episodeQuery())
		require.NoError(t, err)
		assert.Equal(t, decoded.InfoHash, c.InfoHash)
		assert.Contains(t, c.Magnet, "&tr=udp%3A%2F%2Ffallback.example%3A80%2Fannounce")
	})

	t.Run("TorrentLinkKeepsOwnTrackers", func(t *testing.T) {
		data := testutil.TorrentFile(t, "Show.S01E02.720p", "udp://own.example:1337/announce")
		link := srv.AddTorrentFile("own.torrent", data)
		srv.SetReleases(testutil.FakeRelease{Title: "Show.S01E02.720p", Seeders: 10, Size: 2 * testutil.GiB, Link: link})

		c, err := newSearcher(t).Search(ctx, episodeQuery())
		require.NoError(t, err)
		assert.Contains(t, c.Magnet, "own.example")
		assert.NotContains(t, c.Magnet, "fallback.example")
	})

	t.Run("RedirectToMagnet", func(t *testing.T) {
		uri, hash := testutil.Magnet("redirected")
		link := srv.AddMagnetRedirect("r1", uri)
		srv.SetReleases(testutil.FakeRelease{Title: "Show.S01E02.WEB", Seeders: 10, Size: 2 * testutil.GiB, Link: link})

		c, err := newSearcher(t).Search(ctx, episodeQuery())
		require.NoError(t, err)
		assert.Equal(t, uri, c.Magnet)
		assert.Equal(t, hash, c.InfoHash)
	})

	t.Run("BrokenCandidateFallsThrough", func(t *testing.T) {
		broken := srv.AddTorrentFile("broken.torrent", []byte("d4:infod4:name"))
		uri, hash := testutil.Magnet("second-best")
		srv.SetReleases(
			testutil.FakeRelease{Title: "Show.S01E02.best", Seeders: 100, Size: 2 * testutil.GiB, Link: broken},
			testutil.FakeRelease{Title: "Show.S01E02.missing", Seeders: 90, Size: 2 * testutil.GiB, Link: "/torrents/nope"},
			testutil.FakeRelease{Title: "Show.S01E02.ok", Seeders: 10, Size: 2 * testutil.GiB, MagnetURI: uri},
		)

		c, err := newSearcher(t).Search(ctx, episodeQuery())
		require.NoError(t, err)
		assert.Equal(t, hash, c.InfoHash)
	})

	t.Run("IgnoredHashSkipped", func(t *testing.T) {
		ignored, ignoredHash := testutil.Magnet("ignored")
		next, nextHash := testutil.Magnet("next")
		srv.SetReleases(
			testutil.FakeRelease{Title: "Show.S01E02.a", Seeders: 50, Size: 2 * testutil.GiB, MagnetURI: ignored},
			testutil.FakeRelease{Title: "Show.S01E02.b", Seeders: 10, Size: 2 * testutil.GiB, MagnetURI: next},
		)

		q := episodeQuery()
		q.IgnoredHashes = map[string]bool{ignoredHash: true}
		c, err := newSearcher(t).Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, nextHash, c.InfoHash)

		q.IgnoredHashes[nextHash] = true
		_, err = newSearcher(t).Search(ctx, q)
		assert.True(t, errors.Is(err, indexer.ErrNotFound))
	})

	t.Run("NothingQualifies", func(t *testing.T) {
		srv.SetReleases(testutil.FakeRelease{Title: "Other.Show.S04E01", Seeders: 10, Size: 2 * testutil.GiB, Link: "x"})

		_, err := newSearcher(t).Search(ctx, episodeQuery())
		assert.True(t, errors.Is(err, indexer.ErrNotFound))
	})

	t.Run("IndexErrorIsNotNotFound", func(t *testing.T) {
		down := testutil.NewIndexerServer()
		down.Close()

		s := indexer.NewSearcher([]indexer.Indexer{newIndexer(t, "jackett", down.URL)}, matcher.New())
		_, err := s.Search(ctx, episodeQuery())
		require.Error(t, err)
		assert.False(t, errors.Is(err, indexer.ErrNotFound))
	})

	t.Run("ResultsMergedAcrossIndexes", func(t *testing.T) {
		uri, hash := testutil.Magnet("merged")
		srv.SetReleases(testutil.FakeRelease{Title: "Show.S01E02.merged", Seeders: 10, Size: 2 * testutil.GiB, MagnetURI: uri})

		down := testutil.NewIndexerServer()
		down.Close()

		s := indexer.NewSearcher([]indexer.Indexer{
			newIndexer(t, "prowlarr", down.URL),
			newIndexer(t, "prowlarr", srv.URL),
		}, matcher.New())
		c, err := s.Search(ctx, episodeQuery())
		require.NoError(t, err)
		assert.Equal(t, hash, c.InfoHash)
	})

	t.Run("IncludeKeywordsInQuery", func(t *testing.T) {
		srv.SetReleases()
		q := episodeQuery()
		q.Include = []string{"1080p"}

		_, err := newSearcher(t).Search(ctx, q)
		require.True(t, errors.Is(err, indexer.ErrNotFound))

		queries := srv.Queries()
		assert.True(t, strings.HasSuffix(queries[len(queries)-1].Query, "S01E02 1080p"))
	})
}

type staticTrackers []string

func (s staticTrackers) Trackers(context.Context) ([]string, error) {
	return s, nil
}
