package matcher_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/matcher"
)

func episode(season, number int) catalog.Target {
	return catalog.Target{
		ID:            "ep",
		Kind:          catalog.KindEpisode,
		ShowName:      "Show",
		SeasonNumber:  season,
		EpisodeNumber: number,
		Title:         "Episode Title",
	}
}

func TestValidEpisode(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  bool
	}{
		{name: "padded", title: "Show.S01E02.1080p.WEB.x264-GRP", want: true},
		{name: "unpadded", title: "Show s1e2 720p", want: true},
		{name: "lowercase path", title: "show.s01e02.mkv", want: true},
		{name: "cross notation", title: "Show 1x02 HDTV", want: true},
		{name: "padded cross notation", title: "Show 01x02", want: true},
		{name: "different episode", title: "Show.S01E03.1080p", want: false},
		{name: "episode prefix of longer number", title: "Show.S01E20.1080p", want: false},
		{name: "different season", title: "Show.S11E02.1080p", want: false},
		{name: "cross notation longer season", title: "Show 11x02", want: false},
		{name: "no token", title: "Show Complete", want: false},
	}

	target := episode(1, 2)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matcher.ValidEpisode(target, tt.title))
		})
	}

	t.Run("DailyShowDateToken", func(t *testing.T) {
		release := time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)
		daily := catalog.Target{
			Kind:          catalog.KindEpisode,
			ShowName:      "Late Show",
			IsDaily:       true,
			SeasonNumber:  2024,
			EpisodeNumber: 45,
			ReleaseDate:   &release,
		}
		assert.True(t, matcher.ValidEpisode(daily, "Late.Show.2024.03.05.Guest.1080p"))
		assert.False(t, matcher.ValidEpisode(daily, "Late.Show.2024.03.06.Guest.1080p"))
	})
}

func TestValidTitle(t *testing.T) {
	m := matcher.New()
	members := []catalog.Target{episode(2, 1), episode(2, 2)}

	t.Run("SeasonNeedsCompleteAndSeason", func(t *testing.T) {
		assert.True(t, m.ValidTitle(catalog.KindSeason, members, "Show S02 COMPLETE 1080p"))
		assert.True(t, m.ValidTitle(catalog.KindSeason, members, "Show Season 2 Complete"))
		assert.False(t, m.ValidTitle(catalog.KindSeason, members, "Show S02 1080p"))
		assert.False(t, m.ValidTitle(catalog.KindSeason, members, "Show S03 COMPLETE"))
	})

	t.Run("SeriesNeedsComplete", func(t *testing.T) {
		assert.True(t, m.ValidTitle(catalog.KindSeries, members, "Show The Complete Series"))
		assert.False(t, m.ValidTitle(catalog.KindSeries, members, "Show S01-S04"))
	})

	t.Run("EmptyMembers", func(t *testing.T) {
		assert.False(t, m.ValidTitle(catalog.KindEpisode, nil, "Show S02E01"))
	})
}

func TestValidMovie(t *testing.T) {
	m := matcher.New()
	heat := catalog.Target{Kind: catalog.KindMovie, Title: "Heat", Year: 1995}

	assert.True(t, m.ValidMovie(heat, "Heat.1995.1080p.BluRay.x264-GRP"))
	assert.False(t, m.ValidMovie(heat, "Heat.2013.1080p.BluRay.x264-GRP"))
	assert.False(t, m.ValidMovie(heat, "Casino.1995.1080p.BluRay.x264-GRP"))
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, matcher.Similarity("The Matrix", "the.matrix"), 0.0001)
	assert.InDelta(t, 1.0, matcher.Similarity("Mission: Impossible", "Mission Impossible"), 0.0001)
	assert.Less(t, matcher.Similarity("Heat", "Casino"), 0.5)
	assert.Zero(t, matcher.Similarity("", "x"))
}

func TestQualifies(t *testing.T) {
	m := matcher.New(matcher.WithMinSize(100), matcher.WithExtensions([]string{".mkv", "MP4"}))

	tests := []struct {
		name string
		file matcher.File
		want bool
	}{
		{name: "media file", file: matcher.File{Path: "dir/Show.S01E02.mkv", Size: 1000}, want: true},
		{name: "uppercase extension", file: matcher.File{Path: "Show.S01E02.MP4", Size: 1000}, want: true},
		{name: "too small", file: matcher.File{Path: "Show.S01E02.mkv", Size: 99}, want: false},
		{name: "wrong extension", file: matcher.File{Path: "Show.S01E02.nfo", Size: 1000}, want: false},
		{name: "sample", file: matcher.File{Path: "Show.S01E02.sample.mkv", Size: 1000}, want: false},
		{name: "trailer", file: matcher.File{Path: "Movie-trailer.mkv", Size: 1000}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Qualifies(tt.file))
		})
	}
}

func TestLocate(t *testing.T) {
	m := matcher.New(matcher.WithMinSize(100))
	files := []matcher.File{
		{Path: "Show.S01/Show.S01E01.nfo", Size: 10},
		{Path: "Show.S01/Show.S01E01.mkv", Size: 1000},
		{Path: "Show.S01/Show.S01E02.mkv", Size: 1000},
		{Path: "Show.S01/Sample/Show.S01E03.sample.mkv", Size: 1000},
	}

	t.Run("FindsTargetFile", func(t *testing.T) {
		f, err := m.Locate(files, episode(1, 2))
		require.NoError(t, err)
		assert.Equal(t, "Show.S01/Show.S01E02.mkv", f.Path)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := m.Locate(files, episode(1, 3))
		assert.True(t, errors.Is(err, matcher.ErrNoMediaFile))
	})

	t.Run("LocateAllFailsWhenAnyMissing", func(t *testing.T) {
		e1, e3 := episode(1, 1), episode(1, 3)
		e1.ID, e3.ID = "e1", "e3"

		_, err := m.LocateAll(files, []catalog.Target{e1, e3})
		assert.True(t, errors.Is(err, matcher.ErrNoMediaFile))
	})

	t.Run("LocateAllMapsTargets", func(t *testing.T) {
		e1, e2 := episode(1, 1), episode(1, 2)
		e1.ID, e2.ID = "e1", "e2"

		got, err := m.LocateAll(files, []catalog.Target{e1, e2})
		require.NoError(t, err)
		assert.Equal(t, "Show.S01/Show.S01E01.mkv", got["e1"].Path)
		assert.Equal(t, "Show.S01/Show.S01E02.mkv", got["e2"].Path)
	})

	t.Run("MovieInFolder", func(t *testing.T) {
		heat := catalog.Target{Kind: catalog.KindMovie, Title: "Heat", Year: 1995}
		movieFiles := []matcher.File{
			{Path: "Heat.1995.1080p.BluRay.x264-GRP/Heat.1995.Trailer.mkv", Size: 1000},
			{Path: "Heat.1995.1080p.BluRay.x264-GRP/Heat.1995.1080p.BluRay.x264-GRP.mkv", Size: 1000},
		}
		f, err := m.Locate(movieFiles, heat)
		require.NoError(t, err)
		assert.Equal(t, movieFiles[1].Path, f.Path)
	})
}
