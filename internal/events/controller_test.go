package events_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/events"
	"github.com/auto3t/auto3t/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEventsController(t *testing.T) {
	ctx := context.Background()

	t.Run("records all events with subjects", func(t *testing.T) {
		bus := events.New()
		defer bus.Close()
		db := openStore(t)

		c := events.NewController(bus, db, events.WithControllerLogger(zerolog.Nop()))
		require.NoError(t, c.Start(ctx))

		target := catalog.Target{ID: "t1", Kind: catalog.KindEpisode, ShowName: "Show", SeasonNumber: 1, EpisodeNumber: 2}
		download := catalog.Download{ID: "d1", InfoHash: "abc"}

		bus.Publish(events.Event{Type: events.SystemStarted})
		bus.Publish(events.Event{
			Type:    events.TargetStatusChanged,
			Subject: target,
			Data:    map[string]any{"from": "searching", "to": "downloading"},
		})
		bus.Publish(events.Event{Type: events.DownloadCancelled, Subject: &download})

		// Stop drains the subscription before returning.
		require.NoError(t, c.Stop())

		all, err := db.ListEvents(ctx, "", 10)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		forTarget, err := db.ListEvents(ctx, "t1", 10)
		require.NoError(t, err)
		require.Len(t, forTarget, 1)
		assert.Equal(t, "target", forTarget[0].SubjectType)
		assert.Equal(t, "Status changed: Show S01E02 (searching -> downloading)", forTarget[0].Message)
		assert.Equal(t, "downloading", forTarget[0].Details["to"])

		forDownload, err := db.ListEvents(ctx, "d1", 10)
		require.NoError(t, err)
		require.Len(t, forDownload, 1)
		assert.Equal(t, "download", forDownload[0].SubjectType)
		assert.Equal(t, "Download cancelled: abc", forDownload[0].Message)
	})
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			name: "not found",
			ev:   events.Event{Type: events.SearchNotFound, Data: map[string]any{"query": "Show S01E02"}},
			want: "No candidate found: Show S01E02",
		},
		{
			name: "archive failed",
			ev: events.Event{
				Type:    events.ArchiveFailed,
				Subject: catalog.Download{InfoHash: "abc"},
				Data:    map[string]any{"error": "disk full"},
			},
			want: "Archive failed: abc: disk full",
		},
		{
			name: "movie target",
			ev:   events.Event{Type: events.TargetIngested, Subject: catalog.Target{Kind: catalog.KindMovie, Title: "Heat", Year: 1995}},
			want: "Tracking: Heat (1995)",
		},
		{
			name: "unknown",
			ev:   events.Event{Type: "custom"},
			want: "Event: custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, events.Message(tt.ev))
		})
	}
}
