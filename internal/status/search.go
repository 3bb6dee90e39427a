package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/events"
	"github.com/auto3t/auto3t/internal/indexer"
)

// FindMagnets searches for every searching target. Ended seasons and shows whose
// episodes are all searching are tried as bundles first. It reports whether a new
// download was attached. Failures of a single search are recorded as events and do not
// stop the pass.
//
// A searching target is never owned by a current download: cancelled downloads release
// their targets and restored targets are unlinked.
func (e *Engine) FindMagnets(ctx context.Context) (bool, error) {
	searching, err := e.store.ListTargets(ctx, catalog.StatusSearching)
	if err != nil {
		return false, err
	}
	if len(searching) == 0 {
		return false, nil
	}

	found := false
	for _, bundle := range e.bundles(ctx, searching) {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		found = e.find(ctx, bundle.kind, bundle.members) || found
	}

	// Bundles may have covered some of the targets.
	remaining, err := e.store.ListTargets(ctx, catalog.StatusSearching)
	if err != nil {
		return found, err
	}
	for _, t := range remaining {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		kind := catalog.KindEpisode
		if t.Kind == catalog.KindMovie {
			kind = catalog.KindMovie
		}
		found = e.find(ctx, kind, []catalog.Target{t}) || found
	}

	return found, nil
}

type bundle struct {
	kind    catalog.Kind
	members []catalog.Target
}

// bundles returns the season and series bundle searches due for the searching targets:
// one per ended season, then one per ended show, each only when every episode is
// searching.
func (e *Engine) bundles(ctx context.Context, searching []catalog.Target) []bundle {
	var out []bundle

	seenSeason := make(map[string]bool)
	for _, t := range searching {
		if t.Kind != catalog.KindEpisode || !t.SeasonEnded || seenSeason[t.SeasonKey()] {
			continue
		}
		seenSeason[t.SeasonKey()] = true

		members, err := e.store.SeasonMembers(ctx, t.ShowKey, t.SeasonNumber)
		if err != nil {
			e.logger.Error().Err(err).Str("season", t.SeasonKey()).Msg("failed to load season")
			continue
		}
		if len(members) > 1 && allSearching(members) {
			out = append(out, bundle{kind: catalog.KindSeason, members: members})
		}
	}

	seenShow := make(map[string]bool)
	for _, t := range searching {
		if t.Kind != catalog.KindEpisode || !t.ShowEnded || seenShow[t.ShowKey] {
			continue
		}
		seenShow[t.ShowKey] = true

		members, err := e.store.ShowMembers(ctx, t.ShowKey)
		if err != nil {
			e.logger.Error().Err(err).Str("show", t.ShowKey).Msg("failed to load show")
			continue
		}
		if len(members) > 1 && allSearching(members) && spansSeasons(members) {
			out = append(out, bundle{kind: catalog.KindSeries, members: members})
		}
	}

	return out
}

func allSearching(members []catalog.Target) bool {
	for _, m := range members {
		if m.Status != catalog.StatusSearching {
			return false
		}
	}
	return true
}

// spansSeasons reports whether a show has more than one season. A single-season show is
// already covered by its season bundle.
func spansSeasons(members []catalog.Target) bool {
	for _, m := range members[1:] {
		if m.SeasonNumber != members[0].SeasonNumber {
			return true
		}
	}
	return false
}

// find runs one search and attaches the result. It reports whether a new download was
// attached.
func (e *Engine) find(ctx context.Context, kind catalog.Kind, members []catalog.Target) bool {
	// Members may have moved on since the pass started, e.g. through a series bundle.
	current := make([]catalog.Target, 0, len(members))
	for _, m := range members {
		fresh, err := e.store.GetTarget(ctx, m.ID)
		if err != nil || fresh.Status != catalog.StatusSearching {
			if kind.IsTV() && kind != catalog.KindEpisode {
				return false
			}
			continue
		}
		current = append(current, fresh)
	}
	if len(current) == 0 {
		return false
	}

	q, err := e.query(ctx, kind, current)
	if err != nil {
		e.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to build query")
		return false
	}
	text := q.Text()
	logger := e.logger.With().Str("query", text).Str("kind", string(kind)).Logger()

	candidate, err := e.finder.Search(ctx, q)
	switch {
	case errors.Is(err, indexer.ErrNotFound):
		logger.Debug().Msg("no candidate found")
		// Missing bundles are expected; only report single targets.
		if kind == catalog.KindEpisode || kind == catalog.KindMovie {
			e.publisher.Publish(events.Event{
				Type:    events.SearchNotFound,
				Subject: current[0],
				Data:    map[string]any{"query": text},
			})
		}
		return false
	case err != nil:
		logger.Warn().Err(err).Msg("search failed")
		e.publisher.Publish(events.Event{
			Type:    events.SearchFailed,
			Subject: current[0],
			Data:    map[string]any{"query": text, "error": err.Error()},
		})
		return false
	}

	if err = e.attach(ctx, kind, current, candidate); err != nil {
		logger.Error().Err(err).Str("hash", candidate.InfoHash).Msg("failed to attach download")
		e.publisher.Publish(events.Event{
			Type:    events.SearchFailed,
			Subject: current[0],
			Data:    map[string]any{"query": text, "error": err.Error()},
		})
		return false
	}
	return true
}

func (e *Engine) query(ctx context.Context, kind catalog.Kind, members []catalog.Target) (indexer.Query, error) {
	first := members[0]

	keywords, err := e.store.ResolveKeywords(ctx, kind, first)
	if err != nil {
		return indexer.Query{}, fmt.Errorf("resolve keywords: %w", err)
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	ignored, err := e.store.IgnoredHashes(ctx, ids...)
	if err != nil {
		return indexer.Query{}, fmt.Errorf("ignored hashes: %w", err)
	}

	q := indexer.Query{
		Kind:          kind,
		Members:       members,
		Include:       keywords.Include,
		Exclude:       keywords.Exclude,
		IgnoredHashes: ignored,
	}

	// Size windows only make sense for a single item of known runtime.
	var window config.BitrateWindow
	switch kind {
	case catalog.KindEpisode:
		window = e.bitrate.TV
	case catalog.KindMovie:
		window = e.bitrate.Movie
	default:
		return q, nil
	}
	q.MinSize, q.MaxSize = indexer.SizeWindow(first.Runtime, window.Kbps, window.TolerancePercent)
	return q, nil
}

func (e *Engine) attach(ctx context.Context, kind catalog.Kind, members []catalog.Target, c *indexer.Candidate) error {
	d, created, err := e.store.UpsertDownload(ctx, c.Magnet, c.InfoHash, kind)
	if err != nil {
		return err
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	superseded, err := e.store.AttachDownload(ctx, d.ID, ids)
	if err != nil {
		return err
	}

	e.logger.Info().
		Str("hash", d.InfoHash).
		Str("title", c.Result.Title).
		Int("targets", len(members)).
		Bool("created", created).
		Msg("download attached")
	e.publisher.Publish(events.Event{
		Type:    events.DownloadCreated,
		Subject: d,
		Data:    map[string]any{"title": c.Result.Title, "indexer": c.Result.Indexer},
	})
	for _, m := range members {
		e.publisher.Publish(events.Event{
			Type:    events.TargetStatusChanged,
			Subject: m,
			Data:    map[string]any{"from": string(m.Status), "to": string(catalog.StatusDownloading)},
		})
	}

	for _, id := range superseded {
		e.supersede(ctx, id)
	}
	return nil
}

// supersede retires a download the targets were linked to before, unless another target
// still owns it. Failures are only logged: the targets already point elsewhere.
func (e *Engine) supersede(ctx context.Context, id string) {
	if e.superseder == nil {
		return
	}
	old, err := e.store.GetDownload(ctx, id)
	if err != nil {
		e.logger.Error().Err(err).Str("download", id).Msg("failed to load superseded download")
		return
	}
	if !old.State.IsActive() && old.State != catalog.StateUndefined {
		return
	}

	owners, err := e.store.TargetsForDownload(ctx, id)
	if err != nil {
		e.logger.Error().Err(err).Str("hash", old.InfoHash).Msg("failed to load download owners")
		return
	}
	if len(owners) > 0 {
		e.logger.Debug().
			Str("hash", old.InfoHash).
			Int("owners", len(owners)).
			Msg("download still owned, not superseded")
		return
	}

	if err = e.superseder.Supersede(ctx, old); err != nil {
		e.logger.Error().Err(err).Str("hash", old.InfoHash).Msg("failed to supersede download")
	}
}
