package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/auto3t/auto3t/internal/catalog"
)

const targetColumns = `id, kind, show_key, show_name, search_name, is_daily, time_zone,
	season_number, season_ended, show_ended, episode_number, title, release_date, runtime,
	year, collection_key, status, download_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (catalog.Target, error) {
	var (
		t                                  catalog.Target
		kind, status, createdAt, updatedAt string
		isDaily, seasonEnded, showEnded    int
		releaseDate, downloadID            sql.NullString
	)
	err := row.Scan(
		&t.ID, &kind, &t.ShowKey, &t.ShowName, &t.SearchName, &isDaily, &t.TimeZone,
		&t.SeasonNumber, &seasonEnded, &showEnded, &t.EpisodeNumber, &t.Title, &releaseDate,
		&t.Runtime, &t.Year, &t.CollectionKey, &status, &downloadID, &createdAt, &updatedAt,
	)
	if err != nil {
		return catalog.Target{}, err
	}

	t.Kind = catalog.Kind(kind)
	t.Status = catalog.Status(status)
	t.IsDaily = isDaily == 1
	t.SeasonEnded = seasonEnded == 1
	t.ShowEnded = showEnded == 1
	t.ReleaseDate = parseNullTime(releaseDate)
	t.DownloadID = downloadID.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (s *Store) queryTargets(ctx context.Context, where string, args ...any) ([]catalog.Target, error) {
	query := "SELECT " + targetColumns + " FROM targets"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY show_key, season_number, episode_number, created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var targets []catalog.Target
	for rows.Next() {
		t, scanErr := scanTarget(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan target: %w", scanErr)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// PutTarget inserts a target or replaces its catalog metadata. Status and the download
// link of an existing target are left untouched.
func (s *Store) PutTarget(ctx context.Context, t catalog.Target) (catalog.Target, error) {
	if t.ID == "" {
		t.ID = catalog.NewID()
	}
	if t.Kind == "" {
		return catalog.Target{}, errors.New("target kind is required")
	}
	now := s.timestamp()

	_, err := s.exec(ctx, `
		INSERT INTO targets (id, kind, show_key, show_name, search_name, is_daily, time_zone,
			season_number, season_ended, show_ended, episode_number, title, release_date, runtime,
			year, collection_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			show_key = excluded.show_key,
			show_name = excluded.show_name,
			search_name = excluded.search_name,
			is_daily = excluded.is_daily,
			time_zone = excluded.time_zone,
			season_number = excluded.season_number,
			season_ended = excluded.season_ended,
			show_ended = excluded.show_ended,
			episode_number = excluded.episode_number,
			title = excluded.title,
			release_date = excluded.release_date,
			runtime = excluded.runtime,
			year = excluded.year,
			collection_key = excluded.collection_key,
			updated_at = excluded.updated_at`,
		t.ID, string(t.Kind), t.ShowKey, t.ShowName, t.SearchName, boolInt(t.IsDaily), t.TimeZone,
		t.SeasonNumber, boolInt(t.SeasonEnded), boolInt(t.ShowEnded), t.EpisodeNumber, t.Title,
		formatNullTime(t.ReleaseDate), t.Runtime, t.Year, t.CollectionKey, string(t.Status), now, now,
	)
	if err != nil {
		return catalog.Target{}, fmt.Errorf("put target: %w", err)
	}

	return s.GetTarget(ctx, t.ID)
}

// GetTarget returns a target by ID.
func (s *Store) GetTarget(ctx context.Context, id string) (catalog.Target, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+targetColumns+" FROM targets WHERE id = ?", id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Target{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return catalog.Target{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// ListTargets returns all targets, optionally restricted to the given statuses.
func (s *Store) ListTargets(ctx context.Context, statuses ...catalog.Status) ([]catalog.Target, error) {
	if len(statuses) == 0 {
		return s.queryTargets(ctx, "")
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.queryTargets(ctx, "status IN ("+placeholders(len(statuses))+")", args...)
}

// PendingUpcoming returns targets with no status and a known release date.
func (s *Store) PendingUpcoming(ctx context.Context) ([]catalog.Target, error) {
	return s.queryTargets(ctx, "status = '' AND release_date IS NOT NULL")
}

// SeasonMembers returns every episode of a season.
func (s *Store) SeasonMembers(ctx context.Context, showKey string, season int) ([]catalog.Target, error) {
	return s.queryTargets(ctx, "kind = ? AND show_key = ? AND season_number = ?",
		string(catalog.KindEpisode), showKey, season)
}

// ShowMembers returns every episode of a show.
func (s *Store) ShowMembers(ctx context.Context, showKey string) ([]catalog.Target, error) {
	return s.queryTargets(ctx, "kind = ? AND show_key = ?", string(catalog.KindEpisode), showKey)
}

// TargetsForDownload returns the targets currently linked to a download.
func (s *Store) TargetsForDownload(ctx context.Context, downloadID string) ([]catalog.Target, error) {
	return s.queryTargets(ctx, "download_id = ?", downloadID)
}

// SetTargetStatus moves a target to a new status if the status graph allows it.
func (s *Store) SetTargetStatus(ctx context.Context, id string, to catalog.Status) (catalog.Status, error) {
	var from catalog.Status
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, "SELECT status FROM targets WHERE id = ?", id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("target %s: %w", id, ErrNotFound)
			}
			return err
		}
		from = catalog.Status(current)
		if err := catalog.CheckTransition(from, to); err != nil {
			return err
		}
		if from == to {
			return nil
		}
		_, err := tx.ExecContext(ctx, "UPDATE targets SET status = ?, updated_at = ? WHERE id = ?",
			string(to), s.timestamp(), id)
		return err
	})
	if err != nil {
		return from, fmt.Errorf("set target status: %w", err)
	}
	return from, nil
}

// RestoreTarget moves an ignored target back to searching and unlinks it from its
// download. It returns the ID of the download the target was linked to, if any.
func (s *Store) RestoreTarget(ctx context.Context, id string) (string, error) {
	var previous sql.NullString
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status, download_id FROM targets WHERE id = ?", id).
			Scan(&current, &previous)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("target %s: %w", id, ErrNotFound)
			}
			return err
		}
		if catalog.Status(current) != catalog.StatusIgnored {
			return fmt.Errorf("%w: %q is not ignored", catalog.ErrIllegalTransition, current)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE targets SET status = ?, download_id = NULL, updated_at = ? WHERE id = ?",
			string(catalog.StatusSearching), s.timestamp(), id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("restore target: %w", err)
	}
	return previous.String, nil
}

// AttachDownload links targets to a download and moves them to downloading. It
// returns the IDs of the downloads the targets were previously linked to.
func (s *Store) AttachDownload(ctx context.Context, downloadID string, targetIDs []string) ([]string, error) {
	superseded := make(map[string]bool)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		for _, id := range targetIDs {
			var (
				status   string
				previous sql.NullString
			)
			err := tx.QueryRowContext(ctx, "SELECT status, download_id FROM targets WHERE id = ?", id).
				Scan(&status, &previous)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("target %s: %w", id, ErrNotFound)
				}
				return err
			}
			if err = catalog.CheckTransition(catalog.Status(status), catalog.StatusDownloading); err != nil {
				return fmt.Errorf("target %s: %w", id, err)
			}
			if previous.Valid && previous.String != downloadID {
				superseded[previous.String] = true
			}

			if _, err = tx.ExecContext(ctx,
				"UPDATE targets SET status = ?, download_id = ?, updated_at = ? WHERE id = ?",
				string(catalog.StatusDownloading), downloadID, now, id,
			); err != nil {
				return err
			}
			if _, err = tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO target_downloads (target_id, download_id, created_at) VALUES (?, ?, ?)",
				id, downloadID, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("attach download: %w", err)
	}

	ids := make([]string, 0, len(superseded))
	for id := range superseded {
		ids = append(ids, id)
	}
	return ids, nil
}

// ReleaseTargets unlinks every target from a download and moves the downloading ones
// back to searching. Other targets keep their status.
func (s *Store) ReleaseTargets(ctx context.Context, downloadID string) ([]catalog.Target, error) {
	targets, err := s.TargetsForDownload(ctx, downloadID)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		for _, t := range targets {
			status := t.Status
			if status == catalog.StatusDownloading {
				status = catalog.StatusSearching
			}
			if _, execErr := tx.ExecContext(ctx,
				"UPDATE targets SET status = ?, download_id = NULL, updated_at = ? WHERE id = ?",
				string(status), now, t.ID,
			); execErr != nil {
				return execErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("release targets: %w", err)
	}
	return targets, nil
}

// IgnoredHashes returns the info-hashes of downloads that were ignored for a target.
func (s *Store) IgnoredHashes(ctx context.Context, targetIDs ...string) (map[string]bool, error) {
	hashes := make(map[string]bool)
	if len(targetIDs) == 0 {
		return hashes, nil
	}

	args := make([]any, 0, len(targetIDs)+1)
	args = append(args, string(catalog.StateIgnored))
	for _, id := range targetIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT d.info_hash FROM target_downloads td
		JOIN downloads d ON d.id = td.download_id
		WHERE d.state = ? AND td.target_id IN (`+placeholders(len(targetIDs))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query ignored hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err = rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes[strings.ToLower(hash)] = true
	}
	return hashes, rows.Err()
}
