package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/auto3t/auto3t/internal/catalog"
)

const downloadColumns = `id, magnet, info_hash, kind, state, progress, has_expected_files, created_at, updated_at`

func scanDownload(row rowScanner) (catalog.Download, error) {
	var (
		d                                 catalog.Download
		kind, state, createdAt, updatedAt string
		progress, expected                sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.Magnet, &d.InfoHash, &kind, &state, &progress, &expected,
		&createdAt, &updatedAt); err != nil {
		return catalog.Download{}, err
	}

	d.Kind = catalog.Kind(kind)
	d.State = catalog.State(state)
	if progress.Valid {
		d.Progress = catalog.IntPtr(int(progress.Int64))
	}
	d.HasExpectedFiles = triStateFromNull(expected)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return d, nil
}

func triStateFromNull(v sql.NullInt64) catalog.TriState {
	switch {
	case !v.Valid:
		return catalog.Unknown
	case v.Int64 == 1:
		return catalog.Confirmed
	default:
		return catalog.Failed
	}
}

func triStateToNull(t catalog.TriState) any {
	switch t {
	case catalog.Confirmed:
		return 1
	case catalog.Failed:
		return 0
	default:
		return nil
	}
}

func progressToNull(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// UpsertDownload returns the download with the given info-hash, creating it when
// absent. An existing ignored download is revived as undefined so it can be added to
// the download client again.
func (s *Store) UpsertDownload(ctx context.Context, magnet, infoHash string, kind catalog.Kind) (catalog.Download, bool, error) {
	infoHash = strings.ToLower(infoHash)
	created := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE info_hash = ?", infoHash)
		existing, err := scanDownload(row)
		switch {
		case err == nil:
			if existing.State != catalog.StateIgnored {
				return nil
			}
			_, err = tx.ExecContext(ctx, `UPDATE downloads SET state = ?, progress = NULL,
				has_expected_files = NULL, kind = ?, updated_at = ? WHERE id = ?`,
				string(catalog.StateUndefined), string(kind), s.timestamp(), existing.ID)
			return err
		case errors.Is(err, sql.ErrNoRows):
			now := s.timestamp()
			created = true
			_, err = tx.ExecContext(ctx, `INSERT INTO downloads (id, magnet, info_hash, kind, state,
				created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				catalog.NewID(), magnet, infoHash, string(kind), string(catalog.StateUndefined), now, now)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return catalog.Download{}, false, fmt.Errorf("upsert download: %w", err)
	}

	d, err := s.DownloadByHash(ctx, infoHash)
	return d, created, err
}

// GetDownload returns a download by ID.
func (s *Store) GetDownload(ctx context.Context, id string) (catalog.Download, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE id = ?", id)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Download{}, fmt.Errorf("download %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return catalog.Download{}, fmt.Errorf("get download: %w", err)
	}
	return d, nil
}

// DownloadByHash returns a download by info-hash.
func (s *Store) DownloadByHash(ctx context.Context, infoHash string) (catalog.Download, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+downloadColumns+" FROM downloads WHERE info_hash = ?",
		strings.ToLower(infoHash))
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Download{}, fmt.Errorf("download %s: %w", infoHash, ErrNotFound)
	}
	if err != nil {
		return catalog.Download{}, fmt.Errorf("get download: %w", err)
	}
	return d, nil
}

// ListDownloads returns downloads, optionally restricted to the given states.
func (s *Store) ListDownloads(ctx context.Context, states ...catalog.State) ([]catalog.Download, error) {
	query := "SELECT " + downloadColumns + " FROM downloads"
	args := make([]any, len(states))
	if len(states) > 0 {
		for i, st := range states {
			args[i] = string(st)
		}
		query += " WHERE state IN (" + placeholders(len(states)) + ")"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []catalog.Download
	for rows.Next() {
		d, scanErr := scanDownload(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan download: %w", scanErr)
		}
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

// HasDownloadsInState reports whether any download is in one of the given states.
func (s *Store) HasDownloadsInState(ctx context.Context, states ...catalog.State) (bool, error) {
	if len(states) == 0 {
		return false, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM downloads WHERE state IN ("+placeholders(len(states))+")", args...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count downloads: %w", err)
	}
	return n > 0, nil
}

// UpdateDownload writes the mutable fields of a single download.
func (s *Store) UpdateDownload(ctx context.Context, d catalog.Download) error {
	res, err := s.exec(ctx, `UPDATE downloads SET state = ?, progress = ?, has_expected_files = ?,
		updated_at = ? WHERE id = ?`,
		string(d.State), progressToNull(d.Progress), triStateToNull(d.HasExpectedFiles), s.timestamp(), d.ID)
	if err != nil {
		return fmt.Errorf("update download: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("download %s: %w", d.ID, ErrNotFound)
	}
	return nil
}
