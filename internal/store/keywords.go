package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/auto3t/auto3t/internal/catalog"
)

// PutKeyword creates a keyword or returns the existing one with the same category,
// word and direction.
func (s *Store) PutKeyword(ctx context.Context, kw catalog.Keyword) (catalog.Keyword, error) {
	if kw.ID == "" {
		kw.ID = catalog.NewID()
	}
	_, err := s.exec(ctx, `INSERT INTO keywords (id, category, word, direction, tv_default, movie_default)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, word, direction) DO UPDATE SET
			tv_default = excluded.tv_default,
			movie_default = excluded.movie_default`,
		kw.ID, kw.Category, kw.Word, string(kw.Direction), boolInt(kw.TVDefault), boolInt(kw.MovieDefault))
	if err != nil {
		return catalog.Keyword{}, fmt.Errorf("put keyword: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT id, category, word, direction, tv_default, movie_default
		FROM keywords WHERE category = ? AND word = ? AND direction = ?`,
		kw.Category, kw.Word, string(kw.Direction))
	return scanKeyword(row)
}

// AssignKeyword attaches a keyword to a level of the target hierarchy.
func (s *Store) AssignKeyword(ctx context.Context, keywordID string, scope catalog.Scope, key string) error {
	_, err := s.exec(ctx, `INSERT OR IGNORE INTO keyword_assignments (keyword_id, scope, scope_key)
		VALUES (?, ?, ?)`, keywordID, string(scope), key)
	if err != nil {
		return fmt.Errorf("assign keyword: %w", err)
	}
	return nil
}

func scanKeyword(row rowScanner) (catalog.Keyword, error) {
	var (
		kw                   catalog.Keyword
		direction            string
		tvDefault, mvDefault int
	)
	if err := row.Scan(&kw.ID, &kw.Category, &kw.Word, &direction, &tvDefault, &mvDefault); err != nil {
		return catalog.Keyword{}, err
	}
	kw.Direction = catalog.Direction(direction)
	kw.TVDefault = tvDefault == 1
	kw.MovieDefault = mvDefault == 1
	return kw, nil
}

func (s *Store) queryKeywords(ctx context.Context, query string, args ...any) ([]catalog.Keyword, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()

	var out []catalog.Keyword
	for rows.Next() {
		kw, scanErr := scanKeyword(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

func (s *Store) assignedKeywords(ctx context.Context, scope catalog.Scope, key string) ([]catalog.Keyword, error) {
	if key == "" {
		return nil, nil
	}
	return s.queryKeywords(ctx, `SELECT k.id, k.category, k.word, k.direction, k.tv_default, k.movie_default
		FROM keywords k JOIN keyword_assignments a ON a.keyword_id = k.id
		WHERE a.scope = ? AND a.scope_key = ? ORDER BY k.category, k.word`, string(scope), key)
}

// ResolveKeywords returns the keywords that apply to a target searched as kind.
// Bundle searches start the hierarchy at the bundle level.
func (s *Store) ResolveKeywords(ctx context.Context, kind catalog.Kind, t catalog.Target) (catalog.KeywordSet, error) {
	type level struct {
		scope catalog.Scope
		key   string
	}

	var levels []level
	switch kind {
	case catalog.KindMovie:
		levels = []level{{catalog.ScopeTarget, t.ID}, {catalog.ScopeCollection, t.CollectionKey}}
	case catalog.KindSeason:
		levels = []level{{catalog.ScopeSeason, t.SeasonKey()}, {catalog.ScopeShow, t.ShowKey}}
	case catalog.KindSeries:
		levels = []level{{catalog.ScopeShow, t.ShowKey}}
	default:
		levels = []level{
			{catalog.ScopeTarget, t.ID},
			{catalog.ScopeSeason, t.SeasonKey()},
			{catalog.ScopeShow, t.ShowKey},
		}
	}

	assigned := make([][]catalog.Keyword, 0, len(levels))
	for _, l := range levels {
		kws, err := s.assignedKeywords(ctx, l.scope, l.key)
		if err != nil {
			return catalog.KeywordSet{}, err
		}
		assigned = append(assigned, kws)
	}

	defaultColumn := "tv_default"
	if kind == catalog.KindMovie {
		defaultColumn = "movie_default"
	}
	defaults, err := s.queryKeywords(ctx, `SELECT id, category, word, direction, tv_default, movie_default
		FROM keywords WHERE `+defaultColumn+` = 1 ORDER BY category, word`)
	if err != nil {
		return catalog.KeywordSet{}, err
	}

	return catalog.ResolveKeywords(assigned, defaults), nil
}

// compile-time check that *sql.Row satisfies rowScanner.
var _ rowScanner = (*sql.Row)(nil)
