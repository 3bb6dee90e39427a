package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auto3t/auto3t/internal/catalog"
)

// Event is a persisted status comment.
type Event struct {
	ID          string
	Type        string
	SubjectType string
	SubjectID   string
	Message     string
	Details     map[string]any
	CreatedAt   time.Time
}

// AddEvent persists an event.
func (s *Store) AddEvent(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = catalog.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	var details any
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return Event{}, fmt.Errorf("marshal event details: %w", err)
		}
		details = string(raw)
	}

	_, err := s.exec(ctx, `INSERT INTO events (id, type, subject_type, subject_id, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.SubjectType, e.SubjectID, e.Message, details, e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return Event{}, fmt.Errorf("add event: %w", err)
	}
	return e, nil
}

// ListEvents returns the newest events first. An empty subjectID returns events for all
// subjects.
func (s *Store) ListEvents(ctx context.Context, subjectID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, type, subject_type, subject_id, message, details, created_at FROM events"
	var args []any
	if subjectID != "" {
		query += " WHERE subject_id = ?"
		args = append(args, subjectID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			details   sql.NullString
			createdAt string
		)
		if err = rows.Scan(&e.ID, &e.Type, &e.SubjectType, &e.SubjectID, &e.Message, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if details.Valid && details.String != "" {
			if err = json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
