// Package apitypes provides request and response types for the auto3t HTTP API.
package apitypes

import "time"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Stats counts targets by status and downloads by state.
type Stats struct {
	Targets   map[string]int `json:"targets"`
	Downloads map[string]int `json:"downloads"`
}

// Target is an episode or movie awaiting content.
type Target struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	ShowKey       string     `json:"show_key,omitempty"`
	ShowName      string     `json:"show_name,omitempty"`
	SearchName    string     `json:"search_name,omitempty"`
	IsDaily       bool       `json:"is_daily,omitempty"`
	TimeZone      string     `json:"time_zone,omitempty"`
	SeasonNumber  int        `json:"season_number,omitempty"`
	SeasonEnded   bool       `json:"season_ended,omitempty"`
	ShowEnded     bool       `json:"show_ended,omitempty"`
	EpisodeNumber int        `json:"episode_number,omitempty"`
	Title         string     `json:"title,omitempty"`
	ReleaseDate   *time.Time `json:"release_date,omitempty"`
	Runtime       int        `json:"runtime,omitempty"` // minutes
	Year          int        `json:"year,omitempty"`
	CollectionKey string     `json:"collection_key,omitempty"`
	Status        string     `json:"status"`
	DownloadID    string     `json:"download_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TargetRequest creates or updates a target from the catalog. The status is owned by
// the pipeline and cannot be set here.
type TargetRequest struct {
	ID            string     `json:"id,omitempty"`
	Kind          string     `json:"kind"`
	ShowKey       string     `json:"show_key,omitempty"`
	ShowName      string     `json:"show_name,omitempty"`
	SearchName    string     `json:"search_name,omitempty"`
	IsDaily       bool       `json:"is_daily,omitempty"`
	TimeZone      string     `json:"time_zone,omitempty"`
	SeasonNumber  int        `json:"season_number,omitempty"`
	SeasonEnded   bool       `json:"season_ended,omitempty"`
	ShowEnded     bool       `json:"show_ended,omitempty"`
	EpisodeNumber int        `json:"episode_number,omitempty"`
	Title         string     `json:"title,omitempty"`
	ReleaseDate   *time.Time `json:"release_date,omitempty"`
	Runtime       int        `json:"runtime,omitempty"`
	Year          int        `json:"year,omitempty"`
	CollectionKey string     `json:"collection_key,omitempty"`
}

// Download is a tracked torrent transfer.
type Download struct {
	ID               string    `json:"id"`
	InfoHash         string    `json:"info_hash"`
	Magnet           string    `json:"magnet"`
	Kind             string    `json:"kind"`
	State            string    `json:"state"`
	Progress         *int      `json:"progress,omitempty"` // percent
	HasExpectedFiles string    `json:"has_expected_files"`
	Targets          []string  `json:"targets,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Event is a recorded status comment.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	SubjectType string         `json:"subject_type,omitempty"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Keyword is a search word in a category.
type Keyword struct {
	ID           string `json:"id,omitempty"`
	Category     string `json:"category"`
	Word         string `json:"word"`
	Direction    string `json:"direction"` // include or exclude
	TVDefault    bool   `json:"tv_default,omitempty"`
	MovieDefault bool   `json:"movie_default,omitempty"`
}

// KeywordAssignment attaches a keyword to a level of the hierarchy.
type KeywordAssignment struct {
	Scope string `json:"scope"` // target, season, show or collection
	Key   string `json:"key"`
}

// TaskResponse reports whether a triggered task was queued.
type TaskResponse struct {
	Task   string `json:"task"`
	Queued bool   `json:"queued"`
}
