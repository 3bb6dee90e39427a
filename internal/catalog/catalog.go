// Package catalog defines the acquisition targets and downloads tracked by the pipeline.
package catalog

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrIllegalTransition is returned when a status change is not allowed by the status graph.
var ErrIllegalTransition = errors.New("illegal status transition")

// Kind is the kind of media a target or download covers.
type Kind string

const (
	// KindEpisode is a single episode.
	KindEpisode Kind = "episode"
	// KindSeason is a complete season bundle.
	KindSeason Kind = "season"
	// KindSeries is a whole-series bundle.
	KindSeries Kind = "series"
	// KindMovie is a single movie.
	KindMovie Kind = "movie"
)

// IsTV reports whether the kind belongs to the tv library.
func (k Kind) IsTV() bool {
	return k == KindEpisode || k == KindSeason || k == KindSeries
}

// Status is the acquisition status of a target.
type Status string

const (
	// StatusNone means the target has not entered the pipeline yet.
	StatusNone Status = ""
	// StatusUpcoming means the release date is known but not reached.
	StatusUpcoming Status = "upcoming"
	// StatusSearching means the target needs a download.
	StatusSearching Status = "searching"
	// StatusDownloading means a download is attached.
	StatusDownloading Status = "downloading"
	// StatusFinished means the media file is in the library.
	StatusFinished Status = "finished"
	// StatusArchived means the media server confirmed the file.
	StatusArchived Status = "archived"
	// StatusIgnored means the target was set aside.
	StatusIgnored Status = "ignored"
)

// transitions is the legal status graph. Every status may also stay where it is.
//
//nolint:gochecknoglobals // status graph lookup table
var transitions = map[Status][]Status{
	StatusNone:        {StatusUpcoming, StatusIgnored},
	StatusUpcoming:    {StatusSearching, StatusIgnored},
	StatusSearching:   {StatusDownloading, StatusIgnored},
	StatusDownloading: {StatusFinished, StatusSearching, StatusIgnored},
	StatusFinished:    {StatusArchived},
	StatusArchived:    {},
	StatusIgnored:     {StatusSearching},
}

// CanTransition reports whether a target may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition when the move is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q -> %q", ErrIllegalTransition, from, to)
	}
	return nil
}

// State is the lifecycle state of a download.
type State string

const (
	// StateUndefined means the download is not yet known to the download client.
	StateUndefined State = "undefined"
	// StateQueued means the download client has it queued.
	StateQueued State = "queued"
	// StateDownloading means the download client is transferring it.
	StateDownloading State = "downloading"
	// StateFinished means the transfer completed and is waiting for the archiver.
	StateFinished State = "finished"
	// StateArchived means every media file was moved into the library.
	StateArchived State = "archived"
	// StateIgnored means the download was cancelled, lost or superseded.
	StateIgnored State = "ignored"
)

// IsActive reports whether the download monitor tracks the state.
func (s State) IsActive() bool {
	return s == StateQueued || s == StateDownloading
}

// TriState is a nullable boolean.
type TriState int

const (
	// Unknown means not checked yet.
	Unknown TriState = iota
	// Confirmed means the check passed.
	Confirmed
	// Failed means the check failed.
	Failed
)

func (t TriState) String() string {
	switch t {
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Target is an episode or movie awaiting content.
type Target struct {
	ID   string
	Kind Kind

	// Show identity, empty for movies.
	ShowKey      string
	ShowName     string
	SearchName   string
	IsDaily      bool
	TimeZone     string
	SeasonNumber int
	SeasonEnded  bool
	ShowEnded    bool

	EpisodeNumber int
	Title         string
	ReleaseDate   *time.Time
	Runtime       int // minutes
	Year          int

	// CollectionKey groups movies for keyword inheritance.
	CollectionKey string

	Status     Status
	DownloadID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Download is a tracked torrent transfer satisfying one or more targets.
type Download struct {
	ID               string
	Magnet           string
	InfoHash         string
	Kind             Kind
	State            State
	Progress         *int
	HasExpectedFiles TriState
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewID returns a new ULID string.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
