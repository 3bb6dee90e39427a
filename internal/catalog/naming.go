package catalog

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// dateTokenLayout is the air-date token used by daily shows.
const dateTokenLayout = "2006.01.02"

//nolint:gochecknoglobals // compiled once
var illegalFileChars = regexp.MustCompile(`[\\/:"*?&<>|]|\.{2,}`)

// SanitizeFileName replaces characters that are unsafe in file names with a dash.
func SanitizeFileName(name string) string {
	return illegalFileChars.ReplaceAllString(name, "-")
}

// SearchShow returns the name used when querying the index.
func (t Target) SearchShow() string {
	if t.SearchName != "" {
		return t.SearchName
	}
	return t.ShowName
}

// Identifier returns the S01E02 token of an episode.
func (t Target) Identifier() string {
	return fmt.Sprintf("S%02dE%02d", t.SeasonNumber, t.EpisodeNumber)
}

// DateToken returns the release date as YYYY.MM.DD in the show's time zone.
// It is empty when no release date is known.
func (t Target) DateToken() string {
	if t.ReleaseDate == nil {
		return ""
	}
	loc := time.UTC
	if t.TimeZone != "" {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	return t.ReleaseDate.In(loc).Format(dateTokenLayout)
}

// SearchString builds the free-text query for a target searched as the given kind.
func SearchString(kind Kind, t Target) string {
	switch kind {
	case KindSeason:
		return fmt.Sprintf("%s S%02d COMPLETE", t.SearchShow(), t.SeasonNumber)
	case KindSeries:
		return t.SearchShow() + " COMPLETE"
	case KindMovie:
		if t.Year > 0 {
			return fmt.Sprintf("%s %d", t.Title, t.Year)
		}
		return t.Title
	default:
		if t.IsDaily {
			if token := t.DateToken(); token != "" {
				return t.SearchShow() + " " + token
			}
		}
		return t.SearchShow() + " " + t.Identifier()
	}
}

// MovieName returns "Name (Year)" for a movie target.
func (t Target) MovieName() string {
	if t.Year > 0 {
		return fmt.Sprintf("%s (%d)", t.Title, t.Year)
	}
	return t.Title
}

// LibraryPath returns the destination of the target's media file relative to the
// library root. ext must include the leading dot.
func (t Target) LibraryPath(ext string) string {
	if t.Kind == KindMovie {
		name := SanitizeFileName(t.MovieName())
		return filepath.Join(name, name+ext)
	}

	show := SanitizeFileName(t.ShowName)
	file := fmt.Sprintf("%s - %s - %s", show, t.Identifier(), SanitizeFileName(t.Title))
	return filepath.Join(show, fmt.Sprintf("Season %d", t.SeasonNumber), file+ext)
}

// SeasonKey identifies the season of an episode for grouping and keyword lookup.
func (t Target) SeasonKey() string {
	return fmt.Sprintf("%s:%d", t.ShowKey, t.SeasonNumber)
}

// String implements fmt.Stringer.
func (t Target) String() string {
	if t.Kind == KindMovie {
		return t.MovieName()
	}
	return strings.TrimSpace(t.ShowName + " " + t.Identifier())
}
