// Package matcher decides whether a release title or file path belongs to a target.
package matcher

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/moistari/rls"

	"github.com/auto3t/auto3t/internal/catalog"
)

// ErrNoMediaFile is returned when no file of a listing qualifies for a target.
var ErrNoMediaFile = errors.New("no matching media file")

// Defaults for media file qualification.
const (
	DefaultMinSize    = 50_000_000
	DefaultSimilarity = 0.8
)

// DefaultExtensions are the media file extensions accepted when none are configured.
//
//nolint:gochecknoglobals // default lookup list
var DefaultExtensions = []string{"mp4", "mkv", "avi", "m4v"}

//nolint:gochecknoglobals // compiled once
var (
	sampleWord   = regexp.MustCompile(`(?i)(^|[^a-z])sample([^a-z]|$)`)
	titleCleaner = strings.NewReplacer(".", " ", "_", " ", ":", "", " & ", " ", "!", "", "'", "")
)

// File is an entry of a torrent file listing.
type File struct {
	Path string
	Size int64
}

// Matcher holds the media qualification rules.
type Matcher struct {
	minSize    int64
	extensions map[string]bool
	similarity float64
}

// Option is a functional option for configuring the matcher.
type Option func(*Matcher)

// WithMinSize sets the minimum media file size in bytes.
func WithMinSize(size int64) Option {
	return func(m *Matcher) {
		if size > 0 {
			m.minSize = size
		}
	}
}

// WithExtensions sets the accepted media file extensions, without the leading dot.
func WithExtensions(exts []string) Option {
	return func(m *Matcher) {
		if len(exts) == 0 {
			return
		}
		m.extensions = make(map[string]bool, len(exts))
		for _, ext := range exts {
			m.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
		}
	}
}

// WithSimilarity sets the minimum title similarity, between 0 and 1, for movies.
func WithSimilarity(s float64) Option {
	return func(m *Matcher) {
		if s > 0 && s <= 1 {
			m.similarity = s
		}
	}
}

// New creates a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		minSize:    DefaultMinSize,
		similarity: DefaultSimilarity,
	}
	WithExtensions(DefaultExtensions)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidTitle reports whether a search result title is plausible for a search of the
// given kind. members are the targets the search is for.
func (m *Matcher) ValidTitle(kind catalog.Kind, members []catalog.Target, title string) bool {
	if len(members) == 0 {
		return false
	}
	switch kind {
	case catalog.KindSeason:
		return isComplete(title) && seasonToken(members[0].SeasonNumber).MatchString(title)
	case catalog.KindSeries:
		return isComplete(title)
	case catalog.KindMovie:
		return m.ValidMovie(members[0], title)
	default:
		return ValidEpisode(members[0], title)
	}
}

// ValidPath reports whether a file path inside a torrent belongs to the target.
func (m *Matcher) ValidPath(t catalog.Target, p string) bool {
	if t.Kind == catalog.KindMovie {
		for _, segment := range strings.Split(p, "/") {
			if m.ValidMovie(t, segment) {
				return true
			}
		}
		return false
	}
	return ValidEpisode(t, p)
}

// ValidEpisode matches the air-date token, sXXeYY or XXxYY numbering.
func ValidEpisode(t catalog.Target, s string) bool {
	if token := t.DateToken(); token != "" && strings.Contains(s, token) {
		return true
	}

	patterns := []string{
		fmt.Sprintf(`(?i)s0*%de0*%d([^0-9]|$)`, t.SeasonNumber, t.EpisodeNumber),
		fmt.Sprintf(`(?i)(^|[^0-9])0*%dx0*%d([^0-9]|$)`, t.SeasonNumber, t.EpisodeNumber),
	}
	for _, p := range patterns {
		if regexp.MustCompile(p).MatchString(s) {
			return true
		}
	}
	return false
}

// ValidMovie parses the release name and compares title and year.
func (m *Matcher) ValidMovie(t catalog.Target, s string) bool {
	release := rls.ParseString(s)
	if release.Title == "" {
		return false
	}
	if t.Year > 0 && release.Year > 0 && release.Year != t.Year {
		return false
	}
	return Similarity(t.Title, release.Title) >= m.similarity
}

// Similarity returns a score between 0 and 1 from the edit distance of two cleaned
// titles.
func Similarity(a, b string) float64 {
	a, b = CleanTitle(a), CleanTitle(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	return 1 - float64(fuzzy.LevenshteinDistance(a, b))/float64(longest)
}

// CleanTitle lowercases a title and strips separators and punctuation.
func CleanTitle(s string) string {
	s = titleCleaner.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

// Qualifies reports whether a file is a media file worth archiving: large enough, with a
// media extension, and not a trailer or sample.
func (m *Matcher) Qualifies(f File) bool {
	if f.Size < m.minSize {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(f.Path), "."))
	if !m.extensions[ext] {
		return false
	}
	base := strings.ToLower(path.Base(f.Path))
	if strings.Contains(base, "trailer") || sampleWord.MatchString(base) {
		return false
	}
	return true
}

// Locate returns the first qualifying file that belongs to the target.
func (m *Matcher) Locate(files []File, t catalog.Target) (File, error) {
	for _, f := range files {
		if !m.Qualifies(f) {
			continue
		}
		if m.ValidPath(t, f.Path) {
			return f, nil
		}
	}
	return File{}, fmt.Errorf("%w for %s", ErrNoMediaFile, t)
}

// LocateAll returns one qualifying file per target, failing if any target has none.
func (m *Matcher) LocateAll(files []File, targets []catalog.Target) (map[string]File, error) {
	out := make(map[string]File, len(targets))
	for _, t := range targets {
		f, err := m.Locate(files, t)
		if err != nil {
			return nil, err
		}
		out[t.ID] = f
	}
	return out, nil
}

func isComplete(s string) bool {
	return strings.Contains(strings.ToLower(s), "complete")
}

func seasonToken(season int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)(^|[^a-z])(s|season[ ._-]?)0*%d([^0-9]|$)`, season))
}
