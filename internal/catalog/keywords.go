package catalog

import "sort"

// Direction tells whether a keyword is added to the query or filters results.
type Direction string

const (
	// Include keywords are appended to the search query.
	Include Direction = "include"
	// Exclude keywords reject results whose title contains them.
	Exclude Direction = "exclude"
)

// Scope is the level of the hierarchy a keyword is assigned to.
type Scope string

const (
	// ScopeTarget assigns a keyword to a single target.
	ScopeTarget Scope = "target"
	// ScopeSeason assigns a keyword to every episode of a season.
	ScopeSeason Scope = "season"
	// ScopeShow assigns a keyword to every episode of a show.
	ScopeShow Scope = "show"
	// ScopeCollection assigns a keyword to every movie of a collection.
	ScopeCollection Scope = "collection"
)

// Keyword is a search word in a category.
type Keyword struct {
	ID           string
	Category     string
	Word         string
	Direction    Direction
	TVDefault    bool
	MovieDefault bool
}

// KeywordSet holds resolved keywords split by direction.
type KeywordSet struct {
	Include []string
	Exclude []string
}

// ResolveKeywords picks, per category, the keywords of the most specific level that has
// any. levels are ordered from most to least specific (target, parent, grandparent);
// defaults apply to categories no level covers.
func ResolveKeywords(levels [][]Keyword, defaults []Keyword) KeywordSet {
	picked := make(map[string][]Keyword)

	for _, level := range levels {
		byCategory := groupByCategory(level)
		for category, words := range byCategory {
			if _, ok := picked[category]; ok {
				continue
			}
			picked[category] = words
		}
	}

	for category, words := range groupByCategory(defaults) {
		if _, ok := picked[category]; ok {
			continue
		}
		picked[category] = words
	}

	categories := make([]string, 0, len(picked))
	for category := range picked {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var set KeywordSet
	seen := make(map[string]bool)
	for _, category := range categories {
		for _, kw := range picked[category] {
			key := string(kw.Direction) + ":" + kw.Word
			if seen[key] {
				continue
			}
			seen[key] = true

			if kw.Direction == Exclude {
				set.Exclude = append(set.Exclude, kw.Word)
			} else {
				set.Include = append(set.Include, kw.Word)
			}
		}
	}

	return set
}

func groupByCategory(keywords []Keyword) map[string][]Keyword {
	out := make(map[string][]Keyword)
	for _, kw := range keywords {
		out[kw.Category] = append(out[kw.Category], kw)
	}
	return out
}
