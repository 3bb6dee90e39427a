package indexer

import (
	"context"
	"net/url"
	"strconv"

	"github.com/auto3t/auto3t/internal/catalog"
)

// jackett queries the aggregate endpoint of a Jackett instance.
type jackett struct {
	name       string
	baseURL    string
	apiKey     string
	categories categoryMap
	requester
}

type jackettResponse struct {
	Results []jackettResult `json:"Results"`
}

type jackettResult struct {
	Title     string `json:"Title"`
	Seeders   int    `json:"Seeders"`
	Size      int64  `json:"Size"`
	MagnetURI string `json:"MagnetUri"`
	Link      string `json:"Link"`
	Tracker   string `json:"Tracker"`
}

func (j *jackett) Name() string {
	return j.name
}

func (j *jackett) Search(ctx context.Context, text string, kind catalog.Kind) ([]Result, error) {
	params := url.Values{
		"apikey":     {j.apiKey},
		"Query":      {text},
		"Category[]": {strconv.Itoa(j.categories.forKind(kind))},
	}

	var resp jackettResponse
	if err := j.getJSON(ctx, j.baseURL+"/api/v2.0/indexers/all/results?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, Result{
			Title:     r.Title,
			Seeders:   r.Seeders,
			Size:      r.Size,
			MagnetURI: r.MagnetURI,
			Link:      r.Link,
			Indexer:   r.Tracker,
		})
	}

	j.logger.Debug().Str("query", text).Int("results", len(results)).Msg("jackett search")
	return results, nil
}
