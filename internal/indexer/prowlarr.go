package indexer

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/auto3t/auto3t/internal/catalog"
)

// prowlarr queries the search endpoint of a Prowlarr instance.
type prowlarr struct {
	name       string
	baseURL    string
	apiKey     string
	categories categoryMap
	requester
}

type prowlarrResult struct {
	Title       string `json:"title"`
	Seeders     int    `json:"seeders"`
	Size        int64  `json:"size"`
	MagnetURL   string `json:"magnetUrl"`
	DownloadURL string `json:"downloadUrl"`
	Indexer     string `json:"indexer"`
}

func (p *prowlarr) Name() string {
	return p.name
}

func (p *prowlarr) Search(ctx context.Context, text string, kind catalog.Kind) ([]Result, error) {
	params := url.Values{
		"query":      {text},
		"categories": {strconv.Itoa(p.categories.forKind(kind))},
		"type":       {"search"},
	}
	header := http.Header{"X-Api-Key": {p.apiKey}}

	var resp []prowlarrResult
	if err := p.getJSON(ctx, p.baseURL+"/api/v1/search?"+params.Encode(), header, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp))
	for _, r := range resp {
		results = append(results, Result{
			Title:     r.Title,
			Seeders:   r.Seeders,
			Size:      r.Size,
			MagnetURI: r.MagnetURL,
			Link:      r.DownloadURL,
			Indexer:   r.Indexer,
		})
	}

	p.logger.Debug().Str("query", text).Int("results", len(results)).Msg("prowlarr search")
	return results, nil
}
