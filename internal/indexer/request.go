package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
)

const maxErrorBody = 512

// requester performs JSON GET requests, retrying rate-limited responses on a fixed
// ladder of delays.
type requester struct {
	httpClient *http.Client
	delays     []time.Duration
	logger     zerolog.Logger
}

func (r *requester) getJSON(ctx context.Context, url string, header http.Header, out any) error {
	return retry.Do(
		func() error {
			return r.once(ctx, url, header, out)
		},
		retry.Context(ctx),
		retry.Attempts(uint(len(r.delays))+1),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if len(r.delays) == 0 {
				return 0
			}
			return r.delays[min(int(n), len(r.delays)-1)]
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errRateLimited)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn().Err(err).Uint("attempt", n+1).Msg("index rate limited, retrying")
		}),
		retry.LastErrorOnly(true),
	)
}

func (r *requester) once(ctx context.Context, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", errRateLimited, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("search request: unexpected status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	return nil
}
