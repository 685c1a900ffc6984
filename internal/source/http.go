package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"gradcafe/ingest/internal/model"
)

const (
	defaultPageSize = 50
	httpTimeout     = 15 * time.Second
	maxBodyBytes    = 16 << 20
)

// HTTP reads records from a paged JSON endpoint:
//
//	GET <base>?offset=<n>&limit=<m>  →  {"results": [ {...}, ... ]}
//
// The marker of a record is its 1-based offset in the listing. Requests are
// paced by a token bucket so a large limit cannot hammer the upstream.
type HTTP struct {
	BaseURL  string
	PageSize int

	client  *http.Client
	limiter *rate.Limiter
}

var _ Source = (*HTTP)(nil)

// NewHTTP constructs a source with a bounded client timeout. rps <= 0
// disables pacing.
func NewHTTP(baseURL string, rps float64) *HTTP {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &HTTP{
		BaseURL:  baseURL,
		PageSize: defaultPageSize,
		client:   &http.Client{Timeout: httpTimeout},
		limiter:  limiter,
	}
}

type listing struct {
	Results []json.RawMessage `json:"results"`
}

// Fetch walks pages from the marker until limit records are collected or a
// short page marks the end of the listing.
func (h *HTTP) Fetch(ctx context.Context, after int64, limit int) (Page, error) {
	page := Page{Next: after}
	pageSize := h.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	for len(page.Records) < limit {
		want := min(pageSize, limit-len(page.Records))
		batch, err := h.fetchPage(ctx, page.Next, want)
		if err != nil {
			return Page{}, fmt.Errorf("offset %d: %w", page.Next, err)
		}
		for i, raw := range batch {
			page.Records = append(page.Records, RawRecord{
				Marker: page.Next + int64(i) + 1,
				Key:    model.KeyOf(raw),
				Data:   raw,
			})
		}
		page.Next += int64(len(batch))
		if len(batch) < want {
			page.Done = true
			break
		}
	}
	return page, nil
}

func (h *HTTP) fetchPage(ctx context.Context, offset int64, limit int) ([]json.RawMessage, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http GET: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var l listing
	if err := json.Unmarshal(body, &l); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	if len(l.Results) > limit {
		l.Results = l.Results[:limit]
	}
	return l.Results, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
