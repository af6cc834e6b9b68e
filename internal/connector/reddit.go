package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antigravity-dev/pulz/internal/store"
)

// Reddit polls a subreddit's public new.json listing.
type Reddit struct {
	subreddit string
	limit     int
	client    *http.Client
	baseURL   string

	mu           sync.Mutex
	etag         string
	lastModified string
}

// NewReddit creates a connector for one subreddit. A limit of 0 uses the
// default page size of 20.
func NewReddit(subreddit string, limit int) *Reddit {
	if limit <= 0 {
		limit = 20
	}
	return &Reddit{
		subreddit: subreddit,
		limit:     limit,
		client:    &http.Client{Timeout: 15 * time.Second},
		baseURL:   "https://www.reddit.com",
	}
}

// Name returns the catalogue-facing source name.
func (r *Reddit) Name() string {
	return "reddit:r/" + r.subreddit
}

// SetBaseURL overrides the reddit endpoint (used in tests).
func (r *Reddit) SetBaseURL(base string) {
	r.baseURL = strings.TrimSuffix(base, "/")
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data map[string]any `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// FetchSignals polls the listing, honouring conditional-fetch validators.
// A 304 response yields an empty list without error.
func (r *Reddit) FetchSignals(ctx context.Context) ([]Signal, error) {
	url := fmt.Sprintf("%s/r/%s/new.json?limit=%d", r.baseURL, r.subreddit, r.limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connector: reddit request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	r.mu.Lock()
	if r.etag != "" {
		req.Header.Set("If-None-Match", r.etag)
	}
	if r.lastModified != "" {
		req.Header.Set("If-Modified-Since", r.lastModified)
	}
	r.mu.Unlock()

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector: reddit fetch r/%s: %w", r.subreddit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connector: reddit fetch r/%s: status %d", r.subreddit, resp.StatusCode)
	}

	r.mu.Lock()
	if etag := resp.Header.Get("ETag"); etag != "" {
		r.etag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		r.lastModified = lm
	}
	r.mu.Unlock()

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("connector: reddit decode r/%s: %w", r.subreddit, err)
	}

	now := time.Now().UTC()
	signals := make([]Signal, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		data := child.Data
		if data == nil {
			continue
		}
		createdAt := now.Format(store.TimeLayout)
		if createdUTC, ok := data["created_utc"].(float64); ok && createdUTC > 0 {
			createdAt = time.Unix(int64(createdUTC), 0).UTC().Format(store.TimeLayout)
		}
		url := stringField(data, "url")
		if url == "" {
			url = "https://www.reddit.com" + stringField(data, "permalink")
		}
		author := stringField(data, "author")
		if author == "" {
			author = "unknown"
		}
		signals = append(signals, Signal{
			ID:          stringField(data, "id"),
			Source:      r.Name(),
			URL:         url,
			Title:       strings.TrimSpace(stringField(data, "title")),
			BodyExcerpt: truncateExcerpt(strings.TrimSpace(stringField(data, "selftext"))),
			Author:      author,
			CreatedAt:   createdAt,
			Raw:         data,
			ContactHint: stringField(data, "author"),
		})
	}
	return signals, nil
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
