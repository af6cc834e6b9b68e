package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/antigravity-dev/pulz/internal/store"
)

// RSS polls a syndication feed. Parsing handles both RSS (channel/item)
// and Atom (entry) documents.
type RSS struct {
	name    string
	feedURL string
	client  *http.Client
	parser  *gofeed.Parser

	mu           sync.Mutex
	etag         string
	lastModified string
}

// NewRSS creates a connector for one feed URL.
func NewRSS(name, feedURL string) *RSS {
	return &RSS{
		name:    name,
		feedURL: feedURL,
		client:  &http.Client{Timeout: 20 * time.Second},
		parser:  gofeed.NewParser(),
	}
}

// Name returns the catalogue-facing source name.
func (r *RSS) Name() string {
	return "rss:" + r.name
}

// SetFeedURL overrides the feed endpoint (used in tests).
func (r *RSS) SetFeedURL(url string) {
	r.feedURL = url
}

// FetchSignals polls the feed, honouring conditional-fetch validators.
// A 304 response yields an empty list without error.
func (r *RSS) FetchSignals(ctx context.Context) ([]Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connector: rss request: %w", err)
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
		return nil, fmt.Errorf("connector: rss fetch %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connector: rss fetch %s: status %d", r.name, resp.StatusCode)
	}

	r.mu.Lock()
	if etag := resp.Header.Get("ETag"); etag != "" {
		r.etag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		r.lastModified = lm
	}
	r.mu.Unlock()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("connector: rss read %s: %w", r.name, err)
	}
	feed, err := r.parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("connector: rss parse %s: %w", r.name, err)
	}

	now := time.Now().UTC().Format(store.TimeLayout)
	signals := make([]Signal, 0, len(feed.Items))
	for _, item := range feed.Items {
		summary := strings.TrimSpace(item.Description)
		author := itemAuthor(item)
		createdAt := itemTimestamp(item, now)
		id := item.GUID
		if id == "" {
			id = item.Link
		}
		contactHint := ""
		if author != "unknown" {
			contactHint = author
		}
		signals = append(signals, Signal{
			ID:          id,
			Source:      r.Name(),
			URL:         item.Link,
			Title:       strings.TrimSpace(item.Title),
			BodyExcerpt: truncateExcerpt(summary),
			Author:      author,
			CreatedAt:   createdAt,
			Raw: map[string]any{
				"title":   item.Title,
				"url":     item.Link,
				"summary": summary,
			},
			ContactHint: contactHint,
		})
	}
	return signals, nil
}

func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
		return strings.TrimSpace(item.Author.Name)
	}
	for _, person := range item.Authors {
		if person != nil && strings.TrimSpace(person.Name) != "" {
			return strings.TrimSpace(person.Name)
		}
	}
	return "unknown"
}

func itemTimestamp(item *gofeed.Item, fallback string) string {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC().Format(store.TimeLayout)
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC().Format(store.TimeLayout)
	}
	if item.Published != "" {
		return item.Published
	}
	if item.Updated != "" {
		return item.Updated
	}
	return fallback
}
