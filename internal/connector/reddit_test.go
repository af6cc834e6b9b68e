package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const redditListingBody = `{
  "data": {
    "children": [
      {"data": {"id": "abc", "title": " Need a tool ", "selftext": "Looking for a PDF generator", "author": "alice", "created_utc": 1754042400, "url": "https://example.com/post"}},
      {"data": {"id": "def", "title": "No url post", "selftext": "", "author": "", "permalink": "/r/smallbusiness/comments/def/"}}
    ]
  }
}`

func TestRedditFetchSignals(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Fri, 01 Aug 2026 10:00:00 GMT")
		w.Write([]byte(redditListingBody))
	}))
	defer srv.Close()

	conn := NewReddit("smallbusiness", 20)
	conn.SetBaseURL(srv.URL)

	signals, err := conn.FetchSignals(context.Background())
	if err != nil {
		t.Fatalf("FetchSignals failed: %v", err)
	}
	if gotUA != UserAgent {
		t.Errorf("user agent = %q", gotUA)
	}
	if len(signals) != 2 {
		t.Fatalf("signals = %d, want 2", len(signals))
	}

	first := signals[0]
	if first.ID != "abc" || first.Source != "reddit:r/smallbusiness" {
		t.Errorf("first = %+v", first)
	}
	if first.Title != "Need a tool" {
		t.Errorf("title not trimmed: %q", first.Title)
	}
	if first.CreatedAt != "2025-08-01T10:00:00Z" {
		t.Errorf("created_at = %q", first.CreatedAt)
	}
	if first.ContactHint != "alice" {
		t.Errorf("contact_hint = %q", first.ContactHint)
	}

	second := signals[1]
	if second.URL != "https://www.reddit.com/r/smallbusiness/comments/def/" {
		t.Errorf("permalink url = %q", second.URL)
	}
	if second.Author != "unknown" {
		t.Errorf("author = %q", second.Author)
	}
}

func TestRedditConditionalFetch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("ETag", `"v1"`)
			w.Write([]byte(`{"data": {"children": []}}`))
			return
		}
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("missing If-None-Match on call %d", calls)
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	conn := NewReddit("smallbusiness", 5)
	conn.SetBaseURL(srv.URL)

	if _, err := conn.FetchSignals(context.Background()); err != nil {
		t.Fatal(err)
	}
	signals, err := conn.FetchSignals(context.Background())
	if err != nil {
		t.Fatalf("304 must not be an error: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("304 signals = %d, want 0", len(signals))
	}
}

func TestRedditTruncatesBody(t *testing.T) {
	long := strings.Repeat("x", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"children": [{"data": {"id": "a", "title": "t", "selftext": "` + long + `", "author": "u", "url": "https://e.com"}}]}}`))
	}))
	defer srv.Close()

	conn := NewReddit("smallbusiness", 5)
	conn.SetBaseURL(srv.URL)
	signals, err := conn.FetchSignals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(signals[0].BodyExcerpt); got != 400 {
		t.Errorf("body excerpt length = %d, want 400", got)
	}
}

func TestRedditServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	conn := NewReddit("smallbusiness", 5)
	conn.SetBaseURL(srv.URL)
	if _, err := conn.FetchSignals(context.Background()); err == nil {
		t.Fatal("expected error on 502")
	}
}
