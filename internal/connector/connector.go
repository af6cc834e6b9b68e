// Package connector implements per-source pollers that normalise external
// posts into Signal records.
package connector

import (
	"context"
	"fmt"

	"github.com/antigravity-dev/pulz/internal/config"
)

// UserAgent identifies the engine on every outbound poll.
const UserAgent = "PulZOpportunityEngine/1.0 (+https://pulz.local)"

// excerptLimit caps signal bodies.
const excerptLimit = 400

// Signal is a normalised external post considered as a potential
// opportunity.
type Signal struct {
	ID          string
	Source      string
	URL         string
	Title       string
	BodyExcerpt string
	Author      string
	CreatedAt   string
	Raw         map[string]any
	ContactHint string
}

// Connector polls one external source. Implementations honour conditional
// fetch caching and return an empty list on 304 Not Modified.
type Connector interface {
	Name() string
	FetchSignals(ctx context.Context) ([]Signal, error)
}

// FromCatalogue resolves a catalogue entry into a connector.
func FromCatalogue(name string, src config.Source) (Connector, error) {
	switch src.Kind {
	case "reddit":
		return NewReddit(src.Subreddit, src.Limit), nil
	case "rss":
		return NewRSS(name, src.URL), nil
	default:
		return nil, fmt.Errorf("connector: unknown kind %q for source %s", src.Kind, name)
	}
}

// truncateExcerpt bounds body text without splitting a multi-byte rune.
func truncateExcerpt(text string) string {
	if len(text) <= excerptLimit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= excerptLimit {
		return text
	}
	return string(runes[:excerptLimit])
}
