// Package categorize maps URLs to normalized domains and domains to category
// labels. Both operations are pure, fast, and never fail: unclassifiable
// input falls back to a default label.
package categorize

import (
	"net/url"
	"strings"
)

// Category labels.
const (
	Video    = "Video"
	Social   = "Social"
	Work     = "Work"
	News     = "News"
	Shopping = "Shopping"
	Other    = "Other"
)

// Domain extracts the normalized hostname from a URL: lowercased, leading
// "www." stripped. Returns "" for unparsable input or input with no host.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// Categorizer classifies (domain, title) pairs. A user override map wins over
// the keyword heuristic.
type Categorizer struct {
	overrides map[string]string
}

// New creates a Categorizer with the given domain-to-label overrides. A nil
// map is allowed.
func New(overrides map[string]string) *Categorizer {
	return &Categorizer{overrides: overrides}
}

// Categorize returns the category label for a domain and page title.
func (c *Categorizer) Categorize(domain, title string) string {
	if label, ok := c.overrides[domain]; ok {
		return label
	}

	t := strings.ToLower(domain + " " + title)
	switch {
	case containsAny(t, "youtube", "netflix", "twitch", "video"):
		return Video
	case containsAny(t, "facebook", "instagram", "twitter", "x.com", "tiktok", "reddit"):
		return Social
	case containsAny(t, "docs", "notion", "github", "gitlab", "jira", "slack"):
		return Work
	case strings.Contains(t, "news"):
		return News
	case containsAny(t, "shopping", "shop", "store", "amazon", "ebay"):
		return Shopping
	default:
		return Other
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
