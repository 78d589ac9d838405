package sources

import (
	"net/url"
	"strings"
)

// Tier classifies the authority of a source's domain, most to least
// authoritative.
type Tier string

const (
	TierAuthoritative Tier = "T1" // accredited registries, class societies, AIS trackers
	TierIndustry      Tier = "T2" // trade press, industry forums
	TierGeneric       Tier = "T3" // generic or commercial sites
)

// Source is a single piece of retrieved evidence. Identity is the canonical
// URL; the aggregator may attach Tier and RankScore after retrieval.
type Source struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Content   string  `json:"content"`
	RankScore float64 `json:"rank_score"`
	Tier      Tier    `json:"tier"`
	// IntelScore is an externally supplied content-intelligence signal,
	// optional; zero means absent.
	IntelScore float64 `json:"intel_score,omitempty"`
}

// trackingParams are query parameters ignored for URL identity.
var trackingParams = map[string]bool{
	"gclid":  true,
	"fbclid": true,
	"msclkid": true,
	"ref":    true,
	"source": true,
}

// CanonicalURL normalizes a URL for identity comparison: lowercased,
// fragment removed, tracking parameters stripped, trailing slash dropped.
// Unparseable URLs fall back to lowercased trimmed input.
func CanonicalURL(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(s, "/"))
	}
	u.Fragment = ""
	q := u.Query()
	for k := range q {
		if trackingParams[k] || strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return strings.ToLower(u.String())
}

// Domain extracts the registrable host from a URL, without ports or a
// leading "www.".
func Domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
