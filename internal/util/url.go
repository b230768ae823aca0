package util

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Category is a coarse content bucket for a site URL. It is only used for reporting.
type Category string

const (
	CategoryHomepage  Category = "homepage"
	CategoryArticle   Category = "article"
	CategoryCategory  Category = "category"
	CategoryTag       Category = "tag"
	CategoryPaginated Category = "paginated"
	CategoryOther     Category = "other"
)

var htmlSuffix = regexp.MustCompile(`(?i)\.html?$`)

// articlePatterns match /category/slug, /2024/01/slug, /post/slug, /article/slug and /blog/slug
var articlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/[^/]+/[^/]+/?$`),
	regexp.MustCompile(`^/\d{4}/\d{2}/[^/]+/?$`),
	regexp.MustCompile(`^/posts?/[^/]+/?$`),
	regexp.MustCompile(`^/articles?/[^/]+/?$`),
	regexp.MustCompile(`^/blog/[^/]+/?$`),
}

// NormaliseDomain removes http/https prefix, www. and any path from a domain or URL
func NormaliseDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "www.")

	if idx := strings.IndexAny(domain, "/?#"); idx != -1 {
		domain = domain[:idx]
	}

	return strings.ToLower(domain)
}

// splitURL separates a raw URL into scheme+authority, path and query+fragment
// without re-encoding anything, so callers can edit the path in place.
func splitURL(rawURL string) (prefix, path, rest string) {
	schemeEnd := strings.Index(rawURL, "://")
	if schemeEnd == -1 {
		return "", rawURL, ""
	}

	authorityStart := schemeEnd + 3
	authorityEnd := strings.IndexAny(rawURL[authorityStart:], "/?#")
	if authorityEnd == -1 {
		return rawURL, "", ""
	}
	authorityEnd += authorityStart

	prefix = rawURL[:authorityEnd]
	remainder := rawURL[authorityEnd:]

	pathEnd := strings.IndexAny(remainder, "?#")
	if pathEnd == -1 {
		return prefix, remainder, ""
	}
	return prefix, remainder[:pathEnd], remainder[pathEnd:]
}

// RemoveHTMLSuffix strips trailing .html/.htm extensions (case-insensitive) from the URL path.
// Repeated suffixes are removed until none remain.
func RemoveHTMLSuffix(rawURL string) string {
	prefix, path, rest := splitURL(rawURL)
	for htmlSuffix.MatchString(path) {
		path = htmlSuffix.ReplaceAllString(path, "")
	}
	return prefix + path + rest
}

// IsValidURL reports whether rawURL is an absolute http(s) URL with a host and no whitespace or control characters
func IsValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}

	for _, r := range rawURL {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}

	return parsedURL.Hostname() != ""
}

// NormaliseURL cleans a single URL and returns an error if the result is not a valid absolute http(s) URL
func NormaliseURL(rawURL string) (string, error) {
	normalised := RemoveHTMLSuffix(strings.TrimSpace(rawURL))

	if !IsValidURL(normalised) {
		return "", fmt.Errorf("invalid URL format: %q", rawURL)
	}

	return normalised, nil
}

// NormaliseURLs normalises a batch of URLs. Invalid entries are dropped, duplicates
// collapse to their first occurrence. The result is stable under repeated application.
func NormaliseURLs(rawURLs []string) []string {
	normalised := make([]string, 0, len(rawURLs))
	seen := make(map[string]struct{}, len(rawURLs))

	for _, rawURL := range rawURLs {
		u, err := NormaliseURL(rawURL)
		if err != nil {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		normalised = append(normalised, u)
	}

	return normalised
}

// BelongsToDomain checks whether rawURL is hosted on the same domain as base.
// A leading www. is ignored on both sides.
func BelongsToDomain(rawURL, base string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	if u.Hostname() == "" || b.Hostname() == "" {
		return false
	}
	return NormaliseDomain(u.Hostname()) == NormaliseDomain(b.Hostname())
}

// NormaliseStats summarises one NormaliseURLs pass
type NormaliseStats struct {
	Input      int `json:"input"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

// Normaliser wraps the pure normalisation helpers with logging and optional
// filtering to the site's own domain.
type Normaliser struct {
	baseURL          string
	restrictToDomain bool
}

// NewNormaliser creates a Normaliser for the site that owns sitemapURL
func NewNormaliser(sitemapURL string, restrictToDomain bool) *Normaliser {
	return &Normaliser{
		baseURL:          ExtractBaseURL(sitemapURL),
		restrictToDomain: restrictToDomain,
	}
}

// ExtractBaseURL returns scheme://host of rawURL, or "" if it cannot be parsed
func ExtractBaseURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return ""
	}
	return u.Scheme + "://" + u.Hostname()
}

// Normalise runs NormaliseURLs with per-URL logging and returns the stats of the pass
func (n *Normaliser) Normalise(rawURLs []string) ([]string, NormaliseStats) {
	stats := NormaliseStats{Input: len(rawURLs)}
	normalised := make([]string, 0, len(rawURLs))
	seen := make(map[string]struct{}, len(rawURLs))

	for _, rawURL := range rawURLs {
		u, err := NormaliseURL(rawURL)
		if err != nil {
			stats.Invalid++
			log.Warn().Str("url", rawURL).Err(err).Msg("Skipping invalid URL")
			continue
		}
		if _, ok := seen[u]; ok {
			stats.Duplicates++
			log.Debug().Str("url", rawURL).Str("normalised", u).Msg("Duplicate URL removed")
			continue
		}
		if u != rawURL {
			log.Debug().Str("url", rawURL).Str("normalised", u).Msg("URL normalised")
		}
		seen[u] = struct{}{}
		normalised = append(normalised, u)
	}

	if n.restrictToDomain {
		normalised = n.FilterOwnDomain(normalised)
	}
	stats.Valid = len(normalised)

	log.Info().
		Int("input", stats.Input).
		Int("valid", stats.Valid).
		Int("invalid", stats.Invalid).
		Int("duplicates", stats.Duplicates).
		Msg("URL normalisation complete")

	return normalised, stats
}

// FilterOwnDomain drops URLs that are not hosted on the site's own domain
func (n *Normaliser) FilterOwnDomain(urls []string) []string {
	if n.baseURL == "" {
		log.Warn().Msg("Unable to determine site domain, skipping domain filter")
		return urls
	}

	filtered := make([]string, 0, len(urls))
	for _, u := range urls {
		if BelongsToDomain(u, n.baseURL) {
			filtered = append(filtered, u)
		}
	}

	if dropped := len(urls) - len(filtered); dropped > 0 {
		log.Info().
			Int("dropped", dropped).
			Str("base_url", n.baseURL).
			Msg("Filtered URLs on external domains")
	}

	return filtered
}

// Categorise buckets URLs by path heuristics
func (n *Normaliser) Categorise(urls []string) map[Category][]string {
	categories := make(map[Category][]string)

	for _, u := range urls {
		category := CategoriseURL(u)
		categories[category] = append(categories[category], u)
	}

	event := log.Info()
	for _, c := range []Category{CategoryHomepage, CategoryArticle, CategoryCategory, CategoryTag, CategoryPaginated, CategoryOther} {
		if count := len(categories[c]); count > 0 {
			event = event.Int(string(c), count)
		}
	}
	event.Msg("URL categories")

	return categories
}

// CategoriseURL returns the category for a single URL
func CategoriseURL(rawURL string) Category {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CategoryOther
	}

	path := strings.ToLower(u.Path)
	switch {
	case path == "" || path == "/":
		return CategoryHomepage
	case strings.Contains(path, "/category/") || strings.Contains(path, "/categories/"):
		return CategoryCategory
	case strings.Contains(path, "/tag/") || strings.Contains(path, "/tags/"):
		return CategoryTag
	case strings.Contains(path, "/page/"):
		return CategoryPaginated
	}

	for _, pattern := range articlePatterns {
		if pattern.MatchString(path) {
			return CategoryArticle
		}
	}
	return CategoryOther
}

// URLStats describes a raw URL list before normalisation
type URLStats struct {
	Total        int `json:"total"`
	HTMLSuffix   int `json:"html_suffix"`
	NoHTMLSuffix int `json:"no_html_suffix"`
	Unique       int `json:"unique"`
	Duplicates   int `json:"duplicates"`
}

// GetURLStats counts suffixed and duplicate entries in urls
func GetURLStats(urls []string) URLStats {
	unique := make(map[string]struct{}, len(urls))
	stats := URLStats{Total: len(urls)}

	for _, u := range urls {
		unique[u] = struct{}{}
		if strings.HasSuffix(strings.ToLower(u), ".html") {
			stats.HTMLSuffix++
		} else {
			stats.NoHTMLSuffix++
		}
	}

	stats.Unique = len(unique)
	stats.Duplicates = stats.Total - stats.Unique
	return stats
}
