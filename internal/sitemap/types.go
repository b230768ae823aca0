package sitemap

import (
	"strings"
	"time"
)

// ChangeFrequency is the sitemaps.org changefreq value of an entry
type ChangeFrequency string

const (
	ChangeAlways  ChangeFrequency = "always"
	ChangeHourly  ChangeFrequency = "hourly"
	ChangeDaily   ChangeFrequency = "daily"
	ChangeWeekly  ChangeFrequency = "weekly"
	ChangeMonthly ChangeFrequency = "monthly"
	ChangeYearly  ChangeFrequency = "yearly"
	ChangeNever   ChangeFrequency = "never"
)

// ParseChangeFrequency returns the matching ChangeFrequency or "" for unknown values
func ParseChangeFrequency(s string) ChangeFrequency {
	switch f := ChangeFrequency(strings.ToLower(strings.TrimSpace(s))); f {
	case ChangeAlways, ChangeHourly, ChangeDaily, ChangeWeekly, ChangeMonthly, ChangeYearly, ChangeNever:
		return f
	default:
		return ""
	}
}

// Entry is a single <url> record from a sitemap
type Entry struct {
	Loc        string          `json:"loc"`
	LastMod    string          `json:"lastmod,omitempty"`
	ChangeFreq ChangeFrequency `json:"changefreq,omitempty"`
	Priority   *float64        `json:"priority,omitempty"`
}

// W3C datetime forms accepted in <lastmod>
var lastModLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// LastModified parses LastMod. ok is false when the entry has no usable date.
func (e Entry) LastModified() (t time.Time, ok bool) {
	raw := strings.TrimSpace(e.LastMod)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range lastModLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// Snapshot is one fetched copy of the sitemap. Loc is unique within URLs.
type Snapshot struct {
	URLs        []Entry    `json:"urls"`
	Hash        string     `json:"hash"`
	LastFetched time.Time  `json:"lastFetched"`
	CachedAt    *time.Time `json:"cachedAt,omitempty"`
	Version     string     `json:"version,omitempty"`
}

// Locations returns the entry URLs in sitemap order
func (s *Snapshot) Locations() []string {
	if s == nil {
		return nil
	}
	locs := make([]string, len(s.URLs))
	for i, e := range s.URLs {
		locs[i] = e.Loc
	}
	return locs
}

// DiffMode records which branch of the delta policy produced a result
type DiffMode string

const (
	DiffFirstRun  DiffMode = "first_run"
	DiffUnchanged DiffMode = "unchanged"
	DiffChanged   DiffMode = "changed"
	DiffAnomaly   DiffMode = "anomaly_capped"
)

// Delta is the outcome of comparing the current snapshot to the cached one
type Delta struct {
	NewURLs []string
	Mode    DiffMode
	// RawCount is the size of the delta before any cap was applied
	RawCount int
}

// DetectResult is returned by DetectChanges
type DetectResult struct {
	NewURLs []string
	Current *Snapshot
	Delta   Delta
	// Changed is false when the content hash matches the cached snapshot
	Changed bool
}
