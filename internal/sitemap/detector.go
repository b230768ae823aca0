package sitemap

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "sitemap-submitter/1.0"
	maxSitemapBytes  = 50 << 20
)

// Config controls how the sitemap is fetched and how deltas are capped
type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration

	// FirstRunLimit caps the delta when no cached snapshot exists
	FirstRunLimit int
	// AnomalyThreshold is the delta size above which the cache is assumed to be stale
	AnomalyThreshold int
	// AnomalyLimit caps the delta once AnomalyThreshold is exceeded
	AnomalyLimit int
	// MaxBytes bounds the sitemap body; zero means 50 MiB
	MaxBytes int64
}

// DefaultConfig returns the standard delta policy: 5 on first run, 10 once more than 20 URLs appear at once
func DefaultConfig(sitemapURL string) Config {
	return Config{
		URL:              sitemapURL,
		UserAgent:        defaultUserAgent,
		Timeout:          defaultTimeout,
		FirstRunLimit:    5,
		AnomalyThreshold: 20,
		AnomalyLimit:     10,
		MaxBytes:         maxSitemapBytes,
	}
}

// SnapshotStore supplies the previously cached snapshot, or nil on first run
type SnapshotStore interface {
	GetCachedSitemap() *Snapshot
}

// FetchError is returned when the sitemap cannot be fetched or parsed
type FetchError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("sitemap fetch timeout: %s: %v", e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("sitemap fetch failed: %s: HTTP %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("sitemap fetch failed: %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPStatus exposes the response status for error classification
func (e *FetchError) HTTPStatus() int { return e.StatusCode }

// ParseError marks a body that is not a usable sitemap document
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("invalid sitemap XML: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// Permanent marks the error as not worth retrying
func (e *ParseError) Permanent() bool { return true }

// SizeLimitError reports a sitemap body larger than Config.MaxBytes
type SizeLimitError struct {
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("sitemap exceeds size limit of %d bytes", e.Limit)
}

// Permanent marks the error as not worth retrying
func (e *SizeLimitError) Permanent() bool { return true }

// Detector fetches the sitemap and works out which URLs are new since the last run
type Detector struct {
	config Config
	client *http.Client
	store  SnapshotStore
	now    func() time.Time
}

// NewDetector creates a Detector. A nil client gets one with the configured timeout.
func NewDetector(config Config, store SnapshotStore, client *http.Client) *Detector {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = maxSitemapBytes
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &Detector{
		config: config,
		client: client,
		store:  store,
		now:    time.Now,
	}
}

// DetectChanges fetches the current sitemap and diffs it against the cached snapshot
func (d *Detector) DetectChanges(ctx context.Context) (*DetectResult, error) {
	log.Info().Str("sitemap_url", d.config.URL).Msg("Detecting sitemap changes")

	current, err := d.FetchSitemap(ctx)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("url_count", len(current.URLs)).
		Str("hash", current.Hash).
		Msg("Fetched sitemap")

	var cached *Snapshot
	if d.store != nil {
		cached = d.store.GetCachedSitemap()
	}

	delta := d.CompareAndExtractNew(current, cached)

	if len(delta.NewURLs) > 0 {
		log.Info().
			Int("new_urls", len(delta.NewURLs)).
			Str("mode", string(delta.Mode)).
			Strs("urls", delta.NewURLs).
			Msg("New URLs detected")
	} else {
		log.Info().Str("mode", string(delta.Mode)).Msg("No new URLs detected")
	}

	return &DetectResult{
		NewURLs: delta.NewURLs,
		Current: current,
		Delta:   delta,
		Changed: cached == nil || cached.Hash != current.Hash,
	}, nil
}

// FetchSitemap downloads and parses the configured sitemap
func (d *Detector) FetchSitemap(ctx context.Context) (*Snapshot, error) {
	log.Debug().Str("sitemap_url", d.config.URL).Msg("Fetching sitemap")

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.config.URL, nil)
	if err != nil {
		return nil, &FetchError{URL: d.config.URL, Err: err}
	}
	req.Header.Set("User-Agent", d.config.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: d.config.URL, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			URL:        d.config.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.config.MaxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: d.config.URL, Timeout: isTimeout(err), Err: err}
	}
	if int64(len(body)) > d.config.MaxBytes {
		return nil, &FetchError{URL: d.config.URL, Err: &SizeLimitError{Limit: d.config.MaxBytes}}
	}

	log.Debug().
		Str("sitemap_url", d.config.URL).
		Int("content_length", len(body)).
		Str("content_sample", string(body[:min(100, len(body))])).
		Msg("Sitemap content received")

	entries, err := ParseSitemap(body)
	if err != nil {
		return nil, &FetchError{URL: d.config.URL, Err: err}
	}

	return &Snapshot{
		URLs:        entries,
		Hash:        ContentHash(body),
		LastFetched: d.now().UTC(),
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []xmlURL `xml:"url"`
}

type xmlURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// ParseSitemap extracts entries from a urlset document. A sitemapindex yields no
// entries; nested sitemaps are not followed.
func ParseSitemap(body []byte) ([]Entry, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charset.NewReaderLabel

	var root xml.StartElement
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return nil, &ParseError{Err: errors.New("no root element")}
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		if start, ok := tok.(xml.StartElement); ok {
			root = start
			break
		}
	}

	switch root.Name.Local {
	case "urlset":
		var set urlSet
		if err := decoder.DecodeElement(&set, &root); err != nil {
			return nil, &ParseError{Err: err}
		}
		return collectEntries(set.URLs), nil

	case "sitemapindex":
		var index sitemapIndex
		if err := decoder.DecodeElement(&index, &root); err != nil {
			return nil, &ParseError{Err: err}
		}
		children := make([]string, 0, len(index.Sitemaps))
		for _, s := range index.Sitemaps {
			children = append(children, strings.TrimSpace(s.Loc))
		}
		log.Warn().
			Int("child_sitemaps", len(children)).
			Strs("sitemaps", children).
			Msg("Sitemap index detected; nested sitemaps are not fetched")
		return []Entry{}, nil

	default:
		return nil, &ParseError{Err: fmt.Errorf("unexpected root element <%s>", root.Name.Local)}
	}
}

// collectEntries converts raw records and collapses duplicate locations, keeping
// the first position and the most recent lastmod
func collectEntries(raw []xmlURL) []Entry {
	entries := make([]Entry, 0, len(raw))
	index := make(map[string]int, len(raw))

	for _, r := range raw {
		loc := strings.TrimSpace(r.Loc)
		if loc == "" {
			continue
		}

		entry := Entry{
			Loc:        loc,
			LastMod:    strings.TrimSpace(r.LastMod),
			ChangeFreq: ParseChangeFrequency(r.ChangeFreq),
			Priority:   parsePriority(loc, r.Priority),
		}

		if i, ok := index[loc]; ok {
			if newerThan(entry, entries[i]) {
				entries[i] = entry
			}
			continue
		}

		index[loc] = len(entries)
		entries = append(entries, entry)
	}

	return entries
}

func parsePriority(loc, raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil || p < 0 || p > 1 {
		log.Debug().Str("url", loc).Str("priority", raw).Msg("Ignoring invalid sitemap priority")
		return nil
	}
	return &p
}

func newerThan(a, b Entry) bool {
	at, aok := a.LastModified()
	bt, bok := b.LastModified()
	switch {
	case !aok:
		return false
	case !bok:
		return true
	default:
		return at.After(bt)
	}
}

// ContentHash returns the hex MD5 digest of the raw sitemap body
func ContentHash(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// CompareAndExtractNew applies the delta policy:
//   - no cached snapshot: the FirstRunLimit most recent URLs
//   - identical hash: nothing, regardless of URL lists
//   - otherwise the set difference, capped to the AnomalyLimit most recent
//     when it exceeds AnomalyThreshold
//
// The anomaly cap can under-submit on a genuine bulk import; the
// threshold is configurable for that reason.
func (d *Detector) CompareAndExtractNew(current, cached *Snapshot) Delta {
	if cached == nil {
		recent := mostRecent(current.URLs, d.config.FirstRunLimit)
		log.Info().
			Int("selected", len(recent)).
			Int("available", len(current.URLs)).
			Msg("No cached sitemap, selecting most recent URLs for first run")
		return Delta{NewURLs: recent, Mode: DiffFirstRun, RawCount: len(current.URLs)}
	}

	if current.Hash == cached.Hash {
		log.Debug().Str("hash", current.Hash).Msg("Sitemap hash unchanged")
		return Delta{NewURLs: []string{}, Mode: DiffUnchanged}
	}

	known := make(map[string]struct{}, len(cached.URLs))
	for _, e := range cached.URLs {
		known[e.Loc] = struct{}{}
	}

	var added []Entry
	for _, e := range current.URLs {
		if _, ok := known[e.Loc]; !ok {
			added = append(added, e)
		}
	}

	if len(added) > d.config.AnomalyThreshold {
		capped := mostRecent(added, d.config.AnomalyLimit)
		log.Warn().
			Int("new_urls", len(added)).
			Int("threshold", d.config.AnomalyThreshold).
			Int("submitted", len(capped)).
			Msg("Unusually large sitemap delta, possible cache problem; limiting to most recent URLs")
		return Delta{NewURLs: capped, Mode: DiffAnomaly, RawCount: len(added)}
	}

	locs := make([]string, len(added))
	for i, e := range added {
		locs[i] = e.Loc
	}
	return Delta{NewURLs: locs, Mode: DiffChanged, RawCount: len(added)}
}

// mostRecent returns up to limit locations ordered by lastmod, newest first.
// Entries without a usable date sort last, keeping sitemap order among themselves.
func mostRecent(entries []Entry, limit int) []string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)

	sort.SliceStable(sorted, func(i, j int) bool {
		return newerThan(sorted[i], sorted[j])
	})

	if limit >= 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	locs := make([]string, len(sorted))
	for i, e := range sorted {
		locs[i] = e.Loc
	}
	return locs
}
