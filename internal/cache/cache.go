// Package cache persists the last sitemap snapshot and the submission history as JSON files.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/provider"
	"github.com/Harvey-AU/sitemap-submitter/internal/sitemap"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	formatVersion = "1.0"

	DefaultDirectory         = ".cache"
	DefaultSitemapFile       = "sitemap-cache.json"
	DefaultSubmissionLogFile = "submission-log.json"
	DefaultMaxHistory        = 100
)

// Config locates the cache files
type Config struct {
	Directory         string
	SitemapFile       string
	SubmissionLogFile string
	MaxHistory        int
}

// SubmissionRecord is one submission cycle. Records are never modified once written.
type SubmissionRecord struct {
	ID            string                            `json:"id"`
	Timestamp     time.Time                         `json:"timestamp"`
	Success       bool                              `json:"success"`
	TotalURLs     int                               `json:"totalUrls"`
	SubmittedURLs []string                          `json:"submittedUrls"`
	FailedURLs    []string                          `json:"failedUrls"`
	Providers     map[provider.Name]provider.Result `json:"providers"`
}

// EngineStatistics are cumulative counts for one provider
type EngineStatistics struct {
	TotalSubmissions      int `json:"totalSubmissions"`
	SuccessfulSubmissions int `json:"successfulSubmissions"`
	FailedSubmissions     int `json:"failedSubmissions"`
}

// Statistics are cumulative counts across all recorded cycles
type Statistics struct {
	TotalSubmissions      int                                 `json:"totalSubmissions"`
	SuccessfulSubmissions int                                 `json:"successfulSubmissions"`
	FailedSubmissions     int                                 `json:"failedSubmissions"`
	LastSubmission        *time.Time                          `json:"lastSubmission"`
	Engines               map[provider.Name]*EngineStatistics `json:"engines"`
}

// QuotaUsage is the quota spent per provider on one UTC day
type QuotaUsage struct {
	Date string                `json:"date"`
	Used map[provider.Name]int `json:"used"`
}

// SubmissionLog is the on-disk history file
type SubmissionLog struct {
	Version     string             `json:"version"`
	CreatedAt   time.Time          `json:"createdAt"`
	LastUpdated *time.Time         `json:"lastUpdated,omitempty"`
	Submissions []SubmissionRecord `json:"submissions"`
	Statistics  Statistics         `json:"statistics"`
	Quota       *QuotaUsage        `json:"quota,omitempty"`
}

// SitemapStats describes the cached snapshot
type SitemapStats struct {
	Exists      bool       `json:"exists"`
	URLCount    int        `json:"urlCount"`
	LastFetched *time.Time `json:"lastFetched"`
	CachedAt    *time.Time `json:"cachedAt"`
}

// SubmissionStats summarises the history
type SubmissionStats struct {
	TotalSubmissions      int        `json:"totalSubmissions"`
	SuccessfulSubmissions int        `json:"successfulSubmissions"`
	FailedSubmissions     int        `json:"failedSubmissions"`
	LastSubmission        *time.Time `json:"lastSubmission"`
}

// Stats is returned by GetCacheStats
type Stats struct {
	Sitemap     SitemapStats    `json:"sitemap"`
	Submissions SubmissionStats `json:"submissions"`
}

// Manager reads and writes the cache files. Reads never fail: missing or malformed
// files yield nil or defaults. The mutex only serialises writers within one process.
type Manager struct {
	mu          sync.Mutex
	config      Config
	sitemapPath string
	logPath     string
	now         func() time.Time
}

// NewManager creates a Manager. Empty config fields fall back to the defaults.
func NewManager(config Config) *Manager {
	if config.Directory == "" {
		config.Directory = DefaultDirectory
	}
	if config.SitemapFile == "" {
		config.SitemapFile = DefaultSitemapFile
	}
	if config.SubmissionLogFile == "" {
		config.SubmissionLogFile = DefaultSubmissionLogFile
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = DefaultMaxHistory
	}

	return &Manager{
		config:      config,
		sitemapPath: filepath.Join(config.Directory, config.SitemapFile),
		logPath:     filepath.Join(config.Directory, config.SubmissionLogFile),
		now:         time.Now,
	}
}

// Initialize ensures the cache directory exists
func (m *Manager) Initialize() error {
	if err := os.MkdirAll(m.config.Directory, 0o755); err != nil {
		log.Error().Err(err).Str("directory", m.config.Directory).Msg("Failed to create cache directory")
		return fmt.Errorf("create cache directory: %w", err)
	}
	log.Debug().Str("directory", m.config.Directory).Msg("Cache directory ready")
	return nil
}

// GetCachedSitemap returns the stored snapshot, or nil when none is usable
func (m *Manager) GetCachedSitemap() *sitemap.Snapshot {
	var snapshot sitemap.Snapshot
	found, err := readJSON(m.sitemapPath, &snapshot)
	if err != nil {
		log.Warn().Err(err).Str("path", m.sitemapPath).Msg("Failed to read sitemap cache")
		return nil
	}
	if !found {
		return nil
	}
	if !validSnapshot(&snapshot) {
		log.Warn().Str("path", m.sitemapPath).Msg("Sitemap cache is malformed, ignoring")
		return nil
	}

	log.Debug().Int("url_count", len(snapshot.URLs)).Msg("Loaded sitemap cache")
	return &snapshot
}

func validSnapshot(s *sitemap.Snapshot) bool {
	return s.URLs != nil && s.Hash != "" && !s.LastFetched.IsZero()
}

// SaveSitemapCache overwrites the snapshot file, stamping cachedAt and the format version
func (m *Manager) SaveSitemapCache(snapshot *sitemap.Snapshot) error {
	if snapshot == nil {
		return errors.New("nil sitemap snapshot")
	}

	cachedAt := m.now().UTC()
	stored := *snapshot
	stored.CachedAt = &cachedAt
	stored.Version = formatVersion
	if stored.URLs == nil {
		stored.URLs = []sitemap.Entry{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := writeJSON(m.sitemapPath, stored); err != nil {
		log.Error().Err(err).Str("path", m.sitemapPath).Msg("Failed to save sitemap cache")
		return fmt.Errorf("save sitemap cache: %w", err)
	}

	log.Debug().Int("url_count", len(stored.URLs)).Msg("Saved sitemap cache")
	return nil
}

// GetSubmissionLog returns the stored history or a fresh default log
func (m *Manager) GetSubmissionLog() *SubmissionLog {
	raw, err := os.ReadFile(m.logPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", m.logPath).Msg("Failed to read submission log, using defaults")
		}
		return m.defaultSubmissionLog()
	}

	if !validSubmissionLog(raw) {
		log.Warn().Str("path", m.logPath).Msg("Submission log is malformed, using defaults")
		return m.defaultSubmissionLog()
	}

	var submissionLog SubmissionLog
	if err := json.Unmarshal(raw, &submissionLog); err != nil {
		log.Warn().Err(err).Str("path", m.logPath).Msg("Failed to decode submission log, using defaults")
		return m.defaultSubmissionLog()
	}
	if submissionLog.Statistics.Engines == nil {
		submissionLog.Statistics.Engines = defaultEngines()
	}

	return &submissionLog
}

// validSubmissionLog requires a submissions array and a numeric statistics.totalSubmissions
func validSubmissionLog(raw []byte) bool {
	var probe struct {
		Submissions []json.RawMessage `json:"submissions"`
		Statistics  *struct {
			TotalSubmissions *int `json:"totalSubmissions"`
		} `json:"statistics"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Submissions != nil && probe.Statistics != nil && probe.Statistics.TotalSubmissions != nil
}

func defaultEngines() map[provider.Name]*EngineStatistics {
	return map[provider.Name]*EngineStatistics{
		provider.Google: {},
		provider.Bing:   {},
	}
}

func (m *Manager) defaultSubmissionLog() *SubmissionLog {
	return &SubmissionLog{
		Version:     formatVersion,
		CreatedAt:   m.now().UTC(),
		Submissions: []SubmissionRecord{},
		Statistics:  Statistics{Engines: defaultEngines()},
	}
}

// SaveSubmissionLog overwrites the history file, stamping lastUpdated and the format version
func (m *Manager) SaveSubmissionLog(submissionLog *SubmissionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveSubmissionLog(submissionLog)
}

func (m *Manager) saveSubmissionLog(submissionLog *SubmissionLog) error {
	updated := m.now().UTC()
	submissionLog.LastUpdated = &updated
	submissionLog.Version = formatVersion

	if err := writeJSON(m.logPath, submissionLog); err != nil {
		log.Error().Err(err).Str("path", m.logPath).Msg("Failed to save submission log")
		return fmt.Errorf("save submission log: %w", err)
	}
	return nil
}

// RecordSubmission prepends record to the history, trims it to MaxHistory and updates
// the statistics. Failures are logged and swallowed; the stored record is returned.
func (m *Manager) RecordSubmission(record SubmissionRecord) SubmissionRecord {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	submissionLog := m.GetSubmissionLog()
	submissionLog.Submissions = append([]SubmissionRecord{record}, submissionLog.Submissions...)
	if len(submissionLog.Submissions) > m.config.MaxHistory {
		submissionLog.Submissions = submissionLog.Submissions[:m.config.MaxHistory]
	}

	updateStatistics(&submissionLog.Statistics, record)

	if err := m.saveSubmissionLog(submissionLog); err != nil {
		log.Error().Err(err).Str("record_id", record.ID).Msg("Failed to record submission")
		return record
	}

	log.Debug().
		Str("record_id", record.ID).
		Int("history_size", len(submissionLog.Submissions)).
		Msg("Recorded submission")
	return record
}

func updateStatistics(stats *Statistics, record SubmissionRecord) {
	stats.TotalSubmissions++
	last := record.Timestamp
	stats.LastSubmission = &last

	if record.Success {
		stats.SuccessfulSubmissions++
	} else {
		stats.FailedSubmissions++
	}

	if stats.Engines == nil {
		stats.Engines = defaultEngines()
	}
	for name, result := range record.Providers {
		engine, ok := stats.Engines[name]
		if !ok {
			engine = &EngineStatistics{}
			stats.Engines[name] = engine
		}
		engine.TotalSubmissions++
		if result.Success {
			engine.SuccessfulSubmissions++
		} else {
			engine.FailedSubmissions++
		}
	}
}

// GetCacheStats summarises both cache files
func (m *Manager) GetCacheStats() Stats {
	var stats Stats

	if snapshot := m.GetCachedSitemap(); snapshot != nil {
		lastFetched := snapshot.LastFetched
		stats.Sitemap = SitemapStats{
			Exists:      true,
			URLCount:    len(snapshot.URLs),
			LastFetched: &lastFetched,
			CachedAt:    snapshot.CachedAt,
		}
	}

	submissionLog := m.GetSubmissionLog()
	stats.Submissions = SubmissionStats{
		TotalSubmissions:      submissionLog.Statistics.TotalSubmissions,
		SuccessfulSubmissions: submissionLog.Statistics.SuccessfulSubmissions,
		FailedSubmissions:     submissionLog.Statistics.FailedSubmissions,
		LastSubmission:        submissionLog.Statistics.LastSubmission,
	}

	return stats
}

// CleanupExpiredCache removes the snapshot when it was cached more than maxAge ago.
// It reports whether the snapshot was removed.
func (m *Manager) CleanupExpiredCache(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}

	snapshot := m.GetCachedSitemap()
	if snapshot == nil || snapshot.CachedAt == nil {
		return false
	}

	age := m.now().Sub(*snapshot.CachedAt)
	if age <= maxAge {
		return false
	}

	log.Info().Dur("age", age).Dur("max_age", maxAge).Msg("Removing expired sitemap cache")
	if err := m.ClearSitemapCache(); err != nil {
		log.Warn().Err(err).Msg("Failed to remove expired sitemap cache")
		return false
	}
	return true
}

// ClearSitemapCache deletes the snapshot file. A missing file is not an error.
func (m *Manager) ClearSitemapCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.sitemapPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		log.Error().Err(err).Str("path", m.sitemapPath).Msg("Failed to clear sitemap cache")
		return fmt.Errorf("clear sitemap cache: %w", err)
	}

	log.Info().Str("path", m.sitemapPath).Msg("Cleared sitemap cache")
	return nil
}

func quotaDate(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// LoadQuotaUsage returns the quota spent today, or an empty map if the stored usage is from another day
func (m *Manager) LoadQuotaUsage() map[provider.Name]int {
	submissionLog := m.GetSubmissionLog()
	if submissionLog.Quota == nil || submissionLog.Quota.Date != quotaDate(m.now()) {
		return map[provider.Name]int{}
	}
	return submissionLog.Quota.Used
}

// SaveQuotaUsage stores today's quota usage in the submission log
func (m *Manager) SaveQuotaUsage(used map[provider.Name]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	submissionLog := m.GetSubmissionLog()
	submissionLog.Quota = &QuotaUsage{Date: quotaDate(m.now()), Used: used}
	return m.saveSubmissionLog(submissionLog)
}

// readJSON decodes path into v. found is false when the file does not exist.
func readJSON(path string, v any) (found bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

const cacheFileMode os.FileMode = 0o644

// writeJSON replaces path through a temporary file and rename
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	// CreateTemp opens with 0600; cache files stay readable like os.WriteFile output
	if err := tmp.Chmod(cacheFileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
