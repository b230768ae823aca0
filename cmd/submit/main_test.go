package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Harvey-AU/sitemap-submitter/internal/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--test", "--config", "submission.yaml"})
	require.NoError(t, err)
	assert.True(t, opts.testMode)
	assert.Equal(t, "submission.yaml", opts.configPath)
	assert.False(t, opts.checkConnections)
	assert.False(t, opts.stats)

	opts, err = parseFlags([]string{"--check-connections", "--stats"})
	require.NoError(t, err)
	assert.True(t, opts.checkConnections)
	assert.True(t, opts.stats)

	_, err = parseFlags([]string{"--unknown"})
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"chatty", zerolog.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			setupLogging("production", tt.level)
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}

// runEnv points the command at a sitemap server and a temporary cache
func runEnv(t *testing.T, status int) (cacheDir string) {
	t.Helper()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/a</loc><lastmod>2024-01-01</lastmod></url>
  <url><loc>%[1]s/b.html</loc><lastmod>2024-01-02</lastmod></url>
</urlset>`, server.URL)
	}))
	t.Cleanup(server.Close)

	cacheDir = filepath.Join(t.TempDir(), "cache")
	t.Setenv("SITEMAP_URL", server.URL+"/sitemap.xml")
	t.Setenv("CACHE_DIRECTORY", cacheDir)
	t.Setenv("RETRY_INITIAL_DELAY", "1ms")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_KEY", "")
	t.Setenv("BING_API_KEY", "")
	t.Setenv("MOCK_API_CALLS", "")
	t.Setenv("MOCK_FAILURE_RATE", "0")
	t.Setenv("SLACK_WEBHOOK_URL", "")
	t.Setenv("DATABASE_URL", "")
	return cacheDir
}

func TestRunTestMode(t *testing.T) {
	cacheDir := runEnv(t, http.StatusOK)

	var out bytes.Buffer
	code := run(context.Background(), []string{"--test"}, &out, "production")

	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "outcome=test_mode urls=2")

	store := cache.NewManager(cache.Config{Directory: cacheDir})
	assert.NotNil(t, store.GetCachedSitemap())
	assert.Empty(t, store.GetSubmissionLog().Submissions)
}

func TestRunMockSubmission(t *testing.T) {
	cacheDir := runEnv(t, http.StatusOK)
	t.Setenv("MOCK_API_CALLS", "true")

	var out bytes.Buffer
	code := run(context.Background(), nil, &out, "production")

	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "outcome=submitted")

	submissions := cache.NewManager(cache.Config{Directory: cacheDir}).GetSubmissionLog().Submissions
	require.Len(t, submissions, 1)
	assert.Len(t, submissions[0].SubmittedURLs, 2)
	assert.Len(t, submissions[0].Providers, 2)
}

func TestRunMissingCredentials(t *testing.T) {
	runEnv(t, http.StatusOK)

	var out bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), nil, &out, "production"))
	assert.Empty(t, out.String())
}

func TestRunInvalidConfiguration(t *testing.T) {
	runEnv(t, http.StatusOK)
	t.Setenv("SITEMAP_URL", "not a url")

	assert.Equal(t, 1, run(context.Background(), []string{"--test"}, &bytes.Buffer{}, "production"))
}

func TestRunDetectionFailure(t *testing.T) {
	runEnv(t, http.StatusNotFound)

	assert.Equal(t, 1, run(context.Background(), []string{"--test"}, &bytes.Buffer{}, "production"))
}

func TestRunStats(t *testing.T) {
	runEnv(t, http.StatusOK)

	var out bytes.Buffer
	require.Equal(t, 0, run(context.Background(), []string{"--stats"}, &out, "production"))

	var stats statsOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	assert.False(t, stats.Cache.Sitemap.Exists)
	assert.Equal(t, 0, stats.Cache.Submissions.TotalSubmissions)
}

func TestRunCheckConnections(t *testing.T) {
	t.Run("mock_engines_connected", func(t *testing.T) {
		runEnv(t, http.StatusOK)
		t.Setenv("MOCK_API_CALLS", "true")

		var out bytes.Buffer
		require.Equal(t, 0, run(context.Background(), []string{"--check-connections"}, &out, "production"))
		assert.Contains(t, out.String(), `"connectedEngines": 2`)
	})

	t.Run("no_engines", func(t *testing.T) {
		runEnv(t, http.StatusOK)
		t.Setenv("MOCK_API_CALLS", "true")
		t.Setenv("DISABLE_GOOGLE_API", "true")
		t.Setenv("DISABLE_BING_API", "true")

		var out bytes.Buffer
		assert.Equal(t, 1, run(context.Background(), []string{"--check-connections"}, &out, "production"))
	})
}
