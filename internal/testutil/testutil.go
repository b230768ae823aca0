package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// DatabaseURL returns the database to run integration tests against, skipping
// the test when none is configured. DATABASE_URL wins; otherwise TEST_DATABASE_URL
// is read from the environment or from the nearest .env.test file.
func DatabaseURL(t *testing.T) string {
	t.Helper()

	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		return databaseURL
	}
	if databaseURL := os.Getenv("TEST_DATABASE_URL"); databaseURL != "" {
		return databaseURL
	}

	envPath := findEnvTestFile()
	if envPath == "" {
		t.Skip("no DATABASE_URL, TEST_DATABASE_URL or .env.test found")
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Skipf("failed to read %s: %v", envPath, err)
	}
	databaseURL := envMap["TEST_DATABASE_URL"]
	if databaseURL == "" {
		t.Skipf("TEST_DATABASE_URL not set in %s", envPath)
	}
	return databaseURL
}

// findEnvTestFile searches for .env.test in the current and parent directories
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for attempt := 0; attempt < 5; attempt++ {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
