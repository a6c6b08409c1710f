package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
	assert.True(t, logger.Core().Enabled(-1), "development logs debug")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	assert.False(t, logger.Core().Enabled(0), "info is below warn")
}

func TestNewWritesToExtraOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "download_log.txt")
	logger, err := New(Config{OutputPaths: []string{path, " "}})
	require.NoError(t, err)
	logger.Info("downloaded")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"downloaded"`))
	assert.Contains(t, string(data), `"ts":`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}
