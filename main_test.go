package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-adapter/config"
)

func TestCreateLoggerKeepsNewestFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"video-adapter-20240101-000000.log",
		"video-adapter-20240102-000000.log",
		"video-adapter-20240103-000000.log",
		"unrelated.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	logger, err := createLogger(config.LoggingConfig{Level: "debug", Dir: dir, MaxLogFiles: 2})
	require.NoError(t, err)
	logger.Info("hello")
	_ = logger.Sync()

	files, err := filepath.Glob(filepath.Join(dir, "video-adapter-*.log"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.NotContains(t, files, filepath.Join(dir, "video-adapter-20240101-000000.log"))
	assert.NotContains(t, files, filepath.Join(dir, "video-adapter-20240102-000000.log"))
	assert.FileExists(t, filepath.Join(dir, "unrelated.log"))
}

func TestCreateLoggerBadLevelFallsBack(t *testing.T) {
	logger, err := createLogger(config.LoggingConfig{Level: "loud", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(0))
	assert.False(t, logger.Core().Enabled(-1), "debug disabled at info")
}
