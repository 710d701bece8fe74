package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cubegrid/internal/chunk"
	"github.com/vk/cubegrid/internal/cubeerr"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(New(), "")

	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.Threads, 1)
	assert.Equal(t, "info", s.Level())
	assert.Equal(t, "text", s.LogFormat)
	assert.Equal(t, BackendGDAL, s.Backend)
	assert.Equal(t, 10*time.Minute, s.SwarmTimeout)
	assert.Empty(t, s.Swarm)
	assert.Equal(t, chunk.Size{}, s.DefaultChunkSize())
}

func TestLoad_EnvironmentAndFile(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	file := filepath.Join(dir, "cubegrid.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
threads: 3
log_format: JSON
chunk_size: [1, 64, 64]
format_dirs: [/etc/cubegrid/formats]
`), 0o644))
	t.Setenv("CUBEGRID_THREADS", "5")
	t.Setenv("CUBEGRID_DEBUG", "true")
	t.Setenv("CUBEGRID_SWARM", "http://w1:8080,http://w2:8080")

	// Act
	s, err := Load(New(), file)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 5, s.Threads, "environment overrides the file")
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, "debug", s.Level())
	assert.Equal(t, []string{"http://w1:8080", "http://w2:8080"}, s.Swarm)
	assert.Equal(t, []string{"/etc/cubegrid/formats"}, s.FormatDirs)
	assert.Equal(t, chunk.Size{T: 1, Y: 64, X: 64}, s.DefaultChunkSize())
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		set  func(*testing.T)
	}{
		{name: "threads", set: func(t *testing.T) { t.Setenv("CUBEGRID_THREADS", "0") }},
		{name: "log level", set: func(t *testing.T) { t.Setenv("CUBEGRID_LOG_LEVEL", "loud") }},
		{name: "log format", set: func(t *testing.T) { t.Setenv("CUBEGRID_LOG_FORMAT", "xml") }},
		{name: "backend", set: func(t *testing.T) { t.Setenv("CUBEGRID_BACKEND", "gpu") }},
		{name: "memo size", set: func(t *testing.T) { t.Setenv("CUBEGRID_MEMO_SIZE", "-1") }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.set(t)
			_, err := Load(New(), "")
			require.ErrorIs(t, err, cubeerr.ErrConfiguration)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, cubeerr.ErrConfiguration)
}
