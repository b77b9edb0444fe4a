// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	w := Default()
	require.NoError(t, w.Validate())
	assert.Equal(t, TransportStdio, w.Transport)
	assert.Equal(t, "127.0.0.1:0", w.Listen)
	assert.Equal(t, "/vgi-udf", w.HTTPPrefix)
	assert.Equal(t, 3, w.CompressionLevel)
	level, err := w.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	w, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), w)
}

func TestParseOverrides(t *testing.T) {
	w, err := Parse([]byte(`
transport: http
listen: 0.0.0.0:8080
compression_level: 7
log_level: debug
server_id: worker-a
drain_timeout: 5s
modules:
  - name: math
    path: /opt/udf/math.star
`))
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, w.Transport)
	assert.Equal(t, "0.0.0.0:8080", w.Listen)
	assert.Equal(t, "/vgi-udf", w.HTTPPrefix)
	assert.Equal(t, 7, w.CompressionLevel)
	assert.Equal(t, "worker-a", w.ServerID)
	assert.Equal(t, 5*time.Second, w.DrainTimeout)
	assert.Equal(t, []Module{{Name: "math", Path: "/opt/udf/math.star"}}, w.Modules)
	level, err := w.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "transprot: http\n", "failed to parse YAML"},
		{"bad transport", "transport: grpc\n", "transport"},
		{"bad listen", "transport: http\nlisten: nowhere\n", "listen"},
		{"bad prefix", "transport: http\nhttp_prefix: udf/\n", "http_prefix"},
		{"compression", "compression_level: 23\n", "compression_level"},
		{"log level", "log_level: loud\n", "log_level"},
		{"negative drain", "drain_timeout: -1s\n", "drain_timeout"},
		{"module without path", "modules:\n  - name: m\n", "modules[0]"},
		{"duplicate module", "modules:\n  - {name: m, path: a.star}\n  - {name: m, path: b.star}\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStdioIgnoresListen(t *testing.T) {
	_, err := Parse([]byte("listen: nowhere\n"))
	assert.NoError(t, err)
}

func TestLoadResolvesModulePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
modules:
  - name: rel
    path: udf/rel.star
  - name: abs
    path: /srv/abs.star
`), 0o644))

	w, err := Load(path)
	require.NoError(t, err)
	require.Len(t, w.Modules, 2)
	assert.Equal(t, filepath.Join(dir, "udf", "rel.star"), w.Modules[0].Path)
	assert.Equal(t, "/srv/abs.star", w.Modules[1].Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
