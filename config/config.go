// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of a UDF worker process.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Query-farm/vgi-udf/udfrpc"
)

// Transports a worker can serve.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Worker is the configuration of a UDF worker process.
type Worker struct {
	// Transport is "stdio" (Arrow IPC over stdin/stdout) or "http".
	Transport string `yaml:"transport"`

	// Listen is the HTTP listen address. Only used with the http transport.
	Listen string `yaml:"listen"`

	// HTTPPrefix is the URL path prefix for call and describe routes.
	HTTPPrefix string `yaml:"http_prefix"`

	// CompressionLevel is the zstd level for HTTP responses (1-22, 0 disables).
	CompressionLevel int `yaml:"compression_level"`

	// LogLevel is the worker's own slog level: debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// ServerID overrides the generated server identifier.
	ServerID string `yaml:"server_id,omitempty"`

	// DebugErrors attaches Go stack frames to error responses.
	DebugErrors bool `yaml:"debug_errors,omitempty"`

	// DrainTimeout bounds how long shutdown waits for in-flight calls.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// Modules are Starlark UDF modules loaded at startup.
	Modules []Module `yaml:"modules,omitempty"`
}

// Module names a Starlark source file and the module name callers use in
// call targets.
type Module struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Default returns the built-in worker configuration.
func Default() *Worker {
	return &Worker{
		Transport:        TransportStdio,
		Listen:           "127.0.0.1:0",
		HTTPPrefix:       udfrpc.DefaultHTTPPrefix,
		CompressionLevel: udfrpc.DefaultCompressionLevel,
		LogLevel:         "info",
		DrainTimeout:     30 * time.Second,
	}
}

// Load reads a worker configuration file. Missing keys keep their defaults,
// unknown keys are rejected, and relative module paths are resolved against
// the directory holding the file.
func Load(path string) (*Worker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i, m := range w.Modules {
		if m.Path != "" && !filepath.IsAbs(m.Path) {
			w.Modules[i].Path = filepath.Join(base, m.Path)
		}
	}
	return w, nil
}

// Parse decodes and validates a YAML document over [Default].
func Parse(data []byte) (*Worker, error) {
	w := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(w); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return w, nil
}

// Validate checks field values and module declarations.
func (w *Worker) Validate() error {
	switch w.Transport {
	case TransportStdio:
	case TransportHTTP:
		if _, _, err := net.SplitHostPort(w.Listen); err != nil {
			return fmt.Errorf("listen %q: %w", w.Listen, err)
		}
		if !strings.HasPrefix(w.HTTPPrefix, "/") || strings.HasSuffix(w.HTTPPrefix, "/") {
			return fmt.Errorf("http_prefix %q must start with / and not end with one", w.HTTPPrefix)
		}
	default:
		return fmt.Errorf("transport %q: must be %q or %q", w.Transport, TransportStdio, TransportHTTP)
	}
	if w.CompressionLevel < 0 || w.CompressionLevel > 22 {
		return fmt.Errorf("compression_level %d out of range 0-22", w.CompressionLevel)
	}
	if _, err := w.SlogLevel(); err != nil {
		return err
	}
	if w.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout must not be negative")
	}
	seen := make(map[string]bool, len(w.Modules))
	for i, m := range w.Modules {
		if m.Name == "" || m.Path == "" {
			return fmt.Errorf("modules[%d]: name and path are required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("modules[%d]: duplicate module %q", i, m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// SlogLevel parses LogLevel.
func (w *Worker) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(w.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: must be debug, info, warn or error", w.LogLevel)
	}
	return level, nil
}
