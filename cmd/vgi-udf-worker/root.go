// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Query-farm/vgi-udf/config"
)

// options holds command-line flags. Flags that were set override the
// configuration file.
type options struct {
	configPath  string
	transport   string
	listen      string
	httpPrefix  string
	logLevel    string
	serverID    string
	debugErrors bool
	otelStdout  bool
}

func newRootCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vgi-udf-worker [module.star ...]",
		Short: "Execute Starlark UDFs for a remote caller",
		Long: `Start a UDF worker that loads Starlark modules and answers call
requests over Arrow IPC.

With the stdio transport the worker reads requests from stdin and writes
responses to stdout; it is meant to be launched as a subprocess. With the
http transport it listens on --listen and prints PORT:<n> once ready.

Module files given as arguments are registered under their base name.

Example:
  vgi-udf-worker ./udf/math.star
  vgi-udf-worker --config worker.yaml --transport http --listen 127.0.0.1:8080`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts, args)
			if err != nil {
				return err
			}
			w := &worker{
				cfg:        cfg,
				otelStdout: opts.otelStdout,
				stdin:      cmd.InOrStdin(),
				stdout:     cmd.OutOrStdout(),
				stderr:     cmd.ErrOrStderr(),
			}
			return w.run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to a YAML worker config")
	f.StringVar(&opts.transport, "transport", config.TransportStdio, "transport (stdio|http)")
	f.StringVar(&opts.listen, "listen", "", "HTTP listen address")
	f.StringVar(&opts.httpPrefix, "http-prefix", "", "HTTP URL prefix")
	f.StringVar(&opts.logLevel, "log-level", "", "worker log level (debug|info|warn|error)")
	f.StringVar(&opts.serverID, "server-id", "", "server identifier reported to callers")
	f.BoolVar(&opts.debugErrors, "debug-errors", false, "attach stack frames to error responses")
	f.BoolVar(&opts.otelStdout, "otel-stdout", false, "export traces and metrics to stderr")

	return cmd
}

// resolveConfig loads the config file, if any, then applies flags that were
// set explicitly and appends module files from args.
func resolveConfig(cmd *cobra.Command, opts *options, args []string) (*config.Worker, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	if f.Changed("transport") {
		cfg.Transport = opts.transport
	}
	if f.Changed("listen") {
		cfg.Listen = opts.listen
	}
	if f.Changed("http-prefix") {
		cfg.HTTPPrefix = opts.httpPrefix
	}
	if f.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if f.Changed("server-id") {
		cfg.ServerID = opts.serverID
	}
	if f.Changed("debug-errors") {
		cfg.DebugErrors = opts.debugErrors
	}
	for _, path := range args {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		cfg.Modules = append(cfg.Modules, config.Module{Name: name, Path: path})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
