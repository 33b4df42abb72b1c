package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mcpprobe/mcpprobe/internal/config"
	"github.com/mcpprobe/mcpprobe/internal/mcp"
	"github.com/mcpprobe/mcpprobe/internal/probe"
	"github.com/mcpprobe/mcpprobe/internal/transcript"
	"github.com/mcpprobe/mcpprobe/internal/transport"
)

// errProbeFailed is returned when a probe report contains failed or
// timed-out steps, so scripted callers get a non-zero exit without a
// second copy of the report on stderr.
var errProbeFailed = errors.New("probe failed: one or more steps did not complete")

// runProbe handles the "mcpprobe probe [server]" subcommand: the full
// scripted exercise against one server, ending in a report on stdout.
//
// The teardown order matters: the client is closed (terminating a stdio
// subprocess) before the report is rendered, so the report's stderr tail
// includes anything the server printed on the way down.
func runProbe(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, serverName string) error {
	cfg, cfgPath, err := loadConfig(opts.configPath, opts.cmdLine != "")
	if err != nil {
		return err
	}
	logger := setupLogger(stderr, cfg)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	}

	server, err := resolveServer(cfg, opts, serverName)
	if err != nil {
		return err
	}

	recordPath := opts.record
	if recordPath == "" {
		recordPath = cfg.Record
	}
	store, closeStore, err := openTranscripts(recordPath, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var obs transport.Observer
	var rec *transcript.Recorder
	if store != nil {
		rec, err = store.Begin(server.Name, server.Kind(), server.Target())
		if err != nil {
			return fmt.Errorf("begin transcript session: %w", err)
		}
		obs = rec.Observe
		logger.Info("recording transcript", "database", recordPath, "session", rec.SessionID())
	}

	initTimeout, callTimeout := timeouts(cfg, opts)

	tr := buildTransport(server, obs, logger, cfg.Defaults.ShutdownGrace())
	client := mcp.NewClient(server.Name, tr, logger)

	runner := probe.New(probe.Config{
		Server:      server.Name,
		Transport:   server.Kind(),
		Target:      server.Target(),
		InitTimeout: initTimeout,
		CallTimeout: callTimeout,
		Logger:      logger,
	})

	report := runner.Run(ctx, client)

	if err := client.Close(); err != nil {
		logger.Warn("client close failed", "error", err)
	}
	if st, ok := tr.(*transport.StdioTransport); ok {
		report.StderrTail = st.StderrTail()
	}
	if rec != nil {
		if err := rec.End(); err != nil {
			logger.Warn("end transcript session failed", "error", err)
		}
	}

	if opts.output == "json" {
		if err := report.WriteJSON(stdout); err != nil {
			return err
		}
	} else {
		report.WriteText(stdout)
	}

	if !report.OK {
		return errProbeFailed
	}
	return nil
}

// timeouts resolves the per-exchange deadlines from config, with the
// -timeout flag overriding both.
func timeouts(cfg *config.Config, opts cliOptions) (init, call time.Duration) {
	init = cfg.Defaults.InitTimeout()
	call = cfg.Defaults.CallTimeout()
	if opts.timeout > 0 {
		init = opts.timeout
		call = opts.timeout
	}
	return init, call
}

// buildTransport constructs the wire transport for a server entry. The
// observer, when non-nil, sees every protocol frame in both directions.
func buildTransport(s *config.ServerConfig, obs transport.Observer, logger *slog.Logger, grace time.Duration) mcp.Transport {
	if s.Kind() == "http" {
		return transport.NewHTTPTransport(transport.HTTPConfig{
			URL:         s.URL,
			Headers:     s.Headers,
			InsecureTLS: s.InsecureTLS,
			Observer:    obs,
			Logger:      logger,
		})
	}
	return transport.NewStdioTransport(transport.StdioConfig{
		Command:       s.CommandPath(),
		Args:          s.Args,
		Env:           s.Environ(),
		ShutdownGrace: grace,
		Observer:      obs,
		Logger:        logger,
	})
}

// withClient builds the transport and client for a server, runs fn, and
// always tears the connection down afterwards — terminating the
// subprocess for stdio servers.
func withClient(server *config.ServerConfig, obs transport.Observer, logger *slog.Logger, grace time.Duration, fn func(*mcp.Client) error) error {
	tr := buildTransport(server, obs, logger, grace)
	client := mcp.NewClient(server.Name, tr, logger)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("client close failed", "server", server.Name, "error", err)
		}
	}()
	return fn(client)
}

// openTranscripts opens (or creates) the transcript database when
// recording is enabled. With an empty path it returns a nil store and a
// no-op cleanup.
func openTranscripts(path string, logger *slog.Logger) (*transcript.Store, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open transcript database %s: %w", path, err)
	}

	store, err := transcript.NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}
