package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mcpprobe/mcpprobe/internal/config"
	"github.com/mcpprobe/mcpprobe/internal/connwatch"
	"github.com/mcpprobe/mcpprobe/internal/mcp"
)

// runWatch handles the "mcpprobe watch [server]" subcommand: keep one
// client per server alive and probe it on the connwatch schedule until
// interrupted, printing ready/down transitions as they happen and a
// status summary on exit.
//
// With no server argument every configured server is watched. Stdio
// servers are relaunched transparently by their transport, so a watch
// survives server restarts and reports them as down/ready transitions.
func runWatch(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, serverName string) error {
	cfg, _, err := loadConfig(opts.configPath, opts.cmdLine != "")
	if err != nil {
		return err
	}
	logger := setupLogger(stderr, cfg)

	var servers []*config.ServerConfig
	if opts.cmdLine != "" || serverName != "" {
		server, err := resolveServer(cfg, opts, serverName)
		if err != nil {
			return err
		}
		servers = append(servers, server)
	} else {
		if len(cfg.Servers) == 0 {
			return fmt.Errorf("no servers configured")
		}
		for i := range cfg.Servers {
			servers = append(servers, &cfg.Servers[i])
		}
	}

	// Clients are closed after the manager stops probing them, so a
	// shutdown never races a poll against a terminating subprocess.
	var clients []*mcp.Client
	defer func() {
		for _, client := range clients {
			if err := client.Close(); err != nil {
				logger.Warn("client close failed", "server", client.Name(), "error", err)
			}
		}
	}()

	mgr := connwatch.NewManager(logger)
	defer mgr.Stop()

	backoff := connwatch.DefaultBackoffConfig()
	initTimeout, _ := timeouts(cfg, opts)
	backoff.ProbeTimeout = initTimeout

	for _, server := range servers {
		tr := buildTransport(server, nil, logger, cfg.Defaults.ShutdownGrace())
		client := mcp.NewClient(server.Name, tr, logger)
		clients = append(clients, client)

		name := server.Name
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    name,
			Probe:   watchProbe(client),
			Backoff: backoff,
			OnReady: func() {
				fmt.Fprintf(stdout, "%s  %-12s ready\n", time.Now().Format("15:04:05"), name)
			},
			OnDown: func(err error) {
				fmt.Fprintf(stdout, "%s  %-12s DOWN: %v\n", time.Now().Format("15:04:05"), name, err)
			},
			Logger: logger,
		})
	}

	fmt.Fprintf(stdout, "watching %d server(s), poll interval %s — Ctrl-C to stop\n",
		len(servers), backoff.PollInterval)

	<-ctx.Done()

	status := mgr.Status()
	if opts.output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(stdout)
	for _, name := range names {
		st := status[name]
		state := "ready"
		if !st.Ready {
			state = "down"
		}
		line := fmt.Sprintf("%-12s %-6s last check %s", name, state, st.LastCheck.Format(time.RFC3339))
		if st.ConsecutiveFails > 0 {
			line += fmt.Sprintf(" (%d consecutive failures)", st.ConsecutiveFails)
		}
		if st.LastError != "" {
			line += ": " + st.LastError
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

// watchProbe builds the health check for one server: a ping, with the
// initialize handshake re-run when the ping fails. A freshly relaunched
// stdio server answers nothing until it has been initialized, so the
// retry turns a restart into a single failed poll instead of a
// permanent down state.
func watchProbe(client *mcp.Client) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		err := client.Ping(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if initErr := client.Initialize(ctx); initErr != nil {
			return initErr
		}
		return client.Ping(ctx)
	}
}
