// Mcpprobe exercises MCP servers over stdio or HTTP.
//
// It launches a server binary (or connects to a URL), performs the
// initialize handshake, lists the advertised tools, and calls one with
// synthesized arguments — the smoke test you want before wiring a server
// into a real client. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]); one-off
// servers can be probed without any config via -cmd.
//
// Usage:
//
//	mcpprobe probe [server]               Run the full probe sequence
//	mcpprobe tools [server]               List the server's advertised tools
//	mcpprobe call <server> <tool> [json]  Call one tool with JSON arguments
//	mcpprobe watch [server]               Monitor server health until interrupted
//	mcpprobe sessions [id]                List recorded sessions / dump one
//	mcpprobe init [dir]                   Write a starter config
//	mcpprobe version                      Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mcpprobe/mcpprobe/internal/buildinfo"
	"github.com/mcpprobe/mcpprobe/internal/config"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the transcript store
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// every subcommand can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliOptions carries the parsed command-line flags shared by the
// subcommands.
type cliOptions struct {
	configPath string
	output     string        // "text" or "json"
	cmdLine    string        // ad hoc stdio server command line
	env        []string      // ad hoc KEY=VALUE pairs for -cmd servers
	record     string        // transcript database path override
	timeout    time.Duration // per-exchange timeout override
}

// run is the real entry point for the mcpprobe command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown: in-flight exchanges are abandoned and stdio
//     subprocesses are terminated.
//   - stdout receives reports and command output; stderr receives
//     structured logs, so stdout stays pipeable even at trace level.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on success and a non-nil error for any failure. The
// caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts cliOptions
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-cmd" && i+1 < len(args):
			opts.cmdLine = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-cmd="):
			opts.cmdLine = strings.TrimPrefix(args[i], "-cmd=")
		case args[i] == "-env" && i+1 < len(args):
			opts.env = append(opts.env, args[i+1])
			i++
		case strings.HasPrefix(args[i], "-env="):
			opts.env = append(opts.env, strings.TrimPrefix(args[i], "-env="))
		case args[i] == "-record" && i+1 < len(args):
			opts.record = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-record="):
			opts.record = strings.TrimPrefix(args[i], "-record=")
		case args[i] == "-timeout" && i+1 < len(args):
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid -timeout %q: %w", args[i+1], err)
			}
			opts.timeout = d
			i++
		case strings.HasPrefix(args[i], "-timeout="):
			d, err := time.ParseDuration(strings.TrimPrefix(args[i], "-timeout="))
			if err != nil {
				return fmt.Errorf("invalid %s: %w", args[i], err)
			}
			opts.timeout = d
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	// SIGINT/SIGTERM cancel the context shared by every subcommand, so a
	// Ctrl-C mid-probe still tears the subprocess down on the way out.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "probe":
		server := ""
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runProbe(ctx, stdout, stderr, opts, server)
	case "tools":
		server := ""
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runTools(ctx, stdout, stderr, opts, server)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcpprobe call <server> <tool> [json-args] (or: mcpprobe -cmd '...' call <tool> [json-args])")
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs)
	case "watch":
		server := ""
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runWatch(ctx, stdout, stderr, opts, server)
	case "sessions":
		return runSessions(stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// mcpprobe is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpprobe - MCP server probe")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpprobe [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  probe [server]               Initialize, list tools, call one (full exercise)")
	fmt.Fprintln(w, "  tools [server]               List the server's advertised tools")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Call one tool with JSON arguments")
	fmt.Fprintln(w, "  watch [server]               Monitor server health until interrupted")
	fmt.Fprintln(w, "  sessions [id]                List recorded sessions, or dump one session")
	fmt.Fprintln(w, "  init [dir]                   Write a starter mcpprobe.yaml (default: .)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -cmd <command>    Probe an ad hoc stdio server without a config file")
	fmt.Fprintln(w, "  -env KEY=VALUE    Extra environment for the -cmd server (repeatable)")
	fmt.Fprintln(w, "  -record <path>    Record protocol frames to this SQLite database")
	fmt.Fprintln(w, "  -timeout <dur>    Per-exchange timeout override (e.g. 5s, 1m)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mcpprobe.yaml, ~/.config/mcpprobe/config.yaml, /etc/mcpprobe/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output in mcpprobe goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// setupLogger builds the subcommand logger from config. Logs go to
// stderr so stdout stays clean for reports and JSON output.
func setupLogger(stderr io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already validated by Config.Validate, so this error path
		// should be unreachable in practice.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(stderr, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise
// [config.FindConfig] searches the default locations. Subcommands that
// can operate without a config file (an ad hoc -cmd run, sessions with
// -record) pass optional=true and get built-in defaults when no file is
// found. Returns the parsed config, the path that was loaded, and any
// error.
func loadConfig(explicit string, optional bool) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if optional && explicit == "" {
			return config.Default(), "", nil
		}
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// resolveServer picks the server to exercise: the ad hoc -cmd server if
// one was given, otherwise the named (or sole) configured server.
func resolveServer(cfg *config.Config, opts cliOptions, name string) (*config.ServerConfig, error) {
	if opts.cmdLine != "" {
		fields := strings.Fields(opts.cmdLine)
		if len(fields) == 0 {
			return nil, fmt.Errorf("-cmd is empty")
		}
		env := make(map[string]string, len(opts.env))
		for _, kv := range opts.env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("malformed -env %q (expected KEY=VALUE)", kv)
			}
			env[k] = v
		}
		return &config.ServerConfig{
			Name:      "adhoc",
			Transport: "stdio",
			Command:   fields[0],
			Args:      fields[1:],
			Env:       env,
		}, nil
	}
	return cfg.Server(name)
}
