// Package probe drives a scripted exercise against an MCP server: the
// initialize handshake, tool discovery via tools/list, and a call of the
// first advertised tool with synthesized arguments.
//
// Every exchange runs under its own deadline. A step that times out or
// fails is recorded in the report and the run moves on — the point of a
// probe is to observe how far the server gets, not to stop at the first
// missed response.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpprobe/mcpprobe/internal/jsonrpc"
	"github.com/mcpprobe/mcpprobe/internal/mcp"
)

// Step names for the exchanges a probe performs, in order.
const (
	StepInitialize = "initialize"
	StepListTools  = "tools/list"
	StepCallTool   = "tools/call"
)

const (
	// DefaultInitTimeout bounds the wait for the initialize response.
	DefaultInitTimeout = 10 * time.Second

	// DefaultCallTimeout bounds tools/list and tools/call exchanges.
	DefaultCallTimeout = 30 * time.Second
)

// Config controls a probe run.
type Config struct {
	// Server is the configured server name shown in the report.
	Server string

	// Transport is "stdio" or "http".
	Transport string

	// Target is the command line or URL being probed, for display.
	Target string

	// InitTimeout bounds the initialize exchange (default: 10s).
	InitTimeout time.Duration

	// CallTimeout bounds tools/list and tools/call (default: 30s).
	CallTimeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Runner executes probe runs against MCP clients.
type Runner struct {
	config Config
	logger *slog.Logger
}

// New creates a probe runner. Zero-value timeouts are replaced with
// defaults.
func New(config Config) *Runner {
	if config.InitTimeout <= 0 {
		config.InitTimeout = DefaultInitTimeout
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config: config,
		logger: logger.With("probe", config.Server),
	}
}

// Run drives the full probe sequence over an already-constructed client.
// The caller owns the client and its transport; Run never closes them.
func (r *Runner) Run(ctx context.Context, client *mcp.Client) *Report {
	report := &Report{
		Server:    r.config.Server,
		Transport: r.config.Transport,
		Target:    r.config.Target,
		StartedAt: time.Now(),
	}
	start := time.Now()
	defer func() {
		report.Elapsed = time.Since(start).Round(time.Millisecond).String()
		report.OK = true
		for _, s := range report.Steps {
			if s.Status == StatusTimeout || s.Status == StatusError {
				report.OK = false
			}
		}
	}()

	// Initialize handshake.
	res := r.step(ctx, StepInitialize, r.config.InitTimeout, func(stepCtx context.Context) (string, error) {
		if err := client.Initialize(stepCtx); err != nil {
			return "", err
		}
		name, ver := client.ServerInfo()
		report.ServerName = name
		report.ServerVersion = ver
		report.ProtocolVersion = client.ProtocolVersion()
		if name == "" {
			return "handshake complete", nil
		}
		return fmt.Sprintf("%s %s (protocol %s)", name, ver, report.ProtocolVersion), nil
	})
	report.Steps = append(report.Steps, res)
	if ctx.Err() != nil {
		return report
	}

	// Tool discovery. Attempted even when initialize failed — some servers
	// answer tools/list regardless, and the failure mode is itself useful
	// information.
	var tools []mcp.ToolDefinition
	res = r.step(ctx, StepListTools, r.config.CallTimeout, func(stepCtx context.Context) (string, error) {
		var err error
		tools, err = client.ListTools(stepCtx)
		if err != nil {
			return "", err
		}
		report.Tools = tools
		return fmt.Sprintf("%d tools", len(tools)), nil
	})
	report.Steps = append(report.Steps, res)
	if ctx.Err() != nil {
		return report
	}

	// Call the first advertised tool with synthesized arguments.
	switch {
	case res.Status != StatusOK:
		report.Steps = append(report.Steps, StepResult{
			Step:   StepCallTool,
			Status: StatusSkipped,
			Detail: "tool discovery failed",
		})
	case len(tools) == 0:
		report.Steps = append(report.Steps, StepResult{
			Step:   StepCallTool,
			Status: StatusSkipped,
			Detail: "no tools advertised",
		})
	default:
		tool := tools[0]
		args := SampleArguments(tool.InputSchema)
		r.logger.Debug("calling discovered tool", "tool", tool.Name, "args", args)

		res = r.step(ctx, StepCallTool, r.config.CallTimeout, func(stepCtx context.Context) (string, error) {
			result, err := client.CallToolRaw(stepCtx, tool.Name, args)
			if err != nil {
				return "", err
			}
			report.ToolResult = result.Raw
			if result.IsError {
				// The exchange itself worked; the tool rejected our
				// synthesized arguments. Expected for most real tools.
				return fmt.Sprintf("%s answered with a tool error", tool.Name), nil
			}
			return fmt.Sprintf("%s answered", tool.Name), nil
		})
		report.Steps = append(report.Steps, res)
	}

	return report
}

// step runs one exchange under its own deadline and classifies the
// outcome. The deadline applies to this exchange only; an expired step
// leaves the transport usable for the next one.
func (r *Runner) step(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (string, error)) StepResult {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	detail, err := fn(stepCtx)
	elapsed := time.Since(start)

	res := StepResult{
		Step:    name,
		Elapsed: elapsed.Round(time.Millisecond).String(),
		Detail:  detail,
	}

	switch {
	case err == nil:
		res.Status = StatusOK
		r.logger.Debug("step complete", "step", name, "elapsed", res.Elapsed)
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Error = fmt.Sprintf("no response within %s", timeout)
		r.logger.Warn("step timed out", "step", name, "timeout", timeout.String())
	default:
		res.Status = StatusError
		res.Error = err.Error()
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			r.logger.Warn("server rejected step", "step", name, "code", rpcErr.Code, "message", rpcErr.Message)
		} else {
			r.logger.Warn("step failed", "step", name, "error", err)
		}
	}
	return res
}

// SampleArguments synthesizes an argument map from a tool's input
// schema: string properties get "test", integer and number properties 1,
// booleans true. Properties of other types are left unset, as is the
// whole map when the schema declares no properties.
func SampleArguments(schema map[string]any) map[string]any {
	args := map[string]any{}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return args
	}
	for name, raw := range props {
		details, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch details["type"] {
		case "string":
			args[name] = "test"
		case "integer", "number":
			args[name] = 1
		case "boolean":
			args[name] = true
		}
	}
	return args
}
