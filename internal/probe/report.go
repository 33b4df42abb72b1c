package probe

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mcpprobe/mcpprobe/internal/mcp"
)

// Status classifies the outcome of a single probe step.
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// StepResult records the outcome of one protocol exchange.
type StepResult struct {
	Step    string `json:"step"`
	Status  Status `json:"status"`
	Elapsed string `json:"elapsed,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the full outcome of a probe run, suitable for JSON output
// or terminal rendering.
type Report struct {
	Server          string               `json:"server"`
	Transport       string               `json:"transport"`
	Target          string               `json:"target,omitempty"`
	StartedAt       time.Time            `json:"started_at"`
	Elapsed         string               `json:"elapsed"`
	ServerName      string               `json:"server_name,omitempty"`
	ServerVersion   string               `json:"server_version,omitempty"`
	ProtocolVersion string               `json:"protocol_version,omitempty"`
	Tools           []mcp.ToolDefinition `json:"tools,omitempty"`
	Steps           []StepResult         `json:"steps"`
	ToolResult      json.RawMessage      `json:"tool_result,omitempty"`
	StderrTail      []string             `json:"stderr_tail,omitempty"`
	OK              bool                 `json:"ok"`
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText renders the report for terminal display.
func (r *Report) WriteText(w io.Writer) {
	fmt.Fprintf(w, "=== MCP Probe: %s ===\n", r.Server)
	fmt.Fprintf(w, "Target:  %s (%s)\n", r.Target, r.Transport)
	if r.ServerName != "" {
		fmt.Fprintf(w, "Server:  %s %s (protocol %s)\n", r.ServerName, r.ServerVersion, r.ProtocolVersion)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Steps:")
	for _, s := range r.Steps {
		line := fmt.Sprintf("  %-12s %-8s %6s", s.Step, s.Status, s.Elapsed)
		if s.Detail != "" {
			line += "  " + s.Detail
		}
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}

	if len(r.Tools) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Tools:")
		for _, t := range r.Tools {
			fmt.Fprintln(w, strings.TrimRight(fmt.Sprintf("  %-20s %s", t.Name, clip(t.Description, 56)), " "))
		}
	}

	if text := r.toolResultText(); text != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Tool result:")
		for _, line := range strings.Split(text, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}

	if len(r.StderrTail) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Server stderr (last %d lines):\n", len(r.StderrTail))
		for _, line := range r.StderrTail {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}

	fmt.Fprintln(w)
	if r.OK {
		fmt.Fprintf(w, "Result: ok (%s)\n", r.Elapsed)
	} else {
		fmt.Fprintf(w, "Result: FAILED (%s)\n", r.Elapsed)
	}
}

// toolResultText extracts the text content from the raw tools/call
// result, or "" if there is none to show.
func (r *Report) toolResultText() string {
	if len(r.ToolResult) == 0 {
		return ""
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(r.ToolResult, &result); err != nil {
		return ""
	}
	text := result.Text()
	if result.IsError && text != "" {
		return "(tool error) " + text
	}
	return text
}

// clip shortens s to at most n runes for single-line display.
func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
