package probe

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcpprobe/mcpprobe/internal/jsonrpc"
	"github.com/mcpprobe/mcpprobe/internal/mcp"
)

// scriptedTransport plays an MCP server from canned per-method responses.
type scriptedTransport struct {
	mu        sync.Mutex
	responses map[string]*jsonrpc.Response
	delays    map[string]time.Duration
	sent      []jsonrpc.Request
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		responses: make(map[string]*jsonrpc.Response),
		delays:    make(map[string]time.Duration),
	}
}

func (s *scriptedTransport) respond(method string, result any) {
	data, _ := json.Marshal(result)
	s.responses[method] = &jsonrpc.Response{JSONRPC: jsonrpc.Version, Result: data}
}

func (s *scriptedTransport) respondError(method string, code int, msg string) {
	s.responses[method] = &jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		Error:   &jsonrpc.Error{Code: code, Message: msg},
	}
}

func (s *scriptedTransport) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	s.mu.Lock()
	s.sent = append(s.sent, *req)
	delay := s.delays[req.Method]
	resp := s.responses[req.Method]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if resp == nil {
		return nil, io.ErrUnexpectedEOF
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (s *scriptedTransport) Notify(context.Context, *jsonrpc.Notification) error { return nil }

func (s *scriptedTransport) Close() error { return nil }

func (s *scriptedTransport) sentParams(t *testing.T, method string) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.sent {
		if req.Method == method {
			params, ok := req.Params.(map[string]any)
			if !ok {
				t.Fatalf("%s params type = %T, want map", method, req.Params)
			}
			return params
		}
	}
	t.Fatalf("no %s request captured", method)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInitResult() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": "mcp-server", "version": "1.6.0"},
		"capabilities":    map[string]any{"tools": map[string]any{}},
	}
}

func newRunner(cfg Config) *Runner {
	cfg.Server = "local"
	cfg.Transport = "stdio"
	cfg.Target = "mcp-server -t stdio"
	cfg.Logger = quietLogger()
	return New(cfg)
}

func TestRunner_FullSequence(t *testing.T) {
	st := newScriptedTransport()
	st.respond("initialize", testInitResult())
	st.respond("tools/list", map[string]any{
		"tools": []map[string]any{
			{
				"name":        "query",
				"description": "Execute SQL query",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query":   map[string]any{"type": "string"},
						"limit":   map[string]any{"type": "integer"},
						"explain": map[string]any{"type": "boolean"},
					},
				},
			},
			{"name": "list_databases", "description": "List configured databases"},
		},
	})
	st.respond("tools/call", map[string]any{
		"content": []map[string]any{{"type": "text", "text": "no rows"}},
	})

	client := mcp.NewClient("local", st, quietLogger())
	report := newRunner(Config{}).Run(context.Background(), client)

	if !report.OK {
		t.Fatalf("report not OK: %+v", report.Steps)
	}
	if len(report.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(report.Steps))
	}
	for i, s := range report.Steps {
		if s.Status != StatusOK {
			t.Errorf("step %d (%s) status = %s, want ok", i, s.Step, s.Status)
		}
	}
	if report.ServerName != "mcp-server" || report.ProtocolVersion != "2024-11-05" {
		t.Errorf("server identity = %q protocol %q", report.ServerName, report.ProtocolVersion)
	}
	if len(report.Tools) != 2 {
		t.Errorf("got %d tools, want 2", len(report.Tools))
	}
	if len(report.ToolResult) == 0 {
		t.Error("tool result not captured")
	}

	// The first discovered tool gets called with synthesized arguments.
	params := st.sentParams(t, "tools/call")
	if params["name"] != "query" {
		t.Errorf("called tool %v, want query", params["name"])
	}
	args, _ := params["arguments"].(map[string]any)
	if args["query"] != "test" {
		t.Errorf("args.query = %v, want test", args["query"])
	}
	if args["limit"] != 1 {
		t.Errorf("args.limit = %v, want 1", args["limit"])
	}
	if args["explain"] != true {
		t.Errorf("args.explain = %v, want true", args["explain"])
	}
}

func TestRunner_NoToolsAdvertised(t *testing.T) {
	st := newScriptedTransport()
	st.respond("initialize", testInitResult())
	st.respond("tools/list", map[string]any{"tools": []map[string]any{}})

	client := mcp.NewClient("local", st, quietLogger())
	report := newRunner(Config{}).Run(context.Background(), client)

	if !report.OK {
		t.Fatalf("report not OK: %+v", report.Steps)
	}
	last := report.Steps[len(report.Steps)-1]
	if last.Step != StepCallTool || last.Status != StatusSkipped {
		t.Errorf("final step = %s/%s, want tools/call skipped", last.Step, last.Status)
	}
	if last.Detail != "no tools advertised" {
		t.Errorf("detail = %q", last.Detail)
	}
}

func TestRunner_InitializeTimeoutIsNotFatal(t *testing.T) {
	st := newScriptedTransport()
	st.respond("initialize", testInitResult())
	st.delays["initialize"] = 500 * time.Millisecond
	st.respond("tools/list", map[string]any{"tools": []map[string]any{}})

	client := mcp.NewClient("local", st, quietLogger())
	report := newRunner(Config{InitTimeout: 50 * time.Millisecond}).Run(context.Background(), client)

	if report.OK {
		t.Fatal("report OK despite initialize timeout")
	}
	if report.Steps[0].Status != StatusTimeout {
		t.Errorf("initialize status = %s, want timeout", report.Steps[0].Status)
	}
	// The run keeps going: discovery still happens on the same transport.
	if report.Steps[1].Step != StepListTools || report.Steps[1].Status != StatusOK {
		t.Errorf("tools/list after timeout = %s/%s, want ok", report.Steps[1].Step, report.Steps[1].Status)
	}
}

func TestRunner_DiscoveryErrorSkipsCall(t *testing.T) {
	st := newScriptedTransport()
	st.respond("initialize", testInitResult())
	st.respondError("tools/list", jsonrpc.CodeMethodNotFound, "Method not found")

	client := mcp.NewClient("local", st, quietLogger())
	report := newRunner(Config{}).Run(context.Background(), client)

	if report.OK {
		t.Fatal("report OK despite discovery failure")
	}
	if report.Steps[1].Status != StatusError {
		t.Errorf("tools/list status = %s, want error", report.Steps[1].Status)
	}
	last := report.Steps[2]
	if last.Status != StatusSkipped || last.Detail != "tool discovery failed" {
		t.Errorf("tools/call = %s %q", last.Status, last.Detail)
	}
}

func TestRunner_ToolErrorStillCountsAsAnswer(t *testing.T) {
	st := newScriptedTransport()
	st.respond("initialize", testInitResult())
	st.respond("tools/list", map[string]any{
		"tools": []map[string]any{{"name": "query", "description": "Execute SQL query"}},
	})
	st.respond("tools/call", map[string]any{
		"content": []map[string]any{{"type": "text", "text": "database connections disabled"}},
		"isError": true,
	})

	client := mcp.NewClient("local", st, quietLogger())
	report := newRunner(Config{}).Run(context.Background(), client)

	if !report.OK {
		t.Fatalf("report not OK: %+v", report.Steps)
	}
	last := report.Steps[2]
	if last.Status != StatusOK {
		t.Errorf("tools/call status = %s, want ok", last.Status)
	}
	if !strings.Contains(last.Detail, "tool error") {
		t.Errorf("detail = %q, want mention of tool error", last.Detail)
	}
}

func TestSampleArguments(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
		want   map[string]any
	}{
		{
			name: "mixed types",
			schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":   map[string]any{"type": "string"},
					"limit":   map[string]any{"type": "integer"},
					"ratio":   map[string]any{"type": "number"},
					"verbose": map[string]any{"type": "boolean"},
				},
			},
			want: map[string]any{"query": "test", "limit": 1, "ratio": 1, "verbose": true},
		},
		{
			name: "unsupported types left unset",
			schema: map[string]any{
				"properties": map[string]any{
					"params": map[string]any{"type": "array"},
					"config": map[string]any{"type": "object"},
					"q":      map[string]any{"type": "string"},
				},
			},
			want: map[string]any{"q": "test"},
		},
		{
			name:   "no properties",
			schema: map[string]any{"type": "object"},
			want:   map[string]any{},
		},
		{
			name:   "nil schema",
			schema: nil,
			want:   map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SampleArguments(tt.schema)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("args[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestReport_WriteText(t *testing.T) {
	report := &Report{
		Server:          "local",
		Transport:       "stdio",
		Target:          "mcp-server -t stdio",
		StartedAt:       time.Now(),
		Elapsed:         "55ms",
		ServerName:      "mcp-server",
		ServerVersion:   "1.6.0",
		ProtocolVersion: "2024-11-05",
		Tools: []mcp.ToolDefinition{
			{Name: "query", Description: "Execute SQL query"},
		},
		Steps: []StepResult{
			{Step: StepInitialize, Status: StatusOK, Elapsed: "12ms", Detail: "mcp-server 1.6.0 (protocol 2024-11-05)"},
			{Step: StepListTools, Status: StatusOK, Elapsed: "3ms", Detail: "1 tools"},
			{Step: StepCallTool, Status: StatusTimeout, Elapsed: "30s", Error: "no response within 30s"},
		},
		StderrTail: []string{"2025/01/02 listening on stdio"},
		OK:         false,
	}

	var buf strings.Builder
	report.WriteText(&buf)
	out := buf.String()

	for _, want := range []string{
		"=== MCP Probe: local ===",
		"mcp-server -t stdio",
		"initialize",
		"no response within 30s",
		"query",
		"Server stderr (last 1 lines):",
		"Result: FAILED (55ms)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text report missing %q:\n%s", want, out)
		}
	}
}

func TestReport_WriteJSON(t *testing.T) {
	report := &Report{
		Server:    "local",
		Transport: "stdio",
		Steps:     []StepResult{{Step: StepInitialize, Status: StatusOK}},
		OK:        true,
	}

	var buf strings.Builder
	if err := report.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(buf.String()), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["ok"] != true {
		t.Errorf("ok = %v, want true", decoded["ok"])
	}
	if decoded["server"] != "local" {
		t.Errorf("server = %v, want local", decoded["server"])
	}
}
