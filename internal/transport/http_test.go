package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcpprobe/mcpprobe/internal/jsonrpc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPTransport_SendRoundtrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)

		var req struct {
			Method string `json:"method"`
			ID     any    `json:"id"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		idRaw, _ := json.Marshal(req.ID)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"method":%q}}`, idRaw, req.Method)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Logger: discardLogger()})
	defer tr.Close()

	resp, err := tr.Send(context.Background(), jsonrpc.NewRequest(1, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID.String() != "1" {
		t.Errorf("ID = %q, want 1", resp.ID.String())
	}

	var out struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Method != "tools/list" {
		t.Errorf("echoed method = %q, want tools/list", out.Method)
	}
}

func TestHTTPTransport_SessionAffinity(t *testing.T) {
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions = append(sessions, r.Header.Get("Mcp-Session"))
		w.Header().Set("Mcp-Session", "sess-abc123")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Logger: discardLogger()})
	defer tr.Close()

	ctx := context.Background()
	if _, err := tr.Send(ctx, jsonrpc.NewRequest(1, "initialize", nil)); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := tr.Send(ctx, jsonrpc.NewRequest(1, "tools/list", nil)); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	if len(sessions) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(sessions))
	}
	if sessions[0] != "" {
		t.Errorf("first request carried session %q, want none", sessions[0])
	}
	if sessions[1] != "sess-abc123" {
		t.Errorf("second request carried session %q, want sess-abc123", sessions[1])
	}
}

func TestHTTPTransport_CustomHeaders(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer xyz"},
		Logger:  discardLogger(),
	})
	defer tr.Close()

	if _, err := tr.Send(context.Background(), jsonrpc.NewRequest(1, "ping", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer xyz" {
		t.Errorf("Authorization = %q, want Bearer xyz", auth)
	}
}

func TestHTTPTransport_ServerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Logger: discardLogger()})
	defer tr.Close()

	_, err := tr.Send(context.Background(), jsonrpc.NewRequest(1, "ping", nil))
	if err == nil {
		t.Fatal("Send succeeded against a 500")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %v, want status code mentioned", err)
	}
}

func TestHTTPTransport_ProtocolErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Logger: discardLogger()})
	defer tr.Close()

	resp, err := tr.Send(context.Background(), jsonrpc.NewRequest(1, "nope", nil))
	if err != nil {
		t.Fatalf("Send = %v; a protocol-level error is the call's result, not a transport failure", err)
	}
	if resp.Error == nil {
		t.Fatal("Error is nil, want -32601")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("Error.Code = %d, want -32601", resp.Error.Code)
	}
}

func TestHTTPTransport_NotifyAccepted(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var notif struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(body, &notif)
		method = notif.Method
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Logger: discardLogger()})
	defer tr.Close()

	err := tr.Notify(context.Background(), jsonrpc.NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if method != "notifications/initialized" {
		t.Errorf("server saw method %q", method)
	}
}

func TestHTTPTransport_NotifyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no notifications here", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Logger: discardLogger()})
	defer tr.Close()

	err := tr.Notify(context.Background(), jsonrpc.NewNotification("notifications/initialized", nil))
	if err == nil {
		t.Fatal("Notify succeeded against a 400")
	}
}
