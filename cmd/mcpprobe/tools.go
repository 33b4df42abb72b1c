package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mcpprobe/mcpprobe/internal/mcp"
)

// runTools handles the "mcpprobe tools [server]" subcommand: initialize
// the server, fetch its tool list, and print it.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, serverName string) error {
	cfg, _, err := loadConfig(opts.configPath, opts.cmdLine != "")
	if err != nil {
		return err
	}
	logger := setupLogger(stderr, cfg)

	server, err := resolveServer(cfg, opts, serverName)
	if err != nil {
		return err
	}
	initTimeout, callTimeout := timeouts(cfg, opts)

	return withClient(server, nil, logger, cfg.Defaults.ShutdownGrace(), func(client *mcp.Client) error {
		initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
		defer initCancel()
		if err := client.Initialize(initCtx); err != nil {
			return fmt.Errorf("initialize %s: %w", server.Name, err)
		}

		listCtx, listCancel := context.WithTimeout(ctx, callTimeout)
		defer listCancel()
		tools, err := client.ListTools(listCtx)
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}

		if opts.output == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tools)
		}

		if len(tools) == 0 {
			fmt.Fprintf(stdout, "%s advertises no tools\n", server.Name)
			return nil
		}
		fmt.Fprintf(stdout, "=== Tools: %s (%d) ===\n\n", server.Name, len(tools))
		for _, tool := range tools {
			fmt.Fprintln(stdout, tool.Name)
			if tool.Description != "" {
				fmt.Fprintf(stdout, "    %s\n", tool.Description)
			}
			if args := schemaSummary(tool.InputSchema); args != "" {
				fmt.Fprintf(stdout, "    args: %s\n", args)
			}
		}
		return nil
	})
}

// runCall handles the "mcpprobe call" subcommand: invoke a single tool
// with caller-supplied JSON arguments and print what came back. A tool
// that answers with isError still prints its content, but the command
// exits non-zero so scripts notice.
func runCall(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, args []string) error {
	cfg, _, err := loadConfig(opts.configPath, opts.cmdLine != "")
	if err != nil {
		return err
	}
	logger := setupLogger(stderr, cfg)

	// With -cmd the server is implicit and args are <tool> [json-args];
	// otherwise the first arg names the configured server.
	serverName := ""
	if opts.cmdLine == "" {
		if len(args) < 2 {
			return fmt.Errorf("usage: mcpprobe call <server> <tool> [json-args]")
		}
		serverName = args[0]
		args = args[1:]
	}
	toolName := args[0]

	toolArgs := map[string]any{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	server, err := resolveServer(cfg, opts, serverName)
	if err != nil {
		return err
	}
	initTimeout, callTimeout := timeouts(cfg, opts)

	return withClient(server, nil, logger, cfg.Defaults.ShutdownGrace(), func(client *mcp.Client) error {
		initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
		defer initCancel()
		if err := client.Initialize(initCtx); err != nil {
			return fmt.Errorf("initialize %s: %w", server.Name, err)
		}

		callCtx, callCancel := context.WithTimeout(ctx, callTimeout)
		defer callCancel()
		result, err := client.CallToolRaw(callCtx, toolName, toolArgs)
		if err != nil {
			return err
		}

		if opts.output == "json" {
			var out bytes.Buffer
			if err := json.Indent(&out, result.Raw, "", "  "); err != nil {
				out.Reset()
				out.Write(result.Raw)
			}
			out.WriteByte('\n')
			if _, err := stdout.Write(out.Bytes()); err != nil {
				return err
			}
		} else {
			text := result.Text()
			if text == "" {
				text = "(no text content)"
			}
			fmt.Fprintln(stdout, text)
		}

		if result.IsError {
			return fmt.Errorf("tool %s returned an error", toolName)
		}
		return nil
	})
}

// schemaSummary renders a tool's input schema as a compact argument
// list: "name (type, required), ...", sorted by property name.
func schemaSummary(schema map[string]any) string {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return ""
	}

	required := map[string]bool{}
	if rawReq, ok := schema["required"].([]any); ok {
		for _, r := range rawReq {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if details, ok := props[name].(map[string]any); ok {
			if t, ok := details["type"].(string); ok {
				typ = t
			}
		}
		if required[name] {
			parts = append(parts, fmt.Sprintf("%s (%s, required)", name, typ))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, typ))
		}
	}
	return strings.Join(parts, ", ")
}
