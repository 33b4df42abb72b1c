package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// runSessions handles the "mcpprobe sessions [id]" subcommand. Without
// an id it lists recorded transcript sessions, most recent first; with
// one it dumps that session's frames in wire order.
func runSessions(stdout, stderr io.Writer, opts cliOptions, args []string) error {
	cfg, _, err := loadConfig(opts.configPath, opts.record != "")
	if err != nil {
		return err
	}
	logger := setupLogger(stderr, cfg)

	path := opts.record
	if path == "" {
		path = cfg.Record
	}
	if path == "" {
		return fmt.Errorf("transcripts are not configured (set record: in the config or pass -record)")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("transcript database %s does not exist", path)
	}

	store, closeStore, err := openTranscripts(path, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if len(args) == 0 {
		sessions, err := store.Sessions(0)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if opts.output == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		}

		if len(sessions) == 0 {
			fmt.Fprintln(stdout, "no recorded sessions")
			return nil
		}
		fmt.Fprintf(stdout, "%-36s  %-12s  %-9s  %-19s  %6s\n",
			"SESSION", "SERVER", "TRANSPORT", "STARTED", "FRAMES")
		for _, s := range sessions {
			fmt.Fprintf(stdout, "%-36s  %-12s  %-9s  %-19s  %6d\n",
				s.ID, s.Server, s.Transport,
				s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.Frames)
		}
		return nil
	}

	sessionID := args[0]
	frames, err := store.Frames(sessionID)
	if err != nil {
		return fmt.Errorf("load frames: %w", err)
	}

	if opts.output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(frames)
	}

	if len(frames) == 0 {
		fmt.Fprintf(stdout, "no frames recorded for session %s\n", sessionID)
		return nil
	}
	for _, f := range frames {
		fmt.Fprintf(stdout, "%5d  %s  %-4s  %s\n",
			f.Seq, f.CreatedAt.Local().Format("15:04:05.000"), f.Direction, f.Payload)
	}
	return nil
}
