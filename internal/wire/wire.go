// Package wire implements the line framing used on MCP server stdio streams.
//
// The two directions are framed differently. Client to server is one plain
// JSON document per line with no prefix of any kind. Server to client is a
// mixed stream: protocol lines carry the "MCPRPC:" sentinel followed by one
// JSON document, and everything else on stdout is free-form diagnostic
// output that must never reach the protocol layer.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sentinel prefixes every protocol line a server emits on stdout. The match
// is exact and anchored at the start of the line; a sentinel appearing
// mid-line is part of a diagnostic message, not a frame marker.
const Sentinel = "MCPRPC:"

// MaxLineBytes bounds a single stdout line. A server that emits more than
// this on one line ends the scan with bufio.ErrTooLong.
const MaxLineBytes = 10 << 20

// Writer frames outbound messages for a server's stdin. Each message becomes
// exactly one JSON document followed by a newline, with no sentinel.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer framing messages onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage serializes v onto a single line.
func (w *Writer) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return w.WriteLine(data)
}

// WriteLine frames a pre-encoded JSON document onto one line. Writes are
// serialized so concurrent callers cannot interleave partial frames.
func (w *Writer) WriteLine(data []byte) error {
	// Frame into a fresh buffer; appending '\n' to data in place can
	// write into the caller's backing array when it has spare capacity.
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// MalformedLineError reports a sentinel line whose payload was not valid
// JSON. It is recoverable: the scanner's position is unaffected and the
// caller should log it and read the next message.
type MalformedLineError struct {
	Line string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("malformed protocol line: %s", truncate(e.Line, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Scanner extracts protocol messages from a server's stdout. Lines without
// the sentinel prefix are handed to Diagnostics and skipped; blank lines are
// skipped silently.
type Scanner struct {
	sc *bufio.Scanner

	// Diagnostics, if set, receives every non-protocol line. Set it before
	// the first call to Next.
	Diagnostics func(line string)
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Scanner{sc: sc}
}

// Next returns the JSON payload of the next protocol line. When a sentinel
// line carries invalid JSON, Next returns a *MalformedLineError and remains
// usable. A closed stream returns io.EOF.
func (s *Scanner) Next() ([]byte, error) {
	for s.sc.Scan() {
		line := s.sc.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, Sentinel) {
			if s.Diagnostics != nil {
				s.Diagnostics(line)
			}
			continue
		}

		payload := strings.TrimSpace(line[len(Sentinel):])
		if !json.Valid([]byte(payload)) {
			return nil, &MalformedLineError{Line: line}
		}
		return []byte(payload), nil
	}

	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("read protocol stream: %w", err)
	}
	return nil, io.EOF
}
