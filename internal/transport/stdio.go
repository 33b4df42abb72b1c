package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/mcpprobe/mcpprobe/internal/config"
	"github.com/mcpprobe/mcpprobe/internal/jsonrpc"
	"github.com/mcpprobe/mcpprobe/internal/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// defaultShutdownGrace bounds how long Close waits for the subprocess to
// exit before force-killing it.
const defaultShutdownGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// ShutdownGrace overrides how long Close waits for a graceful exit.
	// Zero means the default of five seconds.
	ShutdownGrace time.Duration

	// Observer, if set, receives a copy of every protocol frame.
	Observer Observer

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a subprocess.
// Requests go to the server's stdin as bare JSON lines; responses come back
// on stdout behind the wire sentinel, interleaved with diagnostic output.
//
// A dedicated goroutine owns the stdout side. It scans protocol frames and
// resolves them against a table of pending calls keyed by request ID, so
// writers never block readers and several calls may be in flight at once.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	grace  time.Duration
	stderr stderrTail

	mu      sync.Mutex
	proc    *process
	pending map[string]*pendingCall
	closed  bool
}

// process bundles the state of one subprocess launch. The reader goroutine
// reaps the process and closes done; anything needing the exit to have
// happened waits on done.
type process struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	writer     *wire.Writer
	stderrDone chan struct{}
	done       chan struct{}
}

// pendingCall is one in-flight request awaiting its response. Channels are
// buffered so the reader never blocks on a caller that already gave up.
type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	return &StdioTransport{
		config:  cfg,
		logger:  logger.With("transport", "stdio", "session", uuid.New().String()[:8]),
		grace:   grace,
		pending: make(map[string]*pendingCall),
	}
}

// start launches the subprocess if it is not already running. The subprocess
// lifecycle is independent of call contexts: it survives individual request
// timeouts and is only terminated by Close or its own exit. Caller must
// hold t.mu.
func (t *StdioTransport) start() error {
	if t.proc != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	proc := &process{
		cmd:        cmd,
		stdin:      stdin,
		writer:     wire.NewWriter(stdin),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	t.proc = proc
	t.stderr.reset()

	go t.drainStderr(proc, stderrPipe)
	go t.readLoop(proc, stdout)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines, logs them at debug level, and keeps a
// bounded tail for the shutdown report.
func (t *StdioTransport) drainStderr(proc *process, r io.Reader) {
	defer close(proc.stderrDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderr.add(line)
		t.logger.Debug("MCP subprocess stderr", "line", line)
	}
}

// readLoop is the dedicated stdout reader. It runs until the protocol
// stream ends, then fails outstanding calls and reaps the subprocess.
func (t *StdioTransport) readLoop(proc *process, stdout io.Reader) {
	sc := wire.NewScanner(stdout)
	sc.Diagnostics = func(line string) {
		t.logger.Debug("MCP subprocess stdout", "line", line)
	}

	var cause error
	for {
		payload, err := sc.Next()
		if err != nil {
			var malformed *wire.MalformedLineError
			if errors.As(err, &malformed) {
				t.logger.Warn("failed to parse JSON from protocol line", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				cause = errors.New("subprocess closed stdout")
			} else {
				cause = err
			}
			break
		}

		t.observe(DirectionRecv, payload)
		t.logger.Log(context.Background(), config.LevelTrace, "response frame", "json", string(payload))

		var resp jsonrpc.Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			t.logger.Warn("failed to decode protocol message", "error", err)
			continue
		}
		if resp.ID.IsZero() {
			t.logger.Debug("dropping server message without id")
			continue
		}
		t.deliver(&resp)
	}

	// The protocol stream is gone. Fail callers immediately; reap only
	// after stderr finishes so Wait does not race the drain goroutine.
	t.failPending(fmt.Errorf("MCP subprocess unavailable: %w", cause))

	<-proc.stderrDone
	waitErr := proc.cmd.Wait()

	t.mu.Lock()
	if t.proc == proc {
		t.proc = nil
	}
	t.mu.Unlock()

	if waitErr != nil {
		t.logger.Info("MCP subprocess exited", "status", waitErr.Error())
	} else {
		t.logger.Info("MCP subprocess exited")
	}
	close(proc.done)
}

// deliver resolves a response against the pending-call table. Responses
// nobody is waiting for are logged and dropped.
func (t *StdioTransport) deliver(resp *jsonrpc.Response) {
	key := resp.ID.String()

	t.mu.Lock()
	pc, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("dropping response with no pending call", "id", key)
		return
	}
	pc.respCh <- resp
}

// failPending fails every outstanding call with err.
func (t *StdioTransport) failPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range pending {
		pc.errCh <- err
	}
}

func (t *StdioTransport) dropPending(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

func (t *StdioTransport) observe(direction string, payload []byte) {
	if t.config.Observer != nil {
		t.config.Observer(direction, payload)
	}
}

// Send ships a request down the subprocess's stdin and waits for the
// correlated response. The pending entry is registered before the write so
// a fast response cannot slip past the reader. Context expiry abandons the
// call but leaves the subprocess and any other in-flight calls untouched.
func (t *StdioTransport) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	key := req.ID.String()
	pc := &pendingCall{
		respCh: make(chan *jsonrpc.Response, 1),
		errCh:  make(chan error, 1),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if err := t.start(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	proc := t.proc
	t.pending[key] = pc
	t.mu.Unlock()

	if err := proc.writer.WriteLine(data); err != nil {
		t.dropPending(key)
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}
	t.observe(DirectionSend, data)
	t.logger.Log(ctx, config.LevelTrace, "request frame", "json", string(data))

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		t.dropPending(key)
		t.logger.Warn("abandoned call after context expiry",
			"id", key,
			"method", req.Method,
		)
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *jsonrpc.Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if err := t.start(); err != nil {
		t.mu.Unlock()
		return err
	}
	proc := t.proc
	t.mu.Unlock()

	if err := proc.writer.WriteLine(data); err != nil {
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	t.observe(DirectionSend, data)
	t.logger.Log(ctx, config.LevelTrace, "notification frame", "json", string(data))
	return nil
}

// Close terminates the subprocess and releases resources. Calls made after
// Close return ErrClosed.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	proc := t.proc
	t.mu.Unlock()

	if proc == nil {
		return nil
	}
	return t.stop(proc)
}

// stop asks the subprocess to exit and bounds how long that may take.
// Closing stdin is the termination signal a stdio server responds to;
// SIGTERM covers servers that ignore EOF. The reader goroutine reaps the
// process, so stop waits on proc.done rather than calling Wait itself.
func (t *StdioTransport) stop(proc *process) error {
	pid := proc.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	proc.stdin.Close()
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-proc.done:
	case <-time.After(t.grace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}

	if tail := t.stderr.snapshot(); len(tail) > 0 {
		t.logger.Debug("MCP subprocess stderr tail", "lines", len(tail))
	}
	return nil
}

// StderrTail returns the most recent stderr lines from the subprocess,
// oldest first. Useful in shutdown reports when a server misbehaved.
func (t *StdioTransport) StderrTail() []string {
	return t.stderr.snapshot()
}

// stderrTailMax bounds how many stderr lines are retained for reporting.
const stderrTailMax = 32

// stderrTail keeps a bounded window of recent stderr lines.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (s *stderrTail) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if len(s.lines) > stderrTailMax {
		s.lines = s.lines[len(s.lines)-stderrTailMax:]
	}
}

func (s *stderrTail) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *stderrTail) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
}
