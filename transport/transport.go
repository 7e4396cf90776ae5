// Package transport owns the agent subprocess and its byte streams.
//
// A Transport wraps exactly one child process speaking the line-framed
// protocol of package wire. It exposes a single line-oriented reader and
// a single line-oriented writer; demultiplexing happens above it in
// package router. When the process exits, reads surface a terminal
// *ClosedError carrying the exit cause and any captured stderr.
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
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/manifoldhq/manifold-core/logger"
)

// CloseGracePeriod is how long Close waits for the process to exit after
// stdin is closed before force-killing it.
const CloseGracePeriod = 2 * time.Second

// ErrNotRunning is returned when an operation requires a started process.
var ErrNotRunning = errors.New("transport: process not running")

// ErrClosed is returned for writes after Close or Kill.
var ErrClosed = errors.New("transport: closed")

// ClosedError is the terminal error surfaced by ReadLine once the agent
// process has exited. ExitErr is the process exit cause (nil for a clean
// exit) and Stderr holds whatever the process wrote to stderr.
type ClosedError struct {
	ExitErr error
	Stderr  string
}

func (e *ClosedError) Error() string {
	if e.ExitErr != nil {
		return fmt.Sprintf("transport closed: %v", e.ExitErr)
	}
	return "transport closed"
}

func (e *ClosedError) Unwrap() error { return e.ExitErr }

// Config holds the configuration for spawning the agent process.
type Config struct {
	Command string            // Agent binary (e.g. "claude-agent")
	Args    []string          // Command-line arguments
	Dir     string            // Working directory (empty = inherit)
	Env     map[string]string // Extra environment variables

	// CredentialVar names the environment variable carrying the agent
	// credential. When Credential is empty the variable is omitted
	// entirely and the agent falls back to its own ambient credential
	// discovery.
	CredentialVar string
	Credential    string

	// WireLogPath, when set, enables a raw frame tap: every line written
	// to or read from the process is appended to this file. Debugging
	// aid; a tap that fails to open is logged and skipped.
	WireLogPath string
}

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	line string
	err  error
}

// Transport manages the lifecycle of one agent process.
type Transport struct {
	config Config
	log    *slog.Logger

	// Process state (protected by mu)
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{}
	running       bool
	closed        bool
	exitErr       error

	// writeMu serializes writes to stdin independently of mu so a slow
	// write cannot block state queries.
	writeMu sync.Mutex

	// wireMu guards the optional raw frame tap.
	wireMu  sync.Mutex
	wireLog *os.File

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Close() selects on this channel instead of calling cmd.Wait()
	// again, preventing undefined behavior from double Wait().
	waitDone chan struct{}

	// Context for reader cancellation
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Transport for the given config. Call Start to spawn the
// process.
func New(config Config) *Transport {
	return &Transport{
		config: config,
		log:    logger.WithComponent("transport"),
	}
}

// BuildEnv constructs the child environment from the ambient environment,
// the config's extra variables, and the optional credential variable.
// Exported for testing purposes to verify credential omission.
func BuildEnv(config Config) []string {
	env := os.Environ()
	for k, v := range config.Env {
		env = append(env, k+"="+v)
	}
	if config.CredentialVar != "" && config.Credential != "" {
		env = append(env, config.CredentialVar+"="+config.Credential)
	}
	return env
}

// Start spawns the agent process and begins draining stderr.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}
	if t.closed {
		return ErrClosed
	}

	t.log.Info("starting agent process", "command", t.config.Command)
	startTime := time.Now()

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Dir = t.config.Dir
	cmd.Env = BuildEnv(t.config)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		t.log.Error("failed to start agent process", "error", err)
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = bufio.NewReader(stdout)
	t.stderr = stderr
	t.stderrContent = ""
	t.stderrDone = make(chan struct{})
	t.waitDone = make(chan struct{})
	t.exitErr = nil
	t.running = true
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.log.Info("agent process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	if t.config.WireLogPath != "" {
		t.openWireLog(t.config.WireLogPath)
	}

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.drainStderr()
	}()
	go func() {
		defer t.wg.Done()
		t.monitorExit()
	}()

	return nil
}

// IsRunning returns whether the process is currently running.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// WriteLine writes one already-framed line to the process stdin. The data
// must be newline-terminated (wire.Serialize output). Writes after Close
// fail with ErrClosed.
func (t *Transport) WriteLine(data []byte) error {
	t.mu.Lock()
	stdin := t.stdin
	running := t.running
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !running || stdin == nil {
		return ErrNotRunning
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent process: %w", err)
	}
	t.tapWire("->", strings.TrimRight(string(data), "\n"))
	return nil
}

// ReadLine blocks until the next line is available from the process
// stdout. Once the process has exited it returns a terminal *ClosedError;
// every subsequent call returns the same error.
func (t *Transport) ReadLine() (string, error) {
	t.mu.Lock()
	reader := t.stdout
	running := t.running
	ctx := t.ctx
	t.mu.Unlock()

	if !running || reader == nil {
		return "", t.closedError()
	}

	line, err := t.readLine(ctx, reader)
	if err != nil {
		return "", t.closedError()
	}
	t.tapWire("<-", strings.TrimRight(line, "\n"))
	return line, nil
}

// readLine reads a line from the reader, blocking until data is available.
//
// The spawned goroutine doing ReadString() cannot be cancelled (Go's
// blocking I/O limitation). That is acceptable: on Close the stdin close
// or kill unblocks the read with EOF, and the buffered channel lets the
// goroutine send its result even after we returned due to cancel,
// preventing a goroutine leak.
func (t *Transport) readLine(ctx context.Context, reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// closedError builds the terminal error for a dead transport, waiting for
// the exit status and stderr capture to settle first.
func (t *Transport) closedError() error {
	t.mu.Lock()
	waitDone := t.waitDone
	stderrDone := t.stderrDone
	t.mu.Unlock()

	// Wait for monitorExit and drainStderr so the error carries the real
	// exit cause. Both channels are nil if Start was never called.
	if waitDone != nil {
		<-waitDone
	}
	if stderrDone != nil {
		<-stderrDone
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return &ClosedError{ExitErr: t.exitErr, Stderr: t.stderrContent}
}

// Interrupt sends SIGINT to the process to interrupt the current operation.
func (t *Transport) Interrupt() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.cmd == nil || t.cmd.Process == nil {
		t.log.Debug("interrupt called but process not running")
		return ErrNotRunning
	}

	t.log.Info("sending SIGINT", "pid", t.cmd.Process.Pid)
	if err := t.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}

// Close closes the input stream, waits up to CloseGracePeriod for the
// process to exit, then force-terminates it. Safe to call multiple times.
func (t *Transport) Close() {
	t.mu.Lock()
	wasRunning := t.running
	t.closed = true

	if t.cancel != nil {
		t.cancel()
	}

	if !wasRunning {
		t.mu.Unlock()
		return
	}

	t.log.Debug("closing transport")
	t.running = false

	// Close stdin to signal EOF to the process
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}

	cmd := t.cmd
	waitDone := t.waitDone
	t.mu.Unlock()

	// monitorExit is the sole caller of cmd.Wait() and signals waitDone
	// when it completes.
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			t.log.Debug("agent process exited gracefully")
		case <-time.After(CloseGracePeriod):
			t.log.Debug("force killing agent process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	t.log.Debug("waiting for transport goroutines")
	t.wg.Wait()

	t.mu.Lock()
	if t.stderr != nil {
		t.stderr.Close()
		t.stderr = nil
	}
	t.cmd = nil
	t.stdout = nil
	t.mu.Unlock()
	t.closeWireLog()
	t.log.Debug("transport closed")
}

// Kill terminates the process immediately without a grace period.
func (t *Transport) Kill() {
	t.mu.Lock()
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	cmd := t.cmd
	running := t.running
	t.running = false
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	waitDone := t.waitDone
	t.mu.Unlock()

	if !running {
		return
	}

	t.log.Debug("killing agent process")
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	if waitDone != nil {
		<-waitDone
	}
	t.wg.Wait()

	t.mu.Lock()
	if t.stderr != nil {
		t.stderr.Close()
		t.stderr = nil
	}
	t.cmd = nil
	t.stdout = nil
	t.mu.Unlock()
	t.closeWireLog()
}

// openWireLog opens the raw frame tap file. Failure is non-fatal.
func (t *Transport) openWireLog(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.log.Warn("failed to create wire log directory", "path", path, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.log.Warn("failed to open wire log", "path", path, "error", err)
		return
	}
	t.wireMu.Lock()
	t.wireLog = f
	t.wireMu.Unlock()
	t.log.Info("wire frame tap enabled", "path", path)
}

// tapWire appends one frame to the tap with its direction marker.
func (t *Transport) tapWire(direction, line string) {
	t.wireMu.Lock()
	defer t.wireMu.Unlock()
	if t.wireLog == nil {
		return
	}
	fmt.Fprintf(t.wireLog, "%s %s %s\n", time.Now().Format(time.RFC3339Nano), direction, line)
}

func (t *Transport) closeWireLog() {
	t.wireMu.Lock()
	defer t.wireMu.Unlock()
	if t.wireLog != nil {
		t.wireLog.Close()
		t.wireLog = nil
	}
}

// drainStderr reads all stderr content and stores it for later retrieval.
// This must run concurrently with the process so stderr is captured before
// cmd.Wait() closes the pipe.
func (t *Transport) drainStderr() {
	defer close(t.stderrDone)

	t.mu.Lock()
	stderr := t.stderr
	t.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		t.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		content := strings.TrimSpace(string(stderrBytes))
		t.mu.Lock()
		t.stderrContent = content
		t.mu.Unlock()
		t.log.Debug("captured stderr", "content", content)
	}
}

// monitorExit waits for the process to exit and records the exit cause.
// It is the sole caller of cmd.Wait(); Close() and Kill() coordinate via
// the waitDone channel instead of calling cmd.Wait() themselves.
func (t *Transport) monitorExit() {
	t.mu.Lock()
	cmd := t.cmd
	waitDone := t.waitDone
	t.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	err := cmd.Wait()
	t.log.Debug("agent process exited", "error", err)

	t.mu.Lock()
	t.exitErr = err
	t.running = false
	t.mu.Unlock()

	if waitDone != nil {
		close(waitDone)
	}
}
