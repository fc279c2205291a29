// Package supervise owns locally spawned backend processes, one per
// deployment, speaking line-delimited JSON-RPC over stdin/stdout.
package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"pkt.systems/mcpgate/internal/protocol"
	"pkt.systems/pslog"
)

// ErrTerminated reports that the backend process exited while requests were
// pending (or before a write could happen).
var ErrTerminated = errors.New("backend process terminated")

// scanBufferSize bounds a single stdout line from the child. Tool results
// can be large; 16 MiB matches what well-behaved MCP servers emit.
const scanBufferSize = 16 << 20

// State is the lifecycle of one supervised process.
type State int32

const (
	// StateStarting means the process is spawned but has not completed a
	// message exchange yet.
	StateStarting State = iota
	// StateRunning means at least one response has been correlated.
	StateRunning
	// StateExited means the process terminated, cleanly or not.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Spec describes how to launch one local backend.
type Spec struct {
	DeploymentID string
	Command      string
	Args         []string
	// Env entries (KEY=VALUE) appended to the inherited environment.
	// Credential material arrives here, injected upstream of this core.
	Env []string
}

// Handle is one supervised child process. Writes to stdin are serialized;
// any number of requests may be outstanding, each parked on a pending slot
// keyed by request id until the reader goroutine correlates a stdout line.
type Handle struct {
	spec   Spec
	logger pslog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	pending  map[string]chan *protocol.Message
	exitCode int

	done chan struct{}
}

func startHandle(spec Spec, logger pslog.Logger) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	h := &Handle{
		spec:     spec,
		logger:   logger,
		cmd:      cmd,
		stdin:    stdin,
		state:    StateStarting,
		pending:  make(map[string]chan *protocol.Message),
		exitCode: -1,
		done:     make(chan struct{}),
	}
	h.logger.Info("supervise.process.started",
		"deployment_id", spec.DeploymentID,
		"command", spec.Command,
		"pid", cmd.Process.Pid,
	)
	go h.drainStderr(stderr)
	go h.readLoop(stdout)
	return h, nil
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PID returns the child's process id, or 0 after exit.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// LastExitCode returns the child's exit code, or -1 while it is alive.
func (h *Handle) LastExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Done is closed once the process has exited and all pending requests have
// been failed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Call forwards one request and waits for the correlated response line. On
// context cancellation the write is not retracted: the backend call stays
// outstanding, the slot is discarded, and the eventual line is dropped by
// the reader.
func (h *Handle) Call(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if !msg.IsRequest() {
		return nil, errors.New("call requires a request message")
	}
	key := msg.IDKey()
	slot := make(chan *protocol.Message, 1)

	h.mu.Lock()
	if h.state == StateExited {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w (exit code %d)", ErrTerminated, h.exitCode)
	}
	if _, exists := h.pending[key]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("request id %s already in flight", key)
	}
	h.pending[key] = slot
	h.mu.Unlock()

	if err := h.writeLine(msg); err != nil {
		h.discard(key)
		return nil, h.writeError(err)
	}

	select {
	case resp := <-slot:
		return resp, nil
	case <-ctx.Done():
		h.discard(key)
		return nil, ctx.Err()
	case <-h.done:
		// failPending may have raced a delivery into the slot.
		select {
		case resp := <-slot:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("%w (exit code %d)", ErrTerminated, h.LastExitCode())
	}
}

// Notify forwards one notification. There is nothing to wait for.
func (h *Handle) Notify(_ context.Context, msg *protocol.Message) error {
	h.mu.Lock()
	if h.state == StateExited {
		h.mu.Unlock()
		return fmt.Errorf("%w (exit code %d)", ErrTerminated, h.exitCode)
	}
	h.mu.Unlock()
	if err := h.writeLine(msg); err != nil {
		return h.writeError(err)
	}
	return nil
}

// writeError maps a failed stdin write to ErrTerminated when the child is
// gone or its pipe is closed; the broken pipe and the exit can race the
// state check at the top of Call and Notify.
func (h *Handle) writeError(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || h.State() == StateExited {
		return fmt.Errorf("%w: %v", ErrTerminated, err)
	}
	return err
}

// Stop terminates the process: interrupt first, kill after grace.
func (h *Handle) Stop(grace time.Duration) {
	h.mu.Lock()
	exited := h.state == StateExited
	h.mu.Unlock()
	if exited {
		return
	}
	_ = h.cmd.Process.Signal(os.Interrupt)
	select {
	case <-h.done:
	case <-time.After(grace):
		h.logger.Warn("supervise.process.kill",
			"deployment_id", h.spec.DeploymentID,
			"pid", h.PID(),
			"grace", grace,
		)
		_ = h.cmd.Process.Kill()
		<-h.done
	}
}

// Kill terminates the process immediately.
func (h *Handle) Kill() {
	_ = h.cmd.Process.Kill()
}

func (h *Handle) writeLine(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("write to backend: %w", err)
	}
	return nil
}

func (h *Handle) discard(key string) {
	h.mu.Lock()
	delete(h.pending, key)
	h.mu.Unlock()
}

func (h *Handle) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			h.logger.Warn("supervise.output.unparseable",
				"deployment_id", h.spec.DeploymentID,
				"bytes", len(line),
				"error", err,
			)
			continue
		}
		if !msg.IsResponse() || !msg.HasID() {
			// Server-initiated traffic has no pending slot; log and drop.
			h.logger.Debug("supervise.output.unsolicited",
				"deployment_id", h.spec.DeploymentID,
				"method", msg.Method,
			)
			continue
		}
		key := msg.IDKey()
		h.mu.Lock()
		slot, ok := h.pending[key]
		if ok {
			delete(h.pending, key)
			if h.state == StateStarting {
				h.state = StateRunning
			}
		}
		h.mu.Unlock()
		if !ok {
			h.logger.Warn("supervise.output.unmatched",
				"deployment_id", h.spec.DeploymentID,
				"request_id", key,
			)
			continue
		}
		slot <- msg
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("supervise.output.read_failed",
			"deployment_id", h.spec.DeploymentID,
			"error", err,
		)
	}
	h.finish()
}

func (h *Handle) finish() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	h.mu.Lock()
	h.state = StateExited
	h.exitCode = code
	orphans := h.pending
	h.pending = make(map[string]chan *protocol.Message)
	h.mu.Unlock()

	// Closing done unparks every pending Call with ErrTerminated.
	close(h.done)

	h.logger.Info("supervise.process.exited",
		"deployment_id", h.spec.DeploymentID,
		"exit_code", code,
		"failed_pending", len(orphans),
	)
}

func (h *Handle) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4<<10), 1<<20)
	for scanner.Scan() {
		h.logger.Warn("supervise.process.stderr",
			"deployment_id", h.spec.DeploymentID,
			"line", scanner.Text(),
		)
	}
}
