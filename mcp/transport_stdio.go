package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/petal-labs/flowbridge/internal/xjson"
)

const stderrTailLimit = 4096

// StdioTransportConfig configures a stdio MCP transport.
type StdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// StdioTransport implements MCP transport over a subprocess stdin/stdout
// pipe, one JSON-RPC message per line. The subprocess lives until Close,
// independent of the context used to start it.
type StdioTransport struct {
	mu     sync.Mutex
	cfg    StdioTransportConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	recvCh chan Message
	errCh  chan error
	waitCh chan struct{}
	closed bool
	stderr tailBuffer
}

// NewStdioTransport starts the subprocess. ctx only bounds the start itself.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &StdioTransport{
		cfg:    cfg,
		recvCh: make(chan Message, 64),
		errCh:  make(chan error, 1),
		waitCh: make(chan struct{}),
		stderr: tailBuffer{limit: stderrTailLimit},
	}
	if err := t.start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *StdioTransport) start() error {
	args := slices.Clone(t.cfg.Args)
	// #nosec G204 -- command/args come from trusted server registration.
	cmd := exec.Command(t.cfg.Command, args...)
	cmd.Dir = t.cfg.Dir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(t.cfg.Env)...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdio open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdio open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdio open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp: stdio start %q: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	go t.waitLoop(stderr)

	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	decoder := xjson.NewDecoder(bufio.NewReader(stdout))
	for {
		var message Message
		if err := decoder.Decode(&message); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			t.sendErr(fmt.Errorf("mcp: stdio decode response: %w%s", err, t.stderrSuffix()))
			return
		}
		select {
		case t.recvCh <- message:
		case <-t.waitCh:
			return
		}
	}
}

func (t *StdioTransport) waitLoop(stderr io.Reader) {
	defer close(t.waitCh)

	_, _ = io.Copy(&t.stderr, stderr)

	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()

	if cmd == nil {
		return
	}
	err := cmd.Wait()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if !closed {
		if err == nil {
			err = errors.New("exit status 0")
		}
		t.sendErr(fmt.Errorf("mcp: stdio process exited: %w%s", err, t.stderrSuffix()))
	}
}

// Send writes a JSON-RPC message to the subprocess stdin.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("mcp: stdio transport is closed")
	}
	if t.stdin == nil {
		return errors.New("mcp: stdio stdin is not available")
	}

	data, err := xjson.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// Receive reads the next JSON-RPC message from subprocess stdout. Messages
// already decoded are delivered before a pending process error.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-t.recvCh:
		return message, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.recvCh:
		return message, nil
	case err := <-t.errCh:
		return Message{}, err
	}
}

// Close terminates the subprocess and waits for it to exit.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	waitCh := t.waitCh
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if waitCh != nil {
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Multiplexed is false: a subprocess pipe carries one request at a time.
func (t *StdioTransport) Multiplexed() bool {
	return false
}

// PID returns the subprocess id, or 0 before start.
func (t *StdioTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Exited is closed once the subprocess has exited.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.waitCh
}

// Stderr returns the tail of the subprocess stderr output.
func (t *StdioTransport) Stderr() string {
	return t.stderr.String()
}

func (t *StdioTransport) stderrSuffix() string {
	tail := strings.TrimSpace(t.stderr.String())
	if tail == "" {
		return ""
	}
	if i := strings.LastIndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	return " (stderr: " + tail + ")"
}

func (t *StdioTransport) sendErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
