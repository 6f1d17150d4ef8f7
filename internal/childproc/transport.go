// Package childproc runs an MCP server as a child process and exchanges
// framed JSON-RPC envelopes with it over stdin/stdout.
package childproc

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mcpbridge/internal/envelope"
	"mcpbridge/internal/errors"
	"mcpbridge/internal/framing"
	"mcpbridge/internal/metrics"
)

const (
	// DefaultShutdownGrace is how long a child gets to exit after SIGTERM.
	DefaultShutdownGrace = 5 * time.Second

	// maxStderrLine is the longest diagnostic line logged as a single entry.
	maxStderrLine = 1024 * 1024
)

// Config describes the child process. It is used verbatim.
type Config struct {
	Command       string
	Args          []string
	Dir           string
	Env           map[string]string
	ShutdownGrace time.Duration
}

// Transport owns one child process. ReadMessage must be called from a single
// goroutine and WriteMessage callers must serialize among themselves.
type Transport struct {
	log   zerolog.Logger
	cmd   *exec.Cmd
	grace time.Duration

	cancel context.CancelFunc

	stdin   io.WriteCloser
	stdinW  *bufio.Writer
	stdinMu sync.Mutex

	stdout  *bufio.Reader
	stdoutR *io.PipeReader
	stderrR *io.PipeReader

	drainCancel context.CancelFunc
	drainDone   chan struct{}

	exited  chan struct{}
	waitErr error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Start spawns the child. The process lives until Close is called or ctx
// is cancelled; either way it receives SIGTERM and is killed if it has not
// exited after the shutdown grace period.
func Start(ctx context.Context, log zerolog.Logger, cfg Config) (*Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	procCtx, cancel := context.WithCancel(ctx)
	//nolint:gosec // the command line is operator configuration
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, &errors.IOError{Op: "stdin pipe", Err: err}
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, &errors.IOError{Op: "start " + cfg.Command, Err: err}
	}

	drainCtx, drainCancel := context.WithCancel(context.Background())
	t := &Transport{
		log:         log.With().Int("pid", cmd.Process.Pid).Logger(),
		cmd:         cmd,
		grace:       grace,
		cancel:      cancel,
		stdin:       stdin,
		stdinW:      bufio.NewWriter(stdin),
		stdout:      bufio.NewReader(stdoutR),
		stdoutR:     stdoutR,
		stderrR:     stderrR,
		drainCancel: drainCancel,
		drainDone:   make(chan struct{}),
		exited:      make(chan struct{}),
	}
	t.log.Info().Str("command", cfg.Command).Strs("args", cfg.Args).Str("dir", cfg.Dir).Msg("child process started")

	go t.drainStderr(drainCtx)
	go func() {
		t.waitErr = cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		if t.closed.Load() {
			t.log.Debug().Err(t.waitErr).Msg("child process terminated during shutdown")
		} else {
			t.log.Info().Err(t.waitErr).Msg("child process exited")
		}
		close(t.exited)
	}()
	return t, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// drainStderr forwards the child's diagnostic lines to the log. It never
// touches the framed stdout stream.
func (t *Transport) drainStderr(ctx context.Context) {
	defer close(t.drainDone)
	scanner := bufio.NewScanner(t.stderrR)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.log.Info().Str("stream", "stderr").Msg(scanner.Text())
		metrics.RecordChildStderrLine()
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.log.Debug().Err(err).Msg("stderr scanner stopped")
		// keep the pipe flowing so the child never blocks on stderr
		_, _ = io.Copy(io.Discard, t.stderrR)
	}
}

// Pid returns the child's process id.
func (t *Transport) Pid() int {
	return t.cmd.Process.Pid
}

// Done is closed once the child has exited and its output is drained.
func (t *Transport) Done() <-chan struct{} {
	return t.exited
}

// ExitErr returns the process wait result. It is only meaningful after Done.
func (t *Transport) ExitErr() error {
	select {
	case <-t.exited:
		return t.waitErr
	default:
		return nil
	}
}

// WriteMessage frames env and writes it to the child's stdin.
func (t *Transport) WriteMessage(env envelope.Envelope) error {
	frame, err := framing.Encode(env)
	if err != nil {
		return err
	}
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if t.closed.Load() {
		return &errors.IOError{Op: "write", Err: errors.ErrTransportClosed}
	}
	if _, err := t.stdinW.Write(frame); err != nil {
		return &errors.IOError{Op: "write", Err: err}
	}
	if err := t.stdinW.Flush(); err != nil {
		return &errors.IOError{Op: "flush", Err: err}
	}
	return nil
}

// ReadMessage blocks until the child emits a full framed message. It returns
// io.EOF when the child closes stdout cleanly between messages.
func (t *Transport) ReadMessage() (envelope.Envelope, error) {
	env, err := framing.ReadMessage(t.stdout)
	if err != nil {
		if stderrors.Is(err, io.ErrClosedPipe) || stderrors.Is(err, errors.ErrTransportClosed) {
			return nil, &errors.IOError{Op: "read", Err: errors.ErrTransportClosed}
		}
		return nil, err
	}
	return env, nil
}

// Close stops the diagnostic drain, asks the child to terminate, kills it
// after the grace period and waits for both background goroutines.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.drainCancel()
		_ = t.stdin.Close()
		// unblocks the exec copy goroutines so Wait can return
		_ = t.stdoutR.CloseWithError(errors.ErrTransportClosed)
		_ = t.stderrR.CloseWithError(errors.ErrTransportClosed)
		t.cancel()

		timer := time.NewTimer(2 * t.grace)
		defer timer.Stop()
		select {
		case <-t.exited:
		case <-timer.C:
			t.log.Warn().Msg("child process did not exit after kill")
			_ = t.cmd.Process.Kill()
		}

		select {
		case <-t.drainDone:
		case <-time.After(t.grace):
			t.closeErr = stderrors.New("stderr drain did not stop")
		}
	})
	return t.closeErr
}
