// Package supervisor implements the Process Supervisor (spec.md §4.C):
// launches a child under a given uid/gid with rlimits, a wall-clock
// timeout, working directory, environment, and stdio pipes; collects the
// exit status; delivers signals; enforces per-stream output-size caps
// without blocking the child.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/p-arndt/sandbox-engine/protocol"
	"golang.org/x/sys/unix"
)

// MaybeExecChildInit must be called at the very top of main(), before flag
// parsing or any other setup. If this process invocation is the re-exec'd
// privilege-drop helper (see childinit.go) it never returns: on success it
// replaces the process image via unix.Exec, on failure it prints the error
// and exits non-zero.
func MaybeExecChildInit() {
	if !isChildInit() {
		return
	}
	if err := runChildInit(); err != nil {
		reportChildInitFailure(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(126)
	}
}

// StdinSource supplies a phase's stdin. Batch mode wraps a fixed buffer;
// interactive mode wraps a channel fed by the Event Bus.
type StdinSource interface {
	// Next returns the next chunk to write, or ok=false at EOF.
	Next() (chunk []byte, ok bool)
}

// FixedStdin is a StdinSource that yields one buffer then EOF.
type FixedStdin struct {
	buf  []byte
	sent bool
}

func NewFixedStdin(buf []byte) *FixedStdin { return &FixedStdin{buf: buf} }

func (f *FixedStdin) Next() ([]byte, bool) {
	if f.sent {
		return nil, false
	}
	f.sent = true
	if len(f.buf) == 0 {
		return nil, false
	}
	return f.buf, true
}

// ChanStdin is a StdinSource backed by a channel, used in interactive mode.
type ChanStdin struct {
	Ch <-chan []byte
}

func (c *ChanStdin) Next() ([]byte, bool) {
	chunk, ok := <-c.Ch
	return chunk, ok
}

// EventSink receives stdout/stderr chunks as they are read, for interactive
// republishing onto the Event Bus. May be nil in batch mode.
type EventSink interface {
	OnChunk(stream string, data []byte)
}

// Spec describes one supervised phase launch.
type Spec struct {
	Cmd    string // absolute path; matches spec.md's `cmd`
	Argv   []string
	Cwd    string // must be within the slot scratch directory
	Env    []string
	UID    int
	GID    int
	Limits protocol.Limits
	Stdin  StdinSource
	Sink   EventSink // optional

	// Signals, if non-nil, is read for asynchronous signal-delivery
	// requests for the lifetime of the phase (interactive mode).
	Signals <-chan unix.Signal
}

// cappedBuffer accumulates up to capacity bytes and silently discards the
// rest, but always reports a full, error-free write so the upstream
// io.Copy (and therefore the pipe read loop) never stalls — this is the
// "keep draining to prevent the child blocking on a full pipe" rule from
// spec.md §4.C step 4.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int64
}

func newCappedBuffer(cap int64) *cappedBuffer {
	if cap <= 0 {
		cap = 1 << 62 // effectively unlimited
	}
	return &cappedBuffer{cap: cap}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.cap - int64(c.buf.Len())
	if remaining > 0 {
		n := int64(len(p))
		if n > remaining {
			n = remaining
		}
		c.buf.Write(p[:n])
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Run executes one supervised phase to completion and returns its
// PhaseResult. It never returns a non-nil error for a child-side failure
// (stage failure, launch failure) — per spec.md §7 those are reported
// inside the PhaseResult. A non-nil error here means Run itself could not
// set up the phase (e.g. pipe creation failed), which is an InternalError.
func Run(ctx context.Context, logger *slog.Logger, spec Spec) (protocol.PhaseResult, error) {
	start := time.Now()

	selfPath, err := os.Executable()
	if err != nil {
		return protocol.PhaseResult{}, fmt.Errorf("supervisor: resolve self path: %w", err)
	}

	childCfg := childInitConfig{
		Cmd:          spec.Cmd,
		Argv:         spec.Argv,
		Env:          spec.Env,
		Cwd:          spec.Cwd,
		UID:          spec.UID,
		GID:          spec.GID,
		MemoryBytes:  spec.Limits.MemoryBytes,
		MaxProcesses: spec.Limits.MaxProcesses,
		MaxOpenFiles: spec.Limits.MaxOpenFiles,
		MaxFileSize:  spec.Limits.MaxFileSize,
	}
	cfgJSON, err := json.Marshal(childCfg)
	if err != nil {
		return protocol.PhaseResult{}, fmt.Errorf("supervisor: marshal childinit config: %w", err)
	}

	// statusR/statusW is the standard close-on-exec status pipe: the
	// child (childinit.go) marks its end close-on-exec right before the
	// real unix.Exec, so a successful exec closes it with nothing
	// written, and a failed one leaves it open for childinit to write the
	// error to. That is the only reliable way to tell LaunchFailure
	// (unix.Exec never replaced the re-exec'd self-copy) from a normal
	// run: cmd.Start() itself only fails if the self-copy can't even be
	// forked, never for a bad target command, since the target is execed
	// one level down inside the child.
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return protocol.PhaseResult{}, fmt.Errorf("supervisor: status pipe: %w", err)
	}
	defer statusR.Close()

	cmd := exec.Command(selfPath)
	cmd.Env = append([]string{}, os.Environ()...)
	cmd.Env = append(cmd.Env,
		envChildInit+"=1",
		envChildInitConfig+"="+string(cfgJSON),
	)
	// New process group (spec.md §4.C step 2): Setpgid with Pgid unset
	// makes the child its own group leader, so the whole group can later
	// be signaled via a single negative-pid kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = []*os.File{statusW} // fd childStatusFD in the child

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		statusW.Close()
		return protocol.PhaseResult{}, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		statusW.Close()
		return protocol.PhaseResult{}, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		statusW.Close()
		return protocol.PhaseResult{}, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		statusW.Close()
		msg := err.Error()
		return protocol.PhaseResult{Message: msg}, nil
	}
	statusW.Close() // only the child's duplicate needs to stay open now

	stdoutBuf := newCappedBuffer(spec.Limits.MaxOutputBytes)
	stderrBuf := newCappedBuffer(spec.Limits.MaxOutputBytes)
	combined := &combinedWriter{cap: spec.Limits.MaxOutputBytes}

	var wg sync.WaitGroup
	wg.Add(2)
	go drainStream(&wg, "stdout", stdoutPipe, stdoutBuf, combined, spec.Sink)
	go drainStream(&wg, "stderr", stderrPipe, stderrBuf, combined, spec.Sink)

	stdinDone := make(chan struct{})
	go feedStdin(stdinPipe, spec.Stdin, stdinDone)

	signalDone := make(chan struct{})
	if spec.Signals != nil {
		go forwardSignals(spec.Signals, cmd.Process.Pid, signalDone)
	}

	watchdog := time.NewTimer(durationMs(spec.Limits.WallMs))
	defer watchdog.Stop()

	var timedOut, canceled atomic.Bool
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-watchdog.C:
			timedOut.Store(true)
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		case <-ctx.Done():
			canceled.Store(true)
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		case <-watcherDone:
		}
	}()

	// Drain to EOF before calling Wait: Wait reaps the process and then
	// closes the parent's own copies of the stdio pipes, and reading
	// after that races Wait's cleanup and can drop buffered output still
	// sitting in the kernel pipe (os/exec's StdoutPipe doc warns against
	// calling Wait before all reads from the pipe have completed). A
	// timeout or cancellation above still unblocks this: killing the
	// process group closes its end of the pipes, which is what the
	// drain goroutines are actually waiting on.
	wg.Wait()
	close(watcherDone)
	close(signalDone)
	waitErr := cmd.Wait()
	close(stdinDone)

	// Kill any surviving descendants of the process group unconditionally
	// (spec.md §4.C step 7), whether or not the timeout fired.
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)

	launchErr, _ := io.ReadAll(statusR)

	var result protocol.PhaseResult
	switch {
	case len(launchErr) > 0:
		result = protocol.PhaseResult{Message: string(launchErr)}
	case timedOut.Load():
		sig := "SIGKILL"
		result = protocol.PhaseResult{Signal: &sig, Message: "timeout"}
	case canceled.Load():
		sig := "SIGKILL"
		result = protocol.PhaseResult{Signal: &sig, Message: "canceled"}
	default:
		result = exitResult(waitErr, cmd)
	}

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.CombinedOutput = combined.String()
	result.WallMs = time.Since(start).Milliseconds()
	if timedOut.Load() {
		logger.Warn("supervisor: phase timed out", "wall_ms", result.WallMs, "limit_ms", spec.Limits.WallMs)
	}

	return result, nil
}

func durationMs(ms int64) time.Duration {
	if ms <= 0 {
		return 24 * time.Hour // effectively unlimited
	}
	return time.Duration(ms) * time.Millisecond
}

// combinedWriter preserves cross-stream interleaving in kernel read order:
// both stdout and stderr drains write into it as bytes arrive, serialized
// by its own mutex, with the same size cap as the per-stream buffers.
type combinedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int64
}

func (c *combinedWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cap <= 0 || int64(c.buf.Len()) < c.cap {
		remaining := c.cap - int64(c.buf.Len())
		if c.cap <= 0 {
			c.buf.Write(p)
		} else {
			n := int64(len(p))
			if n > remaining {
				n = remaining
			}
			c.buf.Write(p[:n])
		}
	}
	return len(p), nil
}

func (c *combinedWriter) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func drainStream(wg *sync.WaitGroup, stream string, r io.Reader, dst *cappedBuffer, combined *combinedWriter, sink EventSink) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			dst.Write(chunk)
			combined.Write(chunk)
			if sink != nil {
				sink.OnChunk(stream, chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func feedStdin(w io.WriteCloser, src StdinSource, done <-chan struct{}) {
	defer w.Close()
	if src == nil {
		return
	}
	for {
		chunk, ok := src.Next()
		if !ok {
			return
		}
		select {
		case <-done:
			return
		default:
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
	}
}

func forwardSignals(signals <-chan unix.Signal, pid int, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			_ = unix.Kill(-pid, sig)
		}
	}
}

func exitResult(err error, cmd *exec.Cmd) protocol.PhaseResult {
	if err == nil {
		code := cmd.ProcessState.ExitCode()
		return protocol.PhaseResult{ExitCode: &code}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				name := protocol.SignalName(unix.Signal(status.Signal()))
				return protocol.PhaseResult{Signal: &name}
			}
			code := status.ExitStatus()
			return protocol.PhaseResult{ExitCode: &code}
		}
	}
	msg := err.Error()
	return protocol.PhaseResult{Message: msg}
}
