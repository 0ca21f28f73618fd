// Package job implements the Job (spec.md §4.D): orchestrates a single
// request, staging files, driving the compile-then-run phase sequence
// through the Isolation Provider and Process Supervisor, and exposing
// both a batch and an interactive execution mode.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/p-arndt/sandbox-engine/internal/eventbus"
	"github.com/p-arndt/sandbox-engine/internal/isolation"
	"github.com/p-arndt/sandbox-engine/internal/registry"
	"github.com/p-arndt/sandbox-engine/internal/supervisor"
	"github.com/p-arndt/sandbox-engine/protocol"
	"golang.org/x/sys/unix"
)

// State is the Job's lifecycle state, per spec.md §3's state machine.
type State int

const (
	StateCreated State = iota
	StatePrimed
	StateExecuting
	StateDone
	StateCleaned
)

// ErrPathEscape is returned by Prime when a file's relative path resolves
// outside the slot root.
var ErrPathEscape = errors.New("job: file path escapes slot root")

// Limits mirrors protocol.Limits but keeps the compile/run split spec.md
// §3's Job attributes require (distinct per-phase timeouts and memory
// ceilings, a single output cap and process/file ceiling shared by both
// phases).
type Limits struct {
	CompileMs      int64
	RunMs          int64
	CompileBytes   int64 // <= 0 (e.g. -1) => no memory rlimit; Job applies no ceiling of its own
	RunBytes       int64
	MaxOutputBytes int64
	MaxProcesses   int
	MaxOpenFiles   int
	MaxFileSize    int64
}

// Job is transient, one per request (spec.md §3).
type Job struct {
	ID string

	logger   *slog.Logger
	runtime  *registry.Descriptor
	alias    string
	args     []string
	stdin    []byte
	files    []protocol.File
	limits   Limits
	provider *isolation.Provider

	mu    sync.Mutex
	state State
	slot  *isolation.Slot

	// activeCancel cancels the Supervisor run for whichever phase is
	// currently executing, used by Cleanup to abort mid-phase.
	activeCancel context.CancelFunc

	cleanupOnce sync.Once
}

// New constructs a Job in the Created state.
func New(logger *slog.Logger, rd *registry.Descriptor, alias string, files []protocol.File, args []string, stdin []byte, limits Limits, provider *isolation.Provider) *Job {
	return &Job{
		ID:       uuid.NewString(),
		logger:   logger,
		runtime:  rd,
		alias:    alias,
		files:    files,
		args:     args,
		stdin:    stdin,
		limits:   limits,
		provider: provider,
		state:    StateCreated,
	}
}

// Prime acquires a sandbox slot and stages every file into it (spec.md
// §4.D). On any staging error the slot is released before returning, per
// SPEC_FULL.md's resolution of the "cleanup after failed prime" open
// question.
func (j *Job) Prime() error {
	j.mu.Lock()
	if j.state != StateCreated {
		j.mu.Unlock()
		return fmt.Errorf("job: Prime called in state %v", j.state)
	}
	j.mu.Unlock()

	slot, err := j.provider.Acquire()
	if err != nil {
		return err
	}

	for _, f := range j.files {
		if err := j.stageFile(slot, f); err != nil {
			j.provider.Release(slot)
			return err
		}
	}

	j.mu.Lock()
	j.slot = slot
	j.state = StatePrimed
	j.mu.Unlock()
	return nil
}

// hasDotDotComponent reports whether any "/"-separated component of name
// is exactly "..", which is what can walk a staged file out of its slot.
// A filename that merely contains ".." as a substring, like "a..b.txt",
// is not a traversal attempt and must not be rejected.
func hasDotDotComponent(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func (j *Job) stageFile(slot *isolation.Slot, f protocol.File) error {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		name = "main"
	}
	if filepath.IsAbs(name) || hasDotDotComponent(name) {
		return ErrPathEscape
	}

	target := filepath.Join(slot.Dir, name)
	rel, err := filepath.Rel(slot.Dir, target)
	if err != nil || strings.HasPrefix(rel, "..") || rel == ".." {
		return ErrPathEscape
	}

	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return fmt.Errorf("job: create parent dirs for %s: %w", name, err)
	}
	mode := os.FileMode(0644)
	if f.Executable {
		mode = 0755
	}
	if err := os.WriteFile(target, f.Content, mode); err != nil {
		return fmt.Errorf("job: write %s: %w", name, err)
	}
	if err := os.Chown(target, slot.UID, slot.GID); err != nil {
		return fmt.Errorf("job: chown %s: %w", name, err)
	}
	return nil
}

func fileBasename(name string) string {
	if name == "" {
		return "main"
	}
	return filepath.Base(name)
}

// phaseSink routes a running phase's stdout/stderr to an optional bus as
// string payloads; the `stage`/`exit` events are published by runPhase.
type phaseSink struct {
	bus *eventbus.Bus
}

func (s *phaseSink) OnChunk(stream string, data []byte) {
	if s.bus == nil {
		return
	}
	topic := eventbus.TopicStdout
	if stream == "stderr" {
		topic = eventbus.TopicStderr
	}
	s.bus.Publish(topic, string(data))
}

// runPhase is the shared core of Execute and ExecuteInteractive
// (SPEC_FULL.md §4.D.1): it builds the Supervisor spec for one phase,
// optionally republishes events on bus, and returns the PhaseResult.
func (j *Job) runPhase(ctx context.Context, phase protocol.Phase, script string, argv []string, stdin supervisor.StdinSource, wallMs, memBytes int64, bus *eventbus.Bus, signals <-chan unix.Signal) (protocol.PhaseResult, error) {
	j.mu.Lock()
	slot := j.slot
	j.mu.Unlock()
	if slot == nil {
		return protocol.PhaseResult{}, fmt.Errorf("job: runPhase called before Prime")
	}

	if bus != nil {
		bus.Publish(eventbus.TopicStage, phase)
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.activeCancel = cancel
	j.mu.Unlock()
	defer cancel()

	env := make([]string, 0, len(j.runtime.Env)+1)
	for k, v := range j.runtime.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, protocol.LanguageEnvVar+"="+j.alias)

	limits := protocol.Limits{
		WallMs:         wallMs,
		MemoryBytes:    memBytes,
		MaxOutputBytes: j.limits.MaxOutputBytes,
		MaxProcesses:   j.limits.MaxProcesses,
		MaxOpenFiles:   j.limits.MaxOpenFiles,
		MaxFileSize:    j.limits.MaxFileSize,
	}

	result, err := supervisor.Run(phaseCtx, j.logger, supervisor.Spec{
		Cmd:     script,
		Argv:    append([]string{script}, argv...), // argv[0] is the program name
		Cwd:     slot.Dir,
		Env:     env,
		UID:     slot.UID,
		GID:     slot.GID,
		Limits:  limits,
		Stdin:   stdin,
		Sink:    &phaseSink{bus: bus},
		Signals: signals,
	})

	if bus != nil {
		r := result
		bus.Publish(eventbus.TopicExit, ExitEvent{Phase: phase, Result: r})
	}

	return result, err
}

// ExitEvent is the payload of an eventbus.TopicExit event: the phase that
// just finished and its outcome, so a transport adapter can report both
// the stage name and exit status in one message.
type ExitEvent struct {
	Phase  protocol.Phase
	Result protocol.PhaseResult
}

func (j *Job) entryBasename() string {
	if len(j.files) == 0 {
		return "main"
	}
	return fileBasename(j.files[0].Name)
}

func (j *Job) compileArgv() []string {
	argv := make([]string, len(j.files))
	for i, f := range j.files {
		argv[i] = fileBasename(f.Name)
	}
	return argv
}

func (j *Job) runArgv() []string {
	return append([]string{j.entryBasename()}, j.args...)
}

// Execute runs the batch (non-interactive) compile-then-run sequence
// (spec.md §4.D). If the runtime has no compile script the compile phase
// is skipped entirely; if compile fails (non-zero exit or signal) the run
// phase is skipped and only the compile PhaseResult is returned.
func (j *Job) Execute(ctx context.Context) (protocol.ExecutionResult, error) {
	if err := j.enterExecuting(); err != nil {
		return protocol.ExecutionResult{}, err
	}
	defer j.markDone()

	out := protocol.ExecutionResult{Language: j.runtime.Language, Version: j.runtime.Version}

	if j.runtime.Compile != "" {
		compileResult, err := j.runPhase(ctx, protocol.PhaseCompile, j.runtime.Compile, j.compileArgv(), supervisor.NewFixedStdin(nil), j.limits.CompileMs, j.limits.CompileBytes, nil, nil)
		if err != nil {
			return out, err
		}
		out.Compile = &compileResult
		if stageFailed(compileResult) {
			return out, nil
		}
	}

	runResult, err := j.runPhase(ctx, protocol.PhaseRun, j.runtime.Run, j.runArgv(), supervisor.NewFixedStdin(j.stdin), j.limits.RunMs, j.limits.RunBytes, nil, nil)
	if err != nil {
		return out, err
	}
	out.Run = runResult
	return out, nil
}

// ExecuteInteractive runs the identical phase sequence to Execute, but
// republishes every Supervisor event on bus, sources run-phase stdin from
// bus's TopicStdin, and forwards TopicSignal messages to the Supervisor of
// the currently executing phase (spec.md §4.D).
func (j *Job) ExecuteInteractive(ctx context.Context, bus *eventbus.Bus) (protocol.ExecutionResult, error) {
	if err := j.enterExecuting(); err != nil {
		return protocol.ExecutionResult{}, err
	}
	defer j.markDone()

	// The "runtime" server message (protocol.ServerRuntime) is not one of
	// the Bus's six topics (spec.md §4.F) — it carries no per-phase data
	// and is emitted once by the transport adapter from the runtime
	// descriptor's Language/Version at session init, not republished here.
	out := protocol.ExecutionResult{Language: j.runtime.Language, Version: j.runtime.Version}

	signals := j.subscribeSignals(bus)

	if j.runtime.Compile != "" {
		compileResult, err := j.runPhase(ctx, protocol.PhaseCompile, j.runtime.Compile, j.compileArgv(), supervisor.NewFixedStdin(nil), j.limits.CompileMs, j.limits.CompileBytes, bus, signals)
		if err != nil {
			return out, err
		}
		out.Compile = &compileResult
		if stageFailed(compileResult) {
			return out, nil
		}
	}

	stdinCh := j.subscribeStdin(bus)
	runResult, err := j.runPhase(ctx, protocol.PhaseRun, j.runtime.Run, j.runArgv(), &supervisor.ChanStdin{Ch: stdinCh}, j.limits.RunMs, j.limits.RunBytes, bus, signals)
	if err != nil {
		return out, err
	}
	out.Run = runResult
	return out, nil
}

// subscribeSignals adapts the bus's TopicSignal string messages to the
// unix.Signal channel the Supervisor consumes, validating against the
// allow-list (spec.md §6's signal allow-list; unknown names are dropped —
// validation at the transport boundary is responsible for the 4005 close
// code).
func (j *Job) subscribeSignals(bus *eventbus.Bus) <-chan unix.Signal {
	raw := bus.Subscribe(eventbus.TopicSignal, 8)
	out := make(chan unix.Signal, 8)
	go func() {
		defer close(out)
		for ev := range raw {
			name, ok := ev.Data.(string)
			if !ok {
				continue
			}
			sig, ok := protocol.AllowedSignals[name]
			if !ok {
				continue
			}
			out <- sig
		}
	}()
	return out
}

// subscribeStdin adapts the bus's TopicStdin byte-chunk messages into the
// channel supervisor.ChanStdin reads from.
func (j *Job) subscribeStdin(bus *eventbus.Bus) <-chan []byte {
	raw := bus.Subscribe(eventbus.TopicStdin, 64)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for ev := range raw {
			chunk, ok := ev.Data.([]byte)
			if !ok {
				continue
			}
			out <- chunk
		}
	}()
	return out
}

func stageFailed(r protocol.PhaseResult) bool {
	if r.Signal != nil {
		return true
	}
	if r.ExitCode != nil && *r.ExitCode != 0 {
		return true
	}
	if r.ExitCode == nil && r.Signal == nil {
		return true // launch failure
	}
	return false
}

func (j *Job) enterExecuting() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePrimed {
		return fmt.Errorf("job: Execute called in state %v", j.state)
	}
	j.state = StateExecuting
	return nil
}

func (j *Job) markDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateExecuting {
		j.state = StateDone
	}
}

// Cleanup kills any still-running supervised process, releases the slot,
// and transitions to Cleaned. Idempotent and safe to call from any state
// (spec.md §4.D); the slot handle is consumed so a second call is a
// structural no-op, not just a logical one.
func (j *Job) Cleanup() {
	j.cleanupOnce.Do(func() {
		j.mu.Lock()
		cancel := j.activeCancel
		slot := j.slot
		j.slot = nil
		j.state = StateCleaned
		j.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if slot != nil {
			j.provider.Release(slot)
		}
	})
}

// State returns the Job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}
