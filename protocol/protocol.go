// Package protocol defines the wire-level types exchanged between a
// transport adapter and the job execution engine: the batch request/response
// shapes, the interactive session message envelopes, and the phase-result
// data model shared by both.
package protocol

import "golang.org/x/sys/unix"

// Phase identifies one of the two supervised stages of a Job.
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// File is one staged source file belonging to a batch or interactive init
// request. The first File in a request's slice is the entry point by
// convention.
type File struct {
	Name       string `json:"name,omitempty"`
	Content    []byte `json:"content"`
	Executable bool   `json:"executable,omitempty"`
}

// PhaseResult is the outcome of one supervised child-process run. Exactly
// one of ExitCode/Signal is non-nil for a process that started; both nil
// with Message set means the phase never launched.
type PhaseResult struct {
	Stdout         string  `json:"stdout"`
	Stderr         string  `json:"stderr"`
	CombinedOutput string  `json:"combined_output"`
	ExitCode       *int    `json:"exit_code"`
	Signal         *string `json:"signal"`
	WallMs         int64   `json:"wall_ms"`
	Message        string  `json:"message,omitempty"`
}

// ExecutionResult is the final outcome of a Job, returned from a batch
// request or signaled piecemeal over an interactive session.
type ExecutionResult struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      PhaseResult  `json:"run"`
	Compile  *PhaseResult `json:"compile,omitempty"`
}

// Limits bounds one phase's resource usage. A MemoryBytes of -1 (or any
// value <= 0) sets no memory rlimit; no ceiling is applied at this level.
type Limits struct {
	WallMs         int64
	MemoryBytes    int64
	MaxOutputBytes int64
	MaxProcesses   int
	MaxOpenFiles   int
	MaxFileSize    int64
}

// BatchRequest is the transport-agnostic shape of a batch execution request.
type BatchRequest struct {
	Language            string  `json:"language,omitempty"`
	Version             string  `json:"version,omitempty"`
	Files               []File  `json:"files,omitempty"`
	Args                []string `json:"args,omitempty"`
	Stdin               string  `json:"stdin,omitempty"`
	RunTimeoutMs        int64   `json:"run_timeout,omitempty"`
	CompileTimeoutMs    int64   `json:"compile_timeout,omitempty"`
	RunMemoryLimit      int64   `json:"run_memory_limit,omitempty"`
	CompileMemoryLimit  int64   `json:"compile_memory_limit,omitempty"`
}

// ClientMessageType enumerates the message variants a client may send over
// an interactive session.
type ClientMessageType string

const (
	ClientInit   ClientMessageType = "init"
	ClientData   ClientMessageType = "data"
	ClientSignal ClientMessageType = "signal"
)

// ClientMessage is the envelope for client→server interactive traffic.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	// init
	BatchRequest

	// data
	Stream string `json:"stream,omitempty"` // always "stdin" for client->server
	Data   string `json:"data,omitempty"`

	// signal
	Signal string `json:"signal,omitempty"`
}

// ServerMessageType enumerates the message variants the server emits over
// an interactive session.
type ServerMessageType string

const (
	ServerRuntime ServerMessageType = "runtime"
	ServerStage   ServerMessageType = "stage"
	ServerData    ServerMessageType = "data"
	ServerExit    ServerMessageType = "exit"
	ServerError   ServerMessageType = "error"
)

// ServerMessage is the envelope for server→client interactive traffic.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`

	Language string `json:"language,omitempty"`
	Version  string `json:"version,omitempty"`

	Stage Phase `json:"stage,omitempty"`

	Stream string `json:"stream,omitempty"` // "stdout" | "stderr"
	Data   string `json:"data,omitempty"`

	ExitCode *int    `json:"exit_code,omitempty"`
	Signal   *string `json:"signal,omitempty"`

	Message string `json:"message,omitempty"`
}

// CloseCode enumerates the interactive session close codes in the
// 4000-4999 range.
type CloseCode int

const (
	CloseAlreadyInitialized CloseCode = 4000
	CloseInitTimeout        CloseCode = 4001
	CloseErrorNotified      CloseCode = 4002
	CloseNotInitialized     CloseCode = 4003
	CloseInvalidStream      CloseCode = 4004
	CloseInvalidSignal      CloseCode = 4005
	CloseCompleted          CloseCode = 4999
)

// InitTimeout is the deadline for receiving an init message after an
// interactive session opens.
const InitTimeout = 1000 // milliseconds; missing it corresponds to CloseInitTimeout (4001)

// AllowedSignals is the POSIX signal allow-list; any other name is rejected
// with CloseInvalidSignal / a ValidationError in batch mode.
var AllowedSignals = map[string]unix.Signal{
	"SIGABRT":   unix.SIGABRT,
	"SIGALRM":   unix.SIGALRM,
	"SIGBUS":    unix.SIGBUS,
	"SIGCHLD":   unix.SIGCHLD,
	"SIGCONT":   unix.SIGCONT,
	"SIGFPE":    unix.SIGFPE,
	"SIGHUP":    unix.SIGHUP,
	"SIGILL":    unix.SIGILL,
	"SIGINT":    unix.SIGINT,
	"SIGIO":     unix.SIGIO,
	"SIGKILL":   unix.SIGKILL,
	"SIGPIPE":   unix.SIGPIPE,
	"SIGPROF":   unix.SIGPROF,
	"SIGQUIT":   unix.SIGQUIT,
	"SIGSEGV":   unix.SIGSEGV,
	"SIGSTOP":   unix.SIGSTOP,
	"SIGSYS":    unix.SIGSYS,
	"SIGTERM":   unix.SIGTERM,
	"SIGTRAP":   unix.SIGTRAP,
	"SIGTSTP":   unix.SIGTSTP,
	"SIGTTIN":   unix.SIGTTIN,
	"SIGTTOU":   unix.SIGTTOU,
	"SIGURG":    unix.SIGURG,
	"SIGUSR1":   unix.SIGUSR1,
	"SIGUSR2":   unix.SIGUSR2,
	"SIGVTALRM": unix.SIGVTALRM,
	"SIGWINCH":  unix.SIGWINCH,
	"SIGXCPU":   unix.SIGXCPU,
	"SIGXFSZ":   unix.SIGXFSZ,
}

// SignalName reverses AllowedSignals for event reporting.
func SignalName(sig unix.Signal) string {
	for name, s := range AllowedSignals {
		if s == sig {
			return name
		}
	}
	return sig.String()
}

// LanguageEnvVar is the environment variable a compile/run script inspects
// to branch on the requested alias, mirroring how shared multi-language
// scripts dispatch in the reference runtime catalog.
const LanguageEnvVar = "PISTON_LANGUAGE"
