//go:build linux

// childinit implements the privilege-drop half of the Process Supervisor's
// launch protocol (spec.md §4.C step 2). Rather than forking and dropping
// privileges inline — which Go's os/exec does not expose a hook for — the
// Supervisor re-execs itself with SANDBOX_ENGINE_CHILDINIT=1 and a JSON
// descriptor of the target command; this second copy of the binary sets
// rlimits, drops to the slot's uid/gid, and unix.Exec()s the real command
// in its own place, inheriting the pipes os/exec already wired up. This is
// the same self-reexec trick as internal/runtime/linux/nsinit.go, reduced
// to the steps the sandbox-slot isolation model actually needs: no
// namespaces, no pivot_root, just rlimits and a uid/gid drop before exec.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	envChildInit       = "SANDBOX_ENGINE_CHILDINIT"
	envChildInitConfig = "SANDBOX_ENGINE_CHILDINIT_CONFIG"

	// childStatusFD is where supervisor.Run puts the status pipe's write
	// end in cmd.ExtraFiles — fd 3, right after the standard 0/1/2. A
	// failure between here and the real unix.Exec below is reported by
	// writing to it; a successful exec closes it via FD_CLOEXEC with
	// nothing written, which is how the parent tells a launch failure
	// (exec never replaced the process image) from a real program run.
	childStatusFD = 3
)

type childInitConfig struct {
	Cmd  string   `json:"cmd"`
	Argv []string `json:"argv"`
	Env  []string `json:"env"`
	Cwd  string   `json:"cwd"`
	UID  int      `json:"uid"`
	GID  int      `json:"gid"`

	MemoryBytes  int64 `json:"memory_bytes"`
	MaxProcesses int   `json:"max_processes"`
	MaxOpenFiles int   `json:"max_open_files"`
	MaxFileSize  int64 `json:"max_file_size"`
}

// isChildInit reports whether this process invocation is the re-exec'd
// privilege-drop helper rather than the normal daemon entry point.
func isChildInit() bool {
	return os.Getenv(envChildInit) == "1"
}

// runChildInit performs the drop-privileges-then-exec sequence and never
// returns on success, since unix.Exec replaces the process image.
func runChildInit() error {
	raw := os.Getenv(envChildInitConfig)
	if raw == "" {
		return fmt.Errorf("childinit: missing %s", envChildInitConfig)
	}
	var cfg childInitConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return fmt.Errorf("childinit: parse config: %w", err)
	}

	if cfg.Cwd != "" {
		if err := os.Chdir(cfg.Cwd); err != nil {
			return fmt.Errorf("childinit: chdir: %w", err)
		}
	}

	if err := applyRlimits(cfg); err != nil {
		return fmt.Errorf("childinit: rlimits: %w", err)
	}

	// set gid then uid, dropping privileges (spec.md §4.C step 2).
	if cfg.GID > 0 {
		if err := unix.Setgroups([]int{cfg.GID}); err != nil {
			return fmt.Errorf("childinit: setgroups: %w", err)
		}
		if err := unix.Setgid(cfg.GID); err != nil {
			return fmt.Errorf("childinit: setgid: %w", err)
		}
	}
	if cfg.UID > 0 {
		if err := unix.Setuid(cfg.UID); err != nil {
			return fmt.Errorf("childinit: setuid: %w", err)
		}
	}

	// Marked here, not earlier: childinit itself still needs the status
	// fd open for its own error-reporting path above. Only the exec below
	// should close it — and only on success, which is what FD_CLOEXEC
	// gives us for free.
	unix.CloseOnExec(childStatusFD)
	return unix.Exec(cfg.Cmd, cfg.Argv, cfg.Env)
}

// reportChildInitFailure writes err's message to the status pipe, if one
// was passed via cmd.ExtraFiles, so supervisor.Run can tell a launch
// failure (this process's unix.Exec never replaced it) from a normal
// child exit apart. Exiting below still sends this process to a nonzero
// status, but that status alone can't carry a message — spec.md §7's
// LaunchFailure needs message set and exit_code left unset.
func reportChildInitFailure(err error) {
	f := os.NewFile(uintptr(childStatusFD), "childinit-status")
	if f == nil {
		return
	}
	defer f.Close()
	fmt.Fprint(f, err.Error())
}

func applyRlimits(cfg childInitConfig) error {
	if cfg.MemoryBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(cfg.MemoryBytes), Max: uint64(cfg.MemoryBytes)}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
		if err := unix.Setrlimit(unix.RLIMIT_DATA, &lim); err != nil {
			return fmt.Errorf("RLIMIT_DATA: %w", err)
		}
	}
	if cfg.MaxProcesses > 0 {
		lim := unix.Rlimit{Cur: uint64(cfg.MaxProcesses), Max: uint64(cfg.MaxProcesses)}
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &lim); err != nil {
			return fmt.Errorf("RLIMIT_NPROC: %w", err)
		}
	}
	if cfg.MaxOpenFiles > 0 {
		lim := unix.Rlimit{Cur: uint64(cfg.MaxOpenFiles), Max: uint64(cfg.MaxOpenFiles)}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return fmt.Errorf("RLIMIT_NOFILE: %w", err)
		}
	}
	if cfg.MaxFileSize > 0 {
		lim := unix.Rlimit{Cur: uint64(cfg.MaxFileSize), Max: uint64(cfg.MaxFileSize)}
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &lim); err != nil {
			return fmt.Errorf("RLIMIT_FSIZE: %w", err)
		}
	}
	return nil
}
