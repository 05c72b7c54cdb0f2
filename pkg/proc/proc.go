package proc

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNotAttached is returned when an operation needs a process but none
	// is under control.
	ErrNotAttached = errors.New("not attached to any process")
	// ErrTargetRunning is returned by readers while the control token
	// holder is resuming the target.
	ErrTargetRunning = errors.New("target is running")
	// ErrInvalidHandle is returned for handles that no longer resolve.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrControlHeld is returned by BeginControl if the token is already
	// taken.
	ErrControlHeld = errors.New("control token already held")
	// ErrNotSupported is returned by backends for operations the current
	// OS can not do.
	ErrNotSupported = errors.New("operation not supported on this platform")
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// LaunchOptions describes a process to launch.
type LaunchOptions struct {
	// Args is the command line, Args[0] is the executable.
	Args []string
	// Dir is the working directory, empty means the current one.
	Dir string
	// Env is merged over the environment of the debugger, entries are
	// KEY=VALUE.
	Env []string
	// TraceSubprocesses makes forked children debuggees too.
	TraceSubprocesses bool

	// Stdin, Stdout and Stderr default to the streams of the debugger.
	Stdin, Stdout, Stderr *os.File
	// Setsid starts the process in a new session with Stdin as its
	// controlling terminal.
	Setsid bool
}

// ProcessInfo is one entry of the system process list.
type ProcessInfo struct {
	Pid  int
	Name string
}

// MergeEnv returns base with every KEY=VALUE in overrides applied.
func MergeEnv(base, overrides []string) []string {
	if len(overrides) == 0 {
		return base
	}
	idx := make(map[string]int, len(base))
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		idx[envKey(kv)] = len(out)
		out = append(out, kv)
	}
	for _, kv := range overrides {
		if i, ok := idx[envKey(kv)]; ok {
			out[i] = kv
			continue
		}
		idx[envKey(kv)] = len(out)
		out = append(out, kv)
	}
	return out
}

func envKey(kv string) string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i]
		}
	}
	return kv
}
