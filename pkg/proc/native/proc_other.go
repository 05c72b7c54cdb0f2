//go:build !(linux && amd64) && !(windows && amd64)

package native

import (
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

// Backend is returned on platforms without a native backend, every
// operation fails with proc.ErrNotSupported.
type Backend struct {
	cfg Config
}

var _ proc.Backend = (*Backend)(nil)

// New returns a backend that supports nothing.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) Init(reg *proc.Registry) error { return nil }

func (b *Backend) Launch(opts proc.LaunchOptions) (int, error) {
	return 0, proc.ErrNotSupported
}

func (b *Backend) Attach(pid int) error { return proc.ErrNotSupported }

func (b *Backend) Kill(process *proc.Entity, exitCode uint32) error {
	return proc.ErrNotSupported
}

func (b *Backend) Detach(process *proc.Entity) error { return proc.ErrNotSupported }

func (b *Backend) Halt(code, userData uint64) error { return proc.ErrNotAttached }

func (b *Backend) HasPendingProcess() bool { return false }

func (b *Backend) FullPath(e *proc.Entity) string { return e.Name }

func (b *Backend) Processes() ([]proc.ProcessInfo, error) {
	return nil, proc.ErrNotSupported
}

func (b *Backend) Close() error { return nil }

func (b *Backend) Run(plan *proc.RunPlan) []proc.Event {
	return []proc.Event{failureEvent(proc.ErrNotSupported)}
}

func (b *Backend) ReadMemory(process *proc.Entity, buf []byte, addr uint64) (int, error) {
	return 0, proc.ErrNotSupported
}

func (b *Backend) WriteMemory(process *proc.Entity, data []byte, addr uint64) (int, error) {
	return 0, proc.ErrNotSupported
}

func (b *Backend) ReadRegisters(thread *proc.Entity) (proc.RegBlock, error) {
	return nil, proc.ErrNotSupported
}

func (b *Backend) WriteRegisters(thread *proc.Entity, regs proc.RegBlock) error {
	return proc.ErrNotSupported
}
