//go:build linux && amd64

package native

import (
	"encoding/binary"
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/linutil"
)

var errThreadRunning = errors.New("thread is running")

// processExt is the backend state of a process entity.
type processExt struct {
	pid   int
	memFd int
	exe   string
	// xstate is the XSAVE layout of the process, nil if the CPU has no
	// XSAVE.
	xstate *amd64util.XstateLayout
	loader *loaderState
	// traceChildren records the fork options the process was traced with.
	traceChildren bool
}

func (pe *processExt) close() {
	if pe.memFd >= 0 {
		sys.Close(pe.memFd)
		pe.memFd = -1
	}
}

// threadExt is the backend state of a thread entity.
type threadExt struct {
	tid int
	// signal is delivered the next time the thread is resumed.
	signal int
	// expectStop is set while a SIGSTOP sent to stop the thread has not been
	// observed yet.
	expectStop bool
	exitCode   int

	// regs caches the registers of the stopped thread, nil until read.
	// xsave is the raw area regs was read from, needed to write them back.
	regs  *amd64util.RegBlock
	xsave []byte
	dirty bool

	lastSigno int
	lastIP    uint64
}

func processExtOf(p *proc.Entity) *processExt {
	if p == nil {
		return nil
	}
	pe, _ := p.Ext.(*processExt)
	return pe
}

func threadExtOf(t *proc.Entity) *threadExt {
	if t == nil {
		return nil
	}
	te, _ := t.Ext.(*threadExt)
	return te
}

// readThreadRegisters reads the whole register state of tid. Must be called
// from the ptrace goroutine.
func readThreadRegisters(tid int, layout *amd64util.XstateLayout) (*amd64util.RegBlock, []byte, error) {
	regs := new(amd64util.RegBlock)
	var pregs linutil.AMD64PtraceRegs
	if err := ptraceGetRegs(tid, &pregs); err != nil {
		return nil, nil, fmt.Errorf("could not read registers of %d: %w", tid, err)
	}
	pregs.ToRegBlock(regs)

	var xsave []byte
	if layout != nil {
		buf := make([]byte, xstateBufSize(layout))
		n, err := ptraceGetRegset(tid, _NT_X86_XSTATE, buf)
		if err == nil {
			xsave = buf[:n]
			if err := amd64util.ReadXstate(xsave, layout, regs); err != nil {
				logflags.RegsLogger().Debugf("thread %d: %v, falling back to fxsave", tid, err)
				xsave = nil
			}
		} else if logflags.Regs() {
			logflags.RegsLogger().Debugf("thread %d: NT_X86_XSTATE: %v", tid, err)
		}
	}
	if xsave == nil {
		fx := make([]byte, _FXSAVE_SIZE)
		if err := ptraceGetFpRegs(tid, fx); err != nil {
			return nil, nil, fmt.Errorf("could not read floating point registers of %d: %w", tid, err)
		}
		if err := amd64util.ReadFxsave(fx, regs); err != nil {
			return nil, nil, err
		}
	}

	if err := ptracePeekDebugRegisters(tid, &regs.DR); err != nil {
		return nil, nil, fmt.Errorf("could not read debug registers of %d: %w", tid, err)
	}

	var ssp [8]byte
	if n, err := ptraceGetRegset(tid, _NT_X86_SHSTK, ssp[:]); err == nil && n == len(ssp) {
		regs.HasSSP = true
		regs.Ssp = binary.LittleEndian.Uint64(ssp[:])
	}
	return regs, xsave, nil
}

// writeThreadRegisters writes regs back to tid. xsave is the area the
// registers were read from, nil if they came from the legacy FXSAVE
// request. Must be called from the ptrace goroutine.
func writeThreadRegisters(tid int, layout *amd64util.XstateLayout, regs *amd64util.RegBlock, xsave []byte) error {
	var pregs linutil.AMD64PtraceRegs
	pregs.FromRegBlock(regs)
	if err := ptraceSetRegs(tid, &pregs); err != nil {
		return fmt.Errorf("could not write registers of %d: %w", tid, err)
	}

	if xsave != nil {
		if err := amd64util.WriteXstate(xsave, layout, regs); err != nil {
			return err
		}
		if err := ptraceSetRegset(tid, _NT_X86_XSTATE, xsave); err != nil {
			return fmt.Errorf("could not write xstate of %d: %w", tid, err)
		}
	} else {
		fx := make([]byte, _FXSAVE_SIZE)
		if err := ptraceGetFpRegs(tid, fx); err != nil {
			return err
		}
		if err := amd64util.WriteFxsave(fx, regs); err != nil {
			return err
		}
		if err := ptraceSetFpRegs(tid, fx); err != nil {
			return fmt.Errorf("could not write floating point registers of %d: %w", tid, err)
		}
	}

	if err := ptracePokeDebugRegisters(tid, &regs.DR); err != nil {
		return fmt.Errorf("could not write debug registers of %d: %w", tid, err)
	}

	if regs.HasSSP {
		var ssp [8]byte
		binary.LittleEndian.PutUint64(ssp[:], regs.Ssp)
		if err := ptraceSetRegset(tid, _NT_X86_SHSTK, ssp[:]); err != nil {
			return fmt.Errorf("could not write shadow stack pointer of %d: %w", tid, err)
		}
	}
	return nil
}

func xstateBufSize(layout *amd64util.XstateLayout) int {
	if layout.Size > _XSTATE_MAXSIZE {
		return layout.Size
	}
	return _XSTATE_MAXSIZE
}

// threadRegisters returns the cached registers of thread, reading them if
// needed. The caller must hold regsMu.
func (b *Backend) threadRegisters(thread *proc.Entity) (*amd64util.RegBlock, error) {
	te := threadExtOf(thread)
	if te == nil {
		return nil, proc.ErrInvalidHandle
	}
	if te.regs != nil {
		return te.regs, nil
	}
	if thread.State != proc.ThreadStopped {
		return nil, errThreadRunning
	}
	layout := processExtOf(b.reg.Parent(thread)).xstate
	var (
		regs  *amd64util.RegBlock
		xsave []byte
		err   error
	)
	b.execPtraceFunc(func() { regs, xsave, err = readThreadRegisters(te.tid, layout) })
	if err != nil {
		return nil, err
	}
	te.regs, te.xsave, te.dirty = regs, xsave, false
	return regs, nil
}

// flushRegisters writes the cached registers of thread back if they were
// changed. The caller must hold regsMu.
func (b *Backend) flushRegisters(thread *proc.Entity) error {
	te := threadExtOf(thread)
	if te == nil || te.regs == nil || !te.dirty {
		return nil
	}
	layout := processExtOf(b.reg.Parent(thread)).xstate
	var err error
	b.execPtraceFunc(func() { err = writeThreadRegisters(te.tid, layout, te.regs, te.xsave) })
	if err != nil {
		return err
	}
	te.dirty = false
	return nil
}

// invalidateRegisters drops the register cache of a thread that is about
// to run.
func invalidateRegisters(thread *proc.Entity) {
	if te := threadExtOf(thread); te != nil {
		te.regs, te.xsave, te.dirty = nil, nil, false
	}
}

// ReadRegisters returns a copy of the registers of a stopped thread.
func (b *Backend) ReadRegisters(thread *proc.Entity) (proc.RegBlock, error) {
	b.regsMu.Lock()
	defer b.regsMu.Unlock()
	regs, err := b.threadRegisters(thread)
	if err != nil {
		return nil, err
	}
	return regs.Copy(), nil
}

// WriteRegisters replaces the registers of a stopped thread. The new values
// are written through immediately.
func (b *Backend) WriteRegisters(thread *proc.Entity, regs proc.RegBlock) error {
	src, ok := regs.(*amd64util.RegBlock)
	if !ok {
		return fmt.Errorf("register block of %v can not be written to an %v thread", regs.Arch(), thread.Arch)
	}
	b.regsMu.Lock()
	defer b.regsMu.Unlock()
	cur, err := b.threadRegisters(thread)
	if err != nil {
		return err
	}
	*cur = *src.Copy().(*amd64util.RegBlock)
	threadExtOf(thread).dirty = true
	return b.flushRegisters(thread)
}
