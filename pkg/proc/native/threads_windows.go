//go:build windows && amd64

package native

import (
	"fmt"
	"sync"

	sys "golang.org/x/sys/windows"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/winutil"
)

// processExt is the backend state of a process entity.
type processExt struct {
	pid      int
	hProcess sys.Handle
	exe      string
	// injection is the address of the code halter threads start at, 0 if
	// it could not be set up.
	injection uintptr
	// handshake is set once the loader breakpoint was seen, wx86Handshake
	// once the one of the 32 bit loader of a WOW64 process was.
	handshake     bool
	wx86Handshake bool
}

// threadExt is the backend state of a thread entity.
type threadExt struct {
	tid     int
	hThread sys.Handle
	// suspended is set while the thread holds one suspension of ours.
	suspended bool

	// regs caches the registers of the thread, ctx is the context they
	// were read from and buf the memory backing ctx.
	regs  *amd64util.RegBlock
	ctx   *winutil.AMD64CONTEXT
	buf   []byte
	dirty bool
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

var (
	xstateOnce sync.Once
	xstateMask uint64
)

// enabledXstate returns the extended state components the OS saves in
// thread contexts that the register block can hold.
func enabledXstate() uint64 {
	xstateOnce.Do(func() {
		if procInitializeContext.Find() != nil || procGetEnabledXStateFeatures.Find() != nil || procLocateXStateFeature.Find() != nil {
			return
		}
		xstateMask = _GetEnabledXStateFeatures() & _XSTATE_FEATURES_OF_INTEREST
		if logflags.Regs() {
			logflags.RegsLogger().Debugf("enabled xstate features %#x", xstateMask)
		}
	})
	return xstateMask
}

// newContext allocates a context for every register the block holds.
func newContext() (*winutil.AMD64CONTEXT, []byte, error) {
	mask := enabledXstate()
	if mask == 0 {
		ctx := winutil.NewAMD64CONTEXT()
		ctx.SetFlags(winutil.CONTEXT_ALL)
		return ctx, nil, nil
	}
	flags := uint32(winutil.CONTEXT_ALL | winutil.CONTEXT_XSTATE)
	var (
		ctx    *winutil.AMD64CONTEXT
		length uint32
	)
	_ = _InitializeContext(nil, flags, &ctx, &length)
	if length == 0 {
		return nil, nil, fmt.Errorf("could not size xstate context")
	}
	buf := make([]byte, length)
	if err := _InitializeContext(buf, flags, &ctx, &length); err != nil {
		return nil, nil, fmt.Errorf("could not initialize xstate context: %w", err)
	}
	if err := _SetXStateFeaturesMask(ctx, mask); err != nil {
		return nil, nil, err
	}
	return ctx, buf, nil
}

// locateXstate returns the extended components of ctx that are in use.
func locateXstate(ctx *winutil.AMD64CONTEXT) winutil.XstateFeatures {
	var f winutil.XstateFeatures
	if enabledXstate() == 0 {
		return f
	}
	inUse, err := _GetXStateFeaturesMask(ctx)
	if err != nil {
		return f
	}
	if inUse&winutil.XSTATE_MASK_AVX != 0 {
		f.Avx = _LocateXStateFeature(ctx, winutil.XSTATE_AVX)
	}
	if inUse&winutil.XSTATE_MASK_AVX512 != 0 {
		f.Kmask = _LocateXStateFeature(ctx, winutil.XSTATE_AVX512_KMASK)
		f.ZmmHi = _LocateXStateFeature(ctx, winutil.XSTATE_AVX512_ZMM_H)
		f.Hi16Zmm = _LocateXStateFeature(ctx, winutil.XSTATE_AVX512_ZMM)
	}
	return f
}

// writableXstate returns every extended component of ctx, marking them all
// as in use so SetThreadContext writes them.
func writableXstate(ctx *winutil.AMD64CONTEXT) winutil.XstateFeatures {
	var f winutil.XstateFeatures
	mask := enabledXstate()
	if mask == 0 || _SetXStateFeaturesMask(ctx, mask) != nil {
		return f
	}
	if mask&winutil.XSTATE_MASK_AVX != 0 {
		f.Avx = _LocateXStateFeature(ctx, winutil.XSTATE_AVX)
	}
	if mask&winutil.XSTATE_MASK_AVX512 == winutil.XSTATE_MASK_AVX512 {
		f.Kmask = _LocateXStateFeature(ctx, winutil.XSTATE_AVX512_KMASK)
		f.ZmmHi = _LocateXStateFeature(ctx, winutil.XSTATE_AVX512_ZMM_H)
		f.Hi16Zmm = _LocateXStateFeature(ctx, winutil.XSTATE_AVX512_ZMM)
	}
	return f
}

// threadRegisters returns the cached registers of thread, reading them if
// needed. The thread must be suspended or frozen by a debug event. The
// caller must hold regsMu.
func (b *Backend) threadRegisters(thread *proc.Entity) (*amd64util.RegBlock, error) {
	te := threadExtOf(thread)
	if te == nil {
		return nil, proc.ErrInvalidHandle
	}
	if te.regs != nil {
		return te.regs, nil
	}
	ctx, buf, err := newContext()
	if err != nil {
		return nil, err
	}
	if err := _GetThreadContext(te.hThread, ctx); err != nil {
		return nil, fmt.Errorf("could not get context of %d: %w", te.tid, err)
	}
	regs := new(amd64util.RegBlock)
	if err := winutil.ReadContext(ctx, regs); err != nil {
		return nil, err
	}
	winutil.ReadXstateFeatures(locateXstate(ctx), regs)
	te.regs, te.ctx, te.buf, te.dirty = regs, ctx, buf, false
	return regs, nil
}

// flushRegisters writes the cached registers of thread back if they were
// changed. The caller must hold regsMu.
func (b *Backend) flushRegisters(thread *proc.Entity) error {
	te := threadExtOf(thread)
	if te == nil || te.regs == nil || !te.dirty {
		return nil
	}
	if err := winutil.WriteContext(te.regs, te.ctx); err != nil {
		return err
	}
	winutil.WriteXstateFeatures(te.regs, writableXstate(te.ctx))
	if err := _SetThreadContext(te.hThread, te.ctx); err != nil {
		return fmt.Errorf("could not set context of %d: %w", te.tid, err)
	}
	te.dirty = false
	return nil
}

// invalidateRegisters drops the register cache of a thread that is about
// to run.
func invalidateRegisters(thread *proc.Entity) {
	if te := threadExtOf(thread); te != nil {
		te.regs, te.ctx, te.buf, te.dirty = nil, nil, nil, false
	}
}

// ReadRegisters returns a copy of the registers of a stopped thread. Threads
// of 32 bit processes are shown through their 64 bit context.
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

const pageSize = 0x1000

// ReadMemory reads from the address space of process. A read that fails
// as a whole is retried page by page and returns what could be read.
func (b *Backend) ReadMemory(process *proc.Entity, buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	pe := processExtOf(process)
	if pe == nil {
		return 0, proc.ErrInvalidHandle
	}
	var count uintptr
	err := sys.ReadProcessMemory(pe.hProcess, uintptr(addr), &buf[0], uintptr(len(buf)), &count)
	if err == nil {
		return int(count), nil
	}
	done := 0
	for done < len(buf) {
		cur := addr + uint64(done)
		n := int(pageSize - cur%pageSize)
		if n > len(buf)-done {
			n = len(buf) - done
		}
		count = 0
		if err := sys.ReadProcessMemory(pe.hProcess, uintptr(cur), &buf[done], uintptr(n), &count); err != nil || count == 0 {
			if done == 0 {
				return 0, err
			}
			break
		}
		done += int(count)
	}
	return done, nil
}

// WriteMemory writes into the address space of process, including read
// only code pages.
func (b *Backend) WriteMemory(process *proc.Entity, data []byte, addr uint64) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	pe := processExtOf(process)
	if pe == nil {
		return 0, proc.ErrInvalidHandle
	}
	var count uintptr
	err := sys.WriteProcessMemory(pe.hProcess, uintptr(addr), &data[0], uintptr(len(data)), &count)
	if count > 0 {
		_FlushInstructionCache(pe.hProcess, uintptr(addr), count)
	}
	return int(count), err
}

// threadDescription returns the name of a thread set with
// SetThreadDescription, "" if it has none or the OS is too old.
func threadDescription(h sys.Handle) string {
	name, err := _GetThreadDescription(h)
	if err != nil {
		return ""
	}
	return name
}
