//go:build windows && amd64

package native

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/windows"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

// debugEventID identifies the debug event a process is frozen on.
type debugEventID struct {
	pid, tid uint32
}

// Backend is the Windows debug API implementation of proc.Backend.
type Backend struct {
	cfg Config
	reg *proc.Registry

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	// regsMu serializes access to the register caches of threads, the run
	// loop holds it for the whole step.
	regsMu sync.Mutex

	// outstanding is the debug event that was reported but not continued
	// yet, its process stays frozen until the next Run.
	outstanding *debugEventID
	// exceptionNotHandled makes the next continue pass the outstanding
	// exception to the target.
	exceptionNotHandled bool
	broken              error

	mu           sync.Mutex
	launching    int
	procs        map[int]*processExt
	haltPending  bool
	haltCode     uint64
	haltUserData uint64
	haltTid      int
	haltPid      int
	closed       bool
}

var _ proc.Backend = (*Backend)(nil)

// New returns a debug API backend. The backend owns an OS thread that every
// debug API call tied to the debugger thread is issued from until Close.
func New(cfg Config) *Backend {
	b := &Backend{
		cfg:            cfg,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		procs:          make(map[int]*processExt),
	}
	go b.handlePtraceFuncs()
	return b
}

// handlePtraceFuncs runs the debug API calls on the same OS thread, Windows
// delivers the debug events of a target only to the thread that created or
// attached to it.
func (b *Backend) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range b.ptraceChan {
		fn()
		b.ptraceDoneChan <- nil
	}
}

func (b *Backend) execPtraceFunc(fn func()) {
	b.ptraceChan <- fn
	<-b.ptraceDoneChan
}

// Init binds the backend to reg.
func (b *Backend) Init(reg *proc.Registry) error {
	b.reg = reg
	reg.SetReleaseHook(b.released)
	return nil
}

func (b *Backend) released(e *proc.Entity) {
	switch e.Kind {
	case proc.EntityProcess:
		pe := processExtOf(e)
		if pe == nil {
			return
		}
		b.mu.Lock()
		delete(b.procs, pe.pid)
		if b.haltPid == pe.pid {
			b.haltTid, b.haltPid = 0, 0
		}
		b.mu.Unlock()
	case proc.EntityThread:
		te := threadExtOf(e)
		if te == nil {
			return
		}
		b.mu.Lock()
		if b.haltTid == te.tid {
			b.haltTid, b.haltPid = 0, 0
		}
		b.mu.Unlock()
	}
}

// HasPendingProcess returns true while a launched or attached process has
// not reported its creation.
func (b *Backend) HasPendingProcess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launching > 0
}

// Launch starts opts.Args[0] as a debuggee. Its creation is reported by
// the next Run.
func (b *Backend) Launch(opts proc.LaunchOptions) (int, error) {
	if len(opts.Args) == 0 {
		return 0, errors.New("no command to launch")
	}
	argv0, err := exec.LookPath(opts.Args[0])
	if err != nil {
		return 0, err
	}
	if argv0, err = filepath.Abs(argv0); err != nil {
		return 0, err
	}

	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	for i, f := range []*os.File{opts.Stdin, opts.Stdout, opts.Stderr} {
		if f != nil {
			files[i] = f
		}
	}
	creationFlags := uint32(_DEBUG_ONLY_THIS_PROCESS)
	if opts.TraceSubprocesses {
		creationFlags = _DEBUG_PROCESS
	}
	attr := &os.ProcAttr{
		Dir:   opts.Dir,
		Env:   proc.MergeEnv(os.Environ(), opts.Env),
		Files: files,
		Sys: &syscall.SysProcAttr{
			CreationFlags: creationFlags,
		},
	}

	var p *os.Process
	b.execPtraceFunc(func() {
		p, err = os.StartProcess(argv0, opts.Args, attr)
	})
	if err != nil {
		return 0, err
	}
	pid := p.Pid
	p.Release()

	b.mu.Lock()
	b.launching++
	b.mu.Unlock()
	if logflags.Win32() {
		logflags.Win32Logger().Debugf("launched %s as %d", argv0, pid)
	}
	return pid, nil
}

// Attach debugs the running process pid. Its creation events are reported
// by the next Run.
func (b *Backend) Attach(pid int) error {
	if !b.reg.FindByID(proc.EntityProcess, uint64(pid)).IsNil() {
		return fmt.Errorf("already attached to %d", pid)
	}
	var err error
	b.execPtraceFunc(func() {
		err = _DebugActiveProcess(uint32(pid))
	})
	if err != nil {
		return fmt.Errorf("could not attach to %d: %w", pid, err)
	}
	b.mu.Lock()
	b.launching++
	b.mu.Unlock()
	return nil
}

// newProcess allocates the entity of a process from its creation event.
func (b *Backend) newProcess(pid int, info *_CREATE_PROCESS_DEBUG_INFO) *proc.Entity {
	p := b.reg.Alloc(b.reg.Root(), proc.EntityProcess, uint64(pid))
	pe := &processExt{pid: pid, hProcess: info.Process}
	p.Ext = pe
	pe.exe = findExePath(info.Process)
	p.Name = pe.exe
	p.Arch = proc.ArchAMD64
	if img, err := readPEImage(imageReader{mem: b, process: p, base: uint64(info.BaseOfImage)}); err == nil {
		p.Arch = img.arch()
	} else {
		logflags.Win32Logger().Debugf("could not read image headers of %d: %v", pid, err)
	}
	pe.injection = b.injectHalter(pe)

	b.mu.Lock()
	b.procs[pid] = pe
	b.mu.Unlock()
	return p
}

// halterCode is what halter threads run: return at once, which ends the
// thread. The rest of the page traps.
var halterCode = func() []byte {
	code := bytes.Repeat([]byte{0xcc}, _INJECTED_CODE_SIZE)
	code[0] = 0xc3
	return code
}()

// injectHalter writes the code of halter threads into the process.
func (b *Backend) injectHalter(pe *processExt) uintptr {
	addr, err := _VirtualAllocEx(pe.hProcess, _INJECTED_CODE_SIZE, _MEM_COMMIT|_MEM_RESERVE, _PAGE_EXECUTE_READWRITE)
	if err != nil {
		logflags.Win32Logger().Errorf("could not allocate halter code in %d: %v", pe.pid, err)
		return 0
	}
	var count uintptr
	if err := sys.WriteProcessMemory(pe.hProcess, addr, &halterCode[0], uintptr(len(halterCode)), &count); err != nil {
		logflags.Win32Logger().Errorf("could not write halter code in %d: %v", pe.pid, err)
		return 0
	}
	_FlushInstructionCache(pe.hProcess, addr, uintptr(len(halterCode)))
	return addr
}

// newThread allocates the entity of a thread of process.
func (b *Backend) newThread(process *proc.Entity, tid int, h sys.Handle) *proc.Entity {
	t := b.reg.Alloc(process, proc.EntityThread, uint64(tid))
	t.Ext = &threadExt{tid: tid, hThread: h}
	t.Arch = process.Arch
	t.State = proc.ThreadRunning
	t.Name = threadDescription(h)
	return t
}

// newModule allocates the entity of an image mapped at base. The file
// handle of the image is closed.
func (b *Backend) newModule(process *proc.Entity, base uintptr, file sys.Handle, imageName uintptr, unicode uint16) *proc.Entity {
	m := b.reg.Alloc(process, proc.EntityModule, uint64(base))
	m.Arch = process.Arch
	m.Live = true
	if file != 0 && file != sys.InvalidHandle {
		m.Name = finalPath(file)
		sys.CloseHandle(file)
	}
	if m.Name == "" && imageName != 0 {
		m.Name = b.imageName(process, imageName, unicode != 0)
	}
	if img, err := readPEImage(imageReader{mem: b, process: process, base: uint64(base)}); err == nil {
		m.Size = img.size
	}
	return m
}

// imageName reads the name of an image from the pointer the loader left in
// its debug event, which may itself be unset.
func (b *Backend) imageName(process *proc.Entity, ptr uintptr, wide bool) string {
	size := process.Arch.PtrSize()
	buf := make([]byte, 8)
	if n, err := b.ReadMemory(process, buf[:size], uint64(ptr)); err != nil || n != size {
		return ""
	}
	var addr uint64
	for i := size - 1; i >= 0; i-- {
		addr = addr<<8 | uint64(buf[i])
	}
	if addr == 0 {
		return ""
	}
	return readTargetString(b, process, addr, 2*sys.MAX_PATH, 4*sys.MAX_PATH, wide)
}

// finalPath returns the path of an open file without the \\?\ prefix.
func finalPath(h sys.Handle) string {
	buf := make([]uint16, sys.MAX_PATH)
	for {
		n, err := sys.GetFinalPathNameByHandle(h, &buf[0], uint32(len(buf)), _FILE_NAME_NORMALIZED)
		if err != nil {
			return ""
		}
		if int(n) < len(buf) {
			return strings.TrimPrefix(sys.UTF16ToString(buf[:n]), `\\?\`)
		}
		buf = make([]uint16, n+1)
	}
}

// findExePath returns the path of the executable of a process.
func findExePath(h sys.Handle) string {
	// We don't know how long the path is, so we grow the buffer until it
	// fits.
	n := uint32(128)
	for {
		buf := make([]uint16, n)
		size := n
		err := sys.QueryFullProcessImageName(h, 0, &buf[0], &size)
		if err == nil {
			return sys.UTF16ToString(buf[:size])
		}
		if err != sys.ERROR_INSUFFICIENT_BUFFER || n >= 1<<15 {
			return ""
		}
		n *= 2
	}
}

func (b *Backend) processEvent(kind proc.EventKind, p *proc.Entity) proc.Event {
	ev := proc.Event{Kind: kind, Process: b.reg.HandleFrom(p), Arch: p.Arch, String: p.Name}
	if kind == proc.EventCreateProcess {
		ev.Code = p.ID
	}
	return ev
}

// threadEvent returns an event about thread. withRegs adds its instruction
// and stack pointer, the thread must be frozen.
func (b *Backend) threadEvent(kind proc.EventKind, t *proc.Entity, withRegs bool) proc.Event {
	p := b.reg.Parent(t)
	ev := proc.Event{
		Kind:    kind,
		Process: b.reg.HandleFrom(p),
		Thread:  b.reg.HandleFrom(t),
		Arch:    t.Arch,
		String:  t.Name,
	}
	if kind == proc.EventCreateThread {
		ev.Code = t.ID
	}
	if withRegs {
		if regs, err := b.threadRegisters(t); err == nil {
			ev.InstructionPointer = regs.PC()
			ev.StackPointer = regs.SP()
		}
	}
	return ev
}

func (b *Backend) moduleEvent(kind proc.EventKind, process, m *proc.Entity) proc.Event {
	return proc.Event{
		Kind:    kind,
		Process: b.reg.HandleFrom(process),
		Module:  b.reg.HandleFrom(m),
		Arch:    process.Arch,
		Address: m.ID,
		Size:    m.Size,
		String:  m.Name,
	}
}

// Kill terminates process with exitCode. The exit is reported by the next
// Run.
func (b *Backend) Kill(process *proc.Entity, exitCode uint32) error {
	pe := processExtOf(process)
	if pe == nil {
		return proc.ErrInvalidHandle
	}
	if err := sys.TerminateProcess(pe.hProcess, exitCode); err != nil {
		return fmt.Errorf("could not terminate %d: %w", pe.pid, err)
	}
	return nil
}

// Detach removes every trap state the backend put into process, lets it
// run and releases its entity.
func (b *Backend) Detach(process *proc.Entity) error {
	pe := processExtOf(process)
	if pe == nil {
		return proc.ErrInvalidHandle
	}
	b.regsMu.Lock()
	defer b.regsMu.Unlock()
	var err1 error
	for _, t := range b.reg.Children(process, proc.EntityThread) {
		te := threadExtOf(t)
		if regs, err := b.threadRegisters(t); err == nil && (regs.SingleStep() || regs.DR[7] != 0) {
			regs.SetSingleStep(false)
			regs.DebugRegisters().ClearAll()
			te.dirty = true
		}
		if err := b.flushRegisters(t); err != nil && err1 == nil {
			err1 = err
		}
		invalidateRegisters(t)
		if te.suspended {
			if _, err := sys.ResumeThread(te.hThread); err != nil && err1 == nil {
				err1 = err
			}
			te.suspended = false
		}
	}
	var err error
	b.execPtraceFunc(func() {
		if ev := b.outstanding; ev != nil && int(ev.pid) == pe.pid {
			_ = _ContinueDebugEvent(ev.pid, ev.tid, _DBG_CONTINUE)
			b.outstanding = nil
			b.exceptionNotHandled = false
		}
		err = _DebugActiveProcessStop(uint32(pe.pid))
	})
	if err != nil && err1 == nil {
		err1 = fmt.Errorf("could not detach from %d: %w", pe.pid, err)
	}
	b.reg.Release(process)
	return err1
}

// FullPath returns the executable of a process or the path of a module.
func (b *Backend) FullPath(e *proc.Entity) string {
	if e.Kind == proc.EntityProcess {
		if pe := processExtOf(e); pe != nil && pe.exe != "" {
			return pe.exe
		}
	}
	return e.Name
}

// Processes lists the processes of the system from a toolhelp snapshot.
func (b *Backend) Processes() ([]proc.ProcessInfo, error) {
	snap, err := sys.CreateToolhelp32Snapshot(sys.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer sys.CloseHandle(snap)
	var entry sys.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	var r []proc.ProcessInfo
	for err = sys.Process32First(snap, &entry); err == nil; err = sys.Process32Next(snap, &entry) {
		r = append(r, proc.ProcessInfo{Pid: int(entry.ProcessID), Name: sys.UTF16ToString(entry.ExeFile[:])})
	}
	if err != sys.ERROR_NO_MORE_FILES {
		return r, err
	}
	return r, nil
}

// Close detaches from every process and stops the debug thread.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	var err1 error
	if b.reg != nil {
		for _, p := range b.reg.Processes() {
			if err := b.Detach(p); err != nil && err1 == nil {
				err1 = err
			}
		}
	}
	close(b.ptraceChan)
	return err1
}
