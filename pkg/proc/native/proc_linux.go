//go:build linux && amd64

package native

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/linutil"
)

// Process statuses
const (
	statusTraceStopT = 'T'
	statusZombie     = 'Z'
	statusDead       = 'X'
)

// waitResult is a wait status that was collected but not handled yet.
type waitResult struct {
	tid    int
	status sys.WaitStatus
}

// Backend is the ptrace implementation of proc.Backend.
type Backend struct {
	cfg    Config
	reg    *proc.Registry
	probes *linutil.ProbeCache

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	// regsMu serializes access to the register caches of threads, the run
	// loop holds it for the whole step.
	regsMu sync.Mutex

	// queued are events produced outside of Run (launch, attach) that the
	// next Run returns.
	queued []proc.Event
	// pending are stops collected while stopping the target that were not
	// handled yet, the next Run handles them before resuming anything.
	pending []waitResult
	// orphans are stops of threads whose creation was not reported yet.
	orphans map[int]sys.WaitStatus
	// broken is set when the target is in a state the backend can not
	// recover from.
	broken error

	mu           sync.Mutex
	nprocs       int
	launching    bool
	running      map[int]int // tid -> pid of threads resumed by Run
	haltPending  bool
	haltCode     uint64
	haltUserData uint64
	haltTid      int
	haltPid      int
	closed       bool
}

var _ proc.Backend = (*Backend)(nil)

// New returns a ptrace backend. The backend owns an OS thread that every
// ptrace request is issued from until Close.
func New(cfg Config) *Backend {
	b := &Backend{
		cfg:            cfg,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		orphans:        make(map[int]sys.WaitStatus),
		running:        make(map[int]int),
	}
	if cfg.LoaderProbes {
		size := cfg.ProbeCacheSize
		if size <= 0 {
			size = DefaultConfig().ProbeCacheSize
		}
		pc, err := linutil.NewProbeCache(size)
		if err != nil {
			logflags.LoaderLogger().Errorf("could not create probe cache: %v", err)
		} else {
			b.probes = pc
		}
	}
	go b.handlePtraceFuncs()
	return b
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
		pe.close()
		b.mu.Lock()
		b.nprocs--
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
		delete(b.running, te.tid)
		if b.haltTid == te.tid {
			b.haltTid, b.haltPid = 0, 0
		}
		b.mu.Unlock()
	}
}

// HasPendingProcess returns true while a launch is in progress.
func (b *Backend) HasPendingProcess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launching || len(b.queued) > 0
}

// ptraceOptions returns the options a tracee is traced with. Launched
// processes are killed if the debugger dies, attached ones are not.
func ptraceOptions(launched, traceChildren bool) int {
	opts := sys.PTRACE_O_TRACECLONE | sys.PTRACE_O_TRACEEXEC | sys.PTRACE_O_TRACEEXIT
	if launched {
		opts |= sys.PTRACE_O_EXITKILL
	}
	if traceChildren {
		opts |= sys.PTRACE_O_TRACEFORK | sys.PTRACE_O_TRACEVFORK
	}
	return opts
}

// Launch starts opts.Args[0] stopped at its first instruction.
func (b *Backend) Launch(opts proc.LaunchOptions) (int, error) {
	if len(opts.Args) == 0 {
		return 0, errors.New("no command to launch")
	}
	b.mu.Lock()
	b.launching = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.launching = false
		b.mu.Unlock()
	}()

	var (
		cmd *exec.Cmd
		err error
	)
	b.execPtraceFunc(func() {
		cmd = exec.Command(opts.Args[0])
		cmd.Args = opts.Args
		cmd.Dir = opts.Dir
		cmd.Env = proc.MergeEnv(os.Environ(), opts.Env)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		if opts.Stdin != nil {
			cmd.Stdin = opts.Stdin
		}
		if opts.Stdout != nil {
			cmd.Stdout = opts.Stdout
		}
		if opts.Stderr != nil {
			cmd.Stderr = opts.Stderr
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: !opts.Setsid,
			Setsid:  opts.Setsid,
			Setctty: opts.Setsid && opts.Stdin != nil,
		}
		err = cmd.Start()
	})
	if err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	status, zombie, err := b.waitThread(pid)
	if err != nil {
		return 0, fmt.Errorf("waiting for target execve failed: %w", err)
	}
	if zombie || status.Exited() || status.Signaled() {
		return 0, proc.ErrProcessExited{Pid: pid, Status: status.ExitStatus()}
	}
	b.execPtraceFunc(func() { err = ptraceSetOptions(pid, ptraceOptions(true, opts.TraceSubprocesses)) })
	if err != nil {
		_ = sys.Kill(pid, sys.SIGKILL)
		return 0, fmt.Errorf("could not set ptrace options of %d: %w", pid, err)
	}
	b.queueNewProcess(pid, []int{pid}, opts.TraceSubprocesses)
	return pid, nil
}

// Attach stops every thread of pid and takes control of them.
func (b *Backend) Attach(pid int) error {
	if !b.reg.FindByID(proc.EntityProcess, uint64(pid)).IsNil() {
		return fmt.Errorf("already attached to %d", pid)
	}
	b.mu.Lock()
	b.launching = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.launching = false
		b.mu.Unlock()
	}()

	var tids []int
	attached := make(map[int]bool)
	seen := make(map[int]bool)
	detachAll := func() {
		b.execPtraceFunc(func() {
			for tid := range attached {
				_ = ptraceDetach(tid, 0)
			}
		})
	}

	// Threads can be created while we attach, repeat until a pass over
	// the task list finds nothing new.
	for {
		entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
		if err != nil {
			detachAll()
			return fmt.Errorf("could not list threads of %d: %w", pid, err)
		}
		found := false
		for _, de := range entries {
			tid, err := strconv.Atoi(de.Name())
			if err != nil || seen[tid] {
				continue
			}
			seen[tid] = true
			found = true
			b.execPtraceFunc(func() { err = ptraceAttach(tid) })
			if err != nil {
				if tid == pid || err != sys.ESRCH {
					detachAll()
					return fmt.Errorf("could not attach to %d: %w", tid, err)
				}
				continue
			}
			attached[tid] = true
			status, zombie, err := b.waitThread(tid)
			if err != nil || zombie || status.Exited() || status.Signaled() {
				delete(attached, tid)
				if tid == pid {
					detachAll()
					return proc.ErrProcessExited{Pid: pid}
				}
				continue
			}
			tids = append(tids, tid)
		}
		if !found {
			break
		}
	}

	opts := ptraceOptions(false, false)
	for _, tid := range tids {
		var err error
		b.execPtraceFunc(func() { err = ptraceSetOptions(tid, opts) })
		if err == sys.ESRCH {
			if _, _, err = b.waitThread(tid); err == nil {
				b.execPtraceFunc(func() { err = ptraceSetOptions(tid, opts) })
			}
		}
		if err != nil {
			detachAll()
			return fmt.Errorf("could not set options for traced thread %d: %w", tid, err)
		}
	}
	b.queueNewProcess(pid, tids, false)
	return nil
}

// newProcess allocates the entity of a stopped tracee.
func (b *Backend) newProcess(parent *proc.Entity, pid int, traceChildren bool) *proc.Entity {
	p := b.reg.Alloc(parent, proc.EntityProcess, uint64(pid))
	pe := &processExt{pid: pid, memFd: -1, traceChildren: traceChildren}
	p.Ext = pe
	b.refreshImage(p)
	b.mu.Lock()
	b.nprocs++
	b.mu.Unlock()
	return p
}

// refreshImage (re)reads everything that an exec changes: the memory
// descriptor, the executable path and the architecture.
func (b *Backend) refreshImage(p *proc.Entity) {
	pe := processExtOf(p)
	pe.close()
	fd, err := openProcessMemory(pe.pid)
	if err != nil {
		logflags.DemonLogger().Errorf("could not open memory of %d: %v", pe.pid, err)
	}
	pe.memFd = fd
	pe.exe = findExecutable(pe.pid)
	p.Name = pe.exe
	p.Arch = detectArch(pe.pid)
	if p.Arch == proc.ArchAMD64 || p.Arch == proc.ArchI386 {
		pe.xstate = hostXstate()
	}
}

var (
	hostXstateOnce   sync.Once
	hostXstateLayout *amd64util.XstateLayout
)

func hostXstate() *amd64util.XstateLayout {
	hostXstateOnce.Do(func() {
		hostXstateLayout = amd64util.HostXstateLayout()
		if logflags.Regs() {
			if hostXstateLayout == nil {
				logflags.RegsLogger().Debugf("no XSAVE support, using FXSAVE")
			} else {
				logflags.RegsLogger().Debugf("host xstate size %d", hostXstateLayout.Size)
			}
		}
	})
	return hostXstateLayout
}

func findExecutable(pid int) string {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return ""
	}
	return path
}

func detectArch(pid int) proc.Arch {
	f, err := elf.Open(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return proc.ArchAMD64
	}
	defer f.Close()
	if f.Machine == elf.EM_386 {
		return proc.ArchI386
	}
	return proc.ArchAMD64
}

// newThread allocates the entity of a stopped thread of process.
func (b *Backend) newThread(process *proc.Entity, tid int) *proc.Entity {
	t := b.reg.Alloc(process, proc.EntityThread, uint64(tid))
	t.Ext = &threadExt{tid: tid}
	t.Name = threadName(tid)
	return t
}

func threadName(tid int) string {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", tid))
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(buf), "\n")
}

// queueNewProcess creates the entities of a stopped process and queues the
// events announcing it.
func (b *Backend) queueNewProcess(pid int, tids []int, traceChildren bool) {
	b.regsMu.Lock()
	defer b.regsMu.Unlock()
	p := b.newProcess(b.reg.Root(), pid, traceChildren)
	evs := []proc.Event{b.processEvent(proc.EventCreateProcess, p)}
	for _, tid := range tids {
		t := b.newThread(p, tid)
		evs = append(evs, b.threadEvent(proc.EventCreateThread, t))
	}
	processExtOf(p).loader = b.newLoaderState(p)
	evs = append(evs, b.rescanModules(p, false)...)
	evs = append(evs, proc.Event{Kind: proc.EventHandshakeComplete, Process: b.reg.HandleFrom(p), Arch: p.Arch})

	b.mu.Lock()
	b.queued = append(b.queued, evs...)
	b.mu.Unlock()
}

func (b *Backend) processEvent(kind proc.EventKind, p *proc.Entity) proc.Event {
	ev := proc.Event{Kind: kind, Process: b.reg.HandleFrom(p), Arch: p.Arch, String: p.Name}
	if kind == proc.EventCreateProcess {
		ev.Code = p.ID
	}
	return ev
}

// threadEvent returns an event about thread, with its instruction and
// stack pointer when they can be read.
func (b *Backend) threadEvent(kind proc.EventKind, t *proc.Entity) proc.Event {
	p := b.reg.Parent(t)
	ev := proc.Event{
		Kind:    kind,
		Process: b.reg.HandleFrom(p),
		Thread:  b.reg.HandleFrom(t),
		Arch:    t.Arch,
	}
	if kind == proc.EventCreateThread {
		ev.Code = t.ID
	}
	if kind != proc.EventExitThread && t.State == proc.ThreadStopped {
		if regs, err := b.threadRegisters(t); err == nil {
			ev.InstructionPointer = regs.PC()
			ev.StackPointer = regs.SP()
		}
	}
	return ev
}

// Kill sends SIGKILL to process. The exit is reported by the next Run.
// The exit code can not be chosen on linux.
func (b *Backend) Kill(process *proc.Entity, exitCode uint32) error {
	pe := processExtOf(process)
	if pe == nil {
		return proc.ErrInvalidHandle
	}
	if err := sys.Kill(pe.pid, sys.SIGKILL); err != nil {
		return fmt.Errorf("could not deliver signal: %w", err)
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
		if regs, err := b.threadRegisters(t); err == nil {
			if regs.SingleStep() || regs.DR[7] != 0 {
				regs.SetSingleStep(false)
				regs.DebugRegisters().ClearAll()
				te.dirty = true
			}
		}
		if err := b.flushRegisters(t); err != nil && err1 == nil {
			err1 = err
		}
		sig := te.signal
		if sig == int(sys.SIGSTOP) || sig == int(sys.SIGTRAP) {
			sig = 0
		}
		var err error
		b.execPtraceFunc(func() { err = ptraceDetach(te.tid, sig) })
		if err != nil && err != sys.ESRCH && err1 == nil {
			err1 = err
		}
	}
	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	time.Sleep(50 * time.Millisecond)
	if s := threadStatus(pe.pid); s == statusTraceStopT {
		_ = sys.Kill(pe.pid, sys.SIGCONT)
	}
	b.reg.Release(process)
	return err1
}

// FullPath returns the executable of a process or the path of a module.
func (b *Backend) FullPath(e *proc.Entity) string {
	switch e.Kind {
	case proc.EntityProcess:
		if pe := processExtOf(e); pe != nil && pe.exe != "" {
			return pe.exe
		}
	case proc.EntityModule:
		if p, err := filepath.Abs(e.Name); err == nil {
			return p
		}
	}
	return e.Name
}

func isProcDir(name string) bool {
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return name != ""
}

// Processes lists the processes of the system from /proc.
func (b *Backend) Processes() ([]proc.ProcessInfo, error) {
	des, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var r []proc.ProcessInfo
	for _, de := range des {
		if !de.IsDir() || !isProcDir(de.Name()) {
			continue
		}
		pid, _ := strconv.Atoi(de.Name())
		name := filepath.Base(findExecutable(pid))
		if name == "." || name == "/" {
			// kernel threads and processes we can not inspect
			name = threadName(pid)
		}
		if name == "" {
			continue
		}
		r = append(r, proc.ProcessInfo{Pid: pid, Name: name})
	}
	return r, nil
}

// Close detaches from every process and stops the ptrace thread.
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

// threadStatus returns the state letter of tid from /proc/tid/stat.
func threadStatus(tid int) rune {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", tid))
	if err != nil {
		return 0
	}
	// The second field is the command name in parentheses, it can contain
	// both spaces and parentheses.
	i := bytes.LastIndexByte(buf, ')')
	if i < 0 || i+2 >= len(buf) {
		return 0
	}
	return rune(buf[i+2])
}

// waitThread waits for the next status change of tid. A thread group
// leader that exits while other threads are alive never reports, zombie is
// true if tid turned into one.
func (b *Backend) waitThread(tid int) (status sys.WaitStatus, zombie bool, err error) {
	var s sys.WaitStatus
	delay := time.Millisecond
	for {
		var wpid int
		err := ignoringEINTR(func() error {
			var err error
			wpid, err = sys.Wait4(tid, &s, sys.WNOHANG|sys.WALL, nil)
			return err
		})
		if err != nil {
			return 0, false, err
		}
		if wpid != 0 {
			return s, false, nil
		}
		if st := threadStatus(tid); st == statusZombie || st == statusDead {
			return 0, true, nil
		}
		time.Sleep(delay)
		if delay < 100*time.Millisecond {
			delay *= 2
		}
	}
}
