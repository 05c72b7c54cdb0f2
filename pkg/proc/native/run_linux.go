//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/linutil"
)

var errNothingToResume = errors.New("no thread to resume")

// runStep is the state of one call to Run.
type runStep struct {
	b     *Backend
	plan  *proc.RunPlan
	traps *trapSet
	watch map[*proc.Entity][]proc.ResolvedTrap

	// armed are the threads whose debug registers were written.
	armed []proc.Handle
	// stepping is the single step thread, stepProbe the loader probe it
	// is stepping over, if any.
	stepping  *proc.Entity
	stepProbe string
	resumed   []proc.Handle

	events []proc.Event
}

// Run resumes the target and waits until something reportable happens.
// When it returns every thread of every process is stopped again and the
// memory of the target no longer contains any trap instruction.
func (b *Backend) Run(plan *proc.RunPlan) []proc.Event {
	if b.broken != nil {
		return []proc.Event{failureEvent(b.broken)}
	}
	b.mu.Lock()
	if len(b.queued) > 0 {
		evs := b.queued
		b.queued = nil
		b.mu.Unlock()
		return evs
	}
	b.mu.Unlock()

	b.regsMu.Lock()
	defer b.regsMu.Unlock()

	s := &runStep{
		b:        b,
		plan:     plan,
		traps:    newTrapSet(),
		watch:    plan.Watchpoints(),
		stepping: plan.SingleStepThread,
	}
	if plan.IgnorePreviousException {
		for _, p := range b.reg.Processes() {
			for _, t := range b.reg.Children(p, proc.EntityThread) {
				threadExtOf(t).signal = 0
			}
		}
	}
	s.setup()
	defer s.teardown()

	for _, p := range b.reg.Processes() {
		if len(b.reg.Children(p, proc.EntityThread)) == 0 {
			s.groupExited(p, 0)
		}
	}
	for len(b.pending) > 0 {
		w := b.pending[0]
		b.pending = b.pending[1:]
		s.handle(w.tid, w.status)
	}
	if len(s.events) == 0 {
		if !s.resumeAll() {
			s.events = append(s.events, failureEvent(errNothingToResume))
			return s.events
		}
		b.armPendingHalt()
		s.waitLoop()
	}
	s.stopAll()
	s.finish()
	return s.events
}

// fail records an error the backend can not recover from.
func (s *runStep) fail(err error) {
	logflags.DemonLogger().Errorf("run failed: %v", err)
	s.b.broken = err
	s.events = append(s.events, failureEvent(err))
}

// setup installs the software traps of the plan and of the loader, arms
// the debug registers and sets the trap flag of the single step thread.
func (s *runStep) setup() {
	b := s.b
	var stepPC uint64
	var stepProcess *proc.Entity
	if s.stepping != nil {
		regs, err := b.threadRegisters(s.stepping)
		if err != nil {
			logflags.DemonLogger().Errorf("could not read registers of single step thread %d: %v", s.stepping.ID, err)
		} else {
			stepPC = regs.PC()
			stepProcess = b.reg.Parent(s.stepping)
			regs.SetSingleStep(true)
			threadExtOf(s.stepping).dirty = true
		}
	}

	s.traps.addTraps(s.plan.SoftwareTraps())
	for _, p := range b.reg.Processes() {
		pe := processExtOf(p)
		if pe.loader == nil {
			continue
		}
		for _, pr := range pe.loader.probes {
			if p == stepProcess && pr.addr == stepPC {
				s.stepProbe = pr.name
				continue
			}
			s.traps.addProbe(p, pr.addr, pr.name, pr.nopLen)
		}
	}
	s.traps.install(b)

	for p := range s.watch {
		for _, t := range b.reg.Children(p, proc.EntityThread) {
			s.armThread(t)
		}
	}
}

// armThread writes the hardware traps of its process into the debug
// registers of t.
func (s *runStep) armThread(t *proc.Entity) {
	b := s.b
	ws := s.watch[b.reg.Parent(t)]
	if len(ws) == 0 {
		return
	}
	regs, err := b.threadRegisters(t)
	if err != nil {
		logflags.DemonLogger().Errorf("could not arm hardware traps on %d: %v", t.ID, err)
		return
	}
	drs := regs.DebugRegisters()
	for i, w := range ws {
		if i >= maxHardwareTraps {
			logflags.DemonLogger().Warnf("%d hardware traps requested, only %d are used", len(ws), maxHardwareTraps)
			break
		}
		if err := drs.SetBreakpoint(uint8(i), w.Vaddr, watchKind(w.Flags), int(w.Size)); err != nil {
			logflags.DemonLogger().Errorf("hardware trap %v: %v", w.Trap, err)
		}
	}
	if drs.Dirty {
		threadExtOf(t).dirty = true
		s.armed = append(s.armed, b.reg.HandleFrom(t))
	}
}

// teardown undoes setup on whatever is still alive.
func (s *runStep) teardown() {
	b := s.b
	s.traps.restore(b)
	for _, h := range s.armed {
		t := b.reg.EntityFrom(h)
		if t.IsNil() {
			continue
		}
		if regs, err := b.threadRegisters(t); err == nil {
			drs := regs.DebugRegisters()
			drs.ClearAll()
			if drs.Dirty {
				threadExtOf(t).dirty = true
			}
		}
	}
	if t := s.stepping; t != nil && t.Kind == proc.EntityThread {
		if regs, err := b.threadRegisters(t); err == nil && regs.SingleStep() {
			regs.SetSingleStep(false)
			threadExtOf(t).dirty = true
		}
	}
	for _, p := range b.reg.Processes() {
		for _, t := range b.reg.Children(p, proc.EntityThread) {
			if err := b.flushRegisters(t); err != nil {
				logflags.DemonLogger().Errorf("could not write registers of %d: %v", t.ID, err)
			}
		}
	}
}

// resumeAll resumes every thread the plan does not freeze. It returns
// false if nothing was resumed.
func (s *runStep) resumeAll() bool {
	n := 0
	for _, p := range s.b.reg.Processes() {
		for _, t := range s.b.reg.Children(p, proc.EntityThread) {
			if s.resume(t) {
				n++
			}
		}
	}
	return n > 0
}

// resume continues t unless it is frozen or already running.
func (s *runStep) resume(t *proc.Entity) bool {
	b := s.b
	p := b.reg.Parent(t)
	if t.State != proc.ThreadStopped || s.plan.Frozen(p, t) {
		return false
	}
	te := threadExtOf(t)
	if err := b.flushRegisters(t); err != nil {
		logflags.DemonLogger().Errorf("could not write registers of %d: %v", te.tid, err)
	}
	sig := te.signal
	te.signal = 0
	var err error
	if t == s.stepping {
		b.execPtraceFunc(func() { err = ptraceSingleStep(te.tid, sig) })
	} else {
		b.execPtraceFunc(func() { err = ptraceCont(te.tid, sig) })
	}
	invalidateRegisters(t)
	if err != nil && err != sys.ESRCH {
		logflags.DemonLogger().Errorf("could not resume %d: %v", te.tid, err)
		return false
	}
	// A thread that vanished (ESRCH) still has an exit to report, it is
	// waited for like a running one.
	t.State = proc.ThreadRunning
	b.mu.Lock()
	b.running[te.tid] = processExtOf(p).pid
	b.mu.Unlock()
	s.resumed = append(s.resumed, b.reg.HandleFrom(t))
	return true
}

func (b *Backend) markStopped(t *proc.Entity) {
	t.State = proc.ThreadStopped
	b.mu.Lock()
	delete(b.running, threadExtOf(t).tid)
	b.mu.Unlock()
}

// waitLoop waits for stops until one of them is reportable.
func (s *runStep) waitLoop() {
	b := s.b
	for len(s.events) == 0 {
		var (
			ws  sys.WaitStatus
			tid int
		)
		err := ignoringEINTR(func() error {
			var err error
			tid, err = sys.Wait4(-1, &ws, sys.WALL, nil)
			return err
		})
		if err == sys.ECHILD {
			for _, p := range b.reg.Processes() {
				s.processExited(p, lastStatus(b.reg.FindByID(proc.EntityThread, p.ID)))
			}
			return
		}
		if err != nil {
			s.fail(fmt.Errorf("wait failed: %w", err))
			return
		}
		if logflags.Ptrace() {
			logflags.PtraceLogger().Debugf("wait %d status %#x", tid, uint32(ws))
		}
		s.handle(tid, ws)
		b.armPendingHalt()
	}
}

// handle turns one wait status into events. Stops that are not reportable
// resume the thread.
func (s *runStep) handle(tid int, ws sys.WaitStatus) {
	b := s.b
	t := b.reg.FindByID(proc.EntityThread, uint64(tid))
	if t.IsNil() {
		p := b.reg.FindByID(proc.EntityProcess, uint64(tid))
		switch {
		case !p.IsNil() && (ws.Exited() || ws.Signaled()):
			s.processExited(p, ws)
			return
		case !p.IsNil() && ws.Stopped():
			// the leader came back after its thread was released
			t = b.newThread(p, tid)
		case ws.Stopped():
			b.orphans[tid] = ws
			return
		default:
			return
		}
	}
	b.markStopped(t)

	switch {
	case ws.Exited() || ws.Signaled():
		s.threadExited(t, ws)
	case !ws.Stopped():
		s.resume(t)
	case ws.StopSignal() == sys.SIGTRAP && ws.TrapCause() > 0:
		s.ptraceEvent(t, ws.TrapCause())
	case ws.StopSignal() == sys.SIGTRAP:
		s.trapped(t)
	case ws.StopSignal() == sys.SIGSTOP:
		s.stopped(t)
	default:
		s.signaled(t, ws.StopSignal())
	}
}

// lastStatus is the exit status a thread announced at its exit stop.
func lastStatus(t *proc.Entity) sys.WaitStatus {
	if te := threadExtOf(t); te != nil {
		return sys.WaitStatus(te.exitCode << 8)
	}
	return 0
}

func exitCode(ws sys.WaitStatus) (code uint64, signo int) {
	if ws.Signaled() {
		return 128 + uint64(ws.Signal()), int(ws.Signal())
	}
	return uint64(ws.ExitStatus()), 0
}

func (s *runStep) threadExited(t *proc.Entity, ws sys.WaitStatus) {
	b := s.b
	p := b.reg.Parent(t)
	if threadExtOf(t).tid == processExtOf(p).pid {
		s.processExited(p, ws)
		return
	}
	ev := b.threadEvent(proc.EventExitThread, t)
	ev.Code, ev.Signo = exitCode(ws)
	s.events = append(s.events, ev)
	b.reg.Release(t)
	if len(b.reg.Children(p, proc.EntityThread)) == 0 {
		s.groupExited(p, ws)
	}
}

// groupExited collects the exit status of a process whose last thread is
// gone. The leader was released earlier as a zombie, its status is only
// reported once every other thread has been reaped. last is used when the
// status can not be collected.
func (s *runStep) groupExited(p *proc.Entity, last sys.WaitStatus) {
	b := s.b
	pid := processExtOf(p).pid
	ws, zombie, err := b.waitThread(pid)
	switch {
	case err != nil || zombie:
		logflags.DemonLogger().Debugf("exit status of %d: zombie=%v err=%v", pid, zombie, err)
		ws = last
	case ws.Stopped():
		// a thread execed and took over the pid of the leader
		b.pending = append(b.pending, waitResult{pid, ws})
		return
	}
	s.processExited(p, ws)
}

// processExited reports the end of every thread and module of p and of p
// itself, then releases it.
func (s *runStep) processExited(p *proc.Entity, ws sys.WaitStatus) {
	b := s.b
	code, signo := exitCode(ws)
	for _, t := range b.reg.Children(p, proc.EntityThread) {
		ev := b.threadEvent(proc.EventExitThread, t)
		ev.Code, ev.Signo = code, signo
		s.events = append(s.events, ev)
	}
	s.events = append(s.events, b.unloadAllModules(p)...)
	ev := b.processEvent(proc.EventExitProcess, p)
	ev.Code, ev.Signo = code, signo
	s.events = append(s.events, ev)
	s.traps.forget(p)
	delete(s.watch, p)
	b.reg.Release(p)
}

// ptraceEvent handles PTRACE_EVENT stops.
func (s *runStep) ptraceEvent(t *proc.Entity, cause int) {
	b := s.b
	te := threadExtOf(t)
	var (
		msg uint64
		err error
	)
	b.execPtraceFunc(func() { msg, err = ptraceGetEventMsg(te.tid) })
	if err != nil {
		if err == sys.ESRCH {
			// killed while stopped, the exit follows
			t.State = proc.ThreadRunning
			return
		}
		s.fail(fmt.Errorf("could not read event message of %d: %w", te.tid, err))
		return
	}
	switch cause {
	case sys.PTRACE_EVENT_CLONE:
		s.cloned(t, int(msg))
	case sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK:
		s.forked(t, int(msg), cause == sys.PTRACE_EVENT_VFORK)
	case sys.PTRACE_EVENT_EXEC:
		s.execed(t)
	case sys.PTRACE_EVENT_EXIT:
		te.exitCode = int(sys.WaitStatus(msg).ExitStatus())
		s.resume(t)
	default:
		s.resume(t)
	}
}

// waitNew waits for the initial stop of a thread created by a traced
// clone or fork.
func (b *Backend) waitNew(tid int) error {
	if _, ok := b.orphans[tid]; ok {
		delete(b.orphans, tid)
		return nil
	}
	_, zombie, err := b.waitThread(tid)
	if err == nil && zombie {
		err = proc.ErrProcessExited{Pid: tid}
	}
	return err
}

func (s *runStep) cloned(parent *proc.Entity, tid int) {
	b := s.b
	p := b.reg.Parent(parent)
	if err := b.waitNew(tid); err != nil {
		logflags.DemonLogger().Debugf("new thread %d: %v", tid, err)
		s.resume(parent)
		return
	}
	if tgid := threadGroup(tid); tgid != 0 && tgid != processExtOf(p).pid {
		// clone without CLONE_THREAD, a new process
		s.forked(parent, tid, false)
		return
	}
	t := b.newThread(p, tid)
	s.armThread(t)
	s.events = append(s.events, b.threadEvent(proc.EventCreateThread, t))
}

// forked reports a new child process of the process owning thread. The
// child shares the modules of its parent. A forked child also has a copy
// of every installed trap, they are removed from it.
func (s *runStep) forked(thread *proc.Entity, pid int, vfork bool) {
	b := s.b
	parent := b.reg.Parent(thread)
	ppe := processExtOf(parent)
	if !ppe.traceChildren {
		b.execPtraceFunc(func() { _ = ptraceDetach(pid, 0) })
		s.resume(thread)
		return
	}
	if err := b.waitNew(pid); err != nil {
		logflags.DemonLogger().Debugf("new process %d: %v", pid, err)
		s.resume(thread)
		return
	}
	child := b.newProcess(b.reg.Root(), pid, true)
	cpe := processExtOf(child)
	if ppe.loader != nil {
		ls := *ppe.loader
		ls.pid = pid
		cpe.loader = &ls
	}
	if !vfork {
		s.traps.uninstallIn(b, parent, child)
	}

	evs := []proc.Event{b.processEvent(proc.EventCreateProcess, child)}
	t := b.newThread(child, pid)
	evs = append(evs, b.threadEvent(proc.EventCreateThread, t))
	for _, m := range b.reg.Children(parent, proc.EntityModule) {
		d := moduleDesc{base: m.ID, lo: m.ID, hi: m.ID + m.Size, name: m.Name}
		if me, ok := m.Ext.(*moduleExt); ok {
			d.lo, d.hi = me.lo, me.lo+m.Size
		}
		evs = append(evs, b.moduleEvent(proc.EventLoadModule, child, b.addModule(child, d)))
	}
	evs = append(evs, proc.Event{Kind: proc.EventHandshakeComplete, Process: b.reg.HandleFrom(child), Arch: child.Arch})
	s.events = append(s.events, evs...)
}

// execed handles an exec by process of t: every other thread is gone and
// the address space is new.
func (s *runStep) execed(t *proc.Entity) {
	b := s.b
	p := b.reg.Parent(t)
	for _, other := range b.reg.Children(p, proc.EntityThread) {
		if other != t {
			s.events = append(s.events, b.threadEvent(proc.EventExitThread, other))
			b.reg.Release(other)
		}
	}
	s.events = append(s.events, b.unloadAllModules(p)...)
	s.traps.forget(p)
	b.refreshImage(p)
	invalidateRegisters(t)
	t.Arch = p.Arch
	t.Name = threadName(int(t.ID))
	pe := processExtOf(p)
	pe.loader = b.newLoaderState(p)
	s.events = append(s.events, b.rescanModules(p, false)...)
	s.armThread(t)
	if logflags.Demon() {
		logflags.DemonLogger().Debugf("process %d executed %s", pe.pid, pe.exe)
	}
	if len(s.events) == 0 {
		s.resume(t)
	}
}

// trapped handles a SIGTRAP that is not a ptrace event.
func (s *runStep) trapped(t *proc.Entity) {
	b := s.b
	p := b.reg.Parent(t)
	te := threadExtOf(t)
	var (
		si  siginfo
		err error
	)
	b.execPtraceFunc(func() { si, err = ptraceGetSiginfo(te.tid) })
	if err != nil {
		s.fail(fmt.Errorf("could not read siginfo of %d: %w", te.tid, err))
		return
	}
	regs, err := b.threadRegisters(t)
	if err != nil {
		s.fail(err)
		return
	}

	switch {
	case si.Code == siKernel:
		pc := regs.PC()
		kind, site := s.traps.classify(b, p, pc)
		switch kind {
		case trapHitSite:
			if len(site.traps) == 0 {
				// loader probe, skip over its nop
				regs.SetPC(site.addr + uint64(site.nopLen))
				te.dirty = true
				evs := b.rescanModules(p, site.probe == linutil.ProbeUnmapComplete)
				if len(evs) == 0 {
					s.resume(t)
					return
				}
				s.events = append(s.events, evs...)
				return
			}
			regs.SetPC(site.addr)
			te.dirty = true
			if site.probe != "" {
				s.events = append(s.events, b.rescanModules(p, site.probe == linutil.ProbeUnmapComplete)...)
			}
			ev := b.threadEvent(proc.EventBreakpoint, t)
			ev.Address = site.addr
			ev.UserData = site.traps[0].ID
			ev.Flags = site.traps[0].Flags
			s.events = append(s.events, ev)
		case trapHitEmbedded:
			ev := b.threadEvent(proc.EventTrap, t)
			ev.Address = pc - uint64(len(p.Arch.BreakpointInstruction()))
			ev.Signo = int(sys.SIGTRAP)
			ev.SigCode = int(si.Code)
			s.events = append(s.events, ev)
		default:
			// a trap of an earlier step that was removed since
			regs.SetPC(pc - uint64(len(p.Arch.BreakpointInstruction())))
			te.dirty = true
			s.resume(t)
		}

	case si.Code == trapHwbkpt || regs.DR[6]&0xf != 0:
		idx, ok := amd64util.HitIndex(regs.DR[6])
		regs.DR[6] &^= 0xf
		te.dirty = true
		ws := s.watch[p]
		switch {
		case ok && int(idx) < len(ws):
			w := ws[idx]
			ev := b.threadEvent(proc.EventBreakpoint, t)
			ev.Address = w.Vaddr
			ev.Flags = w.Flags
			ev.Size = w.Size
			ev.UserData = w.ID
			s.events = append(s.events, ev)
		case t == s.stepping:
			s.singleStepped(t)
		default:
			ev := b.threadEvent(proc.EventTrap, t)
			ev.Signo = int(sys.SIGTRAP)
			ev.SigCode = int(si.Code)
			s.events = append(s.events, ev)
		}

	case t == s.stepping:
		s.singleStepped(t)

	default:
		ev := b.threadEvent(proc.EventTrap, t)
		ev.Signo = int(sys.SIGTRAP)
		ev.SigCode = int(si.Code)
		ev.Address = si.Addr
		s.events = append(s.events, ev)
	}
}

func (s *runStep) singleStepped(t *proc.Entity) {
	b := s.b
	if s.stepProbe != "" {
		s.events = append(s.events, b.rescanModules(b.reg.Parent(t), s.stepProbe == linutil.ProbeUnmapComplete)...)
	}
	s.events = append(s.events, b.threadEvent(proc.EventSingleStep, t))
}

// stopped handles a SIGSTOP: a halt, the stop sent by stopAll of an earlier
// step or one sent by someone else.
func (s *runStep) stopped(t *proc.Entity) {
	b := s.b
	te := threadExtOf(t)
	if code, userData, ok := b.consumeHalt(te.tid); ok {
		te.expectStop = false
		s.events = append(s.events, b.haltEvent(t, code, userData))
		return
	}
	if !te.expectStop && logflags.Demon() {
		logflags.DemonLogger().Debugf("suppressing SIGSTOP of %d", te.tid)
	}
	te.expectStop = false
	s.resume(t)
}

func (b *Backend) haltEvent(t *proc.Entity, code, userData uint64) proc.Event {
	ev := b.threadEvent(proc.EventHalt, t)
	ev.Code = code
	ev.UserData = userData
	return ev
}

// signaled reports a signal as an exception. The signal is delivered when
// the thread is resumed unless the next run ignores it.
func (s *runStep) signaled(t *proc.Entity, sig sys.Signal) {
	b := s.b
	te := threadExtOf(t)
	var si siginfo
	b.execPtraceFunc(func() { si, _ = ptraceGetSiginfo(te.tid) })
	ev := b.threadEvent(proc.EventException, t)
	ev.Signo = int(sig)
	ev.SigCode = int(si.Code)
	switch sig {
	case sys.SIGSEGV, sys.SIGBUS, sys.SIGILL, sys.SIGFPE:
		ev.Address = si.Addr
	}
	if sig == sys.SIGSEGV && si.Addr == ev.InstructionPointer && si.Addr != 0 {
		ev.ExceptionKind = proc.ExceptionMemoryExecute
	}
	ev.ExceptionRepeated = te.lastSigno == int(sig) && te.lastIP == ev.InstructionPointer
	te.lastSigno, te.lastIP = int(sig), ev.InstructionPointer
	te.signal = int(sig)
	s.events = append(s.events, ev)
}

// stopAll stops every thread resumed by this step.
func (s *runStep) stopAll() {
	b := s.b
	var wait []proc.Handle
	for _, h := range s.resumed {
		t := b.reg.EntityFrom(h)
		if t.IsNil() || t.State != proc.ThreadRunning {
			continue
		}
		te := threadExtOf(t)
		if !te.expectStop {
			if err := sys.Tgkill(processExtOf(b.reg.Parent(t)).pid, te.tid, sys.SIGSTOP); err != nil && err != sys.ESRCH {
				logflags.DemonLogger().Errorf("could not stop %d: %v", te.tid, err)
			}
			te.expectStop = true
		}
		wait = append(wait, h)
	}
	for _, h := range wait {
		if t := b.reg.EntityFrom(h); !t.IsNil() && t.State == proc.ThreadRunning {
			s.reap(t)
		}
	}
	b.mu.Lock()
	for tid := range b.running {
		delete(b.running, tid)
	}
	b.mu.Unlock()
}

// reap waits for the SIGSTOP sent by stopAll. Other stops that arrive first
// are kept for the next step, the SIGSTOP then stays queued in the kernel
// and is suppressed when it shows up.
func (s *runStep) reap(t *proc.Entity) {
	b := s.b
	te := threadExtOf(t)
	for {
		ws, zombie, err := b.waitThread(te.tid)
		switch {
		case err != nil:
			logflags.DemonLogger().Debugf("waiting for %d: %v", te.tid, err)
			s.threadExited(t, lastStatus(t))
			return
		case zombie:
			p := b.reg.Parent(t)
			if te.tid != processExtOf(p).pid {
				s.threadExited(t, lastStatus(t))
				return
			}
			// The leader is gone, the process ends with its last thread.
			last := lastStatus(t)
			ev := b.threadEvent(proc.EventExitThread, t)
			ev.Code, ev.Signo = exitCode(last)
			s.events = append(s.events, ev)
			b.reg.Release(t)
			if len(b.reg.Children(p, proc.EntityThread)) == 0 {
				s.groupExited(p, last)
			}
			return
		case ws.Exited() || ws.Signaled():
			s.handle(te.tid, ws)
			return
		case ws.Stopped() && ws.TrapCause() == sys.PTRACE_EVENT_EXIT:
			te.exitCode = int(ws.ExitStatus())
			b.execPtraceFunc(func() { err = ptraceCont(te.tid, 0) })
			if err != nil {
				s.threadExited(t, lastStatus(t))
				return
			}
			continue
		case ws.Stopped() && ws.StopSignal() == sys.SIGSTOP:
			b.markStopped(t)
			te.expectStop = false
			if code, userData, ok := b.consumeHalt(te.tid); ok {
				s.events = append(s.events, b.haltEvent(t, code, userData))
			}
			return
		default:
			b.markStopped(t)
			b.pending = append(b.pending, waitResult{te.tid, ws})
			return
		}
	}
}

// finish completes the events of a step. Processes whose loader has no
// usable probes get their module list rescanned at every stop.
func (s *runStep) finish() {
	b := s.b
	var evs []proc.Event
	for _, p := range b.reg.Processes() {
		pe := processExtOf(p)
		if pe.loader != nil && len(pe.loader.probes) == 0 {
			evs = append(evs, b.rescanModules(p, true)...)
		}
	}
	if len(evs) > 0 {
		s.events = append(evs, s.events...)
	}
}

// Halt stops a running Run, which returns a Halt event. If the target is
// not running the halt is delivered by the next Run.
func (b *Backend) Halt(code, userData uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haltPending {
		return nil
	}
	if b.nprocs == 0 {
		return proc.ErrNotAttached
	}
	b.haltPending = true
	b.haltCode, b.haltUserData = code, userData
	b.sendHaltLocked()
	return nil
}

// sendHaltLocked sends SIGSTOP to one running thread.
func (b *Backend) sendHaltLocked() {
	for tid, pid := range b.running {
		if err := sys.Tgkill(pid, tid, sys.SIGSTOP); err == nil {
			b.haltTid, b.haltPid = tid, pid
			if logflags.Demon() {
				logflags.DemonLogger().Debugf("halt sent to %d", tid)
			}
			return
		}
	}
}

// armPendingHalt delivers a halt requested while nothing was running, or
// whose target thread went away.
func (b *Backend) armPendingHalt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haltPending && b.haltTid == 0 {
		b.sendHaltLocked()
	}
}

// consumeHalt returns the pending halt if the SIGSTOP of tid delivers it.
func (b *Backend) consumeHalt(tid int) (code, userData uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haltPending || b.haltTid != tid {
		return 0, 0, false
	}
	b.haltPending = false
	b.haltTid, b.haltPid = 0, 0
	return b.haltCode, b.haltUserData, true
}

// threadGroup returns the thread group id of tid, 0 if it is unknown.
func threadGroup(tid int) int {
	buf, err := os.ReadFile("/proc/" + strconv.Itoa(tid) + "/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(buf), "\n") {
		if v, ok := strings.CutPrefix(line, "Tgid:"); ok {
			n, _ := strconv.Atoi(strings.TrimSpace(v))
			return n
		}
	}
	return 0
}
