//go:build windows && amd64

package native

import (
	"errors"
	"fmt"
	"strings"
	"time"

	sys "golang.org/x/sys/windows"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/winutil"
)

var errNothingToResume = errors.New("no thread to resume")

// debugStringDelay is how long debug strings are batched before they are
// reported.
const debugStringDelay = 100 * time.Millisecond

// runStep is the state of one call to Run.
type runStep struct {
	b     *Backend
	plan  *proc.RunPlan
	traps *trapSet
	watch map[*proc.Entity][]proc.ResolvedTrap

	// armed are the threads whose debug registers were written.
	armed    []proc.Handle
	stepping proc.Handle
	// ignoreException continues the exception reported by the previous
	// run as handled.
	ignoreException bool

	debugStrings strings.Builder
	debugProcess proc.Handle
	debugThread  proc.Handle
	debugSince   time.Time
	debugArch    proc.Arch

	events []proc.Event
}

// Run resumes the target and waits until something reportable happens.
// When it returns every thread of every process is suspended and the
// memory of the target no longer contains any trap instruction.
func (b *Backend) Run(plan *proc.RunPlan) []proc.Event {
	if b.broken != nil {
		return []proc.Event{failureEvent(b.broken)}
	}
	b.regsMu.Lock()
	defer b.regsMu.Unlock()

	s := &runStep{
		b:               b,
		plan:            plan,
		traps:           newTrapSet(),
		watch:           plan.Watchpoints(),
		ignoreException: plan.IgnorePreviousException,
	}
	if plan.SingleStepThread != nil {
		s.stepping = b.reg.HandleFrom(plan.SingleStepThread)
	}
	s.setup()
	defer s.teardown()

	b.mu.Lock()
	launching := b.launching > 0
	b.mu.Unlock()
	if n := s.resumeAll(); n == 0 && b.outstanding == nil && !launching {
		s.events = append(s.events, failureEvent(errNothingToResume))
		return s.events
	}
	b.armPendingHalt()
	s.waitLoop()
	s.suspendAll()
	s.pollThreadNames()
	return s.events
}

// fail records an error the backend can not recover from.
func (s *runStep) fail(err error) {
	logflags.DemonLogger().Errorf("run failed: %v", err)
	s.b.broken = err
	s.events = append(s.events, failureEvent(err))
}

// setup installs the software traps of the plan, arms the debug registers
// and sets the trap flag of the single step thread.
func (s *runStep) setup() {
	b := s.b
	if t := b.reg.EntityFrom(s.stepping); !t.IsNil() {
		regs, err := b.threadRegisters(t)
		if err != nil {
			logflags.DemonLogger().Errorf("could not read registers of single step thread %d: %v", t.ID, err)
		} else {
			regs.SetSingleStep(true)
			threadExtOf(t).dirty = true
		}
	}
	s.traps.addTraps(s.plan.SoftwareTraps())
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
	if t := b.reg.EntityFrom(s.stepping); !t.IsNil() {
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

// resumeAll resumes every suspended thread the plan does not freeze and
// returns how many were resumed.
func (s *runStep) resumeAll() int {
	b := s.b
	n := 0
	for _, p := range b.reg.Processes() {
		for _, t := range b.reg.Children(p, proc.EntityThread) {
			te := threadExtOf(t)
			if !te.suspended || s.plan.Frozen(p, t) {
				continue
			}
			if err := b.flushRegisters(t); err != nil {
				logflags.DemonLogger().Errorf("could not write registers of %d: %v", te.tid, err)
			}
			invalidateRegisters(t)
			if _, err := sys.ResumeThread(te.hThread); err != nil {
				logflags.DemonLogger().Errorf("could not resume %d: %v", te.tid, err)
				continue
			}
			te.suspended = false
			t.State = proc.ThreadRunning
			n++
		}
	}
	return n
}

// suspendAll suspends every thread that is not suspended yet.
func (s *runStep) suspendAll() {
	b := s.b
	for _, p := range b.reg.Processes() {
		for _, t := range b.reg.Children(p, proc.EntityThread) {
			te := threadExtOf(t)
			if te.suspended {
				continue
			}
			if _, err := _SuspendThread(te.hThread); err != nil {
				logflags.DemonLogger().Debugf("could not suspend %d: %v", te.tid, err)
				continue
			}
			te.suspended = true
			t.State = proc.ThreadStopped
		}
	}
}

// pollThreadNames reports the threads whose description changed.
func (s *runStep) pollThreadNames() {
	b := s.b
	for _, p := range b.reg.Processes() {
		for _, t := range b.reg.Children(p, proc.EntityThread) {
			name := threadDescription(threadExtOf(t).hThread)
			if name == "" || name == t.Name {
				continue
			}
			t.Name = name
			ev := b.threadEvent(proc.EventSetThreadName, t, false)
			ev.Code = t.ID
			s.events = append(s.events, ev)
		}
	}
}

// continueEvent lets the process of the outstanding debug event run again.
func (s *runStep) continueEvent() error {
	b := s.b
	ev := b.outstanding
	if ev == nil {
		return nil
	}
	status := uint32(_DBG_CONTINUE)
	if b.exceptionNotHandled && !s.ignoreException {
		status = _DBG_EXCEPTION_NOT_HANDLED
	}
	s.ignoreException = false
	b.exceptionNotHandled = false
	if p := b.reg.FindByID(proc.EntityProcess, uint64(ev.pid)); !p.IsNil() {
		for _, t := range b.reg.Children(p, proc.EntityThread) {
			if err := b.flushRegisters(t); err != nil {
				logflags.DemonLogger().Errorf("could not write registers of %d: %v", t.ID, err)
			}
			invalidateRegisters(t)
		}
	}
	var err error
	b.execPtraceFunc(func() { err = _ContinueDebugEvent(ev.pid, ev.tid, status) })
	b.outstanding = nil
	if err != nil {
		return fmt.Errorf("could not continue debug event of %d: %w", ev.tid, err)
	}
	return nil
}

// waitLoop waits for debug events until one of them is reportable.
func (s *runStep) waitLoop() {
	b := s.b
	for len(s.events) == 0 {
		if err := s.continueEvent(); err != nil {
			s.fail(err)
			return
		}
		var (
			ev  _DEBUG_EVENT
			err error
		)
		b.execPtraceFunc(func() { err = _WaitForDebugEvent(&ev, _WAIT_FOR_DEBUG_EVENT_TIMEOUT_MS) })
		if errors.Is(err, _ERROR_SEM_TIMEOUT) {
			if s.debugStrings.Len() > 0 && time.Since(s.debugSince) >= debugStringDelay {
				s.events = append(s.events, s.debugStringEvent())
			}
			b.armPendingHalt()
			continue
		}
		if err != nil {
			s.fail(fmt.Errorf("could not wait for debug event: %w", err))
			return
		}
		b.outstanding = &debugEventID{pid: ev.ProcessId, tid: ev.ThreadId}
		if logflags.Win32() {
			logflags.Win32Logger().Debugf("debug event %d pid %d tid %d", ev.DebugEventCode, ev.ProcessId, ev.ThreadId)
		}
		s.handle(&ev)
		if s.debugStrings.Len() > 0 && (len(s.events) > 0 || s.debugStrings.Len() >= _DEBUG_STRINGS_MAX || time.Since(s.debugSince) >= debugStringDelay) {
			s.events = append([]proc.Event{s.debugStringEvent()}, s.events...)
		}
		b.armPendingHalt()
	}
}

// handle turns one debug event into events. Events that are not
// reportable leave s.events empty and the loop continues them.
func (s *runStep) handle(ev *_DEBUG_EVENT) {
	switch ev.DebugEventCode {
	case _CREATE_PROCESS_DEBUG_EVENT:
		s.createProcess(ev, (*_CREATE_PROCESS_DEBUG_INFO)(ev.union()))
	case _EXIT_PROCESS_DEBUG_EVENT:
		s.exitProcess(ev, (*_EXIT_PROCESS_DEBUG_INFO)(ev.union()))
	case _CREATE_THREAD_DEBUG_EVENT:
		s.createThread(ev, (*_CREATE_THREAD_DEBUG_INFO)(ev.union()))
	case _EXIT_THREAD_DEBUG_EVENT:
		s.exitThread(ev, (*_EXIT_THREAD_DEBUG_INFO)(ev.union()))
	case _LOAD_DLL_DEBUG_EVENT:
		s.loadDll(ev, (*_LOAD_DLL_DEBUG_INFO)(ev.union()))
	case _UNLOAD_DLL_DEBUG_EVENT:
		s.unloadDll(ev, (*_UNLOAD_DLL_DEBUG_INFO)(ev.union()))
	case _OUTPUT_DEBUG_STRING_EVENT:
		s.debugString(ev, (*_OUTPUT_DEBUG_STRING_INFO)(ev.union()))
	case _RIP_EVENT:
		s.rip(ev, (*_RIP_INFO)(ev.union()))
	case _EXCEPTION_DEBUG_EVENT:
		s.exception(ev, (*_EXCEPTION_DEBUG_INFO)(ev.union()))
	default:
		s.fail(fmt.Errorf("unknown debug event code %d", ev.DebugEventCode))
	}
}

func (s *runStep) createProcess(ev *_DEBUG_EVENT, info *_CREATE_PROCESS_DEBUG_INFO) {
	b := s.b
	b.mu.Lock()
	if b.launching > 0 {
		b.launching--
	}
	b.mu.Unlock()
	p := b.newProcess(int(ev.ProcessId), info)
	t := b.newThread(p, int(ev.ThreadId), info.Thread)
	m := b.newModule(p, info.BaseOfImage, info.File, info.ImageName, info.Unicode)
	s.events = append(s.events,
		b.processEvent(proc.EventCreateProcess, p),
		b.threadEvent(proc.EventCreateThread, t, true),
		b.moduleEvent(proc.EventLoadModule, p, m))
}

// exitProcess reports the end of every thread and module of the process
// and of the process itself, then releases it. The event is continued at
// once, there is nothing left to inspect.
func (s *runStep) exitProcess(ev *_DEBUG_EVENT, info *_EXIT_PROCESS_DEBUG_INFO) {
	b := s.b
	p := b.reg.FindByID(proc.EntityProcess, uint64(ev.ProcessId))
	if !p.IsNil() {
		code := uint64(info.ExitCode)
		for _, t := range b.reg.Children(p, proc.EntityThread) {
			tev := b.threadEvent(proc.EventExitThread, t, false)
			tev.Code = code
			s.events = append(s.events, tev)
		}
		for _, m := range b.reg.Children(p, proc.EntityModule) {
			s.events = append(s.events, b.moduleEvent(proc.EventUnloadModule, p, m))
			b.reg.Release(m)
		}
		pev := b.processEvent(proc.EventExitProcess, p)
		pev.Code = code
		s.events = append(s.events, pev)
		s.traps.forget(p)
		delete(s.watch, p)
		b.reg.Release(p)
	}
	if err := s.continueEvent(); err != nil {
		logflags.Win32Logger().Debugf("exit of %d: %v", ev.ProcessId, err)
	}
}

func (s *runStep) createThread(ev *_DEBUG_EVENT, info *_CREATE_THREAD_DEBUG_INFO) {
	b := s.b
	p := b.reg.FindByID(proc.EntityProcess, uint64(ev.ProcessId))
	if p.IsNil() || b.isHalter(int(ev.ThreadId)) {
		return
	}
	t := b.newThread(p, int(ev.ThreadId), info.Thread)
	s.armThread(t)
	s.events = append(s.events, b.threadEvent(proc.EventCreateThread, t, true))
}

func (s *runStep) exitThread(ev *_DEBUG_EVENT, info *_EXIT_THREAD_DEBUG_INFO) {
	b := s.b
	if code, userData, ok := b.consumeHalt(int(ev.ThreadId)); ok {
		p := b.reg.FindByID(proc.EntityProcess, uint64(ev.ProcessId))
		s.events = append(s.events, proc.Event{
			Kind:     proc.EventHalt,
			Process:  b.reg.HandleFrom(p),
			Arch:     p.Arch,
			Code:     code,
			UserData: userData,
		})
		return
	}
	t := b.reg.FindByID(proc.EntityThread, uint64(ev.ThreadId))
	if t.IsNil() {
		return
	}
	tev := b.threadEvent(proc.EventExitThread, t, false)
	tev.Code = uint64(info.ExitCode)
	s.events = append(s.events, tev)
	b.reg.Release(t)
}

func (s *runStep) loadDll(ev *_DEBUG_EVENT, info *_LOAD_DLL_DEBUG_INFO) {
	b := s.b
	p := b.reg.FindByID(proc.EntityProcess, uint64(ev.ProcessId))
	if p.IsNil() {
		sys.CloseHandle(info.File)
		return
	}
	m := b.newModule(p, info.BaseOfDll, info.File, info.ImageName, info.Unicode)
	s.events = append(s.events, b.moduleEvent(proc.EventLoadModule, p, m))
}

func (s *runStep) unloadDll(ev *_DEBUG_EVENT, info *_UNLOAD_DLL_DEBUG_INFO) {
	b := s.b
	p := b.reg.FindByID(proc.EntityProcess, uint64(ev.ProcessId))
	if p.IsNil() {
		return
	}
	m := b.reg.FindModule(p, uint64(info.BaseOfDll))
	if m.IsNil() {
		return
	}
	s.events = append(s.events, b.moduleEvent(proc.EventUnloadModule, p, m))
	b.reg.Release(m)
}

// debugString adds the string to the batch of this step.
func (s *runStep) debugString(ev *_DEBUG_EVENT, info *_OUTPUT_DEBUG_STRING_INFO) {
	b := s.b
	p := b.reg.FindByID(proc.EntityProcess, uint64(ev.ProcessId))
	if p.IsNil() || info.DebugStringLength == 0 {
		return
	}
	buf := make([]byte, info.DebugStringLength)
	n, _ := b.ReadMemory(p, buf, uint64(info.DebugStringData))
	str := decodeTargetString(buf[:n], info.Unicode != 0)
	if s.debugStrings.Len() == 0 {
		s.debugSince = time.Now()
		s.debugProcess = b.reg.HandleFrom(p)
		s.debugThread = b.reg.HandleFrom(b.reg.FindByID(proc.EntityThread, uint64(ev.ThreadId)))
		s.debugArch = p.Arch
	}
	s.debugStrings.WriteString(str)
}

// debugStringEvent returns the batched debug strings as one event.
func (s *runStep) debugStringEvent() proc.Event {
	ev := proc.Event{
		Kind:    proc.EventDebugString,
		Process: s.debugProcess,
		Thread:  s.debugThread,
		Arch:    s.debugArch,
		String:  s.debugStrings.String(),
	}
	s.debugStrings.Reset()
	return ev
}

func (s *runStep) rip(ev *_DEBUG_EVENT, info *_RIP_INFO) {
	b := s.b
	t := b.reg.FindByID(proc.EntityThread, uint64(ev.ThreadId))
	var e proc.Event
	if t.IsNil() {
		e = proc.Event{Kind: proc.EventException, Process: b.reg.HandleFrom(b.reg.FindByID(proc.EntityProcess, uint64(ev.ProcessId)))}
	} else {
		e = b.threadEvent(proc.EventException, t, true)
	}
	e.Code = uint64(info.Error)
	e.String = fmt.Sprintf("RIP error %d type %d", info.Error, info.Type)
	s.events = append(s.events, e)
}

func (s *runStep) exception(ev *_DEBUG_EVENT, info *_EXCEPTION_DEBUG_INFO) {
	b := s.b
	rec := &info.ExceptionRecord
	p := b.reg.FindByID(proc.EntityProcess, uint64(ev.ProcessId))
	t := b.reg.FindByID(proc.EntityThread, uint64(ev.ThreadId))
	if p.IsNil() || t.IsNil() {
		logflags.Win32Logger().Debugf("exception %#x of unknown thread %d", rec.ExceptionCode, ev.ThreadId)
		b.exceptionNotHandled = info.FirstChance != 0
		return
	}
	pe := processExtOf(p)
	addr := uint64(rec.ExceptionAddress)

	switch rec.ExceptionCode {
	case _EXCEPTION_BREAKPOINT, _STATUS_WX86_BREAKPOINT:
		if !pe.handshake {
			pe.handshake = true
			e := b.threadEvent(proc.EventHandshakeComplete, t, true)
			s.events = append(s.events, e)
			return
		}
		if rec.ExceptionCode == _STATUS_WX86_BREAKPOINT && !pe.wx86Handshake {
			// the loader breakpoint of the 32 bit ntdll
			pe.wx86Handshake = true
			return
		}
		kind, site := s.traps.classify(b, p, addr+1)
		switch {
		case kind == trapHitSite && len(site.traps) > 0:
			s.setPC(t, site.addr)
			e := b.threadEvent(proc.EventBreakpoint, t, true)
			e.Address = site.addr
			e.UserData = site.traps[0].ID
			e.Flags = site.traps[0].Flags
			s.events = append(s.events, e)
		case kind == trapHitEmbedded:
			e := b.threadEvent(proc.EventTrap, t, true)
			e.Address = addr
			e.Code = uint64(rec.ExceptionCode)
			s.events = append(s.events, e)
		default:
			// a trap of an earlier step that was removed since
			s.setPC(t, addr)
		}

	case _EXCEPTION_SINGLE_STEP, _STATUS_WX86_SINGLE_STEP:
		regs, err := b.threadRegisters(t)
		if err != nil {
			s.fail(err)
			return
		}
		idx, ok := amd64util.HitIndex(regs.DR[6])
		if regs.DR[6]&0xf != 0 {
			regs.DR[6] &^= 0xf
			threadExtOf(t).dirty = true
		}
		ws := s.watch[p]
		if ok && int(idx) < len(ws) && int(idx) < maxHardwareTraps {
			w := ws[idx]
			e := b.threadEvent(proc.EventBreakpoint, t, true)
			e.Address = w.Vaddr
			e.Flags = w.Flags
			e.Size = w.Size
			e.UserData = w.ID
			s.events = append(s.events, e)
			return
		}
		s.events = append(s.events, b.threadEvent(proc.EventSingleStep, t, true))

	case _EXCEPTION_STACK_BUFFER_OVERRUN:
		// __fastfail, the first parameter is the failure code
		e := b.threadEvent(proc.EventTrap, t, true)
		e.Address = addr
		e.Code = rec.info(0)
		s.events = append(s.events, e)

	case _MS_VC_EXCEPTION:
		s.setThreadName(p, t, rec)

	case winutil.EXCEPTION_SET_THREAD_COLOR, winutil.EXCEPTION_SET_BREAKPOINT:
		params := make([]uint64, 0, _EXCEPTION_MAXIMUM_PARAMETERS)
		for i := 0; i < int(rec.NumberParameters) && i < _EXCEPTION_MAXIMUM_PARAMETERS; i++ {
			params = append(params, rec.info(i))
		}
		e := b.threadEvent(proc.EventException, t, true)
		winutil.MarkupEvent(&e, rec.ExceptionCode, params)
		s.events = append(s.events, e)

	case _EXCEPTION_ACCESS_VIOLATION, _EXCEPTION_IN_PAGE_ERROR:
		e := s.exceptionEvent(t, info)
		switch rec.info(0) {
		case _EXCEPTION_READ_FAULT:
			e.ExceptionKind = proc.ExceptionMemoryRead
		case _EXCEPTION_WRITE_FAULT:
			e.ExceptionKind = proc.ExceptionMemoryWrite
		case _EXCEPTION_EXECUTE_FAULT:
			e.ExceptionKind = proc.ExceptionMemoryExecute
		}
		e.Address = rec.info(1)
		s.events = append(s.events, e)
		b.exceptionNotHandled = info.FirstChance != 0

	case _EXCEPTION_CPP_THROW:
		e := s.exceptionEvent(t, info)
		e.ExceptionKind = proc.ExceptionCppThrow
		e.StackPointer = rec.info(1)
		s.events = append(s.events, e)
		b.exceptionNotHandled = info.FirstChance != 0

	default:
		s.events = append(s.events, s.exceptionEvent(t, info))
		b.exceptionNotHandled = info.FirstChance != 0
	}
}

func (s *runStep) exceptionEvent(t *proc.Entity, info *_EXCEPTION_DEBUG_INFO) proc.Event {
	rec := &info.ExceptionRecord
	e := s.b.threadEvent(proc.EventException, t, true)
	e.Code = uint64(rec.ExceptionCode)
	e.Address = uint64(rec.ExceptionAddress)
	e.InstructionPointer = uint64(rec.ExceptionAddress)
	e.ExceptionRepeated = info.FirstChance == 0
	return e
}

func (s *runStep) setPC(t *proc.Entity, pc uint64) {
	regs, err := s.b.threadRegisters(t)
	if err != nil {
		logflags.DemonLogger().Errorf("could not move %d back to %#x: %v", t.ID, pc, err)
		return
	}
	regs.SetPC(pc)
	threadExtOf(t).dirty = true
}

// setThreadName handles the naming exception of the Visual C runtime. The
// parameters are the type, the name, the thread id (-1 for the raising
// thread) and flags.
func (s *runStep) setThreadName(p, t *proc.Entity, rec *_EXCEPTION_RECORD) {
	b := s.b
	target := t
	if tid := rec.info(2) & 0xffffffff; tid != 0xffffffff {
		if other := b.reg.FindByID(proc.EntityThread, tid); !other.IsNil() {
			target = other
		}
	}
	name := readTargetString(b, p, rec.info(1), _THREAD_NAME_CHUNK, _MAX_THREAD_NAME, false)
	target.Name = name
	e := b.threadEvent(proc.EventSetThreadName, target, false)
	e.Code = target.ID
	s.events = append(s.events, e)
}

// Halt stops a running Run by starting a thread in one of the processes
// that exits at once. Its exit is reported as a Halt event.
func (b *Backend) Halt(code, userData uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haltPending {
		return nil
	}
	if len(b.procs) == 0 {
		return proc.ErrNotAttached
	}
	b.haltPending = true
	b.haltCode, b.haltUserData = code, userData
	b.sendHaltLocked()
	return nil
}

func (b *Backend) sendHaltLocked() {
	for pid, pe := range b.procs {
		if pe.injection == 0 {
			continue
		}
		tid, err := _CreateRemoteThread(pe.hProcess, pe.injection)
		if err != nil {
			logflags.Win32Logger().Errorf("could not start halter thread in %d: %v", pid, err)
			continue
		}
		b.haltTid, b.haltPid = int(tid), pid
		if logflags.Demon() {
			logflags.DemonLogger().Debugf("halter thread %d started in %d", tid, pid)
		}
		return
	}
}

// armPendingHalt delivers a halt whose halter thread went away with its
// process.
func (b *Backend) armPendingHalt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haltPending && b.haltTid == 0 {
		b.sendHaltLocked()
	}
}

func (b *Backend) isHalter(tid int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.haltTid != 0 && b.haltTid == tid
}

// consumeHalt returns the pending halt if the exit of tid delivers it.
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
