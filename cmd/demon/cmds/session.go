package cmds

import (
	"fmt"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

// target is the part of the control token a session drives.
type target interface {
	Run(ctrls proc.RunCtrls) []proc.Event
	Kill(process proc.Handle, exitCode uint32) error
	Detach(process proc.Handle) error
	ReadRegisters(thread proc.Handle) (proc.RegBlock, error)
	Entity(h proc.Handle) (proc.EntityInfo, error)
	Children(h proc.Handle, kind proc.EntityKind) ([]proc.EntityInfo, error)
}

var _ target = (*proc.Control)(nil)

// User data of the halts requested by the interrupt handler.
const (
	haltDetach uint64 = 1 + iota
	haltKill
)

// killExitCode is the exit code of processes killed on interrupt.
const killExitCode = 137

// session runs the target until every debuggee is gone, printing each
// event.
type session struct {
	t     target
	out   *eventPrinter
	specs []trapSpec
	steps int

	// root is the first process seen, its exit code is the result of
	// the session.
	root      proc.Handle
	processes map[proc.Handle]bool
	// traps holds the resolved traps of every trap spec, by process.
	traps map[proc.Handle][]proc.Trap
	// stepOver is a thread stopped on a software breakpoint that must
	// execute the original instruction before traps are written again.
	stepOver proc.Handle
	// stepping is the thread being single stepped for --step and
	// remaining the number of steps left.
	stepping  proc.Handle
	remaining int
}

func newSession(t target, out *eventPrinter, specs []trapSpec, steps int) *session {
	return &session{
		t:         t,
		out:       out,
		specs:     specs,
		steps:     steps,
		processes: make(map[proc.Handle]bool),
		traps:     make(map[proc.Handle][]proc.Trap),
	}
}

// ctrls returns the run controls of the next step.
func (s *session) ctrls() proc.RunCtrls {
	switch {
	case !s.stepping.IsNil():
		return proc.RunCtrls{SingleStepThread: s.stepping}
	case !s.stepOver.IsNil():
		return proc.RunCtrls{SingleStepThread: s.stepOver}
	}
	var ctrls proc.RunCtrls
	for _, p := range s.processOrder() {
		ctrls.Traps = append(ctrls.Traps, s.traps[p]...)
	}
	return ctrls
}

// processOrder returns the live processes with traps, root first, so
// debug register slots are assigned deterministically.
func (s *session) processOrder() []proc.Handle {
	var r []proc.Handle
	if s.processes[s.root] {
		r = append(r, s.root)
	}
	for p := range s.processes {
		if p != s.root && len(s.traps[p]) > 0 {
			r = append(r, p)
		}
	}
	return r
}

// resolveAbsolute adds the traps of every trap spec with an absolute address
// to process.
func (s *session) resolveAbsolute(process proc.Handle) {
	for i, spec := range s.specs {
		if spec.module == "" {
			s.addTrap(process, i, spec.offset)
		}
	}
}

// resolveModule adds the traps of every trap spec relative to the module at
// base named path.
func (s *session) resolveModule(process proc.Handle, path string, base uint64) {
	for i, spec := range s.specs {
		if spec.matches(path) {
			s.addTrap(process, i, base+spec.offset)
		}
	}
}

func (s *session) addTrap(process proc.Handle, i int, addr uint64) {
	spec := s.specs[i]
	for _, t := range s.traps[process] {
		if t.ID == uint64(i+1) {
			// first matching module wins
			return
		}
	}
	t := proc.Trap{Process: process, Vaddr: addr, ID: uint64(i + 1), Flags: spec.flags, Size: spec.size}
	s.traps[process] = append(s.traps[process], t)
	if logflags.Demon() {
		logflags.DemonLogger().Debugf("trap %d (%s) resolved to %v", i+1, spec, t)
	}
}

// loop runs the target to completion and returns the exit code of the
// root process.
func (s *session) loop() int {
	status := 0
	for {
		ctrls := s.ctrls()
		stepOver := s.stepOver
		s.stepOver = proc.NilHandle
		events := s.t.Run(ctrls)
		for _, ev := range events {
			if ev.Kind == proc.EventSingleStep && !stepOver.IsNil() && ev.Thread == stepOver && s.stepping.IsNil() {
				continue
			}
			s.out.event(ev)
			switch ev.Kind {
			case proc.EventCreateProcess:
				if s.root.IsNil() {
					s.root = ev.Process
				}
				s.processes[ev.Process] = true
				if ev.Process == s.root {
					s.resolveAbsolute(ev.Process)
				}
			case proc.EventExitProcess:
				delete(s.processes, ev.Process)
				delete(s.traps, ev.Process)
				if ev.Process == s.root {
					status = int(ev.Code)
				}
			case proc.EventExitThread:
				if ev.Thread == s.stepping {
					s.stepping, s.remaining = proc.NilHandle, 0
				}
			case proc.EventLoadModule:
				if s.processes[ev.Process] {
					s.resolveModule(ev.Process, ev.String, s.moduleBase(ev))
				}
			case proc.EventBreakpoint:
				s.registers(ev.Thread)
				if !ev.Flags.IsWatchpoint() {
					s.stepOver = ev.Thread
				}
				if s.steps > 0 && s.stepping.IsNil() {
					s.stepping, s.remaining = ev.Thread, s.steps
				}
			case proc.EventSingleStep:
				if ev.Thread == s.stepping {
					s.registers(ev.Thread)
					s.remaining--
					if s.remaining <= 0 {
						s.stepping = proc.NilHandle
					}
				}
			case proc.EventHalt:
				switch ev.UserData {
				case haltDetach:
					s.dumpThreads()
					s.detachAll()
					return status
				case haltKill:
					s.killAll()
				}
			case proc.EventError:
				if ev.ErrorKind == proc.ErrorNotAttached {
					return status
				}
				return 1
			}
		}
		if !s.root.IsNil() && len(s.processes) == 0 {
			return status
		}
	}
}

// moduleBase returns the address module offsets are relative to: the
// load bias of ELF images, the image base of PE images.
func (s *session) moduleBase(ev proc.Event) uint64 {
	if info, err := s.t.Entity(ev.Module); err == nil {
		return info.ID
	}
	return ev.Address
}

// registers prints the instruction and stack pointer of thread.
func (s *session) registers(thread proc.Handle) {
	regs, err := s.t.ReadRegisters(thread)
	if err != nil {
		s.out.printf(failureStyle, "\tcould not read registers: %v", err)
		return
	}
	s.out.printf(normalStyle, "\tpc=%#x sp=%#x", regs.PC(), regs.SP())
}

// dumpThreads prints every thread of every debuggee.
func (s *session) dumpThreads() {
	procs, err := s.t.Children(proc.NilHandle, proc.EntityProcess)
	if err != nil {
		s.out.printf(failureStyle, "could not list processes: %v", err)
		return
	}
	for _, p := range procs {
		s.out.printf(normalStyle, "process %d %s", p.ID, p.FullPath)
		threads, err := s.t.Children(p.Handle, proc.EntityThread)
		if err != nil {
			continue
		}
		for _, t := range threads {
			line := fmt.Sprintf("\tthread %d %s", t.ID, t.State)
			if t.Name != "" {
				line += fmt.Sprintf(" %q", t.Name)
			}
			if regs, err := s.t.ReadRegisters(t.Handle); err == nil {
				line += fmt.Sprintf(" pc=%#x", regs.PC())
			}
			s.out.line(normalStyle, line)
		}
	}
}

func (s *session) detachAll() {
	for p := range s.processes {
		if err := s.t.Detach(p); err != nil {
			s.out.printf(failureStyle, "could not detach: %v", err)
		}
		delete(s.processes, p)
	}
}

func (s *session) killAll() {
	for p := range s.processes {
		if err := s.t.Kill(p, killExitCode); err != nil {
			s.out.printf(failureStyle, "could not kill: %v", err)
		}
	}
}
