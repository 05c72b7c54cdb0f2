package native

import (
	"bytes"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
)

// maxHardwareTraps is the number of debug register slots of a thread.
const maxHardwareTraps = 4

// trapMemory is the memory access the trap bookkeeping needs, the backends
// implement it on top of their process memory descriptors.
type trapMemory interface {
	ReadMemory(process *proc.Entity, buf []byte, addr uint64) (int, error)
	WriteMemory(process *proc.Entity, data []byte, addr uint64) (int, error)
}

// trapSite is an address where a breakpoint instruction is written for
// the duration of one run step.
type trapSite struct {
	process *proc.Entity
	addr    uint64
	instr   []byte
	// orig holds the bytes the breakpoint instruction replaced, nil if the
	// site could not be installed.
	orig []byte

	// traps are the requested traps at this address.
	traps []proc.ResolvedTrap
	// probe is the name of the loader probe at this address, nopLen the
	// length of the no-op instruction the probe consists of.
	probe  string
	nopLen int
}

func (s *trapSite) installed() bool {
	return s.orig != nil
}

type trapKey struct {
	process *proc.Entity
	addr    uint64
}

// trapSet holds the software traps of one run step. Every site installed
// by install is put back by restore, which the run loop defers right
// after installing.
type trapSet struct {
	sites map[trapKey]*trapSite
	order []*trapSite
}

func newTrapSet() *trapSet {
	return &trapSet{sites: make(map[trapKey]*trapSite)}
}

func (ts *trapSet) site(process *proc.Entity, addr uint64) *trapSite {
	k := trapKey{process, addr}
	if s, ok := ts.sites[k]; ok {
		return s
	}
	s := &trapSite{process: process, addr: addr, instr: process.Arch.BreakpointInstruction()}
	ts.sites[k] = s
	ts.order = append(ts.order, s)
	return s
}

// addTraps adds every software trap of traps.
func (ts *trapSet) addTraps(traps []proc.ResolvedTrap) {
	for _, t := range traps {
		if t.Flags.IsWatchpoint() {
			continue
		}
		s := ts.site(t.Process, t.Vaddr)
		s.traps = append(s.traps, t)
	}
}

// addProbe adds a loader probe site.
func (ts *trapSet) addProbe(process *proc.Entity, addr uint64, name string, nopLen int) {
	s := ts.site(process, addr)
	s.probe, s.nopLen = name, nopLen
}

// install saves the original bytes of every site and overwrites them with
// the breakpoint instruction. A site whose memory can not be read or
// written is left alone.
func (ts *trapSet) install(mem trapMemory) {
	for _, s := range ts.order {
		if len(s.instr) == 0 {
			continue
		}
		orig := make([]byte, len(s.instr))
		if n, err := mem.ReadMemory(s.process, orig, s.addr); err != nil || n != len(orig) {
			logflags.DemonLogger().Debugf("could not read trap site %#x: %v", s.addr, err)
			continue
		}
		if n, err := mem.WriteMemory(s.process, s.instr, s.addr); err != nil || n != len(s.instr) {
			logflags.DemonLogger().Debugf("could not write trap at %#x: %v", s.addr, err)
			if n > 0 {
				mem.WriteMemory(s.process, orig[:n], s.addr)
			}
			continue
		}
		s.orig = orig
	}
}

// restore writes back the original bytes of every installed site, in
// reverse installation order.
func (ts *trapSet) restore(mem trapMemory) {
	for i := len(ts.order) - 1; i >= 0; i-- {
		s := ts.order[i]
		if !s.installed() {
			continue
		}
		if _, err := mem.WriteMemory(s.process, s.orig, s.addr); err != nil {
			logflags.DemonLogger().Debugf("could not restore trap site %#x: %v", s.addr, err)
		}
		s.orig = nil
	}
}

// forget drops the sites of process without touching its memory, for
// processes whose address space has been replaced or destroyed.
func (ts *trapSet) forget(process *proc.Entity) {
	for _, s := range ts.order {
		if s.process == process {
			s.orig = nil
		}
	}
}

// uninstallIn writes the original bytes of the installed sites of parent
// into child, whose memory is a copy of parent's.
func (ts *trapSet) uninstallIn(mem trapMemory, parent, child *proc.Entity) {
	for _, s := range ts.order {
		if s.process == parent && s.installed() {
			mem.WriteMemory(child, s.orig, s.addr)
		}
	}
}

// lookup returns the installed site of process at addr.
func (ts *trapSet) lookup(process *proc.Entity, addr uint64) *trapSite {
	s := ts.sites[trapKey{process, addr}]
	if s == nil || !s.installed() {
		return nil
	}
	return s
}

// trapHitKind classifies a breakpoint instruction trap.
type trapHitKind uint8

const (
	// trapHitSite is a hit of one of the sites of the set.
	trapHitSite trapHitKind = iota
	// trapHitEmbedded is a breakpoint instruction that is part of the
	// target's own code.
	trapHitEmbedded
	// trapHitStale is the late notification of a site that has been
	// removed since it was hit.
	trapHitStale
)

func (k trapHitKind) String() string {
	switch k {
	case trapHitSite:
		return "site"
	case trapHitEmbedded:
		return "embedded"
	}
	return "stale"
}

// classify classifies the breakpoint trap of a thread of process stopped
// at pc, which is the address right after the breakpoint instruction.
func (ts *trapSet) classify(mem trapMemory, process *proc.Entity, pc uint64) (trapHitKind, *trapSite) {
	instr := process.Arch.BreakpointInstruction()
	addr := pc - uint64(len(instr))
	if s := ts.lookup(process, addr); s != nil {
		return trapHitSite, s
	}
	buf := make([]byte, len(instr))
	if n, err := mem.ReadMemory(process, buf, addr); err == nil && n == len(buf) && bytes.Equal(buf, instr) {
		return trapHitEmbedded, nil
	}
	return trapHitStale, nil
}

// watchKind returns the debug register access kind of a hardware trap.
// x86 can not break on reads alone, read traps also fire on writes.
func watchKind(f proc.TrapFlags) amd64util.WatchKind {
	switch {
	case f&proc.BreakOnRead != 0:
		return amd64util.WatchReadWrite
	case f&proc.BreakOnWrite != 0:
		return amd64util.WatchWrite
	}
	return amd64util.WatchExecute
}

func failureEvent(err error) proc.Event {
	return proc.Event{Kind: proc.EventError, ErrorKind: proc.ErrorUnexpectedFailure, String: err.Error()}
}
