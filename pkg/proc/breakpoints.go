package proc

import (
	"fmt"
	"strings"
)

// TrapFlags selects the access kinds a hardware watchpoint triggers on.
// A Trap with no flags is a software breakpoint.
type TrapFlags uint8

const (
	BreakOnRead TrapFlags = 1 << iota
	BreakOnWrite
	BreakOnExecute
)

func (f TrapFlags) String() string {
	if f == 0 {
		return "sw"
	}
	var b strings.Builder
	if f&BreakOnRead != 0 {
		b.WriteByte('r')
	}
	if f&BreakOnWrite != 0 {
		b.WriteByte('w')
	}
	if f&BreakOnExecute != 0 {
		b.WriteByte('x')
	}
	return b.String()
}

// IsWatchpoint returns true if the trap must be implemented with debug
// registers.
func (f TrapFlags) IsWatchpoint() bool {
	return f != 0
}

// Trap is a requested breakpoint or watchpoint.
type Trap struct {
	Process Handle
	Vaddr   uint64
	// ID is reported back as Event.UserData when the trap is hit.
	ID    uint64
	Flags TrapFlags
	Size  uint64
}

func (t Trap) String() string {
	if t.Flags.IsWatchpoint() {
		return fmt.Sprintf("%s %#x/%d (%s)", t.Process, t.Vaddr, t.Size, t.Flags)
	}
	return fmt.Sprintf("%s %#x", t.Process, t.Vaddr)
}

// RunCtrls configures one run step.
type RunCtrls struct {
	// SingleStepThread, when not nil, is the only thread resumed and has
	// its single step flag set for the duration of the step.
	SingleStepThread Handle
	// IgnorePreviousException continues the last reported exception as
	// handled instead of passing it to the target.
	IgnorePreviousException bool
	// RunEntities selects threads (or processes, if RunEntitiesAreProcesses
	// is set) that are frozen. If RunEntitiesAreUnfrozen is set the
	// selection is inverted: only the listed entities run.
	RunEntitiesAreUnfrozen  bool
	RunEntitiesAreProcesses bool
	RunEntities             []Handle
	Traps                   []Trap
}

// ResolvedTrap is a Trap whose process handle has been resolved.
type ResolvedTrap struct {
	Trap
	Process *Entity
}

// RunPlan is RunCtrls after every handle has been resolved against the
// registry. Backends only ever see a RunPlan.
type RunPlan struct {
	SingleStepThread        *Entity
	IgnorePreviousException bool
	RunEntitiesAreUnfrozen  bool
	RunEntitiesAreProcesses bool
	RunEntities             []*Entity
	Traps                   []ResolvedTrap
}

// resolveRunCtrls resolves every handle in ctrls. The second return value
// is false if any of them is stale.
func resolveRunCtrls(r *Registry, ctrls *RunCtrls) (*RunPlan, bool) {
	plan := &RunPlan{
		IgnorePreviousException: ctrls.IgnorePreviousException,
		RunEntitiesAreUnfrozen:  ctrls.RunEntitiesAreUnfrozen,
		RunEntitiesAreProcesses: ctrls.RunEntitiesAreProcesses,
	}
	if !ctrls.SingleStepThread.IsNil() {
		plan.SingleStepThread = r.EntityFrom(ctrls.SingleStepThread)
		if plan.SingleStepThread.IsNil() || plan.SingleStepThread.Kind != EntityThread {
			return nil, false
		}
	}
	for _, h := range ctrls.RunEntities {
		e := r.EntityFrom(h)
		if e.IsNil() {
			return nil, false
		}
		plan.RunEntities = append(plan.RunEntities, e)
	}
	for _, t := range ctrls.Traps {
		p := r.EntityFrom(t.Process)
		if p.IsNil() || p.Kind != EntityProcess {
			return nil, false
		}
		plan.Traps = append(plan.Traps, ResolvedTrap{Trap: t, Process: p})
	}
	return plan, true
}

// Frozen returns true if thread, owned by process, must not be resumed
// during this run step.
func (p *RunPlan) Frozen(process, thread *Entity) bool {
	if p.SingleStepThread != nil {
		return p.SingleStepThread != thread
	}
	frozen := false
	for _, e := range p.RunEntities {
		if (p.RunEntitiesAreProcesses && e == process) || (!p.RunEntitiesAreProcesses && e == thread) {
			frozen = true
			break
		}
	}
	if p.RunEntitiesAreUnfrozen {
		frozen = !frozen
	}
	return frozen
}

// Watchpoints groups the hardware traps of the plan by process, preserving
// their order. The position of a trap in its group is the debug register
// slot it is assigned to.
func (p *RunPlan) Watchpoints() map[*Entity][]ResolvedTrap {
	var m map[*Entity][]ResolvedTrap
	for _, t := range p.Traps {
		if !t.Flags.IsWatchpoint() {
			continue
		}
		if m == nil {
			m = make(map[*Entity][]ResolvedTrap)
		}
		m[t.Process] = append(m[t.Process], t)
	}
	return m
}

// SoftwareTraps returns the software breakpoints of the plan.
func (p *RunPlan) SoftwareTraps() []ResolvedTrap {
	var r []ResolvedTrap
	for _, t := range p.Traps {
		if !t.Flags.IsWatchpoint() {
			r = append(r, t)
		}
	}
	return r
}
