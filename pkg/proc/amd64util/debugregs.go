package amd64util

import (
	"fmt"
)

// WatchKind is the access kind a debug register triggers on.
type WatchKind uint8

const (
	WatchExecute WatchKind = iota
	WatchWrite
	// WatchReadWrite also serves read-only watchpoints, x86 can not
	// break on reads alone.
	WatchReadWrite
)

// NumDebugSlots is the number of address registers, DR0 to DR3.
const NumDebugSlots = 4

const (
	dr6Status = 6
	dr7Ctrl   = 7

	dr7ExactBits = 1<<8 | 1<<9 // LE, GE
	dr6HitMask   = 0xf
)

// rw field of DR7, indexed by WatchKind.
var rwBits = [...]uint64{WatchExecute: 0x0, WatchWrite: 0x1, WatchReadWrite: 0x3}

// len field of DR7, indexed by the field value. 8 byte watches are 0b10.
var lenOf = [4]int{1, 2, 8, 4}

func lenBits(sz int) (uint64, bool) {
	for i, l := range lenOf {
		if l == sz {
			return uint64(i), true
		}
	}
	return 0, false
}

// DebugRegisters edits the DR0-DR7 values of a register block, see the
// Intel SDM Vol. 3B section 17.2. Dirty is set by every change.
type DebugRegisters struct {
	dr    *[8]uint64
	Dirty bool
}

func ctrlShift(idx uint8) uint { return 16 + 4*uint(idx) }
func enableMask(idx uint8) uint64 { return 1 << (2 * uint(idx)) }

// Breakpoint returns the settings of slot idx. ok is false if the slot is
// disabled.
func (drs *DebugRegisters) Breakpoint(idx uint8) (addr uint64, kind WatchKind, sz int, ok bool) {
	ctrl := drs.dr[dr7Ctrl]
	if idx >= NumDebugSlots || ctrl&enableMask(idx) == 0 {
		return 0, 0, 0, false
	}
	field := ctrl >> ctrlShift(idx) & 0xf
	switch field & 0x3 {
	case rwBits[WatchExecute]:
		kind = WatchExecute
	case rwBits[WatchWrite]:
		kind = WatchWrite
	default:
		kind = WatchReadWrite
	}
	return drs.dr[idx], kind, lenOf[field>>2], true
}

// SetBreakpoint programs slot idx to trigger on kind accesses of sz bytes
// at addr. Execute breakpoints are always one byte long.
func (drs *DebugRegisters) SetBreakpoint(idx uint8, addr uint64, kind WatchKind, sz int) error {
	if idx >= NumDebugSlots {
		return fmt.Errorf("hardware breakpoints exhausted")
	}
	if int(kind) >= len(rwBits) {
		return fmt.Errorf("unknown watchpoint kind %d", kind)
	}
	if kind == WatchExecute {
		sz = 1
	}
	ln, ok := lenBits(sz)
	if !ok {
		return fmt.Errorf("data breakpoint of size %d not supported", sz)
	}
	if addr%uint64(sz) != 0 {
		return fmt.Errorf("data breakpoint at %#x is not aligned to its size %d", addr, sz)
	}
	ctrl := drs.dr[dr7Ctrl] &^ (0xf << ctrlShift(idx))
	ctrl |= (ln<<2 | rwBits[kind]) << ctrlShift(idx)
	ctrl |= enableMask(idx) | dr7ExactBits
	drs.dr[idx] = addr
	drs.dr[dr7Ctrl] = ctrl
	drs.Dirty = true
	return nil
}

// ClearBreakpoint disables slot idx and zeroes its address and its RW/LEN
// field. A slot with nothing set is left alone.
func (drs *DebugRegisters) ClearBreakpoint(idx uint8) {
	if idx >= NumDebugSlots {
		return
	}
	mask := enableMask(idx) | 0xf<<ctrlShift(idx)
	if drs.dr[dr7Ctrl]&mask == 0 && drs.dr[idx] == 0 {
		return
	}
	drs.dr[dr7Ctrl] &^= mask
	drs.dr[idx] = 0
	drs.Dirty = true
}

// ClearAll disables every slot and resets the hit bits of DR6.
func (drs *DebugRegisters) ClearAll() {
	for idx := uint8(0); idx < NumDebugSlots; idx++ {
		drs.ClearBreakpoint(idx)
	}
	if drs.dr[dr7Ctrl]&dr7ExactBits != 0 {
		drs.dr[dr7Ctrl] &^= dr7ExactBits
		drs.Dirty = true
	}
	if drs.dr[dr6Status]&dr6HitMask != 0 {
		drs.dr[dr6Status] &^= dr6HitMask
		drs.Dirty = true
	}
}

// HitIndex returns the lowest slot whose condition bit is set in dr6.
func HitIndex(dr6 uint64) (idx uint8, ok bool) {
	for idx := uint8(0); idx < NumDebugSlots; idx++ {
		if dr6&(1<<idx) != 0 {
			return idx, true
		}
	}
	return 0, false
}
