package amd64util

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

const flagTrap = 0x100

// RegBlock is the register state of one AMD64 thread.
type RegBlock struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
	// OrigRax is the syscall number register linux keeps for restarts.
	OrigRax uint64

	Cs, Ds, Es, Fs, Gs, Ss uint16
	FsBase, GsBase         uint64

	// DR holds DR0 through DR7. DR4 and DR5 are never read or written.
	DR [8]uint64

	Fcw, Fsw, Fop uint16
	// Ftw is the abridged (one bit per register) x87 tag word.
	Ftw      uint8
	Fip, Fdp uint64
	St       [8][10]byte

	Mxcsr, MxcsrMask uint32
	// Zmm holds the full 512 bits of every vector register, XMMn is the
	// low 16 bytes and YMMn the low 32 bytes of Zmm[n].
	Zmm [32][64]byte
	K   [8]uint64
	// Ssp is the shadow stack pointer.
	Ssp uint64

	// Feature presence, filled by the backend that read the block.
	HasAVX, HasAVX512, HasSSP bool
}

var _ proc.RegBlock = (*RegBlock)(nil)

func (r *RegBlock) Arch() proc.Arch { return proc.ArchAMD64 }
func (r *RegBlock) PC() uint64      { return r.Rip }
func (r *RegBlock) SP() uint64      { return r.Rsp }
func (r *RegBlock) SetPC(pc uint64) { r.Rip = pc }

func (r *RegBlock) SingleStep() bool {
	return r.Rflags&flagTrap != 0
}

func (r *RegBlock) SetSingleStep(on bool) {
	if on {
		r.Rflags |= flagTrap
	} else {
		r.Rflags &^= flagTrap
	}
}

func (r *RegBlock) Copy() proc.RegBlock {
	var rr RegBlock
	rr = *r
	return &rr
}

// DebugRegisters returns an editor for the DR0-DR7 fields of r.
func (r *RegBlock) DebugRegisters() *DebugRegisters {
	return &DebugRegisters{dr: &r.DR}
}

// Get returns the value of the general purpose register reg, truncated to
// the register size. The second return value is false for registers that
// are not general purpose.
func (r *RegBlock) Get(reg x86asm.Reg) (uint64, bool) {
	mask8 := uint64(0xff)
	mask16 := uint64(0xffff)
	mask32 := uint64(0xffffffff)

	switch {
	case reg >= x86asm.AL && reg <= x86asm.BL:
		return r.gpr(int(reg-x86asm.AL)) & mask8, true
	case reg >= x86asm.AH && reg <= x86asm.BH:
		return (r.gpr(int(reg-x86asm.AH)) >> 8) & mask8, true
	case reg >= x86asm.SPB && reg <= x86asm.R15B:
		return r.gpr(int(reg-x86asm.SPB)+4) & mask8, true
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		return r.gpr(int(reg-x86asm.AX)) & mask16, true
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return r.gpr(int(reg-x86asm.EAX)) & mask32, true
	case reg >= x86asm.RAX && reg <= x86asm.R15:
		return r.gpr(int(reg - x86asm.RAX)), true
	case reg == x86asm.RIP:
		return r.Rip, true
	case reg == x86asm.EIP:
		return r.Rip & mask32, true
	}
	return 0, false
}

// gpr returns general purpose register n in x86 encoding order.
func (r *RegBlock) gpr(n int) uint64 {
	switch n {
	case 0:
		return r.Rax
	case 1:
		return r.Rcx
	case 2:
		return r.Rdx
	case 3:
		return r.Rbx
	case 4:
		return r.Rsp
	case 5:
		return r.Rbp
	case 6:
		return r.Rsi
	case 7:
		return r.Rdi
	case 8:
		return r.R8
	case 9:
		return r.R9
	case 10:
		return r.R10
	case 11:
		return r.R11
	case 12:
		return r.R12
	case 13:
		return r.R13
	case 14:
		return r.R14
	case 15:
		return r.R15
	}
	return 0
}

// Register is one named register value, for display.
type Register struct {
	Name  string
	Value string
}

// Slice returns the registers of r in display order. Vector registers are
// only included if floatingPoint is set.
func (r *RegBlock) Slice(floatingPoint bool) []Register {
	gprs := []struct {
		name  string
		value uint64
	}{
		{"rip", r.Rip}, {"rsp", r.Rsp}, {"rax", r.Rax}, {"rbx", r.Rbx},
		{"rcx", r.Rcx}, {"rdx", r.Rdx}, {"rdi", r.Rdi}, {"rsi", r.Rsi},
		{"rbp", r.Rbp}, {"r8", r.R8}, {"r9", r.R9}, {"r10", r.R10},
		{"r11", r.R11}, {"r12", r.R12}, {"r13", r.R13}, {"r14", r.R14},
		{"r15", r.R15}, {"rflags", r.Rflags}, {"fs_base", r.FsBase}, {"gs_base", r.GsBase},
	}
	out := make([]Register, 0, len(gprs)+48)
	for _, g := range gprs {
		out = append(out, Register{g.name, fmt.Sprintf("%#016x", g.value)})
	}
	for i, name := range []string{"cs", "ds", "es", "fs", "gs", "ss"} {
		v := [...]uint16{r.Cs, r.Ds, r.Es, r.Fs, r.Gs, r.Ss}[i]
		out = append(out, Register{name, fmt.Sprintf("%#04x", v)})
	}
	for i, v := range r.DR {
		if i == 4 || i == 5 {
			continue
		}
		out = append(out, Register{fmt.Sprintf("dr%d", i), fmt.Sprintf("%#016x", v)})
	}
	if r.HasSSP {
		out = append(out, Register{"ssp", fmt.Sprintf("%#016x", r.Ssp)})
	}
	if !floatingPoint {
		return out
	}
	out = append(out,
		Register{"fcw", fmt.Sprintf("%#04x", r.Fcw)},
		Register{"fsw", fmt.Sprintf("%#04x", r.Fsw)},
		Register{"ftw", fmt.Sprintf("%#02x", r.Ftw)},
		Register{"mxcsr", fmt.Sprintf("%#08x", r.Mxcsr)})
	for i := range r.St {
		out = append(out, Register{fmt.Sprintf("st%d", i), formatX87(r.St[i])})
	}
	n, width, prefix := 16, 16, "xmm"
	if r.HasAVX {
		width, prefix = 32, "ymm"
	}
	if r.HasAVX512 {
		n, width, prefix = 32, 64, "zmm"
	}
	for i := 0; i < n; i++ {
		out = append(out, Register{fmt.Sprintf("%s%d", prefix, i), fmt.Sprintf("%#x", reverse(r.Zmm[i][:width]))})
	}
	if r.HasAVX512 {
		for i, k := range r.K {
			out = append(out, Register{fmt.Sprintf("k%d", i), fmt.Sprintf("%#016x", k)})
		}
	}
	return out
}

func reverse(b []byte) []byte {
	r := make([]byte, len(b))
	for i := range b {
		r[len(b)-1-i] = b[i]
	}
	return r
}

// formatX87 formats an 80 bit extended precision value.
func formatX87(st [10]byte) string {
	mantissa := binary.LittleEndian.Uint64(st[:8])
	exponent := binary.LittleEndian.Uint16(st[8:])
	var f float64
	fset := false

	const (
		_SIGNBIT    = 1 << 15
		_EXP_BIAS   = (1 << 14) - 1 // 2^(n-1) - 1 = 16383
		_SPECIALEXP = (1 << 15) - 1 // all bits set
		_HIGHBIT    = 1 << 63
		_QUIETBIT   = 1 << 62
	)

	sign := 1.0
	if exponent&_SIGNBIT != 0 {
		sign = -1.0
	}
	exponent &= ^uint16(_SIGNBIT)

	switch {
	case exponent == 0 && mantissa == 0:
		f, fset = 0, true
	case exponent == _SPECIALEXP:
		if mantissa&^_HIGHBIT == 0 {
			f = math.Inf(int(sign))
		} else {
			f = math.NaN()
		}
		fset = true
	case mantissa&_HIGHBIT != 0:
		f = sign * math.Ldexp(float64(mantissa), int(exponent)-_EXP_BIAS-63)
		fset = true
	}

	if fset {
		return fmt.Sprintf("%#04x%016x\t%g", exponent, mantissa, f)
	}
	return fmt.Sprintf("%#04x%016x", exponent, mantissa)
}
