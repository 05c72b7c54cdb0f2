// Package winutil holds the layout of the Windows thread context and its
// conversion to the AMD64 register block. It has no build constraints so
// the conversions can be tested on every OS.
package winutil

import (
	"encoding/binary"
	"unsafe"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
)

// CONTEXT flags for AMD64.
const (
	CONTEXT_AMD64           = 0x100000
	CONTEXT_CONTROL         = CONTEXT_AMD64 | 0x1
	CONTEXT_INTEGER         = CONTEXT_AMD64 | 0x2
	CONTEXT_SEGMENTS        = CONTEXT_AMD64 | 0x4
	CONTEXT_FLOATING_POINT  = CONTEXT_AMD64 | 0x8
	CONTEXT_DEBUG_REGISTERS = CONTEXT_AMD64 | 0x10
	CONTEXT_XSTATE          = CONTEXT_AMD64 | 0x40

	CONTEXT_ALL = CONTEXT_CONTROL | CONTEXT_INTEGER | CONTEXT_SEGMENTS | CONTEXT_FLOATING_POINT | CONTEXT_DEBUG_REGISTERS
)

// XSTATE feature ids, as passed to LocateXStateFeature.
const (
	XSTATE_AVX          = 2
	XSTATE_AVX512_KMASK = 5
	XSTATE_AVX512_ZMM_H = 6
	XSTATE_AVX512_ZMM   = 7

	XSTATE_MASK_AVX    = 1 << XSTATE_AVX
	XSTATE_MASK_AVX512 = 1<<XSTATE_AVX512_KMASK | 1<<XSTATE_AVX512_ZMM_H | 1<<XSTATE_AVX512_ZMM
)

const flagReserved = 0x2 // bit 1 of RFLAGS always reads as 1

// M128A tracks the _M128A windows struct.
type M128A struct {
	Low  uint64
	High int64
}

// XMM_SAVE_AREA32 tracks the _XMM_SAVE_AREA32 windows struct, which is the
// 64 bit FXSAVE format.
type XMM_SAVE_AREA32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        byte
	Reserved1      byte
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsr_Mask     uint32
	FloatRegisters [8]M128A
	XmmRegisters   [256]byte
	Reserved4      [96]byte
}

// AMD64CONTEXT tracks the _CONTEXT of windows.
type AMD64CONTEXT struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave XMM_SAVE_AREA32

	VectorRegister [26]M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// NewAMD64CONTEXT allocates Windows CONTEXT structure aligned to 16 bytes.
func NewAMD64CONTEXT() *AMD64CONTEXT {
	var c *AMD64CONTEXT
	buf := make([]byte, unsafe.Sizeof(*c)+15)
	return (*AMD64CONTEXT)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[15]))) &^ 15))
}

func (ctx *AMD64CONTEXT) SetFlags(flags uint32) {
	ctx.ContextFlags = flags
}

// fxsave returns the floating point save area as the raw FXSAVE bytes.
func (ctx *AMD64CONTEXT) fxsave() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&ctx.FltSave)), unsafe.Sizeof(ctx.FltSave))
}

// ReadContext copies ctx into regs. The extended vector state is zeroed,
// ReadXstateFeatures fills it in when the context carries it.
func ReadContext(ctx *AMD64CONTEXT, regs *amd64util.RegBlock) error {
	regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx = ctx.Rax, ctx.Rbx, ctx.Rcx, ctx.Rdx
	regs.Rsi, regs.Rdi, regs.Rbp, regs.Rsp = ctx.Rsi, ctx.Rdi, ctx.Rbp, ctx.Rsp
	regs.R8, regs.R9, regs.R10, regs.R11 = ctx.R8, ctx.R9, ctx.R10, ctx.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = ctx.R12, ctx.R13, ctx.R14, ctx.R15
	regs.Rip = ctx.Rip
	regs.Rflags = uint64(ctx.EFlags) | flagReserved

	regs.Cs, regs.Ds, regs.Es = ctx.SegCs, ctx.SegDs, ctx.SegEs
	regs.Fs, regs.Gs, regs.Ss = ctx.SegFs, ctx.SegGs, ctx.SegSs

	regs.DR = [8]uint64{ctx.Dr0, ctx.Dr1, ctx.Dr2, ctx.Dr3, 0, 0, ctx.Dr6, ctx.Dr7}

	if err := amd64util.ReadFxsave(ctx.fxsave(), regs); err != nil {
		return err
	}
	regs.Ssp, regs.HasSSP = 0, false
	return nil
}

// WriteContext copies regs into ctx. Fields of ctx that regs does not
// describe are left alone.
func WriteContext(regs *amd64util.RegBlock, ctx *AMD64CONTEXT) error {
	ctx.Rax, ctx.Rbx, ctx.Rcx, ctx.Rdx = regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx
	ctx.Rsi, ctx.Rdi, ctx.Rbp, ctx.Rsp = regs.Rsi, regs.Rdi, regs.Rbp, regs.Rsp
	ctx.R8, ctx.R9, ctx.R10, ctx.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	ctx.R12, ctx.R13, ctx.R14, ctx.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	ctx.Rip = regs.Rip
	ctx.EFlags = uint32(regs.Rflags)

	ctx.SegCs, ctx.SegDs, ctx.SegEs = regs.Cs, regs.Ds, regs.Es
	ctx.SegFs, ctx.SegGs, ctx.SegSs = regs.Fs, regs.Gs, regs.Ss

	ctx.Dr0, ctx.Dr1, ctx.Dr2, ctx.Dr3 = regs.DR[0], regs.DR[1], regs.DR[2], regs.DR[3]
	ctx.Dr6, ctx.Dr7 = regs.DR[6], regs.DR[7]

	ctx.MxCsr = regs.Mxcsr
	return amd64util.WriteFxsave(ctx.fxsave(), regs)
}

// XstateFeatures are the extended state components of a context, as
// located by LocateXStateFeature. A nil component is not present.
type XstateFeatures struct {
	// Avx is the upper 128 bits of YMM0-15.
	Avx []byte
	// Kmask is K0-7.
	Kmask []byte
	// ZmmHi is the upper 256 bits of ZMM0-15.
	ZmmHi []byte
	// Hi16Zmm is ZMM16-31.
	Hi16Zmm []byte
}

const (
	avxLen     = 16 * 16
	kmaskLen   = 8 * 8
	zmmHiLen   = 16 * 32
	hi16ZmmLen = 16 * 64
)

func (f *XstateFeatures) hasAVX512() bool {
	return len(f.Kmask) >= kmaskLen && len(f.ZmmHi) >= zmmHiLen && len(f.Hi16Zmm) >= hi16ZmmLen
}

// ReadXstateFeatures copies the extended components of f into regs.
// Components f does not have stay zeroed.
func ReadXstateFeatures(f XstateFeatures, regs *amd64util.RegBlock) {
	if len(f.Avx) >= avxLen {
		for i := 0; i < 16; i++ {
			copy(regs.Zmm[i][16:32], f.Avx[16*i:])
		}
		regs.HasAVX = true
	}
	if f.hasAVX512() {
		for i := range regs.K {
			regs.K[i] = binary.LittleEndian.Uint64(f.Kmask[8*i:])
		}
		for i := 0; i < 16; i++ {
			copy(regs.Zmm[i][32:], f.ZmmHi[32*i:32*(i+1)])
			copy(regs.Zmm[16+i][:], f.Hi16Zmm[64*i:64*(i+1)])
		}
		regs.HasAVX512 = true
	}
}

// WriteXstateFeatures stores the extended registers of regs into the
// components of f.
func WriteXstateFeatures(regs *amd64util.RegBlock, f XstateFeatures) {
	if len(f.Avx) >= avxLen {
		for i := 0; i < 16; i++ {
			copy(f.Avx[16*i:16*(i+1)], regs.Zmm[i][16:32])
		}
	}
	if f.hasAVX512() {
		for i, k := range regs.K {
			binary.LittleEndian.PutUint64(f.Kmask[8*i:], k)
		}
		for i := 0; i < 16; i++ {
			copy(f.ZmmHi[32*i:32*(i+1)], regs.Zmm[i][32:])
			copy(f.Hi16Zmm[64*i:64*(i+1)], regs.Zmm[16+i][:])
		}
	}
}
