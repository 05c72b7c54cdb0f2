package winutil

import (
	"testing"
	"unsafe"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
)

func TestContextLayout(t *testing.T) {
	var ctx AMD64CONTEXT
	if off := unsafe.Offsetof(ctx.FltSave); off != 0x100 {
		t.Errorf("expected FltSave at 0x100; but was %#x", off)
	}
	if sz := unsafe.Sizeof(ctx.FltSave); sz != 512 {
		t.Errorf("expected a 512 byte FltSave; but was %d", sz)
	}
	if sz := unsafe.Sizeof(ctx); sz != 0x4d0 {
		t.Errorf("expected CONTEXT size 0x4d0; but was %#x", sz)
	}
	if p := uintptr(unsafe.Pointer(NewAMD64CONTEXT())); p%16 != 0 {
		t.Errorf("context at %#x is not 16 byte aligned", p)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := NewAMD64CONTEXT()
	ctx.SetFlags(CONTEXT_ALL)
	ctx.Rax, ctx.Rbx, ctx.R15 = 1, 2, 15
	ctx.Rip, ctx.Rsp = 0x401000, 0x7ffe0000
	ctx.EFlags = 0x246
	ctx.SegCs, ctx.SegSs = 0x33, 0x2b
	ctx.Dr0, ctx.Dr7 = 0x5000, 0x1
	ctx.FltSave.ControlWord = 0x27f
	ctx.FltSave.MxCsr = 0x1f80
	ctx.MxCsr = 0x1f80
	ctx.FltSave.XmmRegisters[16] = 0xaa // XMM1 byte 0

	var regs amd64util.RegBlock
	regs.HasAVX = true
	if err := ReadContext(ctx, &regs); err != nil {
		t.Fatal(err)
	}
	if regs.Rax != 1 || regs.Rbx != 2 || regs.R15 != 15 || regs.PC() != 0x401000 || regs.SP() != 0x7ffe0000 {
		t.Fatalf("general purpose registers not copied: %+v", regs)
	}
	if regs.Cs != 0x33 || regs.Ss != 0x2b || regs.DR[0] != 0x5000 || regs.DR[7] != 0x1 {
		t.Errorf("segment or debug registers not copied")
	}
	if regs.Fcw != 0x27f || regs.Mxcsr != 0x1f80 || regs.Zmm[1][0] != 0xaa {
		t.Errorf("floating point state not copied: fcw %#x mxcsr %#x xmm1 %#x", regs.Fcw, regs.Mxcsr, regs.Zmm[1][0])
	}
	if regs.HasAVX {
		t.Errorf("AVX state reported without xstate features")
	}

	regs.SetPC(0x401001)
	regs.SetSingleStep(true)
	regs.Zmm[2][15] = 0x55
	regs.DebugRegisters().SetBreakpoint(1, 0x6000, amd64util.WatchWrite, 8)
	if err := WriteContext(&regs, ctx); err != nil {
		t.Fatal(err)
	}
	if ctx.Rip != 0x401001 || ctx.EFlags&0x100 == 0 {
		t.Errorf("expected rip 0x401001 with the trap flag; but was %#x flags %#x", ctx.Rip, ctx.EFlags)
	}
	if ctx.FltSave.XmmRegisters[2*16+15] != 0x55 {
		t.Errorf("xmm2 not written back")
	}
	if ctx.Dr1 != 0x6000 || ctx.Dr7&(1<<2) == 0 {
		t.Errorf("expected dr1 0x6000 enabled; but was %#x dr7 %#x", ctx.Dr1, ctx.Dr7)
	}
	if ctx.Rax != 1 || ctx.SegCs != 0x33 {
		t.Errorf("unchanged registers were modified")
	}
}

func TestXstateFeatures(t *testing.T) {
	f := XstateFeatures{
		Avx:     make([]byte, avxLen),
		Kmask:   make([]byte, kmaskLen),
		ZmmHi:   make([]byte, zmmHiLen),
		Hi16Zmm: make([]byte, hi16ZmmLen),
	}
	var in amd64util.RegBlock
	for i := range in.Zmm {
		for j := range in.Zmm[i] {
			in.Zmm[i][j] = byte(i + j)
		}
	}
	for i := range in.K {
		in.K[i] = uint64(i+1) << 32
	}
	WriteXstateFeatures(&in, f)

	var out amd64util.RegBlock
	for i := 0; i < 16; i++ {
		copy(out.Zmm[i][:16], in.Zmm[i][:16]) // xmm part comes from FltSave
	}
	ReadXstateFeatures(f, &out)
	if !out.HasAVX || !out.HasAVX512 {
		t.Fatalf("features not reported: avx %v avx512 %v", out.HasAVX, out.HasAVX512)
	}
	if out.Zmm != in.Zmm {
		t.Errorf("vector registers did not round trip")
	}
	if out.K != in.K {
		t.Errorf("expected opmask %v; but was %v", in.K, out.K)
	}
}

func TestXstateFeaturesAVXOnly(t *testing.T) {
	f := XstateFeatures{Avx: make([]byte, avxLen)}
	f.Avx[16*3] = 0x77
	var regs amd64util.RegBlock
	ReadXstateFeatures(f, &regs)
	if !regs.HasAVX || regs.HasAVX512 {
		t.Fatalf("expected AVX only; but was avx %v avx512 %v", regs.HasAVX, regs.HasAVX512)
	}
	if regs.Zmm[3][16] != 0x77 {
		t.Errorf("expected ymm3 upper byte 0x77; but was %#x", regs.Zmm[3][16])
	}
	regs.K[0] = 1
	WriteXstateFeatures(&regs, f)
	if f.Kmask != nil {
		t.Errorf("absent component was allocated")
	}
}
