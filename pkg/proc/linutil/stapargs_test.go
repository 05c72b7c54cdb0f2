package linutil

import (
	"encoding/binary"
	"math"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
)

func TestParseProbeArg(t *testing.T) {
	tests := []struct {
		in   string
		want ProbeArg
	}{
		{"-2@$-123", ProbeArg{Kind: ProbeArgSigned, Size: 2, Operand: ProbeOperandImm, Imm: -123}},
		{"1@$43", ProbeArg{Kind: ProbeArgUnsigned, Size: 1, Operand: ProbeOperandImm, Imm: 43}},
		{"8@$0x10", ProbeArg{Size: 8, Operand: ProbeOperandImm, Imm: 16}},
		{"4f@%eax", ProbeArg{Kind: ProbeArgFloat, Size: 4, Operand: ProbeOperandReg, Reg: x86asm.EAX}},
		{"-4@%r8d", ProbeArg{Kind: ProbeArgSigned, Size: 4, Operand: ProbeOperandReg, Reg: x86asm.R8L}},
		{"1@%sil", ProbeArg{Size: 1, Operand: ProbeOperandReg, Reg: x86asm.SIB}},
		{"@%rdi", ProbeArg{Operand: ProbeOperandReg, Reg: x86asm.RDI}},
		{"4@(%rdi)", ProbeArg{Size: 4, Operand: ProbeOperandMem, Base: x86asm.RDI, Scale: 1}},
		{"4@-22(%rdi)", ProbeArg{Size: 4, Operand: ProbeOperandMem, Disp: -22, Base: x86asm.RDI, Scale: 1}},
		{"4@32(%rax,%rsi,8)", ProbeArg{Size: 4, Operand: ProbeOperandMem, Disp: 32, Base: x86asm.RAX, Index: x86asm.RSI, Scale: 8}},
		{"4@32(,%rsi,8)", ProbeArg{Size: 4, Operand: ProbeOperandMem, Disp: 32, Index: x86asm.RSI, Scale: 8}},
		{"8@16(%rax, %rcx)", ProbeArg{Size: 8, Operand: ProbeOperandMem, Disp: 16, Base: x86asm.RAX, Index: x86asm.RCX, Scale: 1}},
	}
	for _, tc := range tests {
		got, err := ParseProbeArg(tc.in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestParseProbeArgErrors(t *testing.T) {
	for _, in := range []string{
		"4@(,,)",
		"4@()",
		"4@(%rdi, %rsi, 8",
		"4@( ,, 8",
		"3@%eax",
		"-4f@%eax",
		"@(%rdi)",
		"4@%xyz",
		"4@32(%rax,%rsi,3)",
		"4@$",
	} {
		if arg, err := ParseProbeArg(in); err == nil {
			t.Errorf("%q: expected error, got %v", in, arg)
		}
	}
}

func TestSplitProbeArgs(t *testing.T) {
	got := SplitProbeArgs("-4@%esi 8@-24(%rbp, %rax, 8) 8@$1")
	want := []string{"-4@%esi", "8@-24(%rbp, %rax, 8)", "8@$1"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, got[i], want[i])
		}
	}

	args, err := ParseProbeArgs("-4@%esi 8@-24(%rbp, %rax, 8) 8@$1")
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 3 || args[1].Index != x86asm.RAX || args[1].Scale != 8 {
		t.Errorf("unexpected args %v", args)
	}

	if _, err := ParseProbeArgs("8@%rax 4@()"); err == nil {
		t.Errorf("expected error from bad second argument")
	}
}

func TestProbeArgValue(t *testing.T) {
	regs := &amd64util.RegBlock{Rax: 0x1000, Rsi: 2, Rdi: 0xfffffffffffffff6}
	mem := newFakeMemory()
	data := make([]byte, 0x40)
	binary.LittleEndian.PutUint32(data[0x20+16:], math.Float32bits(1.5))
	binary.LittleEndian.PutUint16(data[0x38:], 0xfffe)
	mem.add(0x1000, data)

	tests := []struct {
		in   string
		want uint64
	}{
		{"-2@$-123", uint64(0xffffffffffffff85)},
		{"8@%rax", 0x1000},
		{"-4@%edi", uint64(0xfffffffffffffff6)},
		{"4@%edi", 0xfffffff6},
		{"4f@32(%rax,%rsi,8)", math.Float64bits(1.5)},
		{"-2@0x38(%rax)", uint64(0xfffffffffffffffe)},
		{"2@56(%rax)", 0xfffe},
	}
	for _, tc := range tests {
		arg, err := ParseProbeArg(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		got, err := arg.Value(regs, mem)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %#x, want %#x", tc.in, got, tc.want)
		}
	}

	arg, _ := ParseProbeArg("8@(%rdi)")
	if _, err := arg.Value(regs, mem); err == nil {
		t.Errorf("expected error reading unmapped memory")
	}
}

func TestProbeArgString(t *testing.T) {
	for _, in := range []string{"-2@$-123", "4f@%eax", "4@-22(%rdi)", "4@32(,%rsi,8)", "-4@%r9d"} {
		arg, err := ParseProbeArg(in)
		if err != nil {
			t.Fatal(err)
		}
		if arg.String() != in {
			t.Errorf("got %q, want %q", arg.String(), in)
		}
	}
}
