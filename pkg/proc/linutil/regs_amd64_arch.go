package linutil

import (
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
)

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// ToRegBlock copies the general purpose registers into dst.
func (r *AMD64PtraceRegs) ToRegBlock(dst *amd64util.RegBlock) {
	dst.Rax, dst.Rbx, dst.Rcx, dst.Rdx = r.Rax, r.Rbx, r.Rcx, r.Rdx
	dst.Rsi, dst.Rdi, dst.Rbp, dst.Rsp = r.Rsi, r.Rdi, r.Rbp, r.Rsp
	dst.R8, dst.R9, dst.R10, dst.R11 = r.R8, r.R9, r.R10, r.R11
	dst.R12, dst.R13, dst.R14, dst.R15 = r.R12, r.R13, r.R14, r.R15
	dst.Rip, dst.Rflags, dst.OrigRax = r.Rip, r.Eflags, r.Orig_rax
	dst.Cs, dst.Ds, dst.Es = uint16(r.Cs), uint16(r.Ds), uint16(r.Es)
	dst.Fs, dst.Gs, dst.Ss = uint16(r.Fs), uint16(r.Gs), uint16(r.Ss)
	dst.FsBase, dst.GsBase = r.Fs_base, r.Gs_base
}

// FromRegBlock copies the general purpose registers of src into r.
func (r *AMD64PtraceRegs) FromRegBlock(src *amd64util.RegBlock) {
	r.Rax, r.Rbx, r.Rcx, r.Rdx = src.Rax, src.Rbx, src.Rcx, src.Rdx
	r.Rsi, r.Rdi, r.Rbp, r.Rsp = src.Rsi, src.Rdi, src.Rbp, src.Rsp
	r.R8, r.R9, r.R10, r.R11 = src.R8, src.R9, src.R10, src.R11
	r.R12, r.R13, r.R14, r.R15 = src.R12, src.R13, src.R14, src.R15
	r.Rip, r.Eflags, r.Orig_rax = src.Rip, src.Rflags, src.OrigRax
	r.Cs, r.Ds, r.Es = uint64(src.Cs), uint64(src.Ds), uint64(src.Es)
	r.Fs, r.Gs, r.Ss = uint64(src.Fs), uint64(src.Gs), uint64(src.Ss)
	r.Fs_base, r.Gs_base = src.FsBase, src.GsBase
}
