//go:build linux && amd64

package native

import (
	"runtime"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/linutil"
)

const (
	_NT_X86_XSTATE  = 0x202
	_NT_X86_SHSTK   = 0x204
	_XSTATE_MAXSIZE = 4096
	_FXSAVE_SIZE    = 512

	debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c
)

// siginfo is the prefix of siginfo_t the backend looks at.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	// Addr is si_addr for SIGSEGV, SIGBUS, SIGILL, SIGFPE and SIGTRAP.
	Addr uint64
	_    [112]byte
}

// si_code values.
const (
	siKernel   = 0x80
	trapTrace  = 2
	trapHwbkpt = 4
)

// handlePtraceFuncs runs every ptrace call on the same OS thread, ptrace
// requires all requests for a tracee to come from the thread that attached
// to it.
func (b *Backend) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range b.ptraceChan {
		fn()
		b.ptraceDoneChan <- nil
	}
}

func (b *Backend) execPtraceFunc(fn func()) {
	b.ptraceChan <- fn
	<-b.ptraceDoneChan
}

func errnoErr(e syscall.Errno) error {
	if e == 0 {
		return nil
	}
	return e
}

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	return errnoErr(err)
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("cont %d sig=%d", tid, sig)
	}
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid, sig int) error {
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("singlestep %d sig=%d", tid, sig)
	}
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), uintptr(0), uintptr(sig), 0, 0)
	return errnoErr(e1)
}

func ptraceSetOptions(tid, options int) error {
	return sys.PtraceSetOptions(tid, options)
}

func ptraceGetEventMsg(tid int) (uint64, error) {
	msg, err := sys.PtraceGetEventMsg(tid)
	return uint64(msg), err
}

func ptraceGetSiginfo(tid int) (siginfo, error) {
	var si siginfo
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	return si, errnoErr(e1)
}

func ptraceGetRegs(tid int, regs *linutil.AMD64PtraceRegs) error {
	return sys.PtraceGetRegs(tid, (*sys.PtraceRegs)(regs))
}

func ptraceSetRegs(tid int, regs *linutil.AMD64PtraceRegs) error {
	return sys.PtraceSetRegs(tid, (*sys.PtraceRegs)(regs))
}

// ptraceGetRegset reads the register set note into buf and returns the
// number of bytes the kernel filled.
func ptraceGetRegset(tid int, note uintptr, buf []byte) (int, error) {
	iov := sys.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), note, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if e1 != 0 {
		return 0, e1
	}
	return int(iov.Len), nil
}

func ptraceSetRegset(tid int, note uintptr, buf []byte) error {
	iov := sys.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(tid), note, uintptr(unsafe.Pointer(&iov)), 0, 0)
	return errnoErr(e1)
}

func ptraceGetFpRegs(tid int, buf []byte) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	return errnoErr(e1)
}

func ptraceSetFpRegs(tid int, buf []byte) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	return errnoErr(e1)
}

// ptracePeekDebugRegisters reads DR0-DR7 into drs, DR4 and DR5 are skipped
// since linux returns EIO for them.
func ptracePeekDebugRegisters(tid int, drs *[8]uint64) error {
	for i := range drs {
		if i == 4 || i == 5 {
			continue
		}
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), uintptr(debugRegUserOffset+uintptr(i)*unsafe.Sizeof(drs[0])), uintptr(unsafe.Pointer(&drs[i])), 0, 0)
		if e1 != 0 {
			return e1
		}
	}
	return nil
}

// ptracePokeDebugRegisters writes DR0-DR3, DR6 and DR7. DR7 goes last so
// that the kernel validates enabled slots against their final addresses.
func ptracePokeDebugRegisters(tid int, drs *[8]uint64) error {
	for _, i := range []int{0, 1, 2, 3, 6, 7} {
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), uintptr(debugRegUserOffset+uintptr(i)*unsafe.Sizeof(drs[0])), uintptr(drs[i]), 0, 0)
		if e1 != 0 {
			return e1
		}
	}
	return nil
}
