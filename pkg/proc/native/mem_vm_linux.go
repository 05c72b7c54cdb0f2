//go:build linux && amd64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base, the address is in the target and must not be seen as a pointer.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVMTransfer moves data with process_vm_readv or process_vm_writev.
// It is used when the memory file of a process can not be opened, it does
// not write to read only mappings.
func processVMTransfer(pid int, buf []byte, addr uint64, write bool) (int, error) {
	trap := uintptr(sys.SYS_PROCESS_VM_READV)
	if write {
		trap = sys.SYS_PROCESS_VM_WRITEV
	}
	done := 0
	for done < len(buf) {
		local := sys.Iovec{Base: &buf[done], Len: uint64(len(buf) - done)}
		remote := remoteIovec{base: uintptr(addr) + uintptr(done), len: uintptr(len(buf) - done)}
		n, _, errno := syscall.Syscall6(trap, uintptr(pid), uintptr(unsafe.Pointer(&local)), 1, uintptr(unsafe.Pointer(&remote)), 1, 0)
		if errno != 0 {
			if errno == sys.EINTR {
				continue
			}
			if done == 0 && errno != sys.EFAULT {
				return 0, errno
			}
			break
		}
		if n == 0 {
			break
		}
		done += int(n)
	}
	return done, nil
}
