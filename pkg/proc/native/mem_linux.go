//go:build linux && amd64

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

// openProcessMemory opens the memory file of pid. The descriptor stays
// valid for the lifetime of the address space, an exec replaces it.
func openProcessMemory(pid int) (int, error) {
	var fd int
	err := ignoringEINTR(func() error {
		var err error
		fd, err = sys.Open(fmt.Sprintf("/proc/%d/mem", pid), sys.O_RDWR|sys.O_CLOEXEC, 0)
		return err
	})
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// memTransfer moves data between buf and the target at addr until the
// whole buffer is done or the kernel stops short. It returns the number of
// bytes transferred, a transfer that stops at an unmapped page is not an
// error.
func memTransfer(fd int, buf []byte, addr uint64, write bool) (int, error) {
	done := 0
	for done < len(buf) {
		var n int
		err := ignoringEINTR(func() error {
			var err error
			off := int64(addr + uint64(done))
			if write {
				n, err = sys.Pwrite(fd, buf[done:], off)
			} else {
				n, err = sys.Pread(fd, buf[done:], off)
			}
			return err
		})
		if err != nil {
			if done == 0 && err != sys.EIO && err != sys.EFAULT {
				return 0, err
			}
			break
		}
		if n <= 0 {
			break
		}
		done += n
	}
	return done, nil
}

// ReadMemory reads from the address space of process. It can be called
// from any goroutine, reads do not go through ptrace.
func (b *Backend) ReadMemory(process *proc.Entity, buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	pe := processExtOf(process)
	if pe == nil {
		return 0, proc.ErrProcessExited{Pid: int(process.ID)}
	}
	if pe.memFd < 0 {
		return processVMTransfer(pe.pid, buf, addr, false)
	}
	return memTransfer(pe.memFd, buf, addr, false)
}

// WriteMemory writes into the address space of process, including read
// only mappings.
func (b *Backend) WriteMemory(process *proc.Entity, data []byte, addr uint64) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	pe := processExtOf(process)
	if pe == nil {
		return 0, proc.ErrProcessExited{Pid: int(process.ID)}
	}
	if pe.memFd < 0 {
		return processVMTransfer(pe.pid, data, addr, true)
	}
	return memTransfer(pe.memFd, data, addr, true)
}

// processMemory adapts one process to proc.MemoryReadWriter.
type processMemory struct {
	b       *Backend
	process *proc.Entity
}

func (m processMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return m.b.ReadMemory(m.process, buf, addr)
}

func (m processMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	return m.b.WriteMemory(m.process, data, addr)
}
