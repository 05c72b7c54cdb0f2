package amd64util

import (
	"sync"
)

var hostXstateLayout *XstateLayout
var loadHostXstateLayoutOnce sync.Once

func cpuid(axIn, cxIn uint32) (axOut, bxOut, cxOut, dxOut uint32)

// HostXstateLayout enumerates the XSAVE layout of the CPU we are running
// on. Debuggees run on the same CPU, so this is also their layout.
// It returns nil if the CPU does not support XSAVE.
func HostXstateLayout() *XstateLayout {
	loadHostXstateLayoutOnce.Do(func() {
		// See Intel 64 and IA-32 Architecture Software Developer's Manual, Vol. 1
		// chapter 13.2 and Vol. 2A CPUID instruction for a description of all the
		// magic constants.

		_, _, cx, _ := cpuid(0x01, 0x00)

		if cx&(1<<26) == 0 { // Vol. 2A, Table 3-10, XSAVE enabled bit check
			// XSAVE not supported by this processor
			return
		}

		supported, _, maxSize, _ := cpuid(0x0d, 0x00) // processor extended state enumeration main leaf
		l := &XstateLayout{Size: int(maxSize)}
		for _, feature := range []int{XfeatureAVX, XfeatureOpmask, XfeatureZMMHi256, XfeatureHi16ZMM} {
			if supported&(1<<uint(feature)) == 0 {
				continue
			}
			sz, off, _, _ := cpuid(0x0d, uint32(feature))
			l.set(feature, int(off), int(sz))
		}
		hostXstateLayout = l
	})
	return hostXstateLayout
}
