package winutil

import "github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"

// Exception codes a debuggee raises to talk to the debugger. The codes
// spell RAD in their low bytes.
const (
	EXCEPTION_SET_THREAD_COLOR = 0x00524144
	EXCEPTION_SET_BREAKPOINT   = 0x00524145
)

// MarkupEvent fills e from one of the debugger exceptions above, params
// are its ExceptionInformation entries. It returns false for any other
// code.
//
// A thread color carries the color and a user value. A breakpoint request
// carries the address, the size, read/write/execute switches and whether
// the breakpoint is set or removed.
func MarkupEvent(e *proc.Event, code uint32, params []uint64) bool {
	param := func(i int) uint64 {
		if i < len(params) {
			return params[i]
		}
		return 0
	}
	switch code {
	case EXCEPTION_SET_THREAD_COLOR:
		e.Kind = proc.EventSetThreadColor
		e.Code = param(0)
		e.UserData = param(1)
	case EXCEPTION_SET_BREAKPOINT:
		e.Kind = proc.EventUnsetBreakpoint
		if param(5) != 0 {
			e.Kind = proc.EventSetBreakpoint
		}
		e.Address = param(0)
		e.Size = param(1)
		e.Flags = 0
		if param(2) != 0 {
			e.Flags |= proc.BreakOnRead
		}
		if param(3) != 0 {
			e.Flags |= proc.BreakOnWrite
		}
		if param(4) != 0 {
			e.Flags |= proc.BreakOnExecute
		}
	default:
		return false
	}
	return true
}
