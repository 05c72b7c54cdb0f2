//go:build windows && amd64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/windows"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/winutil"
)

type _CREATE_PROCESS_DEBUG_INFO struct {
	File                sys.Handle
	Process             sys.Handle
	Thread              sys.Handle
	BaseOfImage         uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ThreadLocalBase     uintptr
	StartAddress        uintptr
	ImageName           uintptr
	Unicode             uint16
}

type _CREATE_THREAD_DEBUG_INFO struct {
	Thread          sys.Handle
	ThreadLocalBase uintptr
	StartAddress    uintptr
}

type _EXIT_THREAD_DEBUG_INFO struct {
	ExitCode uint32
}

type _EXIT_PROCESS_DEBUG_INFO struct {
	ExitCode uint32
}

type _LOAD_DLL_DEBUG_INFO struct {
	File                sys.Handle
	BaseOfDll           uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ImageName           uintptr
	Unicode             uint16
}

type _UNLOAD_DLL_DEBUG_INFO struct {
	BaseOfDll uintptr
}

type _OUTPUT_DEBUG_STRING_INFO struct {
	DebugStringData   uintptr
	Unicode           uint16
	DebugStringLength uint16
}

type _RIP_INFO struct {
	Error uint32
	Type  uint32
}

type _EXCEPTION_DEBUG_INFO struct {
	ExceptionRecord _EXCEPTION_RECORD
	FirstChance     uint32
}

type _EXCEPTION_RECORD struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      *_EXCEPTION_RECORD
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [_EXCEPTION_MAXIMUM_PARAMETERS]uintptr
}

// info returns the i-th exception parameter, 0 if the record has fewer.
func (r *_EXCEPTION_RECORD) info(i int) uint64 {
	if uint32(i) >= r.NumberParameters || i >= len(r.ExceptionInformation) {
		return 0
	}
	return uint64(r.ExceptionInformation[i])
}

const (
	_DBG_CONTINUE              = 0x00010002
	_DBG_EXCEPTION_NOT_HANDLED = 0x80010001

	_EXCEPTION_DEBUG_EVENT      = 1
	_CREATE_THREAD_DEBUG_EVENT  = 2
	_CREATE_PROCESS_DEBUG_EVENT = 3
	_EXIT_THREAD_DEBUG_EVENT    = 4
	_EXIT_PROCESS_DEBUG_EVENT   = 5
	_LOAD_DLL_DEBUG_EVENT       = 6
	_UNLOAD_DLL_DEBUG_EVENT     = 7
	_OUTPUT_DEBUG_STRING_EVENT  = 8
	_RIP_EVENT                  = 9

	// DEBUG_ONLY_THIS_PROCESS and _DEBUG_PROCESS tracks https://msdn.microsoft.com/en-us/library/windows/desktop/ms684863(v=vs.85).aspx
	_DEBUG_ONLY_THIS_PROCESS = 0x00000002
	_DEBUG_PROCESS           = 0x00000001

	_EXCEPTION_BREAKPOINT            = 0x80000003
	_EXCEPTION_SINGLE_STEP           = 0x80000004
	_STATUS_WX86_SINGLE_STEP         = 0x4000001E
	_STATUS_WX86_BREAKPOINT          = 0x4000001F
	_EXCEPTION_ACCESS_VIOLATION      = 0xC0000005
	_EXCEPTION_IN_PAGE_ERROR         = 0xC0000006
	_EXCEPTION_STACK_BUFFER_OVERRUN  = 0xC0000409
	_EXCEPTION_CPP_THROW             = 0xE06D7363
	_MS_VC_EXCEPTION                 = 0x406D1388 // part of VisualC protocol to set thread names
	_EXCEPTION_MAXIMUM_PARAMETERS    = 15
	_EXCEPTION_READ_FAULT            = 0
	_EXCEPTION_WRITE_FAULT           = 1
	_EXCEPTION_EXECUTE_FAULT         = 8
	_ERROR_SEM_TIMEOUT               = syscall.Errno(121)
	_MEM_COMMIT                      = 0x1000
	_MEM_RESERVE                     = 0x2000
	_PAGE_EXECUTE_READWRITE          = 0x40
	_FILE_NAME_NORMALIZED            = 0x0
	_PROCESS_QUERY_LIMITED_INFO      = 0x1000
	_INSUFFICIENT_BUFFER             = syscall.Errno(122)
	_IMAGE_FILE_MACHINE_I386         = 0x14c
	_IMAGE_FILE_MACHINE_AMD64        = 0x8664
	_IMAGE_FILE_MACHINE_ARM64        = 0xaa64
	_XSTATE_FEATURES_OF_INTEREST     = winutil.XSTATE_MASK_AVX | winutil.XSTATE_MASK_AVX512
	_MAX_THREAD_NAME                 = 4096
	_THREAD_NAME_CHUNK               = 256
	_DEBUG_STRINGS_MAX               = 4096
	_INJECTED_CODE_SIZE              = 32
	_WAIT_FOR_DEBUG_EVENT_TIMEOUT_MS = 100
)

type _DEBUG_EVENT struct {
	DebugEventCode uint32
	ProcessId      uint32
	ThreadId       uint32
	_              uint32 // to align Union properly
	U              [160]byte
}

func (ev *_DEBUG_EVENT) union() unsafe.Pointer {
	return unsafe.Pointer(&ev.U[0])
}

var (
	modkernel32 = sys.NewLazySystemDLL("kernel32.dll")

	procWaitForDebugEvent        = modkernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent       = modkernel32.NewProc("ContinueDebugEvent")
	procDebugActiveProcess       = modkernel32.NewProc("DebugActiveProcess")
	procDebugActiveProcessStop   = modkernel32.NewProc("DebugActiveProcessStop")
	procSuspendThread            = modkernel32.NewProc("SuspendThread")
	procGetThreadContext         = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext         = modkernel32.NewProc("SetThreadContext")
	procInitializeContext        = modkernel32.NewProc("InitializeContext")
	procGetEnabledXStateFeatures = modkernel32.NewProc("GetEnabledXStateFeatures")
	procSetXStateFeaturesMask    = modkernel32.NewProc("SetXStateFeaturesMask")
	procGetXStateFeaturesMask    = modkernel32.NewProc("GetXStateFeaturesMask")
	procLocateXStateFeature      = modkernel32.NewProc("LocateXStateFeature")
	procVirtualAllocEx           = modkernel32.NewProc("VirtualAllocEx")
	procCreateRemoteThread       = modkernel32.NewProc("CreateRemoteThread")
	procGetThreadDescription     = modkernel32.NewProc("GetThreadDescription")
	procFlushInstructionCache    = modkernel32.NewProc("FlushInstructionCache")
)

// callErr turns the error of a failed LazyProc.Call into a non nil error.
func callErr(e error) error {
	if errno, ok := e.(syscall.Errno); ok && errno == 0 {
		return syscall.EINVAL
	}
	return e
}

func _WaitForDebugEvent(debugevent *_DEBUG_EVENT, milliseconds uint32) error {
	r1, _, e1 := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(debugevent)), uintptr(milliseconds))
	if r1 == 0 {
		return callErr(e1)
	}
	return nil
}

func _ContinueDebugEvent(processid, threadid, continuestatus uint32) error {
	r1, _, e1 := procContinueDebugEvent.Call(uintptr(processid), uintptr(threadid), uintptr(continuestatus))
	if r1 == 0 {
		return callErr(e1)
	}
	return nil
}

func _DebugActiveProcess(processid uint32) error {
	r1, _, e1 := procDebugActiveProcess.Call(uintptr(processid))
	if r1 == 0 {
		return callErr(e1)
	}
	return nil
}

func _DebugActiveProcessStop(processid uint32) error {
	r1, _, e1 := procDebugActiveProcessStop.Call(uintptr(processid))
	if r1 == 0 {
		return callErr(e1)
	}
	return nil
}

func _SuspendThread(thread sys.Handle) (uint32, error) {
	r1, _, e1 := procSuspendThread.Call(uintptr(thread))
	if uint32(r1) == 0xffffffff {
		return 0, callErr(e1)
	}
	return uint32(r1), nil
}

func _GetThreadContext(thread sys.Handle, context *winutil.AMD64CONTEXT) error {
	r1, _, e1 := procGetThreadContext.Call(uintptr(thread), uintptr(unsafe.Pointer(context)))
	if r1 == 0 {
		return callErr(e1)
	}
	return nil
}

func _SetThreadContext(thread sys.Handle, context *winutil.AMD64CONTEXT) error {
	r1, _, e1 := procSetThreadContext.Call(uintptr(thread), uintptr(unsafe.Pointer(context)))
	if r1 == 0 {
		return callErr(e1)
	}
	return nil
}

// _InitializeContext places a context with the given flags in buffer. With
// a nil buffer it only reports the needed size in length.
func _InitializeContext(buffer []byte, flags uint32, context **winutil.AMD64CONTEXT, length *uint32) error {
	var p uintptr
	if len(buffer) > 0 {
		p = uintptr(unsafe.Pointer(&buffer[0]))
	}
	r1, _, e1 := procInitializeContext.Call(p, uintptr(flags), uintptr(unsafe.Pointer(context)), uintptr(unsafe.Pointer(length)))
	if r1 == 0 {
		return callErr(e1)
	}
	return nil
}

func _GetEnabledXStateFeatures() uint64 {
	r1, _, _ := procGetEnabledXStateFeatures.Call()
	return uint64(r1)
}

func _SetXStateFeaturesMask(context *winutil.AMD64CONTEXT, mask uint64) error {
	r1, _, e1 := procSetXStateFeaturesMask.Call(uintptr(unsafe.Pointer(context)), uintptr(mask))
	if r1 == 0 {
		return callErr(e1)
	}
	return nil
}

func _GetXStateFeaturesMask(context *winutil.AMD64CONTEXT) (uint64, error) {
	var mask uint64
	r1, _, e1 := procGetXStateFeaturesMask.Call(uintptr(unsafe.Pointer(context)), uintptr(unsafe.Pointer(&mask)))
	if r1 == 0 {
		return 0, callErr(e1)
	}
	return mask, nil
}

// _LocateXStateFeature returns the bytes of feature inside context, nil if
// the context does not hold it.
func _LocateXStateFeature(context *winutil.AMD64CONTEXT, feature uint32) []byte {
	var length uint32
	r1, _, _ := procLocateXStateFeature.Call(uintptr(unsafe.Pointer(context)), uintptr(feature), uintptr(unsafe.Pointer(&length)))
	if r1 == 0 || length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r1)), length)
}

func _VirtualAllocEx(process sys.Handle, size uintptr, allocType, protect uint32) (uintptr, error) {
	r1, _, e1 := procVirtualAllocEx.Call(uintptr(process), 0, size, uintptr(allocType), uintptr(protect))
	if r1 == 0 {
		return 0, callErr(e1)
	}
	return r1, nil
}

// _CreateRemoteThread starts a thread in process at start and returns its
// id. The thread handle is closed.
func _CreateRemoteThread(process sys.Handle, start uintptr) (uint32, error) {
	var tid uint32
	r1, _, e1 := procCreateRemoteThread.Call(uintptr(process), 0, 0, start, 0, 0, uintptr(unsafe.Pointer(&tid)))
	if r1 == 0 {
		return 0, callErr(e1)
	}
	sys.CloseHandle(sys.Handle(r1))
	return tid, nil
}

// _GetThreadDescription returns the description of thread. It fails on
// systems older than Windows 10 1607.
func _GetThreadDescription(thread sys.Handle) (string, error) {
	if err := procGetThreadDescription.Find(); err != nil {
		return "", err
	}
	var p *uint16
	r1, _, _ := procGetThreadDescription.Call(uintptr(thread), uintptr(unsafe.Pointer(&p)))
	if int32(r1) < 0 {
		return "", syscall.Errno(r1 & 0xffff)
	}
	defer sys.LocalFree(sys.Handle(unsafe.Pointer(p)))
	return sys.UTF16PtrToString(p), nil
}

func _FlushInstructionCache(process sys.Handle, addr, size uintptr) {
	procFlushInstructionCache.Call(uintptr(process), addr, size)
}
