package proc

import (
	"fmt"
	"strings"
)

// EventKind is the kind of a debug event.
type EventKind uint8

const (
	EventNull EventKind = iota
	EventError
	EventHandshakeComplete
	EventCreateProcess
	EventExitProcess
	EventCreateThread
	EventExitThread
	EventLoadModule
	EventUnloadModule
	EventBreakpoint
	EventTrap
	EventSingleStep
	EventException
	EventHalt
	EventMemory
	EventDebugString
	EventSetThreadName
	EventSetThreadColor
	EventSetBreakpoint
	EventUnsetBreakpoint
)

var eventKindNames = [...]string{
	EventNull:              "Null",
	EventError:             "Error",
	EventHandshakeComplete: "HandshakeComplete",
	EventCreateProcess:     "CreateProcess",
	EventExitProcess:       "ExitProcess",
	EventCreateThread:      "CreateThread",
	EventExitThread:        "ExitThread",
	EventLoadModule:        "LoadModule",
	EventUnloadModule:      "UnloadModule",
	EventBreakpoint:        "Breakpoint",
	EventTrap:              "Trap",
	EventSingleStep:        "SingleStep",
	EventException:         "Exception",
	EventHalt:              "Halt",
	EventMemory:            "Memory",
	EventDebugString:       "DebugString",
	EventSetThreadName:     "SetThreadName",
	EventSetThreadColor:    "SetThreadColor",
	EventSetBreakpoint:     "SetBreakpoint",
	EventUnsetBreakpoint:   "UnsetBreakpoint",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ErrorKind qualifies an EventError.
type ErrorKind uint8

const (
	ErrorNull ErrorKind = iota
	ErrorNotInitialized
	ErrorNotAttached
	ErrorUnexpectedFailure
	ErrorInvalidHandle
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNotInitialized:
		return "NotInitialized"
	case ErrorNotAttached:
		return "NotAttached"
	case ErrorUnexpectedFailure:
		return "UnexpectedFailure"
	case ErrorInvalidHandle:
		return "InvalidHandle"
	}
	return "Null"
}

// MemoryEventKind qualifies an EventMemory.
type MemoryEventKind uint8

const (
	MemoryNull MemoryEventKind = iota
	MemoryCommit
	MemoryReserve
	MemoryDecommit
	MemoryRelease
)

// ExceptionKind qualifies an EventException.
type ExceptionKind uint8

const (
	ExceptionNull ExceptionKind = iota
	ExceptionMemoryRead
	ExceptionMemoryWrite
	ExceptionMemoryExecute
	ExceptionCppThrow
)

func (k ExceptionKind) String() string {
	switch k {
	case ExceptionMemoryRead:
		return "MemoryRead"
	case ExceptionMemoryWrite:
		return "MemoryWrite"
	case ExceptionMemoryExecute:
		return "MemoryExecute"
	case ExceptionCppThrow:
		return "CppThrow"
	}
	return "Null"
}

// Event is one normalized debug event. Which fields are meaningful depends
// on Kind.
type Event struct {
	Kind          EventKind
	ErrorKind     ErrorKind
	MemoryKind    MemoryEventKind
	ExceptionKind ExceptionKind

	Process Handle
	Thread  Handle
	Module  Handle

	Arch    Arch
	Address uint64
	Size    uint64
	String  string
	Code    uint64
	Flags   TrapFlags
	Signo   int
	SigCode int

	InstructionPointer uint64
	StackPointer       uint64
	UserData           uint64

	ExceptionRepeated bool
}

func (e Event) Format(s fmt.State, verb rune) {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Kind == EventError {
		fmt.Fprintf(&b, "(%s)", e.ErrorKind)
	}
	if !e.Process.IsNil() {
		fmt.Fprintf(&b, " process=%s", e.Process)
	}
	if !e.Thread.IsNil() {
		fmt.Fprintf(&b, " thread=%s", e.Thread)
	}
	if !e.Module.IsNil() {
		fmt.Fprintf(&b, " module=%s", e.Module)
	}
	if e.Address != 0 {
		fmt.Fprintf(&b, " addr=%#x", e.Address)
	}
	if e.Size != 0 {
		fmt.Fprintf(&b, " size=%#x", e.Size)
	}
	if e.InstructionPointer != 0 {
		fmt.Fprintf(&b, " ip=%#x", e.InstructionPointer)
	}
	if e.Signo != 0 {
		fmt.Fprintf(&b, " signo=%d", e.Signo)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " code=%d", e.Code)
	}
	if e.String != "" {
		fmt.Fprintf(&b, " %q", e.String)
	}
	s.Write([]byte(b.String()))
}

func errorEvent(kind ErrorKind) Event {
	return Event{Kind: EventError, ErrorKind: kind}
}
