package proc

// Backend is the OS specific half of the engine. A Backend is driven by a
// single goroutine at a time, the Engine guarantees that every method except
// Halt, ReadMemory, WriteMemory, ReadRegisters and WriteRegisters is called
// by the holder of the control token, and that the gated methods are never
// called concurrently with Run.
type Backend interface {
	// Init binds the backend to the registry it allocates entities in.
	Init(reg *Registry) error

	// Launch starts a new process under the debugger. The events
	// describing the new process are queued and returned by the next Run.
	Launch(opts LaunchOptions) (pid int, err error)
	// Attach attaches to a running process, queueing its events like Launch.
	Attach(pid int) error
	// Kill terminates process. The exit is reported by a later Run.
	Kill(process *Entity, exitCode uint32) error
	// Detach detaches from process and releases its entity.
	Detach(process *Entity) error

	// Halt asks a blocked Run to stop the target and return a Halt event
	// carrying code and userData. It may be called from any goroutine.
	// A Halt while another is pending is a no-op.
	Halt(code, userData uint64) error

	// Run resumes the target as described by plan and returns the events
	// of one reportable step.
	Run(plan *RunPlan) []Event
	// HasPendingProcess returns true if a process is being launched or
	// attached to but its entities were not created yet.
	HasPendingProcess() bool

	ReadMemory(process *Entity, buf []byte, addr uint64) (int, error)
	WriteMemory(process *Entity, data []byte, addr uint64) (int, error)
	ReadRegisters(thread *Entity) (RegBlock, error)
	WriteRegisters(thread *Entity, regs RegBlock) error

	// FullPath returns the full path of a module or process image.
	FullPath(e *Entity) string

	// Processes lists every process of the system.
	Processes() ([]ProcessInfo, error)

	Close() error
}
