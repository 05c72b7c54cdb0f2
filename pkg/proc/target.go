package proc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
)

var (
	// ErrProcessDetached indicates that we detached from the target process.
	ErrProcessDetached = errors.New("detached from the process")

	errControlEnded = errors.New("control token was ended")
)

// Engine owns the entity registry, the access barrier and the OS backend
// of one debug session.
//
// Operations that resume the target or change the set of debuggees need
// the control token returned by BeginControl. Memory and register access
// is available to any goroutine through the Engine methods and to the
// token holder through the Control methods, which skip the barrier.
type Engine struct {
	backend Backend
	reg     *Registry
	barrier Barrier

	mu      sync.Mutex
	control *Control
}

// New creates an engine driving backend.
func New(backend Backend) (*Engine, error) {
	e := &Engine{backend: backend, reg: NewRegistry()}
	if err := backend.Init(e.reg); err != nil {
		return nil, err
	}
	return e, nil
}

// Control is the capability to drive the target. Exactly one Control
// exists at a time.
type Control struct {
	e     *Engine
	ended bool
}

// BeginControl returns the control token.
func (e *Engine) BeginControl() (*Control, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.control != nil {
		return nil, ErrControlHeld
	}
	e.control = &Control{e: e}
	return e.control, nil
}

// End gives up the control token. The Control must not be used afterwards.
func (c *Control) End() {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	if c.e.control == c {
		c.e.control = nil
	}
	c.ended = true
}

// Run resumes the target as described by ctrls and returns the events of
// one reportable step. Failures are reported as EventError events.
func (c *Control) Run(ctrls RunCtrls) []Event {
	if c.ended {
		return []Event{errorEvent(ErrorNotInitialized)}
	}
	e := c.e
	e.barrier.lock()
	defer e.barrier.unlock()

	if len(e.reg.Processes()) == 0 && !e.backend.HasPendingProcess() {
		return []Event{errorEvent(ErrorNotAttached)}
	}
	plan, ok := resolveRunCtrls(e.reg, &ctrls)
	if !ok {
		return []Event{errorEvent(ErrorInvalidHandle)}
	}

	log := logflags.DemonLogger()
	if logflags.Demon() {
		log.Debugf("run: single step %s, %d run entities, %d traps", ctrls.SingleStepThread, len(ctrls.RunEntities), len(ctrls.Traps))
	}
	events := e.backend.Run(plan)
	if logflags.Demon() {
		for _, ev := range events {
			log.Debugf("event: %v", ev)
		}
	}
	return events
}

// Launch starts a new debuggee. Its creation events are returned by the
// next Run.
func (c *Control) Launch(opts LaunchOptions) (int, error) {
	if c.ended {
		return 0, errControlEnded
	}
	if len(opts.Args) == 0 {
		return 0, errors.New("no executable specified")
	}
	c.e.barrier.lock()
	defer c.e.barrier.unlock()
	pid, err := c.e.backend.Launch(opts)
	if err != nil {
		return 0, fmt.Errorf("could not launch %s: %w", opts.Args[0], err)
	}
	logflags.DemonLogger().Infof("launched %s, pid %d", opts.Args[0], pid)
	return pid, nil
}

// Attach attaches to the process with the given pid. Its events are
// returned by the next Run.
func (c *Control) Attach(pid int) error {
	if c.ended {
		return errControlEnded
	}
	c.e.barrier.lock()
	defer c.e.barrier.unlock()
	if !c.e.reg.FindByID(EntityProcess, uint64(pid)).IsNil() {
		return fmt.Errorf("already attached to %d", pid)
	}
	if err := c.e.backend.Attach(pid); err != nil {
		return fmt.Errorf("could not attach to pid %d: %w", pid, err)
	}
	logflags.DemonLogger().Infof("attached to pid %d", pid)
	return nil
}

// Kill terminates process with exitCode. The ExitProcess event is
// returned by the next Run.
func (c *Control) Kill(process Handle, exitCode uint32) error {
	if c.ended {
		return errControlEnded
	}
	c.e.barrier.lock()
	defer c.e.barrier.unlock()
	p, err := c.e.resolve(process, EntityProcess)
	if err != nil {
		return err
	}
	return c.e.backend.Kill(p, exitCode)
}

// Detach lets process run freely and forgets about it. Every handle to the
// process, its threads and modules becomes invalid.
func (c *Control) Detach(process Handle) error {
	if c.ended {
		return errControlEnded
	}
	c.e.barrier.lock()
	defer c.e.barrier.unlock()
	p, err := c.e.resolve(process, EntityProcess)
	if err != nil {
		return err
	}
	return c.e.backend.Detach(p)
}

func (c *Control) ReadMemory(process Handle, addr uint64, buf []byte) (int, error) {
	p, err := c.e.resolve(process, EntityProcess)
	if err != nil {
		return 0, err
	}
	return c.e.backend.ReadMemory(p, buf, addr)
}

func (c *Control) WriteMemory(process Handle, addr uint64, data []byte) (int, error) {
	p, err := c.e.resolve(process, EntityProcess)
	if err != nil {
		return 0, err
	}
	return c.e.backend.WriteMemory(p, data, addr)
}

func (c *Control) ReadRegisters(thread Handle) (RegBlock, error) {
	t, err := c.e.resolve(thread, EntityThread)
	if err != nil {
		return nil, err
	}
	return c.e.backend.ReadRegisters(t)
}

func (c *Control) WriteRegisters(thread Handle, regs RegBlock) error {
	t, err := c.e.resolve(thread, EntityThread)
	if err != nil {
		return err
	}
	return c.e.backend.WriteRegisters(t, regs)
}

// Entity returns a snapshot of the entity h refers to.
func (c *Control) Entity(h Handle) (EntityInfo, error) {
	return c.e.entityInfo(h)
}

// Children returns snapshots of the children of h with the given kind.
// NilHandle stands for the root.
func (c *Control) Children(h Handle, kind EntityKind) ([]EntityInfo, error) {
	return c.e.children(h, kind)
}

// ReadMemory reads target memory from any goroutine. A short count means
// the range is partially unmapped.
func (e *Engine) ReadMemory(process Handle, addr uint64, buf []byte) (int, error) {
	if err := e.barrier.Enter(); err != nil {
		return 0, err
	}
	defer e.barrier.Leave()
	p, err := e.resolve(process, EntityProcess)
	if err != nil {
		return 0, err
	}
	return e.backend.ReadMemory(p, buf, addr)
}

// WriteMemory writes target memory from any goroutine.
func (e *Engine) WriteMemory(process Handle, addr uint64, data []byte) (int, error) {
	if err := e.barrier.Enter(); err != nil {
		return 0, err
	}
	defer e.barrier.Leave()
	p, err := e.resolve(process, EntityProcess)
	if err != nil {
		return 0, err
	}
	return e.backend.WriteMemory(p, data, addr)
}

// ReadRegisters reads the registers of a stopped thread from any goroutine.
func (e *Engine) ReadRegisters(thread Handle) (RegBlock, error) {
	if err := e.barrier.Enter(); err != nil {
		return nil, err
	}
	defer e.barrier.Leave()
	t, err := e.resolve(thread, EntityThread)
	if err != nil {
		return nil, err
	}
	return e.backend.ReadRegisters(t)
}

// WriteRegisters writes the registers of a stopped thread from any goroutine.
func (e *Engine) WriteRegisters(thread Handle, regs RegBlock) error {
	if err := e.barrier.Enter(); err != nil {
		return err
	}
	defer e.barrier.Leave()
	t, err := e.resolve(thread, EntityThread)
	if err != nil {
		return err
	}
	return e.backend.WriteRegisters(t, regs)
}

// Halt interrupts a Run blocked in another goroutine. The Run returns a
// single Halt event carrying code and userData.
func (e *Engine) Halt(code, userData uint64) error {
	return e.backend.Halt(code, userData)
}

// Processes lists the processes of the system, for attach target
// discovery.
func (e *Engine) Processes() ([]ProcessInfo, error) {
	return e.backend.Processes()
}

// Entity returns a snapshot of the entity h refers to.
func (e *Engine) Entity(h Handle) (EntityInfo, error) {
	if err := e.barrier.Enter(); err != nil {
		return EntityInfo{}, err
	}
	defer e.barrier.Leave()
	return e.entityInfo(h)
}

// Children returns snapshots of the children of h with the given kind.
func (e *Engine) Children(h Handle, kind EntityKind) ([]EntityInfo, error) {
	if err := e.barrier.Enter(); err != nil {
		return nil, err
	}
	defer e.barrier.Leave()
	return e.children(h, kind)
}

// Close releases the backend.
func (e *Engine) Close() error {
	return e.backend.Close()
}

// EntityInfo is an immutable copy of the public fields of an entity.
type EntityInfo struct {
	Handle Handle
	Parent Handle
	Kind   EntityKind
	Arch   Arch
	ID     uint64
	Name   string
	// FullPath is the resolved path of modules and process images.
	FullPath string
	Size     uint64
	State    ThreadState
}

func (e *Engine) resolve(h Handle, kind EntityKind) (*Entity, error) {
	en := e.reg.EntityFrom(h)
	if en.IsNil() {
		return nil, ErrInvalidHandle
	}
	if en.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrInvalidHandle, h, en.Kind, kind)
	}
	return en, nil
}

func (e *Engine) snapshot(en *Entity) EntityInfo {
	info := EntityInfo{
		Handle: e.reg.HandleFrom(en),
		Parent: e.reg.HandleFrom(e.reg.Parent(en)),
		Kind:   en.Kind,
		Arch:   en.Arch,
		ID:     en.ID,
		Name:   en.Name,
		Size:   en.Size,
		State:  en.State,
	}
	if en.Kind == EntityModule || en.Kind == EntityProcess {
		info.FullPath = e.backend.FullPath(en)
	}
	return info
}

func (e *Engine) entityInfo(h Handle) (EntityInfo, error) {
	en := e.reg.EntityFrom(h)
	if en.IsNil() {
		return EntityInfo{}, ErrInvalidHandle
	}
	return e.snapshot(en), nil
}

func (e *Engine) children(h Handle, kind EntityKind) ([]EntityInfo, error) {
	parent := e.reg.Root()
	if !h.IsNil() {
		parent = e.reg.EntityFrom(h)
		if parent.IsNil() {
			return nil, ErrInvalidHandle
		}
	}
	var r []EntityInfo
	for _, c := range e.reg.Children(parent, kind) {
		r = append(r, e.snapshot(c))
	}
	return r, nil
}
