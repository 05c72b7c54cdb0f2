package proc

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeBackend simulates a single process with one thread and a flat
// memory image.
type fakeBackend struct {
	reg     *Registry
	pending bool
	mem     []byte

	mu       sync.Mutex
	halt     chan Event
	halting  bool
	inRun    chan struct{}
	lastPlan *RunPlan
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{mem: make([]byte, 0x100), halt: make(chan Event, 1), inRun: make(chan struct{}, 1)}
}

func (b *fakeBackend) Init(reg *Registry) error { b.reg = reg; return nil }

func (b *fakeBackend) Launch(opts LaunchOptions) (int, error) {
	b.pending = true
	return 42, nil
}

func (b *fakeBackend) Attach(pid int) error {
	b.pending = true
	return nil
}

func (b *fakeBackend) Kill(process *Entity, code uint32) error { return nil }

func (b *fakeBackend) Detach(process *Entity) error {
	b.reg.Release(process)
	return nil
}

func (b *fakeBackend) Halt(code, userData uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halting {
		return nil
	}
	b.halting = true
	b.halt <- Event{Kind: EventHalt, Code: code, UserData: userData}
	return nil
}

func (b *fakeBackend) Run(plan *RunPlan) []Event {
	b.lastPlan = plan
	if b.pending {
		b.pending = false
		p := b.reg.Alloc(b.reg.Root(), EntityProcess, 42)
		th := b.reg.Alloc(p, EntityThread, 42)
		return []Event{
			{Kind: EventCreateProcess, Process: b.reg.HandleFrom(p)},
			{Kind: EventCreateThread, Process: b.reg.HandleFrom(p), Thread: b.reg.HandleFrom(th)},
			{Kind: EventHandshakeComplete, Process: b.reg.HandleFrom(p)},
		}
	}
	b.inRun <- struct{}{}
	ev := <-b.halt
	b.mu.Lock()
	b.halting = false
	b.mu.Unlock()
	return []Event{ev}
}

func (b *fakeBackend) HasPendingProcess() bool { return b.pending }

func (b *fakeBackend) ReadMemory(process *Entity, buf []byte, addr uint64) (int, error) {
	if addr >= uint64(len(b.mem)) {
		return 0, nil
	}
	return copy(buf, b.mem[addr:]), nil
}

func (b *fakeBackend) WriteMemory(process *Entity, data []byte, addr uint64) (int, error) {
	if addr >= uint64(len(b.mem)) {
		return 0, nil
	}
	return copy(b.mem[addr:], data), nil
}

func (b *fakeBackend) ReadRegisters(thread *Entity) (RegBlock, error) {
	return nil, ErrNotSupported
}

func (b *fakeBackend) WriteRegisters(thread *Entity, regs RegBlock) error {
	return ErrNotSupported
}

func (b *fakeBackend) FullPath(e *Entity) string { return e.Name }

func (b *fakeBackend) Processes() ([]ProcessInfo, error) {
	return []ProcessInfo{{Pid: 42, Name: "fake"}}, nil
}

func (b *fakeBackend) Close() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *Control, *fakeBackend) {
	t.Helper()
	b := newFakeBackend()
	e, err := New(b)
	if err != nil {
		t.Fatal(err)
	}
	c, err := e.BeginControl()
	if err != nil {
		t.Fatal(err)
	}
	return e, c, b
}

func TestControlTokenExclusive(t *testing.T) {
	e, c, _ := newTestEngine(t)
	if _, err := e.BeginControl(); !errors.Is(err, ErrControlHeld) {
		t.Fatalf("expected ErrControlHeld; but was %v", err)
	}
	c.End()
	if evs := c.Run(RunCtrls{}); len(evs) != 1 || evs[0].ErrorKind != ErrorNotInitialized {
		t.Fatalf("ended token could still run: %v", evs)
	}
	if _, err := e.BeginControl(); err != nil {
		t.Fatalf("could not take the token after End: %v", err)
	}
}

func TestRunNotAttached(t *testing.T) {
	_, c, _ := newTestEngine(t)
	evs := c.Run(RunCtrls{})
	if len(evs) != 1 || evs[0].Kind != EventError || evs[0].ErrorKind != ErrorNotAttached {
		t.Fatalf("expected a single NotAttached error; but was %v", evs)
	}
}

func TestRunQueuedLaunchEvents(t *testing.T) {
	e, c, _ := newTestEngine(t)
	if _, err := c.Launch(LaunchOptions{Args: []string{"fake"}}); err != nil {
		t.Fatal(err)
	}
	evs := c.Run(RunCtrls{})
	want := []EventKind{EventCreateProcess, EventCreateThread, EventHandshakeComplete}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events; but got %v", len(want), evs)
	}
	for i := range want {
		if evs[i].Kind != want[i] {
			t.Fatalf("event %d: expected %s; but was %s", i, want[i], evs[i].Kind)
		}
	}

	procs, err := e.Children(NilHandle, EntityProcess)
	if err != nil || len(procs) != 1 || procs[0].ID != 42 {
		t.Fatalf("unexpected process list %v (%v)", procs, err)
	}
	if procs[0].Handle != evs[0].Process {
		t.Fatal("process handle in event does not match the registry")
	}
}

func TestRunInvalidHandle(t *testing.T) {
	_, c, _ := newTestEngine(t)
	c.Launch(LaunchOptions{Args: []string{"fake"}})
	evs := c.Run(RunCtrls{})
	p := evs[0].Process
	if err := c.Detach(p); err != nil {
		t.Fatal(err)
	}
	c.Attach(43)
	evs = c.Run(RunCtrls{SingleStepThread: evs[1].Thread})
	if len(evs) != 1 || evs[0].ErrorKind != ErrorInvalidHandle {
		t.Fatalf("expected a single InvalidHandle error; but was %v", evs)
	}
	if err := c.Kill(p, 0); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle; but was %v", err)
	}
}

func TestHaltDuringRunAndBarrier(t *testing.T) {
	e, c, b := newTestEngine(t)
	c.Launch(LaunchOptions{Args: []string{"fake"}})
	p := c.Run(RunCtrls{})[0].Process

	if n, err := e.WriteMemory(p, 0x10, []byte{1, 2, 3}); err != nil || n != 3 {
		t.Fatalf("write while stopped: %d %v", n, err)
	}

	done := make(chan []Event)
	go func() { done <- c.Run(RunCtrls{}) }()
	<-b.inRun

	buf := make([]byte, 3)
	if _, err := e.ReadMemory(p, 0x10, buf); !errors.Is(err, ErrTargetRunning) {
		t.Fatalf("expected ErrTargetRunning while running; but was %v", err)
	}

	if err := e.Halt(7, 99); err != nil {
		t.Fatal(err)
	}
	// a second halt while one is pending is a no-op
	if err := e.Halt(8, 100); err != nil {
		t.Fatal(err)
	}

	var evs []Event
	select {
	case evs = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after halt")
	}
	if len(evs) != 1 || evs[0].Kind != EventHalt || evs[0].Code != 7 || evs[0].UserData != 99 {
		t.Fatalf("expected a single Halt(7, 99); but was %v", evs)
	}

	if n, err := e.ReadMemory(p, 0x10, buf); err != nil || n != 3 || buf[2] != 3 {
		t.Fatalf("read after run: %d %v %v", n, err, buf)
	}
	// partially unmapped range
	if n, _ := c.ReadMemory(p, 0xfe, make([]byte, 4)); n != 2 {
		t.Fatalf("expected a short read of 2 bytes; but was %d", n)
	}
}

func TestProcessIndexLookup(t *testing.T) {
	idx := NewProcessIndex([]ProcessInfo{
		{Pid: 10, Name: "bash"},
		{Pid: 3, Name: "Bash"},
		{Pid: 7, Name: "basic"},
		{Pid: 11, Name: "zsh"},
	})
	got := idx.Lookup("bas")
	if len(got) != 3 || got[0].Pid != 3 || got[1].Pid != 7 || got[2].Pid != 10 {
		t.Fatalf("unexpected lookup result %v", got)
	}
	if got := idx.Lookup("11"); len(got) != 1 || got[0].Name != "zsh" {
		t.Fatalf("lookup by pid failed: %v", got)
	}
	if got := idx.Exact("bash"); len(got) != 2 {
		t.Fatalf("expected two processes named bash; but was %v", got)
	}
	if got := idx.Lookup("nope"); len(got) != 0 {
		t.Fatalf("expected nothing; but was %v", got)
	}
}
