package cmds

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/amd64util"
)

var (
	testProcess = proc.Handle{Index: 2, Gen: 1}
	testThread  = proc.Handle{Index: 3, Gen: 1}
	testModule  = proc.Handle{Index: 4, Gen: 1}
)

// fakeTarget returns one scripted batch of events per Run and records the
// run controls it was given.
type fakeTarget struct {
	batches  [][]proc.Event
	ctrls    []proc.RunCtrls
	entities map[proc.Handle]proc.EntityInfo
	regs     map[proc.Handle]*amd64util.RegBlock
	killed   []proc.Handle
	detached []proc.Handle
}

func newFakeTarget(batches ...[]proc.Event) *fakeTarget {
	return &fakeTarget{
		batches: batches,
		entities: map[proc.Handle]proc.EntityInfo{
			testProcess: {Handle: testProcess, Kind: proc.EntityProcess, ID: 100, FullPath: "/bin/app"},
			testThread:  {Handle: testThread, Parent: testProcess, Kind: proc.EntityThread, ID: 101, Name: "main", State: proc.ThreadStopped},
			testModule:  {Handle: testModule, Parent: testProcess, Kind: proc.EntityModule, ID: 0x555555554000, Name: "/bin/app"},
		},
		regs: map[proc.Handle]*amd64util.RegBlock{
			testThread: {Rip: 0x555555555010, Rsp: 0x7ffc1000},
		},
	}
}

func (ft *fakeTarget) Run(ctrls proc.RunCtrls) []proc.Event {
	ft.ctrls = append(ft.ctrls, ctrls)
	if len(ft.batches) == 0 {
		return []proc.Event{{Kind: proc.EventError, ErrorKind: proc.ErrorNotAttached}}
	}
	evs := ft.batches[0]
	ft.batches = ft.batches[1:]
	return evs
}

func (ft *fakeTarget) Kill(process proc.Handle, exitCode uint32) error {
	ft.killed = append(ft.killed, process)
	ft.batches = append(ft.batches, []proc.Event{
		{Kind: proc.EventExitThread, Process: process, Thread: testThread, Code: uint64(exitCode)},
		{Kind: proc.EventExitProcess, Process: process, Code: uint64(exitCode)},
	})
	return nil
}

func (ft *fakeTarget) Detach(process proc.Handle) error {
	ft.detached = append(ft.detached, process)
	return nil
}

func (ft *fakeTarget) ReadRegisters(thread proc.Handle) (proc.RegBlock, error) {
	regs, ok := ft.regs[thread]
	if !ok {
		return nil, proc.ErrInvalidHandle
	}
	return regs.Copy(), nil
}

func (ft *fakeTarget) Entity(h proc.Handle) (proc.EntityInfo, error) {
	info, ok := ft.entities[h]
	if !ok {
		return proc.EntityInfo{}, proc.ErrInvalidHandle
	}
	return info, nil
}

func (ft *fakeTarget) Children(h proc.Handle, kind proc.EntityKind) ([]proc.EntityInfo, error) {
	var r []proc.EntityInfo
	for _, info := range ft.entities {
		if info.Parent == h && info.Kind == kind {
			r = append(r, info)
		}
	}
	return r, nil
}

func startupEvents() []proc.Event {
	return []proc.Event{
		{Kind: proc.EventCreateProcess, Process: testProcess, Code: 100},
		{Kind: proc.EventCreateThread, Process: testProcess, Thread: testThread, Code: 101},
		{Kind: proc.EventLoadModule, Process: testProcess, Module: testModule, Address: 0x555555554000, Size: 0x3000, String: "/bin/app"},
		{Kind: proc.EventHandshakeComplete, Process: testProcess},
	}
}

func exitEvents(code uint64) []proc.Event {
	return []proc.Event{
		{Kind: proc.EventExitThread, Process: testProcess, Thread: testThread, Code: code},
		{Kind: proc.EventExitProcess, Process: testProcess, Code: code},
	}
}

func runSession(t *testing.T, ft *fakeTarget, specs []trapSpec, steps int) (int, string) {
	t.Helper()
	var buf bytes.Buffer
	s := newSession(ft, newEventPrinter(&buf, false, ft.Entity), specs, steps)
	status := s.loop()
	return status, buf.String()
}

func TestSessionBreakpointStepOver(t *testing.T) {
	ft := newFakeTarget(
		startupEvents(),
		[]proc.Event{{Kind: proc.EventBreakpoint, Process: testProcess, Thread: testThread, Address: 0x555555555010, UserData: 1}},
		[]proc.Event{{Kind: proc.EventSingleStep, Process: testProcess, Thread: testThread}},
		exitEvents(3),
	)
	specs := []trapSpec{
		{module: "app", offset: 0x1010},
		{offset: 0x5000, size: 8, flags: proc.BreakOnWrite},
	}
	status, out := runSession(t, ft, specs, 0)
	if status != 3 {
		t.Errorf("expected status 3; but was %d", status)
	}
	if len(ft.ctrls) != 4 {
		t.Fatalf("expected 4 runs; but was %d", len(ft.ctrls))
	}
	if len(ft.ctrls[0].Traps) != 0 {
		t.Errorf("traps set before the process existed: %v", ft.ctrls[0].Traps)
	}
	tgt := []proc.Trap{
		{Process: testProcess, Vaddr: 0x5000, ID: 2, Flags: proc.BreakOnWrite, Size: 8},
		{Process: testProcess, Vaddr: 0x555555555010, ID: 1},
	}
	if !reflect.DeepEqual(ft.ctrls[1].Traps, tgt) {
		t.Errorf("expected traps %v; but was %v", tgt, ft.ctrls[1].Traps)
	}
	if ft.ctrls[2].SingleStepThread != testThread || len(ft.ctrls[2].Traps) != 0 {
		t.Errorf("breakpoint was not stepped over: %+v", ft.ctrls[2])
	}
	if !reflect.DeepEqual(ft.ctrls[3].Traps, tgt) {
		t.Errorf("traps not restored after the step over: %v", ft.ctrls[3].Traps)
	}
	for _, want := range []string{
		"CreateProcess pid=100",
		"LoadModule pid=100 base=0x555555554000 size=0x3000 /bin/app",
		"Breakpoint pid=100 tid=101 addr=0x555555555010 id=1",
		"pc=0x555555555010 sp=0x7ffc1000",
		"ExitProcess pid=100 code=3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "SingleStep") {
		t.Errorf("step over was reported:\n%s", out)
	}
}

func TestSessionStepAfterBreakpoint(t *testing.T) {
	ft := newFakeTarget(
		startupEvents(),
		[]proc.Event{{Kind: proc.EventBreakpoint, Process: testProcess, Thread: testThread, Address: 0x1000, UserData: 1}},
		[]proc.Event{{Kind: proc.EventSingleStep, Process: testProcess, Thread: testThread}},
		[]proc.Event{{Kind: proc.EventSingleStep, Process: testProcess, Thread: testThread}},
		exitEvents(0),
	)
	status, out := runSession(t, ft, []trapSpec{{offset: 0x1000}}, 2)
	if status != 0 {
		t.Errorf("expected status 0; but was %d", status)
	}
	if len(ft.ctrls) != 5 {
		t.Fatalf("expected 5 runs; but was %d", len(ft.ctrls))
	}
	for i := 2; i <= 3; i++ {
		if ft.ctrls[i].SingleStepThread != testThread || len(ft.ctrls[i].Traps) != 0 {
			t.Errorf("run %d: expected a single step of the thread; but was %+v", i, ft.ctrls[i])
		}
	}
	if !ft.ctrls[4].SingleStepThread.IsNil() || len(ft.ctrls[4].Traps) != 1 {
		t.Errorf("run 4: expected a free run with traps; but was %+v", ft.ctrls[4])
	}
	if n := strings.Count(out, "SingleStep pid=100 tid=101"); n != 2 {
		t.Errorf("expected 2 steps reported; but was %d:\n%s", n, out)
	}
}

func TestSessionHaltKill(t *testing.T) {
	ft := newFakeTarget(
		startupEvents(),
		[]proc.Event{{Kind: proc.EventHalt, UserData: haltKill}},
	)
	status, _ := runSession(t, ft, nil, 0)
	if status != killExitCode {
		t.Errorf("expected status %d; but was %d", killExitCode, status)
	}
	if !reflect.DeepEqual(ft.killed, []proc.Handle{testProcess}) {
		t.Errorf("expected the process killed; but was %v", ft.killed)
	}
}

func TestSessionHaltDetach(t *testing.T) {
	ft := newFakeTarget(
		startupEvents(),
		[]proc.Event{{Kind: proc.EventHalt, UserData: haltDetach}},
	)
	status, out := runSession(t, ft, nil, 0)
	if status != 0 {
		t.Errorf("expected status 0; but was %d", status)
	}
	if !reflect.DeepEqual(ft.detached, []proc.Handle{testProcess}) {
		t.Errorf("expected the process detached; but was %v", ft.detached)
	}
	if len(ft.ctrls) != 2 {
		t.Errorf("expected no run after the detach; but there were %d runs", len(ft.ctrls))
	}
	for _, want := range []string{"process 100 /bin/app", `thread 101 stopped "main" pc=0x555555555010`} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestSessionError(t *testing.T) {
	ft := newFakeTarget(
		startupEvents(),
		[]proc.Event{{Kind: proc.EventError, ErrorKind: proc.ErrorUnexpectedFailure, String: "wait: no child processes"}},
	)
	status, out := runSession(t, ft, nil, 0)
	if status != 1 {
		t.Errorf("expected status 1; but was %d", status)
	}
	if !strings.Contains(out, "Error(UnexpectedFailure) wait: no child processes") {
		t.Errorf("error not reported:\n%s", out)
	}
}

func TestSessionNotAttached(t *testing.T) {
	ft := newFakeTarget()
	if status, _ := runSession(t, ft, nil, 0); status != 0 {
		t.Errorf("expected status 0; but was %d", status)
	}
}
