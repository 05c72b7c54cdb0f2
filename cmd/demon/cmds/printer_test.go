package cmds

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/config"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

func TestEventFormat(t *testing.T) {
	ft := newFakeTarget()
	p := newEventPrinter(nil, false, ft.Entity)
	testCases := []struct {
		ev  proc.Event
		tgt string
	}{
		{proc.Event{Kind: proc.EventCreateThread, Process: testProcess, Thread: testThread, Code: 101}, "CreateThread pid=100 tid=101"},
		{proc.Event{Kind: proc.EventBreakpoint, Process: testProcess, Thread: testThread, Address: 0x5000, UserData: 2, Flags: proc.BreakOnWrite, Size: 8}, "Breakpoint pid=100 tid=101 addr=0x5000 id=2 (w/8)"},
		{proc.Event{Kind: proc.EventException, ExceptionKind: proc.ExceptionMemoryWrite, Process: testProcess, Thread: testThread, Code: 0xc0000005, Address: 0x10, ExceptionRepeated: true}, "Exception(MemoryWrite) pid=100 tid=101 code=0xc0000005 addr=0x10 second-chance"},
		{proc.Event{Kind: proc.EventException, Process: testProcess, Thread: testThread, Code: 11, Signo: 11}, "Exception pid=100 tid=101 code=0xb addr=0x0 signo=11"},
		{proc.Event{Kind: proc.EventDebugString, Process: testProcess, Thread: testThread, String: "hello\n"}, `DebugString pid=100 tid=101 "hello\n"`},
		{proc.Event{Kind: proc.EventSetThreadName, Process: testProcess, Thread: testThread, String: "worker"}, `SetThreadName pid=100 tid=101 "worker"`},
		{proc.Event{Kind: proc.EventHalt, Code: 7}, "Halt code=7"},
		{proc.Event{Kind: proc.EventError, ErrorKind: proc.ErrorInvalidHandle}, "Error(InvalidHandle)"},
		{proc.Event{Kind: proc.EventSingleStep, Process: proc.Handle{Index: 40, Gen: 2}}, "SingleStep"},
	}
	for _, tc := range testCases {
		if out := p.format(tc.ev); out != tc.tgt {
			t.Errorf("expected %q; but was %q", tc.tgt, out)
		}
	}
}

func TestEventPrinterReleasedEntities(t *testing.T) {
	ft := newFakeTarget()
	var buf bytes.Buffer
	p := newEventPrinter(&buf, false, ft.Entity)
	p.event(proc.Event{Kind: proc.EventCreateThread, Process: testProcess, Thread: testThread})
	// the backend releases entities before their exit events are printed
	delete(ft.entities, testThread)
	delete(ft.entities, testProcess)
	p.event(proc.Event{Kind: proc.EventExitThread, Process: testProcess, Thread: testThread, Code: 4})
	p.event(proc.Event{Kind: proc.EventExitProcess, Process: testProcess, Code: 4})
	tgt := "CreateThread pid=100 tid=101\nExitThread pid=100 tid=101 code=4\nExitProcess pid=100 code=4\n"
	if buf.String() != tgt {
		t.Fatalf("expected %q; but was %q", tgt, buf.String())
	}
	if len(p.ids) != 0 {
		t.Errorf("exited entities still cached: %v", p.ids)
	}
}

func TestEventPrinterColors(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, true, nil)
	p.event(proc.Event{Kind: proc.EventError, ErrorKind: proc.ErrorNotAttached})
	p.printf(normalStyle, "\tpc=%#x", 0x10)
	lines := strings.Split(buf.String(), "\n")
	if lines[0] != "\x1b[31mError(NotAttached)\x1b[0m" {
		t.Errorf("expected a red error line; but was %q", lines[0])
	}
	if lines[1] != "\tpc=0x10" {
		t.Errorf("expected an uncolored line; but was %q", lines[1])
	}
}

func TestUseColors(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if !useColors(config.ColorAlways, f) {
		t.Errorf("always did not color a file")
	}
	if useColors(config.ColorNever, os.Stdout) {
		t.Errorf("never colored stdout")
	}
	if useColors(config.ColorAuto, f) {
		t.Errorf("auto colored a regular file")
	}
}
