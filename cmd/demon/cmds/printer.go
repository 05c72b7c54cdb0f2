package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/config"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

// style is the color class of a printed line.
type style uint8

const (
	normalStyle style = iota
	lifecycleStyle
	moduleStyle
	stopStyle
	failureStyle
	outputStyle
)

const ansiReset = "\x1b[0m"

var defaultEscapes = map[style]string{
	lifecycleStyle: "\x1b[32m",
	moduleStyle:    "\x1b[36m",
	stopStyle:      "\x1b[33m",
	failureStyle:   "\x1b[31m",
	outputStyle:    "\x1b[2m",
}

func styleOf(k proc.EventKind) style {
	switch k {
	case proc.EventCreateProcess, proc.EventExitProcess, proc.EventCreateThread, proc.EventExitThread, proc.EventHandshakeComplete:
		return lifecycleStyle
	case proc.EventLoadModule, proc.EventUnloadModule:
		return moduleStyle
	case proc.EventBreakpoint, proc.EventTrap, proc.EventSingleStep, proc.EventHalt:
		return stopStyle
	case proc.EventException, proc.EventError:
		return failureStyle
	case proc.EventDebugString:
		return outputStyle
	}
	return normalStyle
}

// entityLookup resolves handles for display.
type entityLookup func(proc.Handle) (proc.EntityInfo, error)

// eventPrinter writes one line per event.
type eventPrinter struct {
	w       io.Writer
	escapes map[style]string
	lookup  entityLookup
	// ids remembers the OS ids of entities that were seen alive, exit
	// events refer to entities that are already released.
	ids map[proc.Handle]uint64
}

func newEventPrinter(w io.Writer, colors bool, lookup entityLookup) *eventPrinter {
	p := &eventPrinter{w: w, lookup: lookup, ids: make(map[proc.Handle]uint64)}
	if colors {
		p.escapes = defaultEscapes
	}
	return p
}

// stdoutPrinter returns a printer on standard output honoring the color
// mode.
func stdoutPrinter(mode config.ColorMode, lookup entityLookup) *eventPrinter {
	return newEventPrinter(colorable.NewColorableStdout(), useColors(mode, os.Stdout), lookup)
}

func useColors(mode config.ColorMode, f *os.File) bool {
	switch mode {
	case config.ColorAlways:
		return true
	case config.ColorNever:
		return false
	}
	if strings.ToLower(os.Getenv("TERM")) == "dumb" || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}

func (p *eventPrinter) id(h proc.Handle) (uint64, bool) {
	if h.IsNil() {
		return 0, false
	}
	if id, ok := p.ids[h]; ok {
		return id, true
	}
	if p.lookup == nil {
		return 0, false
	}
	info, err := p.lookup(h)
	if err != nil {
		return 0, false
	}
	p.ids[h] = info.ID
	return info.ID, true
}

func (p *eventPrinter) forget(h proc.Handle) {
	delete(p.ids, h)
}

// format returns the text of ev without colors.
func (p *eventPrinter) format(ev proc.Event) string {
	var b strings.Builder
	b.WriteString(ev.Kind.String())
	if ev.Kind == proc.EventError {
		fmt.Fprintf(&b, "(%s)", ev.ErrorKind)
	}
	if ev.Kind == proc.EventException && ev.ExceptionKind != proc.ExceptionNull {
		fmt.Fprintf(&b, "(%s)", ev.ExceptionKind)
	}
	if id, ok := p.id(ev.Process); ok {
		fmt.Fprintf(&b, " pid=%d", id)
	}
	if id, ok := p.id(ev.Thread); ok {
		fmt.Fprintf(&b, " tid=%d", id)
	}
	switch ev.Kind {
	case proc.EventLoadModule, proc.EventUnloadModule:
		fmt.Fprintf(&b, " base=%#x", ev.Address)
		if ev.Size != 0 {
			fmt.Fprintf(&b, " size=%#x", ev.Size)
		}
		if ev.String != "" {
			fmt.Fprintf(&b, " %s", ev.String)
		}
	case proc.EventExitProcess, proc.EventExitThread:
		fmt.Fprintf(&b, " code=%d", ev.Code)
	case proc.EventBreakpoint:
		fmt.Fprintf(&b, " addr=%#x id=%d", ev.Address, ev.UserData)
		if ev.Flags.IsWatchpoint() {
			fmt.Fprintf(&b, " (%s/%d)", ev.Flags, ev.Size)
		}
	case proc.EventTrap, proc.EventSingleStep:
		if ev.InstructionPointer != 0 {
			fmt.Fprintf(&b, " ip=%#x", ev.InstructionPointer)
		}
		if ev.Code != 0 {
			fmt.Fprintf(&b, " code=%#x", ev.Code)
		}
	case proc.EventException:
		fmt.Fprintf(&b, " code=%#x addr=%#x", ev.Code, ev.Address)
		if ev.Signo != 0 {
			fmt.Fprintf(&b, " signo=%d", ev.Signo)
		}
		if ev.ExceptionRepeated {
			b.WriteString(" second-chance")
		}
	case proc.EventHalt:
		fmt.Fprintf(&b, " code=%d", ev.Code)
	case proc.EventDebugString, proc.EventSetThreadName:
		fmt.Fprintf(&b, " %q", ev.String)
	case proc.EventError:
		if ev.String != "" {
			fmt.Fprintf(&b, " %s", ev.String)
		}
	}
	return b.String()
}

func (p *eventPrinter) event(ev proc.Event) {
	p.line(styleOf(ev.Kind), p.format(ev))
	switch ev.Kind {
	case proc.EventExitProcess:
		p.forget(ev.Process)
	case proc.EventExitThread:
		p.forget(ev.Thread)
	}
}

func (p *eventPrinter) line(st style, s string) {
	if esc, ok := p.escapes[st]; ok {
		fmt.Fprintf(p.w, "%s%s%s\n", esc, s, ansiReset)
		return
	}
	fmt.Fprintln(p.w, s)
}

func (p *eventPrinter) printf(st style, format string, args ...interface{}) {
	p.line(st, fmt.Sprintf(format, args...))
}
