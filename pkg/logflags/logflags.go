// Package logflags holds the per layer log switches of demon and hands out
// the loggers of each layer.
package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const layerKey = "layer"

type layerID int

const (
	layerDemon layerID = iota
	layerPtrace
	layerLoader
	layerRegs
	layerWin32
	numLayers
)

type layer struct {
	name string
	help string
	on   bool
}

var layers = [numLayers]layer{
	layerDemon:  {name: "demon", help: "Log engine operations and every reported event"},
	layerPtrace: {name: "ptrace", help: "Log every ptrace request and wait status (linux only)"},
	layerLoader: {name: "loader", help: "Log auxv, link map, module and loader probe handling"},
	layerRegs:   {name: "regs", help: "Log register and extended state marshaling"},
	layerWin32:  {name: "win32", help: "Log raw debug events (windows only)"},
}

var logOut io.WriteCloser

func loggerOf(id layerID) Logger {
	level := logrus.ErrorLevel
	if layers[id].on {
		level = logrus.DebugLevel
	}
	var out io.Writer
	if logOut != nil {
		out = logOut
	}
	if lf := loggerFactory; lf != nil {
		return lf(layers[id].name, level, out)
	}
	return newLogrusLogger(layers[id].name, level, out)
}

// Demon returns true if the engine and its run loop should log.
func Demon() bool { return layers[layerDemon].on }

// DemonLogger returns a logger for the engine and its run loop.
func DemonLogger() Logger { return loggerOf(layerDemon) }

// Ptrace returns true if every ptrace and wait call should be logged.
func Ptrace() bool { return layers[layerPtrace].on }

func PtraceLogger() Logger { return loggerOf(layerPtrace) }

// Loader returns true if auxv, r_debug, link map and probe handling should
// log.
func Loader() bool { return layers[layerLoader].on }

func LoaderLogger() Logger { return loggerOf(layerLoader) }

func Regs() bool { return layers[layerRegs].on }

func RegsLogger() Logger { return loggerOf(layerRegs) }

// Win32 returns true if raw debug events on windows should be logged.
func Win32() bool { return layers[layerWin32].on }

func Win32Logger() Logger { return loggerOf(layerWin32) }

// Help lists the layers accepted by --log-output, one per line.
func Help() string {
	var b strings.Builder
	for _, l := range layers {
		fmt.Fprintf(&b, "\t%s\t%s\n", l.name, l.help)
	}
	return b.String()
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup enables the comma separated layers of logstr, the demon layer if
// it is empty. A numeric logDest is a file descriptor to log to, any other
// non empty value a file that is created.
func Setup(logFlag bool, logstr, logDest string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = layers[layerDemon].name
	}
	var enable [numLayers]bool
	for _, name := range strings.Split(logstr, ",") {
		name = strings.TrimSpace(name)
		id, ok := lookupLayer(name)
		if !ok {
			return fmt.Errorf("unknown log layer %q", name)
		}
		enable[id] = true
	}
	if logDest != "" {
		out, err := openLogDest(logDest)
		if err != nil {
			return err
		}
		logOut = out
		log.SetOutput(out)
	}
	for id := range layers {
		layers[id].on = enable[id]
	}
	return nil
}

func lookupLayer(name string) (layerID, bool) {
	for id, l := range layers {
		if l.name == name {
			return layerID(id), true
		}
	}
	return 0, false
}

func openLogDest(dest string) (io.WriteCloser, error) {
	if fd, err := strconv.Atoi(dest); err == nil {
		if fd < 0 {
			return nil, fmt.Errorf("invalid log file descriptor %d", fd)
		}
		return os.NewFile(uintptr(fd), "demon-logs"), nil
	}
	fh, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("could not create log file: %v", err)
	}
	return fh, nil
}

// Close closes the log destination, if one was opened.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// textFormatter writes one plain line per entry: time, level, the layer,
// the remaining fields sorted by key and the message.
type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}
	fmt.Fprintf(b, "%s %s ", entry.Time.Format(time.RFC3339), entry.Level.String())
	if l, ok := entry.Data[layerKey]; ok {
		fmt.Fprintf(b, "%v ", l)
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != layerKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%v ", k, entry.Data[k])
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

var textFormatterInstance = &textFormatter{}
