package logflags

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func resetLayers(t *testing.T) {
	t.Cleanup(func() {
		for id := range layers {
			layers[id].on = false
		}
		loggerFactory = nil
		Close()
	})
}

func TestLayerLoggers(t *testing.T) {
	resetLayers(t)
	if err := Setup(true, "ptrace,regs", ""); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		name    string
		enabled func() bool
		logger  func() Logger
		on      bool
	}{
		{"demon", Demon, DemonLogger, false},
		{"ptrace", Ptrace, PtraceLogger, true},
		{"loader", Loader, LoaderLogger, false},
		{"regs", Regs, RegsLogger, true},
		{"win32", Win32, Win32Logger, false},
	} {
		if tc.enabled() != tc.on {
			t.Errorf("%s: expected enabled=%v; but was %v", tc.name, tc.on, tc.enabled())
		}
		l, ok := tc.logger().(*logrusLogger)
		if !ok {
			t.Fatalf("%s: expected a logrus logger; but was %T", tc.name, tc.logger())
		}
		want := logrus.ErrorLevel
		if tc.on {
			want = logrus.DebugLevel
		}
		if l.e.Logger.Level != want {
			t.Errorf("%s: expected level %v; but was %v", tc.name, want, l.e.Logger.Level)
		}
		if l.e.Data[layerKey] != tc.name {
			t.Errorf("%s: expected layer field %q; but was %v", tc.name, tc.name, l.e.Data[layerKey])
		}
		if l.e.Logger.Formatter != textFormatterInstance {
			t.Errorf("%s: expected the text formatter; but was %T", tc.name, l.e.Logger.Formatter)
		}
	}
}

func TestSetupDefaultsToDemon(t *testing.T) {
	resetLayers(t)
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Demon() || Ptrace() || Loader() {
		t.Fatalf("expected only the demon layer; but was demon=%v ptrace=%v loader=%v", Demon(), Ptrace(), Loader())
	}
}

func TestSetupRejects(t *testing.T) {
	resetLayers(t)
	if err := Setup(false, "demon", ""); err != errLogstrWithoutLog {
		t.Errorf("expected %v; but was %v", errLogstrWithoutLog, err)
	}
	err := Setup(true, "demon,gdbwire", "")
	if err == nil || !strings.Contains(err.Error(), `"gdbwire"`) {
		t.Errorf("expected the unknown layer to be named; but was %v", err)
	}
	if Demon() {
		t.Errorf("a rejected --log-output enabled the demon layer")
	}
	if err := Setup(true, "demon", "-3"); err == nil {
		t.Errorf("negative file descriptor accepted")
	}
}

func TestSetupLogDest(t *testing.T) {
	resetLayers(t)
	path := filepath.Join(t.TempDir(), "demon.log")
	if err := Setup(true, "loader", path); err != nil {
		t.Fatal(err)
	}
	LoaderLogger().WithField("base", "0x7f0000000000").Debugf("r_debug at %#x", 0x4010)
	DemonLogger().Debugf("suppressed")
	Close()

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(buf)
	if !strings.Contains(out, " debug loader base=0x7f0000000000 r_debug at 0x4010\n") {
		t.Errorf("unexpected log contents %q", out)
	}
	if strings.Contains(out, "suppressed") {
		t.Errorf("disabled layer wrote %q", out)
	}
}

func TestLoggerFactory(t *testing.T) {
	resetLayers(t)
	if err := Setup(true, "win32", ""); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	var gotLayer string
	var gotLevel logrus.Level
	SetLoggerFactory(func(layer string, level logrus.Level, out io.Writer) Logger {
		gotLayer, gotLevel = layer, level
		if out != nil {
			t.Errorf("expected no log destination; but was %v", out)
		}
		return newLogrusLogger(layer, level, &buf)
	})
	Win32Logger().Infof("EXCEPTION_DEBUG_EVENT")
	if gotLayer != "win32" || gotLevel != logrus.DebugLevel {
		t.Errorf("expected win32 at debug level; but was %s at %v", gotLayer, gotLevel)
	}
	if !strings.HasSuffix(buf.String(), " info win32 EXCEPTION_DEBUG_EVENT\n") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestTextFormatterSortsFields(t *testing.T) {
	e := &logrus.Entry{
		Time:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "thread vanished",
		Data:    logrus.Fields{"tid": 101, layerKey: "ptrace", "pid": 100, "error": "no such process"},
	}
	out, err := textFormatterInstance.Format(e)
	if err != nil {
		t.Fatal(err)
	}
	want := "2024-03-01T12:00:00Z warning ptrace error=no such process pid=100 tid=101 thread vanished\n"
	if string(out) != want {
		t.Errorf("expected %q; but was %q", want, out)
	}
}

func TestHelpListsLayers(t *testing.T) {
	h := Help()
	for _, l := range layers {
		if !strings.Contains(h, "\t"+l.name+"\t") {
			t.Errorf("layer %s missing from %q", l.name, h)
		}
	}
}
