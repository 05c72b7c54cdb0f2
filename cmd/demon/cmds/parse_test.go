package cmds

import (
	"reflect"
	"testing"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

func TestParseBreak(t *testing.T) {
	testCases := []struct {
		in     string
		tgt    trapSpec
		tgterr bool
	}{
		{"0x401000", trapSpec{offset: 0x401000}, false},
		{"4096", trapSpec{offset: 4096}, false},
		{"libc.so.6+0x80e50", trapSpec{module: "libc.so.6", offset: 0x80e50}, false},
		{"my+app+0x10", trapSpec{module: "my+app", offset: 0x10}, false},
		{"+0x10", trapSpec{}, true},
		{"main", trapSpec{}, true},
	}
	for _, tc := range testCases {
		out, err := parseBreak(tc.in)
		if tc.tgterr {
			if err == nil {
				t.Errorf("%q: expected an error, got %v", tc.in, out)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if out != tc.tgt {
			t.Errorf("%q: expected %#v; but was %#v", tc.in, tc.tgt, out)
		}
	}
}

func TestParseWatch(t *testing.T) {
	testCases := []struct {
		in     string
		tgt    trapSpec
		tgterr string
	}{
		{"0x5000:8:w", trapSpec{offset: 0x5000, size: 8, flags: proc.BreakOnWrite}, ""},
		{"0x5004:4:rw", trapSpec{offset: 0x5004, size: 4, flags: proc.BreakOnRead | proc.BreakOnWrite}, ""},
		{"0x5000:1:r", trapSpec{offset: 0x5000, size: 1, flags: proc.BreakOnRead}, ""},
		{"app+0x1001:1:x", trapSpec{module: "app", offset: 0x1001, size: 1, flags: proc.BreakOnExecute}, ""},
		{"0x5000:8", trapSpec{}, `watchpoint "0x5000:8" is not ADDR:SIZE:KIND`},
		{"0x5000:3:w", trapSpec{}, "watchpoint size must be 1, 2, 4 or 8, not 3"},
		{"0x5002:4:w", trapSpec{}, "watchpoint 0x5002 is not aligned to its size"},
		{"0x5000:8:q", trapSpec{}, `unknown watchpoint kind 'q'`},
		{"0x5000:8:", trapSpec{}, `watchpoint "0x5000:8:" has no kind`},
		{"0x5000:1:wx", trapSpec{}, "execute watchpoints can not also watch data"},
	}
	for _, tc := range testCases {
		out, err := parseWatch(tc.in)
		if tc.tgterr != "" {
			if err == nil {
				t.Errorf("%q: expected error %q, got %v", tc.in, tc.tgterr, out)
			} else if err.Error() != tc.tgterr {
				t.Errorf("%q: expected error %q, got error %q", tc.in, tc.tgterr, err.Error())
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if out != tc.tgt {
			t.Errorf("%q: expected %#v; but was %#v", tc.in, tc.tgt, out)
		}
	}
}

func TestTrapSpecMatches(t *testing.T) {
	s := trapSpec{module: "libc", offset: 0x10}
	if !s.matches("/usr/lib/x86_64-linux-gnu/libc.so.6") {
		t.Errorf("libc prefix did not match libc.so.6")
	}
	if s.matches("/usr/lib/libcrypt.so.1") == false {
		t.Errorf("prefix match expected for libcrypt")
	}
	if s.matches("/lib/ld-linux-x86-64.so.2") {
		t.Errorf("libc matched the loader")
	}
	if (trapSpec{offset: 0x10}).matches("/bin/true") {
		t.Errorf("absolute trap matched a module")
	}
	if got := s.String(); got != "libc+0x10" {
		t.Errorf("expected libc+0x10; but was %s", got)
	}
	w := trapSpec{offset: 0x5000, size: 8, flags: proc.BreakOnWrite}
	if got := w.String(); got != "0x5000:8:w" {
		t.Errorf("expected 0x5000:8:w; but was %s", got)
	}
}

func TestParseCmdline(t *testing.T) {
	out, err := parseCmdline(`./server --name "two words" 'single quoted'`)
	if err != nil {
		t.Fatal(err)
	}
	tgt := []string{"./server", "--name", "two words", "single quoted"}
	if !reflect.DeepEqual(out, tgt) {
		t.Fatalf("expected %q; but was %q", tgt, out)
	}
	if _, err := parseCmdline("a | b"); err == nil {
		t.Errorf("pipelines accepted")
	}
	if _, err := parseCmdline("echo `id`"); err == nil {
		t.Errorf("backticks accepted")
	}
}

func TestParseEnv(t *testing.T) {
	out, err := parseEnv([]string{"A=1", `B='two words' C=`})
	if err != nil {
		t.Fatal(err)
	}
	tgt := []string{"A=1", "B=two words", "C="}
	if !reflect.DeepEqual(out, tgt) {
		t.Fatalf("expected %q; but was %q", tgt, out)
	}
	if _, err := parseEnv([]string{"NOVALUE"}); err == nil {
		t.Errorf("entry without = accepted")
	}
	if _, err := parseEnv([]string{"=x"}); err == nil {
		t.Errorf("entry without key accepted")
	}
}
