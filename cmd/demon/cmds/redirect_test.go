package cmds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

func TestRedirectFlagRules(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer func() { redirects = nil }()
	for _, tc := range []struct {
		args []string
		want [3]string
		err  string
	}{
		{[]string{"-r", "input.bin"}, [3]string{"input.bin", "", ""}, ""},
		{[]string{"--redirect", "stderr:trace.log"}, [3]string{"", "", "trace.log"}, ""},
		{[]string{"-r", "stdout:out.txt", "-r", "in.txt"}, [3]string{"in.txt", "out.txt", ""}, ""},
		// only the first prefix is a stream name
		{[]string{"-r", "stdout:stderr:x"}, [3]string{"", "stderr:x", ""}, ""},
		// an unknown prefix is part of a stdin path
		{[]string{"-r", "c:\\in.txt"}, [3]string{"c:\\in.txt", "", ""}, ""},
		{[]string{"-r", "stderr:a.log", "-r", "stderr:b.log"}, [3]string{}, "redirect error: stderr redirected twice"},
	} {
		redirects = nil
		launch, _, err := New(true).Find([]string{"launch"})
		if err != nil {
			t.Fatal(err)
		}
		if err := launch.ParseFlags(tc.args); err != nil {
			t.Fatalf("%q: %v", tc.args, err)
		}
		got, err := parseRedirects(redirects)
		if tc.err != "" {
			if err == nil || err.Error() != tc.err {
				t.Errorf("%q: expected error %q; but was %v", tc.args, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.args, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: expected %q; but was %q", tc.args, tc.want, got)
		}
	}
}

func TestApplyRedirects(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(in, []byte("input\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.txt")

	var opts proc.LaunchOptions
	closefn, err := applyRedirects(&opts, []string{in, "stdout:" + out}, false)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Stdin == nil || opts.Stdin.Name() != in {
		t.Errorf("expected stdin %s; but was %v", in, opts.Stdin)
	}
	if opts.Stdout == nil || opts.Stdout.Name() != out {
		t.Errorf("expected stdout %s; but was %v", out, opts.Stdout)
	}
	if opts.Stderr != nil {
		t.Errorf("expected stderr inherited; but was %s", opts.Stderr.Name())
	}
	if _, err := opts.Stdout.WriteString("output\n"); err != nil {
		t.Fatal(err)
	}
	closefn()
	if buf, err := os.ReadFile(out); err != nil || string(buf) != "output\n" {
		t.Errorf("expected stdout file written; but was %q %v", buf, err)
	}

	// nothing to redirect keeps the streams of the debugger, even with --tty
	opts = proc.LaunchOptions{}
	closefn, err = applyRedirects(&opts, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	closefn()
	if opts.Stdin != nil || opts.Stdout != nil || opts.Stderr != nil {
		t.Errorf("streams set without redirects: %+v", opts)
	}

	if _, err := applyRedirects(&opts, []string{"stdout:" + out}, true); err != errRedirectWithTTY {
		t.Errorf("expected %v; but was %v", errRedirectWithTTY, err)
	}
	// a missing stdin file fails before any output file is created
	stderrPath := filepath.Join(dir, "err.txt")
	if _, err := applyRedirects(&opts, []string{filepath.Join(dir, "missing"), "stderr:" + stderrPath}, false); err == nil {
		t.Errorf("missing stdin file accepted")
	}
	if _, err := os.Stat(stderrPath); !os.IsNotExist(err) {
		t.Errorf("expected %s not created; but was %v", stderrPath, err)
	}
}
