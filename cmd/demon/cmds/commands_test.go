package cmds

import (
	"errors"
	"strings"
	"testing"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

type fakeLister []proc.ProcessInfo

func (fl fakeLister) Processes() ([]proc.ProcessInfo, error) {
	if fl == nil {
		return nil, errors.New("no /proc")
	}
	return fl, nil
}

func TestResolvePid(t *testing.T) {
	fl := fakeLister{
		{Pid: 10, Name: "nginx"},
		{Pid: 11, Name: "nginx"},
		{Pid: 20, Name: "postgres"},
		{Pid: 30, Name: "server"},
		{Pid: 31, Name: "server-helper"},
	}
	testCases := []struct {
		in     string
		tgt    int
		tgterr string
	}{
		{"4242", 4242, ""},
		{"post", 20, ""},
		{"server", 30, ""},
		{"Server-H", 31, ""},
		{"nginx", 0, "\"nginx\" names 2 processes:\n\t10\tnginx\n\t11\tnginx"},
		{"mysql", 0, `no process named "mysql"`},
		{"-3", 0, "invalid pid: -3"},
	}
	for _, tc := range testCases {
		pid, err := resolvePid(fl, tc.in)
		if tc.tgterr != "" {
			if err == nil || err.Error() != tc.tgterr {
				t.Errorf("%q: expected error %q; but was %v", tc.in, tc.tgterr, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if pid != tc.tgt {
			t.Errorf("%q: expected %d; but was %d", tc.in, tc.tgt, pid)
		}
	}
	if _, err := resolvePid(fakeLister(nil), "nginx"); err == nil || !strings.Contains(err.Error(), "no /proc") {
		t.Errorf("listing error not reported: %v", err)
	}
}

func TestCommandTree(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	root := New(true)
	for _, name := range []string{"ps", "launch", "attach", "version", "log"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %s missing: %v", name, err)
		}
	}
	launch, _, _ := root.Find([]string{"launch"})
	for _, flag := range []string{"wd", "env", "tty", "trace-children", "cmdline", "break", "watch", "step"} {
		if launch.Flags().Lookup(flag) == nil {
			t.Errorf("launch has no --%s", flag)
		}
	}
	for _, flag := range []string{"log", "log-output", "log-dest", "color"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("root has no --%s", flag)
		}
	}
	if root.PersistentFlags().Lookup("log_output") == nil {
		t.Errorf("underscored flag name not normalized")
	}
	if launch.Flags().Lookup("trace_children") == nil {
		t.Errorf("underscored flag name not normalized on a subcommand")
	}
	if conf == nil || !conf.HaltOnInterrupt {
		t.Errorf("default configuration not loaded: %+v", conf)
	}
}

func TestTrapSpecsFromFlags(t *testing.T) {
	defer func() { breakFlags, watchFlags = nil, nil }()
	breakFlags = []string{"0x1000", "libc+0x20"}
	watchFlags = []string{"0x5000:4:rw"}
	specs, err := trapSpecs()
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 || specs[0].offset != 0x1000 || specs[1].module != "libc" || !specs[2].flags.IsWatchpoint() {
		t.Fatalf("unexpected specs %v", specs)
	}
	watchFlags = []string{"0x5000:4"}
	if _, err := trapSpecs(); err == nil {
		t.Errorf("bad watchpoint accepted")
	}
}

func TestSetupRejectsColor(t *testing.T) {
	defer func() { color = "" }()
	color = "sometimes"
	if err := setup(); err == nil {
		t.Errorf("invalid color accepted")
	}
}
