package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/config"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/native"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// color overrides the color mode of the config file.
	color string

	// workingDir is the working directory for running the program.
	workingDir string
	// envFlags are KEY=VALUE overrides for the launched program.
	envFlags []string
	// tty makes the launched program run on a new pseudo terminal.
	tty bool
	// traceChildren makes forked children of the program debuggees too.
	traceChildren bool
	// cmdline is a command line prepended to the positional arguments.
	cmdline string
	// redirects specifies redirect rules for stdin, stdout and stderr.
	redirects []string

	breakFlags []string
	watchFlags []string
	// stepCount is the number of instructions single stepped after each
	// breakpoint hit.
	stepCount int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const demonCommandLongDesc = `demon is a process control engine for native programs.

It launches or attaches to programs, reports every debug event they
produce (process, thread and module lifecycle, breakpoints, watchpoints,
single steps, exceptions and debug output) and stops them on request.

Pass flags to the program you are launching using ` + "`--`" + `, for example:

` + "`demon launch --break libc.so.6+0x80e50 -- ./server --config conf/config.toml`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil && !docCall {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	// Main demon root command.
	rootCommand = &cobra.Command{
		Use:   "demon",
		Short: "demon drives native programs and reports their debug events.",
		Long:  demonCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable engine logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'demon help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'demon help log').")
	rootCommand.PersistentFlags().StringVar(&color, "color", "", "Colored event output: auto, always or never.")

	// 'ps' subcommand.
	psCommand := &cobra.Command{
		Use:   "ps [prefix]",
		Short: "List processes that can be attached to.",
		Long: `List the processes of the system.

If a prefix is given only processes whose executable name starts with it
are listed, a numeric prefix selects the process with that pid.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(psCmd(cmd, args))
		},
	}
	rootCommand.AddCommand(psCommand)

	// 'launch' subcommand.
	launchCommand := &cobra.Command{
		Use:   "launch [flags] [--] <program> [args...]",
		Short: "Launch a program and report its debug events.",
		Long: `Launch a program under the debugger and report its debug events until
every debuggee has exited.

Breakpoints and watchpoints take an absolute address or module+offset, where
the offset is relative to the load bias of an ELF image or the image base of
a PE image, and the module is a prefix of the image file name. Watchpoints
are ADDR:SIZE:KIND with SIZE 1, 2, 4 or 8 and KIND a combination of r and w,
or x alone.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && cmdline == "" {
				return errors.New("you must provide a program to launch")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(launchCmd(cmd, args))
		},
	}
	launchCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	launchCommand.Flags().StringArrayVar(&envFlags, "env", nil, "Environment override KEY=VALUE, may be repeated.")
	launchCommand.Flags().BoolVar(&tty, "tty", false, "Run the program on a new pseudo terminal.")
	launchCommand.Flags().BoolVar(&traceChildren, "trace-children", false, "Debug forked children of the program too.")
	launchCommand.Flags().StringVar(&cmdline, "cmdline", "", "Program command line, split like a shell would.")
	launchCommand.Flags().StringArrayVarP(&redirects, "redirect", "r", []string{}, "Specifies redirect rules for the program (see 'demon help redirect').")
	addTrapFlags(launchCommand)
	rootCommand.AddCommand(launchCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid|name",
		Short: "Attach to a running process and report its debug events.",
		Long: `Attach to an already running process and report its debug events.

The process is named by pid or by a prefix of its executable name, which
must select a single process. Interrupting demon detaches from the process
when halt-on-interrupt is set in the configuration, and kills it otherwise.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a PID or a process name")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(attachCmd(cmd, args))
		},
	}
	addTrapFlags(attachCommand)
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("demon\n%s\n", version.DemonVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

` + logflags.Help() + `
Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "redirect",
		Short: "Help about file redirection.",
		Long: `The standard file descriptors of the launched program can be redirected
using the '--redirect' command line flag. It can be specified up to three
times, once for each of stdin, stdout and stderr:

	demon launch --redirect stdin:input.txt -r stdout:out.txt -- ./prog

A redirect without a stream prefix applies to stdin. Redirects can not be
combined with --tty.
`,
	})

	rootCommand.SetGlobalNormalizationFunc(normalizeFlag)
	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// normalizeFlag accepts underscores in flag names, --log_output is
// --log-output.
func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func addTrapFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&breakFlags, "break", nil, "Software breakpoint at [module+]ADDR, may be repeated.")
	cmd.Flags().StringArrayVar(&watchFlags, "watch", nil, "Hardware watchpoint [module+]ADDR:SIZE:KIND, may be repeated.")
	cmd.Flags().IntVar(&stepCount, "step", 0, "Number of instructions to single step after a breakpoint is hit.")
}

// setup validates the persistent flags and starts logging.
func setup() error {
	switch colorMode() {
	case config.ColorAuto, config.ColorAlways, config.ColorNever:
	default:
		return fmt.Errorf("invalid --color %q, must be auto, always or never", color)
	}
	lo := logOutput
	if log && lo == "" && conf != nil {
		lo = conf.LogOutput
	}
	return logflags.Setup(log, lo, logDest)
}

func colorMode() config.ColorMode {
	if color != "" {
		return config.ColorMode(color)
	}
	if conf != nil && conf.Color != "" {
		return conf.Color
	}
	return config.ColorAuto
}

func nativeConfig() native.Config {
	if conf == nil {
		return native.DefaultConfig()
	}
	return native.Config{
		LoaderProbes:   conf.UseLoaderProbes(),
		ProbeCacheSize: conf.GetProbeCacheSize(),
	}
}

func newEngine() (*proc.Engine, error) {
	return proc.New(native.New(nativeConfig()))
}

// trapSpecs parses the --break and --watch flags, breakpoints first.
func trapSpecs() ([]trapSpec, error) {
	var specs []trapSpec
	for _, b := range breakFlags {
		s, err := parseBreak(b)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	for _, w := range watchFlags {
		s, err := parseWatch(w)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

func psCmd(cmd *cobra.Command, args []string) int {
	if err := setup(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	e, err := newEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer e.Close()
	infos, err := e.Processes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not list processes: %v\n", err)
		return 1
	}
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	for _, info := range proc.NewProcessIndex(infos).Lookup(prefix) {
		fmt.Printf("%d\t%s\n", info.Pid, info.Name)
	}
	return 0
}

func launchCmd(cmd *cobra.Command, args []string) int {
	if err := setup(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	progArgs := args
	if cmdline != "" {
		v, err := parseCmdline(cmdline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		progArgs = append(v, args...)
	}
	if len(progArgs) == 0 {
		fmt.Fprintln(os.Stderr, "you must provide a program to launch")
		return 1
	}
	specs, err := trapSpecs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	env, err := parseEnv(envFlags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	opts := proc.LaunchOptions{
		Args:              progArgs,
		Dir:               workingDir,
		TraceSubprocesses: traceChildren,
	}
	if conf != nil {
		opts.Env = append(opts.Env, conf.Env...)
		opts.TraceSubprocesses = opts.TraceSubprocesses || conf.TraceSubprocesses
	}
	opts.Env = append(opts.Env, env...)

	closefn, err := applyRedirects(&opts, redirects, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closefn()

	var console *os.File
	if tty {
		ptmx, pts, err := pty.Open()
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not allocate a terminal: %v\n", err)
			return 1
		}
		defer ptmx.Close()
		opts.Stdin, opts.Stdout, opts.Stderr = pts, pts, pts
		opts.Setsid = true
		console = pts
		go io.Copy(os.Stdout, ptmx)
		go io.Copy(ptmx, os.Stdin)
	}

	return execute(func(e *proc.Engine, c *proc.Control) error {
		_, err := c.Launch(opts)
		if console != nil {
			// the child holds its own copy
			console.Close()
		}
		return err
	}, specs)
}

var errRedirectWithTTY = errors.New("--redirect can not be used with --tty")

// applyRedirects opens the files named by the --redirect rules and makes
// them the streams of opts. The returned function closes them.
func applyRedirects(opts *proc.LaunchOptions, rules []string, tty bool) (func(), error) {
	redirs, err := parseRedirects(rules)
	if err != nil {
		return nil, err
	}
	if redirs == [3]string{} {
		return func() {}, nil
	}
	if tty {
		return nil, errRedirectWithTTY
	}
	stdin, stdout, stderr, closefn, err := proc.OpenRedirects(redirs)
	if err != nil {
		return nil, fmt.Errorf("could not open redirects: %v", err)
	}
	opts.Stdin, opts.Stdout, opts.Stderr = stdin, stdout, stderr
	return closefn, nil
}

// parseRedirects maps every redirect rule to its stream.
func parseRedirects(redirects []string) ([3]string, error) {
	r := [3]string{}
	names := [3]string{"stdin", "stdout", "stderr"}
	for _, redirect := range redirects {
		idx := 0
		for i, name := range names {
			pfx := name + ":"
			if strings.HasPrefix(redirect, pfx) {
				idx = i
				redirect = redirect[len(pfx):]
				break
			}
		}
		if r[idx] != "" {
			return r, fmt.Errorf("redirect error: %s redirected twice", names[idx])
		}
		r[idx] = redirect
	}
	return r, nil
}

func attachCmd(cmd *cobra.Command, args []string) int {
	if err := setup(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	specs, err := trapSpecs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return execute(func(e *proc.Engine, c *proc.Control) error {
		pid, err := resolvePid(e, args[0])
		if err != nil {
			return err
		}
		return c.Attach(pid)
	}, specs)
}

// processLister lists the processes of the system.
type processLister interface {
	Processes() ([]proc.ProcessInfo, error)
}

// resolvePid turns a pid or a process name prefix into a pid. An exact
// name match wins over prefix matches.
func resolvePid(pl processLister, arg string) (int, error) {
	if pid, err := strconv.Atoi(arg); err == nil {
		if pid <= 0 {
			return 0, fmt.Errorf("invalid pid: %s", arg)
		}
		return pid, nil
	}
	infos, err := pl.Processes()
	if err != nil {
		return 0, fmt.Errorf("could not list processes: %w", err)
	}
	idx := proc.NewProcessIndex(infos)
	matches := idx.Exact(arg)
	if len(matches) == 0 {
		matches = idx.Lookup(arg)
	}
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("no process named %q", arg)
	case 1:
		return matches[0].Pid, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%q names %d processes:", arg, len(matches))
	for _, m := range matches {
		fmt.Fprintf(&b, "\n\t%d\t%s", m.Pid, m.Name)
	}
	return 0, errors.New(b.String())
}

// execute starts a session with start and runs it to completion.
func execute(start func(*proc.Engine, *proc.Control) error, specs []trapSpec) int {
	e, err := newEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer e.Close()
	c, err := e.BeginControl()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer c.End()

	if err := start(e, c); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	stop := handleInterrupts(e)
	defer stop()

	out := stdoutPrinter(colorMode(), c.Entity)
	return newSession(c, out, specs, stepCount).loop()
}

// handleInterrupts halts the target on every SIGINT until the returned
// function is called.
func handleInterrupts(e *proc.Engine) func() {
	userData := haltKill
	if conf != nil && conf.HaltOnInterrupt {
		userData = haltDetach
	}
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, os.Interrupt)
	go func() {
		for {
			select {
			case <-ch:
				if err := e.Halt(0, userData); err != nil {
					logflags.DemonLogger().Errorf("could not halt: %v", err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
