// Package cli drives the Taro core for manual exercising: a small,
// in-process subcommand dispatcher modeled on the out-of-scope real CLI,
// following the teacher's flag-based dispatch and numbered exit codes.
package cli

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"time"

	"github.com/tarotech/taro/internal/cgroup"
	"github.com/tarotech/taro/internal/clock"
	"github.com/tarotech/taro/internal/disabled"
	"github.com/tarotech/taro/internal/eventbus"
	"github.com/tarotech/taro/internal/history"
	"github.com/tarotech/taro/internal/instance"
	"github.com/tarotech/taro/internal/log"
	"github.com/tarotech/taro/internal/process"
	"github.com/tarotech/taro/internal/supervisor"
	"github.com/tarotech/taro/internal/tailbuffer"
	"github.com/tarotech/taro/internal/validator"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "cli")

// Exit codes, per spec.md §6: exec mirrors the failure bit; other commands
// use 0/1/2/3.
const (
	ExitSuccess               = 0
	ExitUserError             = 1
	ExitSupervisorUnreachable = 2
	ExitPersistenceRequired   = 3
)

// Run is the entrypoint of the Taro CLI. args excludes the program name
// (i.e., it is os.Args[1:]).
func Run(args []string) int {
	if len(args) == 0 {
		return help("Too few arguments")
	}

	fs := flag.NewFlagSet("taro", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the history/disabled sqlite file; empty disables persistence")
	if err := fs.Parse(args); err != nil {
		return help(err.Error())
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return help("Too few arguments")
	}

	var historyStore *history.Store
	if *dbPath != "" {
		store, err := history.Open(*dbPath)
		if err != nil {
			logger.Errorf("open history store; error: %s", err)
			return ExitSupervisorUnreachable
		}
		defer store.Close()
		historyStore = store
	}

	actor := currentActor()
	sup := supervisor.New(supervisor.Config{
		Clock:   clock.New(),
		Runner:  process.New(limiter()),
		History: historyStore,
		Actor:   actor,
	})

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "exec":
		return runExec(sup, cmdArgs)
	case "ps":
		return runPS(sup)
	case "stop":
		return runStop(sup, cmdArgs)
	case "release":
		return runRelease(sup, cmdArgs)
	case "listen":
		return runListen(sup)
	case "wait":
		return runWait(sup, cmdArgs)
	case "tail":
		return runTail(sup, cmdArgs)
	case "history", "hist":
		return runHistory(sup, cmdArgs)
	case "disable":
		return runDisable(sup, cmdArgs)
	case "enable":
		return runEnable(sup, cmdArgs)
	case "list-disabled":
		return runListDisabled(sup)
	default:
		return help(fmt.Sprintf("Unrecognized subcommand %q.", cmd))
	}
}

// help outputs a general overview of the Taro executable to the user.
func help(text string) int {
	var b strings.Builder
	if text != "" {
		fmt.Fprintf(&b, "\nNotice: %s\n", text)
	}
	b.WriteString(`
Taro launches, monitors, and tracks the lifecycle of arbitrary commands.

Usage:
  taro [global flags] command [args]

Available Commands:
  exec [--pending LATCH] [-b] COMMAND ARGS...   admit and run a job instance
  ps                                            list live instances
  stop JOB-OR-INSTANCE-ID                       request STOPPED terminal
  release LATCH                                 release PENDING waiters
  listen                                        stream StateChanged events
  wait STATE                                    exit 0 when any instance enters STATE
  tail [-f] INSTANCE-ID                         print/follow a tail buffer
  history|hist [--job JOB]                      print history records
  disable [-regex] PATTERN...                   add disabled-job patterns
  enable PATTERN...                             remove disabled-job patterns
  list-disabled                                 list disabled-job patterns

Global Flags:
  -db   path to the sqlite history/disabled file (omit to disable persistence)
`)
	fmt.Fprint(os.Stdout, b.String())
	return ExitUserError
}

// limiter builds a cgroup-backed process.LimitEnforcer when cgroup2 is
// mountable on this host, falling back to an unconfined no-op otherwise —
// resource limits are an optional addition, never a reason exec should fail.
func limiter() *cgroup.Service {
	svc, err := cgroup.NewService()
	if err != nil {
		logger.Warnf("cgroup service unavailable, instances will run unconfined; error: %s", err)
		return cgroup.Disabled()
	}
	return svc
}

func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}

func runExec(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	pending := fs.String("pending", "", "latch name to admit this instance under PENDING")
	bypass := fs.Bool("b", false, "bypass output capture")
	memBytes := fs.Uint64("mem", 0, "cgroup memory ceiling in bytes (0 disables)")
	cpuFraction := fs.Float64("cpu", 0, "cgroup CPU ceiling as a fraction of one core (0 disables)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	rest := fs.Args()

	v := validator.New()
	v.AssertFunc(func() bool { return len(rest) > 0 }, "command empty")
	if err := v.Err(); err != nil {
		fmt.Fprintln(os.Stderr, validator.Format(err.Error()))
		return ExitUserError
	}

	var limits *instance.ResourceLimits
	if *memBytes > 0 || *cpuFraction > 0 {
		limits = &instance.ResourceLimits{
			MemoryBytes: *memBytes,
			CPUFraction: float32(*cpuFraction),
		}
	}

	spec := instance.Spec{
		JobID:          instance.JobID(rest[0]),
		Command:        instance.Command{Name: rest[0], Args: rest[1:]},
		PendingLatch:   *pending,
		BypassOutput:   *bypass,
		ResourceLimits: limits,
	}

	id, err := sup.Execute(spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exec: %s\n", err)
		return ExitUserError
	}

	notifyOnSignal(sup)

	// Block until this specific instance reaches a terminal state.
	terminal := waitForInstance(sup, id)

	fmt.Printf("instance %s: %s\n", id, terminal.State)
	if terminal.Error != "" {
		fmt.Fprintln(os.Stderr, terminal.Error)
	}
	if terminal.State.Failure() {
		return 1
	}
	return ExitSuccess
}

// waitForInstance blocks on a StateChanged subscription scoped to id until it
// reaches a terminal state, then returns its final snapshot.
func waitForInstance(sup *supervisor.Supervisor, id instance.InstanceID) instance.Snapshot {
	sub := sup.Subscribe(eventbus.ForInstance(id), 64, eventbus.BlockBrieflyThenDropOldest)
	defer sub.Close()

	for e := range sub.Events() {
		sc, ok := e.(instance.StateChanged)
		if !ok {
			continue
		}
		if sc.To.Terminal() {
			return sc.Snapshot
		}
	}
	return instance.Snapshot{ID: id}
}

func runPS(sup *supervisor.Supervisor) int {
	for _, snap := range sup.PS() {
		fmt.Printf("%s\t%s\t%s\n", snap.ID, snap.JobID, snap.State)
	}
	return ExitSuccess
}

func runStop(sup *supervisor.Supervisor, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, validator.Format("stop requires exactly one JOB-OR-INSTANCE-ID"))
		return ExitUserError
	}
	if err := sup.Stop(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	return ExitSuccess
}

func runRelease(sup *supervisor.Supervisor, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, validator.Format("release requires exactly one LATCH"))
		return ExitUserError
	}
	count, err := sup.Release(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	fmt.Printf("released %d instance(s)\n", count)
	return ExitSuccess
}

func runListen(sup *supervisor.Supervisor) int {
	sub := sup.Subscribe(eventbus.StateOnly(), 256, eventbus.BlockBrieflyThenDropOldest)
	defer sub.Close()

	stop := notifyOnSignal(sup)
	defer signal.Stop(stop)

	for e := range sub.Events() {
		sc, ok := e.(instance.StateChanged)
		if !ok {
			continue
		}
		fmt.Printf("%s %s -> %s\n", sc.Snapshot.ID, sc.From, sc.To)
	}
	return ExitSuccess
}

func runWait(sup *supervisor.Supervisor, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, validator.Format("wait requires exactly one STATE"))
		return ExitUserError
	}
	target := instance.ExecutionState(strings.ToUpper(args[0]))

	_, err := sup.Wait(func(s instance.ExecutionState) bool { return s == target }, 24*time.Hour)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	return ExitSuccess
}

func runTail(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	follow := fs.Bool("f", false, "follow the tail buffer until the instance terminates")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, validator.Format("tail requires exactly one INSTANCE-ID"))
		return ExitUserError
	}
	id := instance.InstanceID(rest[0])

	if !*follow {
		lines, err := sup.Tail(id)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ExitUserError
		}
		for _, l := range lines {
			fmt.Printf("[%s] %s\n", l.Stream, l.Text)
		}
		return ExitSuccess
	}

	done := make(chan struct{})
	stop := notifyOnSignal(nil)
	defer signal.Stop(stop)
	go func() {
		<-stop
		close(done)
	}()

	err := sup.Follow(id, done, func(l tailbuffer.Line) {
		fmt.Printf("[%s] %s\n", l.Stream, l.Text)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	return ExitSuccess
}

func runHistory(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	jobID := fs.String("job", "", "filter by job id")
	failureOnly := fs.Bool("failures", false, "only show failure-bit terminals")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}

	records, err := sup.History(history.Query{JobID: *jobID, FailureOnly: *failureOnly})
	if err != nil {
		if err == disabled.ErrPersistenceRequired {
			fmt.Fprintln(os.Stderr, err)
			return ExitPersistenceRequired
		}
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}

	for _, r := range records {
		fmt.Printf("%s\t%s\t%s\t%s\n", r.InstanceID, r.JobID, r.State, r.TerminatedAt.Format(time.RFC3339))
	}
	return ExitSuccess
}

func runDisable(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("disable", flag.ContinueOnError)
	regex := fs.Bool("regex", false, "treat patterns as regular expressions")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, validator.Format("disable requires at least one PATTERN"))
		return ExitUserError
	}

	if err := sup.Disable(rest, *regex, time.Now()); err != nil {
		if err == disabled.ErrPersistenceRequired {
			fmt.Fprintln(os.Stderr, err)
			return ExitPersistenceRequired
		}
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	return ExitSuccess
}

func runEnable(sup *supervisor.Supervisor, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, validator.Format("enable requires at least one PATTERN"))
		return ExitUserError
	}
	if err := sup.Enable(args); err != nil {
		if err == disabled.ErrPersistenceRequired {
			fmt.Fprintln(os.Stderr, err)
			return ExitPersistenceRequired
		}
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	return ExitSuccess
}

func runListDisabled(sup *supervisor.Supervisor) int {
	records, err := sup.ListDisabled()
	if err != nil {
		if err == disabled.ErrPersistenceRequired {
			fmt.Fprintln(os.Stderr, err)
			return ExitPersistenceRequired
		}
		fmt.Fprintln(os.Stderr, err)
		return ExitUserError
	}
	for _, r := range records {
		fmt.Printf("%s\t%s\t%s\t%s\n", r.Pattern, r.Kind, r.By, r.At.Format(time.RFC3339))
	}
	return ExitSuccess
}

// notifyOnSignal arranges for sup.Shutdown to run (propagating interrupt to
// every live instance) when the process receives SIGTERM/SIGINT, per
// spec.md §4.2. It returns the raw signal channel. When sup is nil, nothing
// else receives from the channel, so callers needing to react to the signal
// themselves (e.g. to stop following output) can select on it.
func notifyOnSignal(sup *supervisor.Supervisor) chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	if sup != nil {
		go func() {
			<-ch
			sup.Shutdown()
		}()
	}
	return ch
}
