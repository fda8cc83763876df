// Package supervisor implements the central registry and façade described in
// spec.md §4.8: admission, control, event subscription, and orchestration of
// the state machine, process runner, latch registry, disabled registry, and
// history store.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tarotech/taro/internal/clock"
	"github.com/tarotech/taro/internal/disabled"
	"github.com/tarotech/taro/internal/eventbus"
	"github.com/tarotech/taro/internal/history"
	"github.com/tarotech/taro/internal/instance"
	"github.com/tarotech/taro/internal/latch"
	"github.com/tarotech/taro/internal/log"
	"github.com/tarotech/taro/internal/outputpump"
	"github.com/tarotech/taro/internal/process"
	"github.com/tarotech/taro/internal/tailbuffer"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "supervisor")

var (
	// ErrUnknownInstance indicates a selector matched no live or historical
	// instance.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrUnknownLatch names the unknown-latch error kind. Release does not
	// return it: releasing a latch with no registered waiters returns a
	// count of zero and a nil error.
	ErrUnknownLatch = errors.New("unknown latch")
	// ErrTimeout indicates Wait's deadline elapsed before predicate matched.
	ErrTimeout = errors.New("timeout")
)

// entry is the Supervisor's bookkeeping for one admitted instance.
type entry struct {
	machine *instance.Machine
	buffer  *tailbuffer.Buffer
	pump    *outputpump.Pump
	handle  *process.Handle
	done    chan struct{}
}

// Supervisor is the façade spec.md §4.8 describes. The zero value is not
// usable; construct with New.
type Supervisor struct {
	clock   clock.Clock
	bus     *eventbus.Bus
	runner  *process.Runner
	latches *latch.Registry
	disabledReg *disabled.Registry
	historyStore *history.Store // nil when persistence is disabled
	actor   string
	tailLines int

	mutex   sync.RWMutex
	entries map[instance.InstanceID]*entry
}

// Config configures a new Supervisor.
type Config struct {
	Clock      clock.Clock
	Runner     *process.Runner
	History    *history.Store // nil disables persistence and disable/enable
	Actor      string
	TailLines  int
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Runner == nil {
		cfg.Runner = process.New(nil)
	}
	return &Supervisor{
		clock:        cfg.Clock,
		bus:          eventbus.New(),
		runner:       cfg.Runner,
		latches:      latch.New(),
		disabledReg:  disabled.New(cfg.History),
		historyStore: cfg.History,
		actor:        cfg.Actor,
		tailLines:    cfg.TailLines,
		entries:      make(map[instance.InstanceID]*entry),
	}
}

// recorder adapts the Supervisor's live entries into instance.Recorder,
// supplying the tail text the bare Snapshot does not carry.
type recorder struct {
	sup *Supervisor
}

func (r recorder) Record(snap instance.Snapshot, createdAt, terminatedAt time.Time) error {
	if r.sup.historyStore == nil {
		return nil
	}

	tail := ""
	r.sup.mutex.RLock()
	e, ok := r.sup.entries[snap.ID]
	r.sup.mutex.RUnlock()
	if ok {
		tail = renderTail(e.buffer.Snapshot())
	}

	var exitCode *int
	if snap.HasExit {
		c := snap.ExitCode
		exitCode = &c
	}

	return r.sup.historyStore.RecordHistory(history.Record{
		InstanceID:   string(snap.ID),
		JobID:        string(snap.JobID),
		Command:      renderCommand(snap.Command),
		CreatedAt:    createdAt,
		TerminatedAt: terminatedAt,
		State:        string(snap.State),
		ExitCode:     exitCode,
		Error:        snap.Error,
		Tail:         tail,
	})
}

func renderCommand(c instance.Command) string {
	out := c.Name
	for _, a := range c.Args {
		out += " " + a
	}
	return out
}

func renderTail(lines []tailbuffer.Line) string {
	out := ""
	for _, l := range lines {
		out += fmt.Sprintf("[%s] %s\n", l.Stream, l.Text)
	}
	return out
}

// Execute admits a new job instance per spec.md §4.8's admission sequence:
// allocate InstanceID, CREATED, consult DisabledRegistry, then either
// DISABLED, PENDING, or RUNNING.
func (s *Supervisor) Execute(spec instance.Spec) (instance.InstanceID, error) {
	if spec.JobID == "" {
		return "", fmt.Errorf("execute: job id required")
	}
	if spec.Command.Name == "" {
		return "", fmt.Errorf("execute: command required")
	}

	now := s.clock.Now()
	id := instance.NewInstanceID(spec.JobID)
	j := instance.New(id, spec.JobID, spec.Command, now, spec.ResourceLimits)
	machine := instance.NewMachine(j, s.bus, recorder{sup: s})

	if err := machine.Admit(now); err != nil {
		return "", err
	}

	e := &entry{
		machine: machine,
		buffer:  tailbuffer.New(s.tailLines),
		done:    make(chan struct{}),
	}

	s.mutex.Lock()
	s.entries[id] = e
	s.mutex.Unlock()

	disabledHit, err := s.disabledReg.IsDisabled(spec.JobID)
	if err != nil {
		logger.Warnf("disabled registry lookup; job: %s, error: %s", spec.JobID, err)
	}
	if disabledHit {
		if err := machine.Transition(instance.Disabled, s.clock.Now()); err != nil {
			return id, err
		}
		close(e.done)
		return id, nil
	}

	if spec.PendingLatch != "" {
		j.SetLatchName(spec.PendingLatch)
		if err := machine.Transition(instance.Pending, s.clock.Now()); err != nil {
			return id, err
		}
		s.latches.Register(id, spec.PendingLatch, s.clock.Now())
		return id, nil
	}

	s.spawn(e, spec.BypassOutput)
	return id, nil
}

// spawn transitions e to RUNNING and starts its process and output pump. It
// assumes the caller holds no lock on s.mutex.
func (s *Supervisor) spawn(e *entry, bypassOutput bool) {
	j := e.machine.Instance()

	if err := e.machine.Transition(instance.Running, s.clock.Now()); err != nil {
		logger.Errorf("transition to running; instance: %s, error: %s", j.ID, err)
		return
	}

	handle, stdout, stderr, err := s.runner.Start(j.Command, j.Limits)
	if err != nil {
		j.SetError(err.Error())
		if tErr := e.machine.Transition(instance.Failed, s.clock.Now()); tErr != nil {
			logger.Errorf("transition to failed after spawn failure; instance: %s, error: %s", j.ID, tErr)
		}
		close(e.done)
		return
	}
	e.handle = handle

	if bypassOutput {
		go drainDiscard(stdout)
		go drainDiscard(stderr)
	} else {
		e.pump = outputpump.New(j.ID, s.clock, s.bus, e.buffer)
		e.pump.Start(stdout, stderr)
	}

	go s.await(e)
}

func (s *Supervisor) await(e *entry) {
	j := e.machine.Instance()

	exitCode, err := s.runner.Await(e.handle)

	if e.pump != nil {
		// Drain remaining buffered lines before the terminal StateChanged is
		// published, per spec.md §5's ordering guarantee.
		e.pump.Wait()
	}

	intent := j.Intent()
	terminal, errText := instance.TerminalFromExit(intent, exitCode, err)
	j.SetExitCode(exitCode)
	if errText != "" {
		j.SetError(errText)
	}

	if tErr := e.machine.Transition(terminal, s.clock.Now()); tErr != nil {
		logger.Errorf("transition to terminal; instance: %s, error: %s", j.ID, tErr)
	}
	e.buffer.Close()
	close(e.done)
}

func drainDiscard(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

// PS returns a snapshot of every live (non-terminal) instance.
func (s *Supervisor) PS() []instance.Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]instance.Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		snap := e.machine.Instance().Snapshot()
		if !snap.State.Terminal() {
			out = append(out, snap)
		}
	}
	return out
}

// resolve returns the entries matching selector: an exact InstanceID match
// takes precedence, otherwise every entry with that JobID.
func (s *Supervisor) resolve(selector string) []*entry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if e, ok := s.entries[instance.InstanceID(selector)]; ok {
		return []*entry{e}
	}

	var matches []*entry
	for _, e := range s.entries {
		if string(e.machine.Instance().JobID) == selector {
			matches = append(matches, e)
		}
	}
	return matches
}

// Stop requests a STOPPED terminal for every instance selector matches.
func (s *Supervisor) Stop(selector string) error {
	return s.terminate(selector, instance.IntentStop)
}

// Interrupt requests an INTERRUPTED terminal for every instance selector
// matches.
func (s *Supervisor) Interrupt(selector string) error {
	return s.terminate(selector, instance.IntentInterrupt)
}

func (s *Supervisor) terminate(selector string, intent instance.TerminationIntent) error {
	matches := s.resolve(selector)
	if len(matches) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, selector)
	}

	for _, e := range matches {
		j := e.machine.Instance()
		switch j.State() {
		case instance.Pending:
			won := setIntent(e, intent)
			if !won {
				continue
			}
			s.latches.Cancel(j.ID)
			terminal := instance.Stopped
			if intent == instance.IntentInterrupt {
				terminal = instance.Interrupted
			}
			if err := e.machine.Transition(terminal, s.clock.Now()); err != nil {
				logger.Errorf("transition pending instance to terminal; instance: %s, error: %s", j.ID, err)
			}
			close(e.done)
		case instance.Running:
			if !setIntent(e, intent) {
				continue
			}
			var err error
			if intent == instance.IntentStop {
				err = s.runner.Stop(e.handle)
			} else {
				err = s.runner.Interrupt(e.handle)
			}
			if err != nil {
				logger.Errorf("signal instance; instance: %s, error: %s", j.ID, err)
			}
		default:
			// Already terminal (or CREATED, a vanishingly short window); no-op.
		}
	}
	return nil
}

func setIntent(e *entry, intent instance.TerminationIntent) bool {
	if intent == instance.IntentStop {
		return e.machine.RequestStop()
	}
	return e.machine.RequestInterrupt()
}

// Release fires every instance PENDING on latchName, in registration order,
// transitioning each to RUNNING before returning. The returned count equals
// the number of instances that were PENDING at call entry.
func (s *Supervisor) Release(latchName string) (int, error) {
	waiters := s.latches.Release(latchName)

	s.mutex.RLock()
	entries := make([]*entry, 0, len(waiters))
	for _, w := range waiters {
		if e, ok := s.entries[w.InstanceID]; ok {
			entries = append(entries, e)
		}
	}
	s.mutex.RUnlock()

	for _, e := range entries {
		s.spawn(e, false)
	}

	return len(entries), nil
}

// Subscribe registers a new event subscription on the Supervisor's bus.
func (s *Supervisor) Subscribe(filter eventbus.Filter, queueSize int, policy eventbus.DropPolicy) *eventbus.Subscription {
	return s.bus.Subscribe(filter, queueSize, policy)
}

// Wait blocks until some instance's state satisfies pred, or timeout
// elapses. A zero or negative timeout returns ErrTimeout immediately unless
// pred already holds for some live instance.
func (s *Supervisor) Wait(pred func(instance.ExecutionState) bool, timeout time.Duration) (instance.Event, error) {
	if ev, ok := s.alreadySatisfied(pred); ok {
		return ev, nil
	}
	if timeout <= 0 {
		return nil, ErrTimeout
	}

	sub := s.bus.Subscribe(eventbus.StateOnly(), 256, eventbus.BlockBrieflyThenDropOldest)
	defer sub.Close()

	deadline := s.clock.After(timeout)
	for {
		select {
		case e := <-sub.Events():
			if sc, ok := e.(instance.StateChanged); ok && pred(sc.To) {
				return sc, nil
			}
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}

func (s *Supervisor) alreadySatisfied(pred func(instance.ExecutionState) bool) (instance.Event, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, e := range s.entries {
		snap := e.machine.Instance().Snapshot()
		if snap.State.Terminal() {
			continue
		}
		if pred(snap.State) {
			return instance.StateChanged{Snapshot: snap, From: snap.State, To: snap.State, Occurred: s.clock.Now()}, true
		}
	}
	return nil, false
}

// Tail returns the current tail-buffer snapshot for id.
func (s *Supervisor) Tail(id instance.InstanceID) ([]tailbuffer.Line, error) {
	s.mutex.RLock()
	e, ok := s.entries[id]
	s.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return e.buffer.Snapshot(), nil
}

// Follow streams id's output lines to fn until the instance reaches a
// terminal state.
func (s *Supervisor) Follow(id instance.InstanceID, done <-chan struct{}, fn func(tailbuffer.Line)) error {
	s.mutex.RLock()
	e, ok := s.entries[id]
	s.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	e.buffer.Follow(done, fn)
	return nil
}

// History queries persisted terminal records.
func (s *Supervisor) History(q history.Query) ([]history.Record, error) {
	if s.historyStore == nil {
		return nil, disabled.ErrPersistenceRequired
	}
	return s.historyStore.Query(q)
}

// Disable adds disabled-job patterns.
func (s *Supervisor) Disable(patterns []string, regex bool, at time.Time) error {
	kind := disabled.Exact
	if regex {
		kind = disabled.Regex
	}
	return s.disabledReg.Disable(patterns, kind, s.actor, at)
}

// Enable removes disabled-job patterns.
func (s *Supervisor) Enable(patterns []string) error {
	return s.disabledReg.Enable(patterns)
}

// ListDisabled returns every persisted disable pattern.
func (s *Supervisor) ListDisabled() ([]disabled.Record, error) {
	return s.disabledReg.List()
}

// Shutdown propagates an interrupt to every live instance and blocks until
// each has reached a terminal state, per spec.md §4.2's supervisor-level
// signal inheritance.
func (s *Supervisor) Shutdown() {
	s.mutex.RLock()
	dones := make([]chan struct{}, 0, len(s.entries))
	for _, e := range s.entries {
		dones = append(dones, e.done)
	}
	s.mutex.RUnlock()

	s.mutex.RLock()
	ids := make([]instance.InstanceID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mutex.RUnlock()

	for _, id := range ids {
		s.mutex.RLock()
		e, ok := s.entries[id]
		s.mutex.RUnlock()
		if !ok {
			continue
		}
		if e.machine.Instance().State().Terminal() {
			continue
		}
		if err := s.terminate(string(id), instance.IntentInterrupt); err != nil {
			logger.Errorf("shutdown interrupt; instance: %s, error: %s", id, err)
		}
	}

	for _, done := range dones {
		<-done
	}
}
