package instance

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tarotech/taro/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "instance")

// ErrIllegalTransition indicates a transition was attempted that the graph
// does not permit from the instance's current state.
var ErrIllegalTransition = errors.New("illegal transition")

// transitions is the permitted transition graph: source state to the set of
// valid sinks. Terminal states have no entry (no outgoing edges).
var transitions = map[ExecutionState]map[ExecutionState]bool{
	None:    {Created: true},
	Created: {Pending: true, Disabled: true, Running: true},
	Pending: {Running: true, Stopped: true, Interrupted: true},
	Running: {Completed: true, Stopped: true, Interrupted: true, Failed: true},
}

// Publisher delivers a published Event to subscribers. EventBus implements
// this interface; it is declared here, rather than imported, to keep this
// package free of a dependency on the bus.
type Publisher interface {
	Publish(Event)
}

// Recorder persists a JobInstance's final snapshot once it reaches a
// terminal state. The Supervisor implements this interface with an adapter
// that writes to the HistoryStore.
type Recorder interface {
	Record(Snapshot, time.Time, time.Time) error
}

// Machine drives a single JobInstance through the transition graph,
// publishing StateChanged events and triggering history persistence on
// terminal transitions.
type Machine struct {
	instance *JobInstance
	bus      Publisher
	history  Recorder
}

// NewMachine creates a Machine for the given instance. bus and history may be
// nil, in which case publishing/persistence are skipped (useful in tests
// that only exercise the transition graph).
func NewMachine(j *JobInstance, bus Publisher, history Recorder) *Machine {
	return &Machine{instance: j, bus: bus, history: history}
}

// Instance returns the JobInstance this Machine drives.
func (m *Machine) Instance() *JobInstance { return m.instance }

// Admit performs the implicit NONE->CREATED transition. Per spec, this step
// does not publish a StateChanged event.
func (m *Machine) Admit(at time.Time) error {
	return m.move(None, Created, at, false)
}

// Transition moves the instance from its current state to "to", publishing a
// StateChanged event and, if "to" is terminal, recording history. Calling
// Transition with to equal to the current state is a no-op (idempotent).
// Any other attempt that the graph does not permit returns
// ErrIllegalTransition.
func (m *Machine) Transition(to ExecutionState, at time.Time) error {
	from := m.instance.State()
	if from == to {
		return nil
	}
	return m.move(from, to, at, true)
}

func (m *Machine) move(from, to ExecutionState, at time.Time, publish bool) error {
	m.instance.mutex.Lock()
	if m.instance.state != from {
		current := m.instance.state
		m.instance.mutex.Unlock()
		if current == to {
			return nil
		}
		return fmt.Errorf("%w: instance %s from %s to %s (actual state %s)", ErrIllegalTransition, m.instance.ID, from, to, current)
	}
	if !transitions[from][to] {
		m.instance.mutex.Unlock()
		return fmt.Errorf("%w: instance %s from %s to %s", ErrIllegalTransition, m.instance.ID, from, to)
	}
	m.instance.state = to
	m.instance.stateEnteredAt[to] = at
	m.instance.mutex.Unlock()

	if !publish {
		return nil
	}

	snapshot := m.instance.Snapshot()
	if m.bus != nil {
		m.bus.Publish(StateChanged{Snapshot: snapshot, From: from, To: to, Occurred: at})
	}

	if to.Terminal() && m.history != nil {
		createdAt, _ := m.instance.EnteredAt(Created)
		// A recording failure is a PersistenceFailure (spec.md §7): the
		// transition and its StateChanged publish already happened, so it is
		// logged rather than returned — the caller's view of the instance's
		// state must not be conflated with the durability of its history.
		if err := m.history.Record(snapshot, createdAt, at); err != nil {
			logger.Errorf("record history; instance: %s, error: %s", m.instance.ID, err)
		}
	}

	return nil
}

// RequestStop sets the instance's termination intent to STOPPED if no intent
// has been set yet (first request wins). It reports whether this call won
// the race.
func (m *Machine) RequestStop() bool {
	return m.instance.setIntent(IntentStop)
}

// RequestInterrupt sets the instance's termination intent to INTERRUPTED if
// no intent has been set yet (first request wins).
func (m *Machine) RequestInterrupt() bool {
	return m.instance.setIntent(IntentInterrupt)
}

// TerminalFromExit selects the terminal ExecutionState and, for FAILED, the
// error text, from a child's exit outcome and the instance's termination
// intent.
func TerminalFromExit(intent TerminationIntent, exitCode int, spawnErr error) (ExecutionState, string) {
	if spawnErr != nil {
		return Failed, spawnErr.Error()
	}
	switch intent {
	case IntentStop:
		return Stopped, ""
	case IntentInterrupt:
		return Interrupted, ""
	}
	if exitCode == 0 {
		return Completed, ""
	}
	return Failed, fmt.Sprintf("exit code %d", exitCode)
}
