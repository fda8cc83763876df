// Package instance defines the job-instance data model: identifiers, the
// closed set of execution states, and the JobInstance record the Supervisor
// tracks for the lifetime of a single execution.
package instance

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// JobID is a short, caller-chosen identifier for a job definition. It groups
// instances for disable patterns and history queries.
type JobID string

// InstanceID uniquely identifies one execution within the supervisor's
// lifetime.
type InstanceID string

// sequence is a process-wide monotonically increasing counter used to build
// InstanceIDs.
var sequence uint64

// NewInstanceID allocates an InstanceID for the given JobID.
func NewInstanceID(job JobID) InstanceID {
	n := atomic.AddUint64(&sequence, 1)
	return InstanceID(fmt.Sprintf("%s-%d", job, n))
}

// ExecutionState is one member of the closed state set a JobInstance moves
// through.
type ExecutionState string

const (
	None        ExecutionState = "NONE"
	Created     ExecutionState = "CREATED"
	Pending     ExecutionState = "PENDING"
	Disabled    ExecutionState = "DISABLED"
	Running     ExecutionState = "RUNNING"
	Completed   ExecutionState = "COMPLETED"
	Stopped     ExecutionState = "STOPPED"
	Interrupted ExecutionState = "INTERRUPTED"
	Failed      ExecutionState = "FAILED"
)

// Terminal reports whether the state has no outgoing transitions.
func (s ExecutionState) Terminal() bool {
	switch s {
	case Disabled, Completed, Stopped, Interrupted, Failed:
		return true
	default:
		return false
	}
}

// Failure reports whether the state should be counted as a failed execution.
func (s ExecutionState) Failure() bool {
	switch s {
	case Interrupted, Failed:
		return true
	default:
		return false
	}
}

// Command is the external program an instance executes.
type Command struct {
	Name string
	Args []string
}

// Spec describes a request to admit a new JobInstance.
type Spec struct {
	JobID         JobID
	Command       Command
	PendingLatch  string
	BypassOutput  bool
	ResourceLimits *ResourceLimits
}

// ResourceLimits are the optional cgroup constraints placed on an instance's
// process group. A nil *ResourceLimits means unconfined.
type ResourceLimits struct {
	MemoryBytes  uint64
	CPUFraction  float32
	DiskReadBps  uint64
	DiskWriteBps uint64
}

// TerminationIntent records which of stop/interrupt was requested first, if
// any, so the state machine can select the correct terminal state once the
// child exits.
type TerminationIntent int

const (
	// IntentNone indicates no stop/interrupt has been requested.
	IntentNone TerminationIntent = iota
	IntentStop
	IntentInterrupt
)

// JobInstance is one execution of a job: its identity, its command, and its
// mutable lifecycle state. JobInstance is safe for concurrent use; callers
// never mutate its lifecycle fields directly, always through the methods
// below. State and termination intent change only via the
// InstanceStateMachine; the latch name, exit code and error text are set by
// the Supervisor through their exported setters.
type JobInstance struct {
	ID        InstanceID
	JobID     JobID
	Command   Command
	CreatedAt time.Time
	Limits    *ResourceLimits

	mutex         sync.RWMutex
	state         ExecutionState
	stateEnteredAt map[ExecutionState]time.Time
	latchName     string
	exitCode      int
	exitCodeSet   bool
	errText       string
	intent        TerminationIntent
}

// New constructs a JobInstance in the NONE state. Callers should immediately
// drive it to CREATED via the state machine.
func New(id InstanceID, job JobID, cmd Command, at time.Time, limits *ResourceLimits) *JobInstance {
	return &JobInstance{
		ID:             id,
		JobID:          job,
		Command:        cmd,
		CreatedAt:      at,
		Limits:         limits,
		state:          None,
		stateEnteredAt: map[ExecutionState]time.Time{None: at},
	}
}

// State returns the instance's current ExecutionState.
func (j *JobInstance) State() ExecutionState {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.state
}

// EnteredAt returns when the instance entered the given state, and whether
// it has visited that state at all.
func (j *JobInstance) EnteredAt(s ExecutionState) (time.Time, bool) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	t, ok := j.stateEnteredAt[s]
	return t, ok
}

// LatchName returns the latch name the instance was registered under, if any.
func (j *JobInstance) LatchName() string {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.latchName
}

// ExitCode returns the process exit code and whether one has been recorded.
func (j *JobInstance) ExitCode() (int, bool) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.exitCode, j.exitCodeSet
}

// Error returns the last recorded failure description, if any.
func (j *JobInstance) Error() string {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.errText
}

// Intent returns the instance's termination intent.
func (j *JobInstance) Intent() TerminationIntent {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.intent
}

// setIntent records the termination intent if one has not already been set.
// It reports whether this call set the intent (false means a prior intent
// wins, per the first-request-wins tie-break).
func (j *JobInstance) setIntent(i TerminationIntent) bool {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.intent != IntentNone {
		return false
	}
	j.intent = i
	return true
}

// SetLatchName records the latch name the instance is registered under.
func (j *JobInstance) SetLatchName(name string) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.latchName = name
}

// SetExitCode records the process exit code once it is known.
func (j *JobInstance) SetExitCode(code int) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.exitCode = code
	j.exitCodeSet = true
}

// SetError records a human-readable failure description.
func (j *JobInstance) SetError(text string) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.errText = text
}

// Snapshot is an immutable point-in-time copy of a JobInstance, safe to hand
// to callers outside the Supervisor's lock.
type Snapshot struct {
	ID        InstanceID
	JobID     JobID
	Command   Command
	CreatedAt time.Time
	State     ExecutionState
	ExitCode  int
	HasExit   bool
	Error     string
	LatchName string
}

// Snapshot copies the instance's currently visible fields.
func (j *JobInstance) Snapshot() Snapshot {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return Snapshot{
		ID:        j.ID,
		JobID:     j.JobID,
		Command:   j.Command,
		CreatedAt: j.CreatedAt,
		State:     j.state,
		ExitCode:  j.exitCode,
		HasExit:   j.exitCodeSet,
		Error:     j.errText,
		LatchName: j.latchName,
	}
}
