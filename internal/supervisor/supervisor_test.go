package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tarotech/taro/internal/clock"
	"github.com/tarotech/taro/internal/disabled"
	"github.com/tarotech/taro/internal/eventbus"
	"github.com/tarotech/taro/internal/history"
	"github.com/tarotech/taro/internal/instance"
	"github.com/tarotech/taro/internal/process"
)

func newTestSupervisor(t *testing.T, withHistory bool) *Supervisor {
	t.Helper()

	var store *history.Store
	if withHistory {
		path := filepath.Join(t.TempDir(), "history.db")
		s, err := history.Open(path)
		if err != nil {
			t.Fatalf("history.Open() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		store = s
	}

	return New(Config{
		Clock:   clock.New(),
		Runner:  process.New(nil),
		History: store,
		Actor:   "test-actor",
	})
}

func waitTerminal(t *testing.T, s *Supervisor, id instance.InstanceID) instance.Snapshot {
	t.Helper()
	sub := s.Subscribe(eventbus.ForInstance(id), 16, eventbus.BlockBrieflyThenDropOldest)
	defer sub.Close()

	// The terminal StateChanged may have been published before the
	// subscription existed (stopping a PENDING instance publishes inside
	// Stop), so check the instance's current state first.
	s.mutex.RLock()
	e, ok := s.entries[id]
	s.mutex.RUnlock()
	if ok {
		if snap := e.machine.Instance().Snapshot(); snap.State.Terminal() {
			return snap
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if sc, ok := e.(instance.StateChanged); ok && sc.To.Terminal() {
				return sc.Snapshot
			}
		case <-deadline:
			t.Fatalf("instance %s did not reach a terminal state in time", id)
		}
	}
}

func TestSupervisor_ExecuteRunsToCompletion(t *testing.T) {
	s := newTestSupervisor(t, false)

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "true"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snap := waitTerminal(t, s, id)
	if snap.State != instance.Completed {
		t.Fatalf("State() = %s, want COMPLETED", snap.State)
	}
}

func TestSupervisor_ExecuteNonZeroExitFails(t *testing.T) {
	s := newTestSupervisor(t, false)

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "false"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snap := waitTerminal(t, s, id)
	if snap.State != instance.Failed {
		t.Fatalf("State() = %s, want FAILED", snap.State)
	}
}

func TestSupervisor_PendingLatchBlocksUntilReleased(t *testing.T) {
	s := newTestSupervisor(t, false)

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "true"}, PendingLatch: "morning"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	ps := s.PS()
	if len(ps) != 1 || ps[0].State != instance.Pending {
		t.Fatalf("PS() = %+v, want one PENDING instance", ps)
	}

	count, err := s.Release("morning")
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Release() count = %d, want 1", count)
	}

	snap := waitTerminal(t, s, id)
	if snap.State != instance.Completed {
		t.Fatalf("State() = %s, want COMPLETED", snap.State)
	}
}

func TestSupervisor_StopPendingInstanceCancelsLatch(t *testing.T) {
	s := newTestSupervisor(t, false)

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "true"}, PendingLatch: "never"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := s.Stop(string(id)); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	snap := waitTerminal(t, s, id)
	if snap.State != instance.Stopped {
		t.Fatalf("State() = %s, want STOPPED", snap.State)
	}

	if n, _ := s.Release("never"); n != 0 {
		t.Fatalf("Release() after Stop = %d, want 0 (latch should be cancelled)", n)
	}
}

func TestSupervisor_StopRunningInstance(t *testing.T) {
	s := newTestSupervisor(t, false)

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "sleep", Args: []string{"5"}}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := s.Stop(string(id)); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	snap := waitTerminal(t, s, id)
	if snap.State != instance.Stopped {
		t.Fatalf("State() = %s, want STOPPED", snap.State)
	}
}

func TestSupervisor_StopUnknownInstance(t *testing.T) {
	s := newTestSupervisor(t, false)
	if err := s.Stop("no-such-instance"); err == nil {
		t.Fatal("Stop() on unknown selector should error")
	}
}

func TestSupervisor_DisabledJobIsAdmittedDisabled(t *testing.T) {
	s := newTestSupervisor(t, true)

	if err := s.Disable([]string{"job-a"}, false, time.Now()); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "true"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	ps := s.PS()
	for _, snap := range ps {
		if snap.ID == id {
			t.Fatalf("disabled instance should not be live: %+v", snap)
		}
	}

	s.mutex.RLock()
	e, ok := s.entries[id]
	s.mutex.RUnlock()
	if !ok || e.machine.Instance().State() != instance.Disabled {
		t.Fatalf("instance %s was not admitted as DISABLED", id)
	}
}

func TestSupervisor_DisableRequiresPersistence(t *testing.T) {
	s := newTestSupervisor(t, false)
	if err := s.Disable([]string{"job-a"}, false, time.Now()); err != disabled.ErrPersistenceRequired {
		t.Fatalf("Disable() error = %v, want ErrPersistenceRequired", err)
	}
}

func TestSupervisor_WaitAlreadySatisfiedReturnsImmediately(t *testing.T) {
	s := newTestSupervisor(t, false)

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "true"}, PendingLatch: "latch"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	_ = id

	_, err = s.Wait(func(st instance.ExecutionState) bool { return st == instance.Pending }, 0)
	if err != nil {
		t.Fatalf("Wait() error = %v, want nil (already satisfied)", err)
	}
}

func TestSupervisor_WaitTimesOut(t *testing.T) {
	s := newTestSupervisor(t, false)
	_, err := s.Wait(func(st instance.ExecutionState) bool { return st == instance.Failed }, 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
}

func TestSupervisor_TailAndHistory(t *testing.T) {
	s := newTestSupervisor(t, true)

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "echo", Args: []string{"hello"}}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	waitTerminal(t, s, id)

	records, err := s.History(history.Query{JobID: "job-a"})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(records) != 1 || records[0].InstanceID != string(id) {
		t.Fatalf("History() = %+v, want one record for %s", records, id)
	}
	if records[0].Tail == "" {
		t.Fatal("recorded Tail should capture the instance's output")
	}
}

func TestSupervisor_BypassOutputSkipsCapture(t *testing.T) {
	s := newTestSupervisor(t, false)

	id, err := s.Execute(instance.Spec{JobID: "job-a", Command: instance.Command{Name: "echo", Args: []string{"hello"}}, BypassOutput: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	waitTerminal(t, s, id)

	lines, err := s.Tail(id)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("Tail() with BypassOutput = %+v, want empty", lines)
	}
}
