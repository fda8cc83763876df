// Package latch implements the LatchRegistry coordination primitive that
// gates PENDING instances until a named release arrives (spec.md §4.5).
package latch

import (
	"sync"
	"time"

	"github.com/tarotech/taro/internal/instance"
)

// Waiter is one PENDING instance registered against a latch name.
type Waiter struct {
	InstanceID instance.InstanceID
	LatchName  string
	CreatedAt  time.Time
}

// Registry maps latch name to the ordered set of instances currently
// PENDING under that name.
type Registry struct {
	mutex sync.Mutex
	// waiters preserves registration order per latch name, since release
	// must fire waiters in that order (spec.md §4.5).
	waiters map[string][]Waiter
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{waiters: make(map[string][]Waiter)}
}

// Register records id as waiting on latchName.
func (r *Registry) Register(id instance.InstanceID, latchName string, at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.waiters[latchName] = append(r.waiters[latchName], Waiter{InstanceID: id, LatchName: latchName, CreatedAt: at})
}

// Cancel removes id from whatever latch it is registered under, if any. It
// is used when a PENDING instance is stopped or interrupted before release.
func (r *Registry) Cancel(id instance.InstanceID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for name, ws := range r.waiters {
		for i, w := range ws {
			if w.InstanceID == id {
				r.waiters[name] = append(ws[:i], ws[i+1:]...)
				return
			}
		}
	}
}

// Release removes and returns, in registration order, every waiter
// registered under latchName. The caller is responsible for transitioning
// each returned waiter's instance to RUNNING (or its own handling); per
// spec.md §4.5, by the time Release returns, none of the returned waiters
// remain visible as PENDING under latchName — Registry's own bookkeeping has
// already dropped them, so it is up to the caller to complete the
// transition before any subsequent Release call for the same name could
// observe stale state.
func (r *Registry) Release(latchName string) []Waiter {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ws := r.waiters[latchName]
	delete(r.waiters, latchName)
	return ws
}

// Waiting reports whether any instance is currently PENDING under
// latchName, and how many.
func (r *Registry) Waiting(latchName string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.waiters[latchName])
}
