// Package disabled implements the DisabledRegistry admission filter: a
// persisted set of disabled JobID patterns, backed by the HistoryStore
// (spec.md §4.6).
package disabled

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/tarotech/taro/internal/history"
	"github.com/tarotech/taro/internal/instance"
)

// ErrPersistenceRequired indicates disable/enable/list-disabled was called
// without a persistence layer configured.
var ErrPersistenceRequired = errors.New("persistence required")

// Kind selects how a pattern is matched against a JobID.
type Kind string

const (
	Exact Kind = "exact"
	Regex Kind = "regex"
)

// Record mirrors history.DisabledRecord with a parsed regex, when
// applicable, ready for matching.
type Record struct {
	Pattern string
	Kind    Kind
	At      time.Time
	By      string

	re *regexp.Regexp
}

// store is the subset of *history.Store the Registry needs; declared here so
// tests can substitute a fake.
type store interface {
	Disable(records []history.DisabledRecord) error
	Enable(patterns []string) error
	ListDisabled() ([]history.DisabledRecord, error)
}

// Registry is the admission filter. A nil-backed Registry (no store) fails
// every mutating or listing operation with ErrPersistenceRequired, but
// IsDisabled still works, always returning false, since admission must not
// panic when persistence is off.
type Registry struct {
	store store
}

// New creates a Registry backed by store. Pass nil to build a
// persistence-disabled Registry.
func New(s *history.Store) *Registry {
	if s == nil {
		return &Registry{}
	}
	return &Registry{store: s}
}

// Disable adds the given patterns, attributed to "by" at time "at".
func (r *Registry) Disable(patterns []string, kind Kind, by string, at time.Time) error {
	if r.store == nil {
		return ErrPersistenceRequired
	}

	records := make([]history.DisabledRecord, 0, len(patterns))
	for _, p := range patterns {
		if kind == Regex {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid regex pattern %q: %w", p, err)
			}
		}
		records = append(records, history.DisabledRecord{
			Pattern: p, Kind: string(kind), At: at, By: by,
		})
	}
	return r.store.Disable(records)
}

// Enable removes the given patterns.
func (r *Registry) Enable(patterns []string) error {
	if r.store == nil {
		return ErrPersistenceRequired
	}
	return r.store.Enable(patterns)
}

// List returns every persisted DisabledRecord, with regex patterns
// pre-compiled.
func (r *Registry) List() ([]Record, error) {
	if r.store == nil {
		return nil, ErrPersistenceRequired
	}

	raw, err := r.store.ListDisabled()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(raw))
	for _, rr := range raw {
		rec := Record{Pattern: rr.Pattern, Kind: Kind(rr.Kind), At: rr.At, By: rr.By}
		if rec.Kind == Regex {
			rec.re, _ = regexp.Compile(rec.Pattern)
		}
		out = append(out, rec)
	}
	return out, nil
}

// IsDisabled reports whether job matches any currently disabled pattern.
// With persistence disabled, it always returns false — DisabledRegistry
// simply has nothing to admit against.
func (r *Registry) IsDisabled(job instance.JobID) (bool, error) {
	if r.store == nil {
		return false, nil
	}

	records, err := r.List()
	if err != nil {
		return false, err
	}

	for _, rec := range records {
		switch rec.Kind {
		case Exact:
			if rec.Pattern == string(job) {
				return true, nil
			}
		case Regex:
			if rec.re != nil && rec.re.MatchString(string(job)) {
				return true, nil
			}
		}
	}
	return false, nil
}
