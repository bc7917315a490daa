// SPDX-License-Identifier: GPL-3.0-or-later

// Package filter is the four-hook filter registry and executor the
// dispatcher runs a bundle through at Ingress, Deliver, Originate and
// Egress. Each hook is an independent DAG of named filters; ReadFilters
// inspect only and may run in parallel within a DAG level, WriteFilters may
// mutate and run sequentially.
package filter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/store"
)

// Hook names the four points the dispatcher threads a bundle through.
type Hook int

const (
	// Ingress runs after parsing, before routing; mutations persist and
	// advance the bundle's status to Dispatching.
	Ingress Hook = iota
	// Deliver runs after routing resolves to local delivery, in memory only.
	Deliver
	// Originate runs on locally built bundles before the single persistence
	// step, in memory only.
	Originate
	// Egress runs after dequeue, before CLA.send, in memory only, and may
	// re-run on retry.
	Egress
)

func (h Hook) String() string {
	switch h {
	case Ingress:
		return "Ingress"
	case Deliver:
		return "Deliver"
	case Originate:
		return "Originate"
	case Egress:
		return "Egress"
	default:
		return "Unknown"
	}
}

// Decision is a filter's verdict.
type Decision int

const (
	Continue Decision = iota
	Drop
)

// ReadResult is a ReadFilter's verdict.
type ReadResult struct {
	Decision Decision
	Reason   bpv7.StatusReportReason
}

// WriteResult is a WriteFilter's verdict. MetadataChanged/DataChanged are
// reported by the filter itself, since it alone knows what it touched;
// mutations are applied in place to the meta/bundle pointers passed in.
type WriteResult struct {
	Decision        Decision
	Reason          bpv7.StatusReportReason
	MetadataChanged bool
	DataChanged     bool
}

// ReadFilter inspects a bundle without mutating it.
type ReadFilter func(ctx context.Context, meta *store.BundleMetadata, bundle *bpv7.Bundle) (ReadResult, error)

// WriteFilter may mutate meta and bundle in place.
type WriteFilter func(ctx context.Context, meta *store.BundleMetadata, bundle *bpv7.Bundle) (WriteResult, error)

type kind int

const (
	kindRead kind = iota
	kindWrite
)

type entry struct {
	name  string
	after []string
	kind  kind
	read  ReadFilter
	write WriteFilter
}

// Registry holds the four hooks' filter DAGs.
type Registry struct {
	mu    sync.RWMutex
	hooks map[Hook]map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Hook]map[string]*entry)}
}

// RegisterRead installs a ReadFilter at hook under name, dependent on the
// filters named in after (which must already be registered at the same
// hook).
func (r *Registry) RegisterRead(hook Hook, name string, after []string, f ReadFilter) error {
	return r.register(hook, &entry{name: name, after: after, kind: kindRead, read: f})
}

// RegisterWrite installs a WriteFilter at hook under name.
func (r *Registry) RegisterWrite(hook Hook, name string, after []string, f WriteFilter) error {
	return r.register(hook, &entry{name: name, after: after, kind: kindWrite, write: f})
}

func (r *Registry) register(hook Hook, e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	filters := r.hooks[hook]
	if filters == nil {
		filters = make(map[string]*entry)
		r.hooks[hook] = filters
	}

	if _, exists := filters[e.name]; exists {
		return fmt.Errorf("filter: %s: %q is already registered", hook, e.name)
	}
	for _, dep := range e.after {
		if _, ok := filters[dep]; !ok {
			return fmt.Errorf("filter: %s: %q depends on unregistered filter %q", hook, e.name, dep)
		}
	}

	filters[e.name] = e
	return nil
}

// Unregister removes name from hook. It fails if another registered filter
// at the same hook names it in an after list.
func (r *Registry) Unregister(hook Hook, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	filters := r.hooks[hook]
	if filters == nil {
		return fmt.Errorf("filter: %s: %q is not registered", hook, name)
	}
	if _, ok := filters[name]; !ok {
		return fmt.Errorf("filter: %s: %q is not registered", hook, name)
	}

	for _, e := range filters {
		for _, dep := range e.after {
			if dep == name {
				return fmt.Errorf("filter: %s: %q cannot be unregistered, %q depends on it", hook, name, e.name)
			}
		}
	}

	delete(filters, name)
	return nil
}

// Plan is a prepared execution order for one hook: a sequence of DAG
// levels, each a set of filters with no unresolved dependency on one
// another. Exec groups each level's WriteFilters to run sequentially and
// its ReadFilters to run concurrently.
type Plan struct {
	levels [][]*entry
}

// Prepare briefly takes a read lock, snapshots hook's current filter DAG
// into a Plan, and releases the lock; no lock is held across Exec's
// suspension points.
func (r *Registry) Prepare(hook Hook) Plan {
	r.mu.RLock()
	filters := r.hooks[hook]
	cloned := make(map[string]*entry, len(filters))
	for name, e := range filters {
		cloned[name] = e
	}
	r.mu.RUnlock()

	return Plan{levels: levelize(cloned)}
}

// levelize performs a Kahn's-algorithm layering of filters by their after
// dependencies: each returned level contains every filter whose
// dependencies are all satisfied by the previous levels. Registration
// forbids dangling after references, so every dependency named here exists
// in cloned, and since after may only name already-registered filters a
// cycle can never be constructed in the first place; the explicit check
// below is a defensive backstop, not load-bearing.
func levelize(cloned map[string]*entry) [][]*entry {
	indegree := make(map[string]int, len(cloned))
	dependants := make(map[string][]string, len(cloned))
	for name, e := range cloned {
		indegree[name] = len(e.after)
		for _, dep := range e.after {
			dependants[dep] = append(dependants[dep], name)
		}
	}

	remaining := make(map[string]int, len(indegree))
	for name, deg := range indegree {
		remaining[name] = deg
	}

	var levels [][]*entry
	for len(remaining) > 0 {
		var ready []string
		for name, deg := range remaining {
			if deg == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			// Unreachable given registration's dangling/cycle guarantees.
			break
		}
		sort.Strings(ready)

		level := make([]*entry, 0, len(ready))
		for _, name := range ready {
			level = append(level, cloned[name])
			delete(remaining, name)
		}
		for _, e := range level {
			for _, dependant := range dependants[e.name] {
				remaining[dependant]--
			}
		}
		levels = append(levels, level)
	}
	return levels
}
