// Package host locates capabilities inside the host by the set of names a
// module exports and adapts them to narrow interfaces. Nothing outside this
// package depends on the matching mechanism.
package host

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSignatureMismatch is returned when a module exports the expected names
// but with unexpected shapes, which usually means the host changed.
var ErrSignatureMismatch = errors.New("host module signature mismatch")

// Module is an opaque host-internal object.
type Module interface {
	Exports() map[string]any
}

// Signature is the set of export names a module must carry.
type Signature []string

// Matches reports whether m exports every name in s.
func (s Signature) Matches(m Module) bool {
	if m == nil {
		return false
	}
	ex := m.Exports()
	for _, name := range s {
		if _, ok := ex[name]; !ok {
			return false
		}
	}
	return len(s) > 0
}

// Source lists the modules currently loaded in the host.
type Source interface {
	Modules() []Module
}

// Exports is a Module backed by a map.
type Exports map[string]any

func (e Exports) Exports() map[string]any { return e }

// Table is an in-process Source. Modules are listed in registration-name order.
type Table struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func NewTable() *Table {
	return &Table{modules: make(map[string]Module)}
}

// Register adds or replaces the module under name.
func (t *Table) Register(name string, m Module) {
	t.mu.Lock()
	t.modules[name] = m
	t.mu.Unlock()
}

func (t *Table) Unregister(name string) {
	t.mu.Lock()
	delete(t.modules, name)
	t.mu.Unlock()
}

func (t *Table) Modules() []Module {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.modules))
	for n := range t.modules {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]Module, 0, len(names))
	for _, n := range names {
		out = append(out, t.modules[n])
	}
	return out
}

// Locator finds modules by signature.
type Locator struct {
	Source Source

	// PollInterval between scans while waiting. Defaults to 250ms.
	PollInterval time.Duration
}

// Find returns the first module matching sig, if any.
func (l *Locator) Find(sig Signature) (Module, bool) {
	for _, m := range l.Source.Modules() {
		if sig.Matches(m) {
			return m, true
		}
	}
	return nil, false
}

// WaitForModule polls until a module matching sig is loaded or ctx ends.
func (l *Locator) WaitForModule(ctx context.Context, sig Signature) (Module, error) {
	if m, ok := l.Find(sig); ok {
		return m, nil
	}

	interval := l.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			if m, ok := l.Find(sig); ok {
				return m, nil
			}
		}
	}
}
