// Package settings holds the user-facing options the core reads: reauth
// behaviour, the skip-previous threshold, per-component visibility and debug
// toggles. The daemon owns persistence; this package only validates values
// and fans out changes.
package settings

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Visibility controls whether a render component is drawn.
type Visibility string

const (
	VisibilityAlways Visibility = "always"
	VisibilityHidden Visibility = "hidden"
	VisibilityAuto   Visibility = "auto"
)

// Visible resolves v against the current show flag.
func (v Visibility) Visible(show bool) bool {
	switch v {
	case VisibilityAlways:
		return true
	case VisibilityHidden:
		return false
	default:
		return show
	}
}

// Components known to the render layer, in display order.
var Components = []string{
	"track_info",
	"progress_bar",
	"shuffle",
	"skip_previous",
	"play_pause",
	"skip_next",
	"repeat",
	"volume",
}

// Debug toggles verbose logging per area.
type Debug struct {
	Bus    bool `yaml:"bus"`
	Frames bool `yaml:"frames"`
}

// Values is one snapshot of all options.
type Values struct {
	AutomaticReauthentication          bool                  `yaml:"automatic_reauthentication"`
	SkipPreviousProgressResetThreshold float64               `yaml:"skip_previous_progress_reset_threshold"`
	DisableAutoPause                   bool                  `yaml:"disable_auto_pause"`
	GuardTTLMs                         int                   `yaml:"guard_ttl_ms"`
	Components                         map[string]Visibility `yaml:"components"`
	Debug                              Debug                 `yaml:"debug"`
}

// Defaults returns the built-in option values.
func Defaults() Values {
	comps := make(map[string]Visibility, len(Components))
	for _, c := range Components {
		comps[c] = VisibilityAuto
	}
	return Values{
		AutomaticReauthentication:          true,
		SkipPreviousProgressResetThreshold: 0.15,
		DisableAutoPause:                   false,
		GuardTTLMs:                         10000,
		Components:                         comps,
	}
}

// GuardTTL returns the persistence guard lifetime.
func (v Values) GuardTTL() time.Duration {
	return time.Duration(v.GuardTTLMs) * time.Millisecond
}

// Visibility returns the configured mode for component, defaulting to auto.
func (v Values) Visibility(component string) Visibility {
	if m, ok := v.Components[component]; ok && m != "" {
		return m
	}
	return VisibilityAuto
}

// Clone returns a deep copy.
func (v Values) Clone() Values {
	out := v
	out.Components = make(map[string]Visibility, len(v.Components))
	for k, m := range v.Components {
		out.Components[k] = m
	}
	return out
}

// Validate checks ranges and enum values.
func (v Values) Validate() error {
	if v.SkipPreviousProgressResetThreshold < 0 || v.SkipPreviousProgressResetThreshold > 1 {
		return fmt.Errorf("skip_previous_progress_reset_threshold must be in [0,1] (got %v)", v.SkipPreviousProgressResetThreshold)
	}
	if v.GuardTTLMs < 0 {
		return fmt.Errorf("guard_ttl_ms must be >= 0 (got %d)", v.GuardTTLMs)
	}

	names := make([]string, 0, len(v.Components))
	for name := range v.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch v.Components[name] {
		case VisibilityAlways, VisibilityHidden, VisibilityAuto:
		default:
			return fmt.Errorf("components.%s: invalid visibility %q (expected always|hidden|auto)", name, v.Components[name])
		}
	}
	return nil
}

// Store is the live settings value shared by the core.
type Store struct {
	mu     sync.RWMutex
	v      Values
	nextID int
	subs   map[int]func(Values)
}

// NewStore returns a store holding v. v is not validated.
func NewStore(v Values) *Store {
	return &Store{v: v.Clone(), subs: make(map[int]func(Values))}
}

// Get returns a copy of the current values.
func (s *Store) Get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.Clone()
}

// Set validates and stores v, then notifies subscribers.
func (s *Store) Set(v Values) error {
	if err := v.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.v = v.Clone()
	fns := make([]func(Values), 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v.Clone())
	}
	return nil
}

// Subscribe registers fn for every successful Set.
func (s *Store) Subscribe(fn func(Values)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
