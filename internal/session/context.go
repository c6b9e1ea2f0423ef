package session

import (
	"sort"
	"sync"
	"time"

	"spotifycontrols/internal/stream"
)

// Context is the explicit session state shared by the registry, the
// reconciler and the dispatcher: the current account id, the persistence
// guard and the bound accounts. One mutex serializes all of it.
//
// Only the registry and the reconciler change the current account. The
// dispatcher reads it and touches the guard.
type Context struct {
	mu sync.Mutex

	current string

	guardArmed   bool
	guardArmedAt time.Time

	bindings map[string]*binding

	show      bool
	lastState *StateSnapshot
}

type binding struct {
	account *Account
	remove  func()
}

// StateSnapshot is the last player state honored for the current account.
type StateSnapshot struct {
	AccountID string
	State     stream.PlayerState
}

// NewContext returns an empty context in the no-session state.
func NewContext() *Context {
	return &Context{bindings: make(map[string]*binding)}
}

// ==== Current account ====

// Current returns the current account id; "" means no active session.
func (c *Context) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetCurrent makes id current.
func (c *Context) SetCurrent(id string) {
	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
}

// AdoptIfNone makes id current when no account is current. It reports whether
// the adoption happened.
func (c *Context) AdoptIfNone(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != "" {
		return false
	}
	c.current = id
	return true
}

// ClearCurrent resets the current account and the state derived from it.
func (c *Context) ClearCurrent() {
	c.mu.Lock()
	c.clearCurrentLocked()
	c.mu.Unlock()
}

func (c *Context) clearCurrentLocked() {
	c.current = ""
	c.lastState = nil
}

// CurrentAccount returns the bound Account that is current.
func (c *Context) CurrentAccount() (*Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return nil, false
	}
	b, ok := c.bindings[c.current]
	if !ok {
		return nil, false
	}
	return b.account, true
}

// ==== Persistence guard ====

// ArmGuard marks that a control action was just dispatched.
func (c *Context) ArmGuard(now time.Time) {
	c.mu.Lock()
	c.guardArmed = true
	c.guardArmedAt = now
	c.mu.Unlock()
}

// Guard reports whether the guard is armed and when.
func (c *Context) Guard() (armed bool, since time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guardArmed, c.guardArmedAt
}

// ConsumeGuard clears the guard and reports whether it was armed and still
// fresh. A guard armed more than ttl ago counts as expired. ttl <= 0 disables
// expiry.
func (c *Context) ConsumeGuard(now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	armed := c.guardArmed
	c.guardArmed = false
	if !armed {
		return false
	}
	if ttl > 0 && now.Sub(c.guardArmedAt) > ttl {
		return false
	}
	return true
}

// ReleaseGuard clears the guard without consuming a device frame.
func (c *Context) ReleaseGuard() {
	c.mu.Lock()
	c.guardArmed = false
	c.mu.Unlock()
}

// ==== Derived view ====

// SetShow records the visibility flag and reports whether it changed.
func (c *Context) SetShow(show bool) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.show == show {
		return false
	}
	c.show = show
	return true
}

// Show returns the last visibility flag.
func (c *Context) Show() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.show
}

// SetLastState records the latest player state honored for accountID.
func (c *Context) SetLastState(accountID string, st stream.PlayerState) {
	c.mu.Lock()
	c.lastState = &StateSnapshot{AccountID: accountID, State: st}
	c.mu.Unlock()
}

// LastState returns a copy of the latest honored player state.
func (c *Context) LastState() (StateSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastState == nil {
		return StateSnapshot{}, false
	}
	return *c.lastState, true
}

// ==== Accounts ====

func (c *Context) account(id string) (*Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[id]
	if !ok {
		return nil, false
	}
	return b.account, true
}

func (c *Context) accountIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.bindings))
	for id := range c.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BoundCount returns the number of bound accounts.
func (c *Context) BoundCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bindings)
}
