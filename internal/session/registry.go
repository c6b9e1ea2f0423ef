package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FrameSink receives every inbound frame tagged with the owning account.
type FrameSink interface {
	Forward(accountID string, frame []byte)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(accountID string, frame []byte)

func (f FrameSinkFunc) Forward(accountID string, frame []byte) { f(accountID, frame) }

// RenderPatcher attaches the render target to the host UI. It is called once,
// on the first BindAll.
type RenderPatcher interface {
	Patch() error
}

// AccountLister reports the accounts the host currently knows about.
type AccountLister interface {
	Accounts() []*Account
}

// Registry binds accounts to the frame sink, one listener per account.
type Registry struct {
	ctx     *Context
	sink    FrameSink
	patcher RenderPatcher
	logger  *slog.Logger

	patchOnce sync.Once

	// OnUnbind, if set, runs after an account has been removed.
	OnUnbind func(accountID string, wasCurrent bool)
}

// NewRegistry returns a registry storing its bindings in sc. patcher may be nil.
func NewRegistry(sc *Context, sink FrameSink, patcher RenderPatcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ctx:     sc,
		sink:    sink,
		patcher: patcher,
		logger:  logger,
	}
}

// Context returns the session context the registry writes to.
func (r *Registry) Context() *Context { return r.ctx }

// BindAccount stores a and attaches its socket listener. Binding an id that
// is already bound is a no-op; it reports whether a new binding was created.
func (r *Registry) BindAccount(a *Account) bool {
	if a == nil || a.ID == "" {
		return false
	}

	c := r.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.bindings[a.ID]; ok {
		return false
	}

	b := &binding{account: a}
	if a.Socket != nil {
		id := a.ID
		b.remove = a.Socket.AddListener(func(frame []byte) {
			r.sink.Forward(id, frame)
		})
	} else {
		r.logger.Warn("binding account without socket", "account", a.ID)
	}
	c.bindings[a.ID] = b

	r.logger.Info("account bound", "account", a.ID, "premium", a.IsPremium)
	return true
}

// UnbindAccount detaches and removes the account. Unknown ids are a no-op.
// If the account was current, the current account is cleared.
func (r *Registry) UnbindAccount(id string) bool {
	c := r.ctx
	c.mu.Lock()
	b, ok := c.bindings[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.bindings, id)
	wasCurrent := c.current == id
	if wasCurrent {
		c.clearCurrentLocked()
	}
	c.mu.Unlock()

	if b.remove != nil {
		b.remove()
	}
	r.logger.Info("account unbound", "account", id, "was_current", wasCurrent)

	if r.OnUnbind != nil {
		r.OnUnbind(id, wasCurrent)
	}
	return true
}

// BindAll binds every account and patches the render target on the first call.
// It returns the number of newly bound accounts.
func (r *Registry) BindAll(accounts []*Account) int {
	n := 0
	for _, a := range accounts {
		if r.BindAccount(a) {
			n++
		}
	}

	r.patchOnce.Do(func() {
		if r.patcher == nil {
			return
		}
		if err := r.patcher.Patch(); err != nil {
			r.logger.Warn("render patch failed", "error", err)
		}
	})
	return n
}

// Account returns the bound account with id.
func (r *Registry) Account(id string) (*Account, bool) {
	return r.ctx.account(id)
}

// Accounts returns the bound accounts ordered by id.
func (r *Registry) Accounts() []*Account {
	ids := r.ctx.accountIDs()
	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.ctx.account(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// Sync makes the bound set match accounts: new ids are bound, ids no longer
// reported are unbound.
func (r *Registry) Sync(accounts []*Account) {
	seen := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		if a == nil {
			continue
		}
		seen[a.ID] = struct{}{}
		r.BindAccount(a)
	}
	for _, id := range r.ctx.accountIDs() {
		if _, ok := seen[id]; !ok {
			r.UnbindAccount(id)
		}
	}
}

// Watch polls src every interval and syncs the bound set until ctx ends.
func (r *Registry) Watch(ctx context.Context, src AccountLister, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Sync(src.Accounts())
		}
	}
}
