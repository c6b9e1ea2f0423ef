// Package reconcile derives the current account and the widget's visibility
// from the player and device frames of every bound account.
//
// Only frames from the current account are honored. The first frame that
// arrives while no account is current adopts its account. An empty device
// list from the current account hides the widget and clears the current
// account, unless the persistence guard armed by a control dispatch absorbs it.
package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"spotifycontrols/internal/bus"
	"spotifycontrols/internal/session"
	"spotifycontrols/internal/settings"
	"spotifycontrols/internal/stream"
)

// Phase is the reconciler's coarse state.
type Phase int

const (
	PhaseNoSession Phase = iota
	PhaseAccountBinding
	PhaseActive
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseNoSession:
		return "no_session"
	case PhaseAccountBinding:
		return "account_binding"
	case PhaseActive:
		return "active"
	case PhaseIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// StateUpdate is the detail of bus.TopicStateUpdate.
type StateUpdate struct {
	AccountID string             `json:"account_id"`
	State     stream.PlayerState `json:"state"`
}

// DevicesUpdate is the detail of bus.TopicDevicesUpdate.
type DevicesUpdate struct {
	AccountID string          `json:"account_id"`
	Devices   []stream.Device `json:"devices"`
	Active    *stream.Device  `json:"active,omitempty"`
}

// ComponentsVisibility is the detail of bus.TopicComponentsVisibilityUpdate,
// keyed by component name.
type ComponentsVisibility map[string]bool

type emission struct {
	topic  bus.Topic
	detail any
}

// Reconciler is safe for concurrent use. Bus emissions happen after its lock
// is released, in the order they were decided.
type Reconciler struct {
	bus      *bus.Bus
	sc       *session.Context
	settings *settings.Store
	logger   *slog.Logger

	// Now is the clock used for guard expiry.
	Now func() time.Time

	mu sync.Mutex
}

// New returns a reconciler. Call Start to subscribe it to the bus.
func New(b *bus.Bus, sc *session.Context, store *settings.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		bus:      b,
		sc:       sc,
		settings: store,
		logger:   logger,
		Now:      time.Now,
	}
}

// Start subscribes to frame topics and settings changes.
func (r *Reconciler) Start() (stop func()) {
	offPlayer := r.bus.On(bus.TopicPlayerStateFrame, func(d any) {
		if f, ok := d.(stream.PlayerFrame); ok {
			r.HandlePlayerFrame(f)
		}
	})
	offDevice := r.bus.On(bus.TopicDeviceStateFrame, func(d any) {
		if f, ok := d.(stream.DeviceFrame); ok {
			r.HandleDeviceFrame(f)
		}
	})
	offSettings := r.settings.Subscribe(func(settings.Values) {
		r.PublishComponents()
	})

	return func() {
		offPlayer()
		offDevice()
		offSettings()
	}
}

// Phase reports the current phase.
func (r *Reconciler) Phase() Phase {
	if r.sc.Current() == "" {
		if r.sc.BoundCount() > 0 {
			return PhaseAccountBinding
		}
		return PhaseNoSession
	}
	if st, ok := r.sc.LastState(); ok && st.State.IsPlaying {
		return PhaseActive
	}
	return PhaseIdle
}

// HandlePlayerFrame honors a player state from accountID when it is, or
// becomes, the current account.
func (r *Reconciler) HandlePlayerFrame(f stream.PlayerFrame) {
	r.mu.Lock()
	var out []emission

	if !r.admit(f.AccountID, &out) {
		r.mu.Unlock()
		return
	}
	r.sc.SetLastState(f.AccountID, f.State)
	out = append(out, emission{bus.TopicStateUpdate, StateUpdate{AccountID: f.AccountID, State: f.State}})

	r.mu.Unlock()
	r.flush(out)
}

// HandleDeviceFrame applies a device list from accountID.
func (r *Reconciler) HandleDeviceFrame(f stream.DeviceFrame) {
	r.mu.Lock()
	var out []emission

	empty := len(f.Devices) == 0
	cur := r.sc.Current()

	switch {
	case cur == "" && empty:
		r.bus.Debug("reconcile", "empty device list without session", "account", f.AccountID)

	case cur != "" && cur != f.AccountID:
		r.bus.Debug("reconcile", "dropping device frame from non-current account", "account", f.AccountID, "current", cur)

	case cur == f.AccountID && empty:
		if r.sc.ConsumeGuard(r.Now(), r.settings.Get().GuardTTL()) {
			r.logger.Debug("empty device list absorbed by persistence guard", "account", f.AccountID)
			break
		}
		r.sc.ClearCurrent()
		r.logger.Info("session ended", "account", f.AccountID)
		out = append(out, r.showLocked(false)...)
		out = append(out, emission{bus.TopicDevicesUpdate, DevicesUpdate{AccountID: f.AccountID, Devices: f.Devices}})

	default:
		if !r.admit(f.AccountID, &out) {
			break
		}
		// A real device list means any pending blip has passed.
		r.sc.ReleaseGuard()
		du := DevicesUpdate{AccountID: f.AccountID, Devices: f.Devices}
		if d, ok := stream.ActiveDevice(f.Devices); ok {
			du.Active = &d
		}
		out = append(out, emission{bus.TopicDevicesUpdate, du})
	}

	r.mu.Unlock()
	r.flush(out)
}

// AccountGone hides the widget when the current account was unbound.
func (r *Reconciler) AccountGone(accountID string, wasCurrent bool) {
	if !wasCurrent {
		return
	}
	r.mu.Lock()
	out := r.showLocked(false)
	r.mu.Unlock()

	r.logger.Info("current account removed", "account", accountID)
	r.flush(out)
}

// PublishComponents emits the per-component visibility for the current show flag.
func (r *Reconciler) PublishComponents() {
	r.bus.Emit(bus.TopicComponentsVisibilityUpdate, r.Components())
}

// Components resolves each component's visibility against the show flag.
func (r *Reconciler) Components() ComponentsVisibility {
	v := r.settings.Get()
	show := r.sc.Show()
	out := make(ComponentsVisibility, len(settings.Components))
	for _, c := range settings.Components {
		out[c] = v.Visibility(c).Visible(show)
	}
	return out
}

// admit adopts accountID when no account is current and reports whether
// frames from accountID are honored.
func (r *Reconciler) admit(accountID string, out *[]emission) bool {
	if r.sc.AdoptIfNone(accountID) {
		r.logger.Info("session adopted", "account", accountID)
		*out = append(*out, r.showLocked(true)...)
		return true
	}
	if cur := r.sc.Current(); cur != accountID {
		r.bus.Debug("reconcile", "dropping frame from non-current account", "account", accountID, "current", cur)
		return false
	}
	return true
}

func (r *Reconciler) showLocked(show bool) []emission {
	if !r.sc.SetShow(show) {
		return nil
	}
	return []emission{
		{bus.TopicShouldShowUpdate, show},
		{bus.TopicComponentsVisibilityUpdate, r.Components()},
	}
}

func (r *Reconciler) flush(out []emission) {
	for _, e := range out {
		r.bus.Emit(e.topic, e.detail)
	}
}
