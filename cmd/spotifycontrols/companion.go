package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"spotifycontrols/internal/control"
	"spotifycontrols/internal/dealer"
	"spotifycontrols/internal/host"
	"spotifycontrols/internal/hostapi"
	"spotifycontrols/internal/session"
	"spotifycontrols/internal/stream"
)

// ============================================================================
// Companion host
// ============================================================================
// The companion plays the part of the host application for a standalone
// daemon: it owns one dealer socket per configured account and publishes the
// host modules (session store, token helper, auto-pause) into a host.Table,
// where the core finds them by signature like it would inside the host.
// ============================================================================

// Module names in the host table. Only signatures matter to the locator.
const (
	moduleSessions  = "sessions"
	moduleTokens    = "tokens"
	moduleAutoPause = "autopause"
)

type companion struct {
	logger *slog.Logger
	table  *host.Table
	tokens *hostapi.Client // nil when reauthentication is not configured

	mu       sync.Mutex
	accounts []*session.Account
	dealers  map[string]*dealer.Conn

	// autoPause mirrors the host's auto-pause switch: while on, playback is
	// paused when the daemon shuts down.
	autoPause atomic.Bool
}

// newCompanion builds accounts and dealer sockets from cfg and registers the
// host modules. Dealers are not connected until runDealers.
func newCompanion(ctx context.Context, cfg Config, logger *slog.Logger) (*companion, error) {
	c := &companion{
		logger:  logger,
		table:   host.NewTable(),
		dealers: make(map[string]*dealer.Conn),
	}
	c.autoPause.Store(true)

	connIDs := make(map[string]string, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		connIDs[ac.ID] = ac.ConnectionID
	}
	if cfg.Host.TokenEndpointURL != "" {
		c.tokens = &hostapi.Client{
			BaseURL:   cfg.Host.TokenEndpointURL,
			HostToken: cfg.Host.Token,
			TokenFile: ExpandPath(cfg.Host.TokenFile),
			Lookup: func(id string) (string, bool) {
				conn, ok := connIDs[id]
				return conn, ok
			},
		}
	}

	for _, ac := range cfg.Accounts {
		tok := c.initialToken(ctx, ac)
		a := session.NewAccount(ac.ID, ac.ConnectionID, ac.Premium, tok, nil)

		d, err := dealer.New(ac.DealerURL, a.AccessToken, logger.With("account", ac.ID))
		if err != nil {
			return nil, err
		}
		a.Socket = d

		c.accounts = append(c.accounts, a)
		c.dealers[ac.ID] = d
	}

	c.table.Register(moduleSessions, host.Exports{
		host.ExportActiveSocketAndDevice: host.ActiveSocketAndDeviceFunc(c.activeSession),
		host.ExportLocalVars:             host.LocalVarsFunc(c.liveAccounts),
	})
	if c.tokens != nil {
		c.table.Register(moduleTokens, host.Exports{
			host.ExportAccessToken: host.AccessTokenFunc(c.tokens.AccessToken),
		})
	}
	c.table.Register(moduleAutoPause, host.Exports{
		host.ExportAutoPause: host.AutoPauseFunc(c.setAutoPause),
	})

	return c, nil
}

func (c *companion) initialToken(ctx context.Context, ac AccountConfig) *oauth2.Token {
	if ac.AccessToken != "" {
		return &oauth2.Token{AccessToken: ac.AccessToken, TokenType: "Bearer"}
	}
	if c.tokens == nil {
		return nil
	}
	tok, err := c.tokens.TokenSource(ctx, ac.ID, nil).Token()
	if err != nil {
		c.logger.Warn("initial token fetch failed", "account", ac.ID, "error", err)
		return nil
	}
	return tok
}

// activeSession reports the first live account as the host's active one.
func (c *companion) activeSession() (host.ActiveSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.accounts) == 0 {
		return host.ActiveSession{}, false
	}
	return host.ActiveSession{AccountID: c.accounts[0].ID}, true
}

func (c *companion) liveAccounts() []*session.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.accounts)
}

func (c *companion) setAutoPause(enabled bool) error {
	c.autoPause.Store(enabled)
	c.logger.Info("auto pause", "enabled", enabled)
	return nil
}

// drop removes accountID from the live set. The registry unbinds it on its
// next poll.
func (c *companion) drop(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts = slices.DeleteFunc(c.accounts, func(a *session.Account) bool { return a.ID == accountID })
}

// runDealers runs every dealer socket on g. A dealer that gives up drops its
// account instead of failing the group.
func (c *companion) runDealers(ctx context.Context, g *errgroup.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range c.dealers {
		id, d := id, d
		g.Go(func() error {
			err := d.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("dealer socket stopped; dropping account", "account", id, "error", err)
			c.drop(id)
			return nil
		})
	}
}

// closeDealers closes every dealer socket.
func (c *companion) closeDealers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range c.dealers {
		if err := d.Close(); err != nil {
			c.logger.Debug("dealer close", "account", id, "error", err)
		}
	}
}

// seed fetches the active account's player state and devices over HTTP and
// publishes them through the same path as socket frames.
func seed(ctx context.Context, sessions host.SessionStore, client *control.Client, fwd *stream.Forwarder, logger *slog.Logger) {
	active, ok := sessions.ActiveSocketAndDevice()
	if !ok {
		logger.Debug("no active session to seed")
		return
	}
	var acct *session.Account
	for _, a := range sessions.Accounts() {
		if a.ID == active.AccountID {
			acct = a
			break
		}
	}
	if acct == nil || acct.Token() == nil {
		logger.Debug("active account has no token; skipping seed", "account", active.AccountID)
		return
	}
	tok := acct.Token()

	st, err := client.PlayerState(ctx, tok)
	switch {
	case errors.Is(err, control.ErrNoPlayback):
		logger.Debug("no playback to seed", "account", acct.ID)
	case err != nil:
		logger.Warn("seed player state failed", "account", acct.ID, "error", err)
	default:
		fwd.Publish(acct.ID, stream.PlayerStateChanged{State: st})
	}

	devices, err := client.Devices(ctx, tok)
	if err != nil {
		logger.Warn("seed devices failed", "account", acct.ID, "error", err)
		return
	}
	fwd.Publish(acct.ID, stream.DeviceStateChanged{Devices: devices})
	logger.Info("seeded session state", "account", acct.ID, "devices", len(devices))
}

// pauseOnExit pauses the current account's playback when auto-pause is on.
func (c *companion) pauseOnExit(ctx context.Context, sc *session.Context, disp *control.Dispatcher) {
	if !c.autoPause.Load() {
		return
	}
	snap, ok := sc.LastState()
	if !ok || !snap.State.IsPlaying {
		return
	}
	acct, ok := sc.CurrentAccount()
	if !ok || !acct.IsPremium {
		return
	}
	resp, err := disp.Execute(ctx, control.PlayPause{Playing: true}, acct.AccessToken())
	switch {
	case err != nil:
		c.logger.Warn("auto pause failed", "account", acct.ID, "error", err)
	case !resp.OK():
		c.logger.Warn("auto pause rejected", "account", acct.ID, "status", resp.StatusCode)
	default:
		c.logger.Info("playback paused on exit", "account", acct.ID)
	}
}
