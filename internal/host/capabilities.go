package host

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"spotifycontrols/internal/session"
)

// Export names that identify each capability.
const (
	ExportActiveSocketAndDevice = "getActiveSocketAndDevice"
	ExportLocalVars             = "__getLocalVars"
	ExportAccessToken           = "getAccessToken"
	ExportAutoPause             = "SpotifyAutoPause"
)

var (
	SessionStoreSignature = Signature{ExportActiveSocketAndDevice, ExportLocalVars}
	TokenHelperSignature  = Signature{ExportAccessToken}
	AutoPauserSignature   = Signature{ExportAutoPause}
)

// Expected export shapes.
type (
	ActiveSocketAndDeviceFunc = func() (ActiveSession, bool)
	LocalVarsFunc             = func() []*session.Account
	AccessTokenFunc           = func(ctx context.Context, accountID string) (*oauth2.Token, error)
	AutoPauseFunc             = func(enabled bool) error
)

// ActiveSession identifies the account and device the host considers active.
type ActiveSession struct {
	AccountID string
	DeviceID  string
}

// SessionStore is the host's view of logged-in accounts.
type SessionStore interface {
	ActiveSocketAndDevice() (ActiveSession, bool)
	Accounts() []*session.Account
}

// TokenHelper exchanges an account id for a fresh access token.
type TokenHelper interface {
	AccessToken(ctx context.Context, accountID string) (*oauth2.Token, error)
}

// AutoPauser controls the host's automatic pause behaviour.
type AutoPauser interface {
	Disable() error
}

type sessionStore struct {
	active ActiveSocketAndDeviceFunc
	vars   LocalVarsFunc
}

func (s sessionStore) ActiveSocketAndDevice() (ActiveSession, bool) { return s.active() }
func (s sessionStore) Accounts() []*session.Account                 { return s.vars() }

// SessionStoreFrom adapts m to SessionStore.
func SessionStoreFrom(m Module) (SessionStore, error) {
	ex := m.Exports()
	active, ok1 := ex[ExportActiveSocketAndDevice].(ActiveSocketAndDeviceFunc)
	vars, ok2 := ex[ExportLocalVars].(LocalVarsFunc)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("session store: %w", ErrSignatureMismatch)
	}
	return sessionStore{active: active, vars: vars}, nil
}

type tokenHelper AccessTokenFunc

func (f tokenHelper) AccessToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	return f(ctx, accountID)
}

// TokenHelperFrom adapts m to TokenHelper.
func TokenHelperFrom(m Module) (TokenHelper, error) {
	fn, ok := m.Exports()[ExportAccessToken].(AccessTokenFunc)
	if !ok {
		return nil, fmt.Errorf("token helper: %w", ErrSignatureMismatch)
	}
	return tokenHelper(fn), nil
}

type autoPauser AutoPauseFunc

func (f autoPauser) Disable() error { return f(false) }

// AutoPauserFrom adapts m to AutoPauser.
func AutoPauserFrom(m Module) (AutoPauser, error) {
	fn, ok := m.Exports()[ExportAutoPause].(AutoPauseFunc)
	if !ok {
		return nil, fmt.Errorf("auto pause: %w", ErrSignatureMismatch)
	}
	return autoPauser(fn), nil
}

// Capabilities holds whatever Resolve managed to find. Any field may be nil.
type Capabilities struct {
	Sessions  SessionStore
	Tokens    TokenHelper
	AutoPause AutoPauser
}

// Resolve waits for each capability until ctx ends. Failures are logged and
// leave the matching field nil; Resolve itself never fails.
func Resolve(ctx context.Context, l *Locator, logger *slog.Logger) Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	var caps Capabilities

	if m, err := l.WaitForModule(ctx, SessionStoreSignature); err != nil {
		logger.Warn("session store not found; staying idle", "error", err)
	} else if s, err := SessionStoreFrom(m); err != nil {
		logger.Warn("session store unusable", "error", err)
	} else {
		caps.Sessions = s
	}

	if m, err := l.WaitForModule(ctx, TokenHelperSignature); err != nil {
		logger.Warn("token helper not found; reauthentication disabled", "error", err)
	} else if th, err := TokenHelperFrom(m); err != nil {
		logger.Warn("token helper unusable", "error", err)
	} else {
		caps.Tokens = th
	}

	if m, err := l.WaitForModule(ctx, AutoPauserSignature); err != nil {
		logger.Warn("auto pause module not found", "error", err)
	} else if ap, err := AutoPauserFrom(m); err != nil {
		logger.Warn("auto pause module unusable", "error", err)
	} else {
		caps.AutoPause = ap
	}

	return caps
}
