package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"spotifycontrols/internal/bus"
	"spotifycontrols/internal/session"
	"spotifycontrols/internal/settings"
)

var (
	// ErrNoCurrentAccount is returned when no session is active.
	ErrNoCurrentAccount = errors.New("no current account")
	// ErrPremiumRequired is returned for accounts that cannot use player control.
	ErrPremiumRequired = errors.New("player control requires a premium account")
	// ErrReauthFailed wraps a failed token refresh.
	ErrReauthFailed = errors.New("reauthentication failed")
	// ErrUnauthorized is returned when a 401 could not be recovered.
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenRefresher fetches a fresh access token for an account.
type TokenRefresher interface {
	AccessToken(ctx context.Context, accountID string) (*oauth2.Token, error)
}

// Notice is the detail of bus.TopicNotice.
type Notice struct {
	Level         string `json:"level"`
	Message       string `json:"message"`
	Reason        string `json:"reason,omitempty"`
	Interaction   Kind   `json:"interaction,omitempty"`
	AccountID     string `json:"account_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// step is a state of the dispatch state machine.
type step int

const (
	stepAttempt step = iota
	stepReauthenticate
	stepRetry
	stepFail
	stepDone
)

// Dispatcher executes interactions for the current account.
type Dispatcher struct {
	client   *Client
	sc       *session.Context
	tokens   TokenRefresher
	settings *settings.Store
	bus      *bus.Bus
	logger   *slog.Logger

	// Now is the clock used to arm the persistence guard.
	Now func() time.Time
	// Timeout bounds one asynchronous dispatch. Zero means no bound.
	Timeout time.Duration

	wg sync.WaitGroup
}

// NewDispatcher wires a dispatcher. tokens may be nil, which disables
// reauthentication.
func NewDispatcher(client *Client, sc *session.Context, tokens TokenRefresher, store *settings.Store, b *bus.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:   client,
		sc:       sc,
		tokens:   tokens,
		settings: store,
		bus:      b,
		logger:   logger,
		Now:      time.Now,
		Timeout:  15 * time.Second,
	}
}

// SetTokenRefresher replaces the refresher, e.g. once the host resolves it.
func (d *Dispatcher) SetTokenRefresher(t TokenRefresher) { d.tokens = t }

// Start subscribes to controlInteraction. Each interaction is dispatched on
// its own goroutine so HTTP never blocks the emitter.
func (d *Dispatcher) Start(ctx context.Context) (stop func()) {
	return d.bus.On(bus.TopicControlInteraction, func(detail any) {
		in, ok := detail.(Interaction)
		if !ok {
			d.logger.Warn("ignoring control interaction with unexpected payload", "type", fmt.Sprintf("%T", detail))
			return
		}
		d.Go(ctx, in)
	})
}

// Go dispatches in asynchronously.
func (d *Dispatcher) Go(ctx context.Context, in Interaction) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if d.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
		resp, err := d.Dispatch(ctx, in)
		switch {
		case err != nil:
			d.logger.Warn("control interaction failed", "interaction", in.Kind(), "error", err)
		case !resp.OK():
			d.logger.Warn("control interaction rejected", "interaction", in.Kind(), "status", resp.StatusCode)
		}
	}()
}

// Wait blocks until all asynchronous dispatches have returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Execute plans in with the configured skip-previous threshold and sends it
// once with accessToken. No retry and no guard handling.
func (d *Dispatcher) Execute(ctx context.Context, in Interaction, accessToken string) (*Response, error) {
	req := Plan(in, d.settings.Get().SkipPreviousProgressResetThreshold)
	return d.client.Do(ctx, req, accessToken)
}

// Dispatch runs Attempt -> Reauthenticate -> Retry -> Fail for the current
// account. At most one reauthentication and one retry happen per call.
//
// Non-2xx statuses other than 401 and 403 are returned as a Response with a
// nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, in Interaction) (*Response, error) {
	corr := uuid.NewString()
	log := d.logger.With("interaction", in.Kind(), "correlation_id", corr)

	acct, ok := d.sc.CurrentAccount()
	if !ok {
		log.Debug("no current account; dropping interaction")
		return nil, ErrNoCurrentAccount
	}
	log = log.With("account", acct.ID)

	if !acct.IsPremium {
		d.notice(Notice{Level: "warn", Message: "Player control requires Spotify Premium", Interaction: in.Kind(), AccountID: acct.ID, CorrelationID: corr})
		return nil, ErrPremiumRequired
	}

	opts := d.settings.Get()
	req := Plan(in, opts.SkipPreviousProgressResetThreshold)

	d.sc.ArmGuard(d.Now())

	var (
		resp *Response
		err  error
		st   = stepAttempt
	)
	for st != stepDone && st != stepFail {
		switch st {
		case stepAttempt, stepRetry:
			retrying := st == stepRetry
			resp, err = d.client.Do(ctx, req, acct.AccessToken())
			if err != nil {
				if retrying {
					d.notice(Notice{Level: "error", Message: "Retry after reauthentication failed", Interaction: in.Kind(), AccountID: acct.ID, CorrelationID: corr})
				}
				st = stepFail
				break
			}
			switch {
			case resp.StatusCode == http.StatusUnauthorized && !retrying && opts.AutomaticReauthentication && d.tokens != nil:
				log.Info("access token rejected; reauthenticating")
				st = stepReauthenticate

			case resp.StatusCode == http.StatusUnauthorized:
				err = fmt.Errorf("%w: %w", ErrUnauthorized, ParseServiceError(resp))
				msg := "Spotify rejected the session; reauthentication did not help"
				if !retrying {
					msg = "Spotify rejected the session; reauthentication is off or unavailable"
				}
				d.notice(Notice{Level: "error", Message: msg, Interaction: in.Kind(), AccountID: acct.ID, CorrelationID: corr})
				st = stepFail

			case resp.StatusCode == http.StatusForbidden:
				se := ParseServiceError(resp)
				err = se
				d.notice(Notice{Level: "warn", Message: noticeMessage(se), Reason: se.Reason, Interaction: in.Kind(), AccountID: acct.ID, CorrelationID: corr})
				st = stepFail

			case !resp.OK():
				if retrying {
					d.notice(Notice{Level: "error", Message: fmt.Sprintf("Retry after reauthentication failed with status %d", resp.StatusCode), Interaction: in.Kind(), AccountID: acct.ID, CorrelationID: corr})
				}
				st = stepFail

			default:
				st = stepDone
			}

		case stepReauthenticate:
			var tok *oauth2.Token
			tok, err = d.tokens.AccessToken(ctx, acct.ID)
			if err == nil && (tok == nil || tok.AccessToken == "") {
				err = errors.New("empty token")
			}
			if err != nil {
				err = fmt.Errorf("%w: %w", ErrReauthFailed, err)
				d.notice(Notice{Level: "error", Message: "Could not refresh the Spotify session", Interaction: in.Kind(), AccountID: acct.ID, CorrelationID: corr})
				st = stepFail
				break
			}
			acct.SetToken(tok)
			st = stepRetry
		}
	}

	if cur := d.sc.Current(); cur != acct.ID {
		log.Warn("response arrived for a non-current account", "current", cur)
	}

	if st == stepFail {
		d.sc.ReleaseGuard()
		if err != nil {
			return resp, err
		}
		log.Debug("non-2xx response passed through", "status", resp.StatusCode)
		return resp, nil
	}

	log.Debug("control interaction applied", "status", resp.StatusCode)
	return resp, nil
}

func (d *Dispatcher) notice(n Notice) {
	d.bus.Emit(bus.TopicNotice, n)
}

func noticeMessage(se *ServiceError) string {
	if se.Message != "" {
		return se.Message
	}
	return "Spotify refused the command"
}
