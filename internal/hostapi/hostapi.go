// Package hostapi talks to the host's credential endpoint, which exchanges a
// linked account connection for a fresh service access token.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrUnknownAccount is returned when no connection id is known for an account.
var ErrUnknownAccount = errors.New("unknown account")

// tokenLifetime is assumed for tokens returned without an expiry.
const tokenLifetime = time.Hour

// ConnectionLookup maps an account id to the host's connection id for it.
type ConnectionLookup func(accountID string) (connectionID string, ok bool)

// Client requests access tokens from the host.
type Client struct {
	// BaseURL of the host API, e.g. "https://host.example/api/v9".
	BaseURL string
	// HostToken authorises the request against the host. Read from TokenFile
	// on every call when set, so rotations are picked up.
	HostToken string
	TokenFile string

	Lookup ConnectionLookup
	HTTP   *http.Client
}

// AccessToken returns a fresh token for accountID.
func (c *Client) AccessToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	if c.Lookup == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	connID, ok := c.Lookup(accountID)
	if !ok || connID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	hostToken, err := c.hostToken()
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(c.BaseURL, "/") +
		"/users/@me/connections/spotify/" + url.PathEscape(connID) + "/access-token"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	if hostToken != "" {
		req.Header.Set("Authorization", hostToken)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("token request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("token response without access_token")
	}

	lifetime := tokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}
	return &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(lifetime),
	}, nil
}

func (c *Client) hostToken() (string, error) {
	if c.TokenFile == "" {
		return c.HostToken, nil
	}
	b, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read host token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// TokenSource returns an oauth2.TokenSource that refreshes accountID's token
// through the host once the previous one expires.
func (c *Client) TokenSource(ctx context.Context, accountID string, initial *oauth2.Token) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(initial, sourceFunc(func() (*oauth2.Token, error) {
		return c.AccessToken(ctx, accountID)
	}))
}

type sourceFunc func() (*oauth2.Token, error)

func (f sourceFunc) Token() (*oauth2.Token, error) { return f() }
