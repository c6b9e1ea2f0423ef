// Package session tracks the accounts bound to the daemon, the single current
// account and the persistence guard shared by the reconciler and the control
// dispatcher.
package session

import (
	"sync"

	"golang.org/x/oauth2"
)

// Socket is the host socket carrying one account's event stream.
type Socket interface {
	// AddListener registers fn for every inbound text frame and returns a
	// function that detaches it.
	AddListener(fn func(frame []byte)) (remove func())
	Close() error
}

// Account is one service login bound to one socket.
//
// The token is the only field that changes after construction; it is replaced
// by the reauthentication path while other goroutines may be reading it.
type Account struct {
	ID           string
	ConnectionID string
	IsPremium    bool
	Socket       Socket

	mu    sync.RWMutex
	token *oauth2.Token
}

// NewAccount builds an account. token may be nil until the first refresh.
func NewAccount(id, connectionID string, premium bool, token *oauth2.Token, sock Socket) *Account {
	return &Account{
		ID:           id,
		ConnectionID: connectionID,
		IsPremium:    premium,
		Socket:       sock,
		token:        token,
	}
}

// Token returns the current token, or nil.
func (a *Account) Token() *oauth2.Token {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// AccessToken returns the bearer string of the current token, or "".
func (a *Account) AccessToken() string {
	t := a.Token()
	if t == nil {
		return ""
	}
	return t.AccessToken
}

// SetToken replaces the account's token.
func (a *Account) SetToken(t *oauth2.Token) {
	a.mu.Lock()
	a.token = t
	a.mu.Unlock()
}
