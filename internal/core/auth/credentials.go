package auth

import (
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is the token tuple produced by one successful authorization.
// A value is never modified after it has been stored.
type Credentials struct {
	SessionToken string
	AccessToken  string
	IDToken      string
	RefreshToken string
	IssuedAt     time.Time
	// TTL is the reauthorization delay, already shortened by the safety margin.
	TTL     time.Duration
	Account Account
}

// Account identifies the signed-in user, read from the id-token claims.
type Account struct {
	Subject string `json:"subject,omitempty"`
	Email   string `json:"email,omitempty"`
}

// RenewAt is when the scheduler will reauthorize.
func (c *Credentials) RenewAt() time.Time {
	return c.IssuedAt.Add(c.TTL)
}

// CredentialStore holds the current Credentials. Replacement is atomic.
type CredentialStore struct {
	cur atomic.Pointer[Credentials]
}

// Load returns the current credentials, or nil before the first authorization.
func (s *CredentialStore) Load() *Credentials {
	return s.cur.Load()
}

// Store replaces the current credentials.
func (s *CredentialStore) Store(c *Credentials) {
	s.cur.Store(c)
}

// Clear drops the current credentials.
func (s *CredentialStore) Clear() {
	s.cur.Store(nil)
}

// accountFromIDToken reads sub/email. The signature is not verified, so the
// result is informational only.
func accountFromIDToken(idToken string) (Account, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return Account{}, false
	}
	var acct Account
	acct.Subject, _ = claims.GetSubject()
	if email, ok := claims["email"].(string); ok {
		acct.Email = email
	}
	return acct, true
}
