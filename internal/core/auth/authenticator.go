package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ttlSafetyFactor shortens the vendor-reported lifetime so reauthorization
// lands well before the session token actually expires.
const ttlSafetyFactor = 1.5

// Config holds the endpoints and account used for the handshake.
type Config struct {
	IdentityURL  string
	ClientID     string
	AuthorizeURL string
	Email        string
	Password     string
}

// appDescriptor is the fixed client description the vendor expects when
// exchanging an id-token for a session token.
var appDescriptor = map[string]any{
	"advertiserId": "",
	"appVersion":   "1.8.7",
	"device":       "panther",
	"deviceHasGSM": true,
	"locale":       "en",
	"os":           "Android",
	"osVersion":    "14",
	"platform":     "Android",
	"timeZone":     "America/New_York",
	"userCountry":  "US",
	"vendorId":     "eyqurgwYQSqmnExnzyiLO5",
}

// Authenticator performs the two-stage handshake: identity-provider password
// grant, then vendor session-token exchange.
type Authenticator struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
	now  func() time.Time
}

// NewAuthenticator creates an authenticator. A nil httpClient uses a client
// with a 15s timeout.
func NewAuthenticator(cfg Config, httpClient *http.Client, log *slog.Logger) *Authenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Authenticator{cfg: cfg, http: httpClient, log: log, now: time.Now}
}

type identityTokens struct {
	AccessToken  string `json:"AccessToken"`
	IDToken      string `json:"IdToken"`
	RefreshToken string `json:"RefreshToken"`
}

// Authorize runs the full handshake and returns fresh credentials. It does not
// store them or schedule anything.
func (a *Authenticator) Authorize(ctx context.Context) (*Credentials, error) {
	issued := a.now()

	ident, err := a.passwordGrant(ctx)
	if err != nil {
		return nil, err
	}

	sessionToken, expiresIn, err := a.exchange(ctx, ident.IDToken)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{
		SessionToken: sessionToken,
		AccessToken:  ident.AccessToken,
		IDToken:      ident.IDToken,
		RefreshToken: ident.RefreshToken,
		IssuedAt:     issued,
		TTL:          time.Duration(expiresIn / ttlSafetyFactor * float64(time.Second)),
	}
	if acct, ok := accountFromIDToken(ident.IDToken); ok {
		creds.Account = acct
	} else {
		a.log.Debug("id token is not a JWT, account unknown")
	}

	a.log.Info("authorized", "account", creds.Account.Email, "renew_in", creds.TTL)
	return creds, nil
}

func (a *Authenticator) passwordGrant(ctx context.Context) (identityTokens, error) {
	body, err := json.Marshal(map[string]any{
		"AuthParameters": map[string]string{
			"USERNAME": a.cfg.Email,
			"PASSWORD": a.cfg.Password,
		},
		"AuthFlow": "USER_PASSWORD_AUTH",
		"ClientId": a.cfg.ClientID,
	})
	if err != nil {
		return identityTokens{}, failure("identity", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.IdentityURL, bytes.NewReader(body))
	if err != nil {
		return identityTokens{}, failure("identity", err)
	}
	req.Header.Set("X-Amz-Target", "AWSCognitoIdentityProviderService.InitiateAuth")
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("Accept", "application/json")

	status, data, err := a.do(req)
	if err != nil {
		return identityTokens{}, failure("identity", err)
	}

	var resp struct {
		Type          string          `json:"__type"`
		Message       string          `json:"message"`
		ChallengeName string          `json:"ChallengeName"`
		Result        *identityTokens `json:"AuthenticationResult"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return identityTokens{}, failure("identity", fmt.Errorf("HTTP %d: decode: %w", status, err))
	}

	switch resp.Type {
	case "":
	case "NotAuthorizedException", "UserNotFoundException":
		return identityTokens{}, fmt.Errorf("auth: identity: %w: %s", ErrInvalidCredentials, resp.Message)
	default:
		return identityTokens{}, failure("identity", fmt.Errorf("%s: %s", resp.Type, resp.Message))
	}

	if status < 200 || status >= 300 {
		return identityTokens{}, failure("identity", fmt.Errorf("HTTP %d", status))
	}
	if resp.Result == nil {
		if resp.ChallengeName != "" {
			return identityTokens{}, failure("identity", fmt.Errorf("unsupported challenge %s", resp.ChallengeName))
		}
		return identityTokens{}, failure("identity", fmt.Errorf("missing AuthenticationResult"))
	}
	if resp.Result.IDToken == "" {
		return identityTokens{}, failure("identity", fmt.Errorf("missing IdToken"))
	}
	return *resp.Result, nil
}

func (a *Authenticator) exchange(ctx context.Context, idToken string) (token string, expiresIn float64, err error) {
	body, err := json.Marshal(appDescriptor)
	if err != nil {
		return "", 0, failure("session", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AuthorizeURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, failure("session", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json")

	status, data, err := a.do(req)
	if err != nil {
		return "", 0, failure("session", err)
	}
	if status < 200 || status >= 300 {
		return "", 0, failure("session", fmt.Errorf("HTTP %d: %s", status, truncate(data, 200)))
	}

	var resp struct {
		ExpiresIn float64 `json:"expiresIn"`
		Snoo      struct {
			Token string `json:"token"`
		} `json:"snoo"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", 0, failure("session", fmt.Errorf("decode: %w", err))
	}
	if resp.Snoo.Token == "" {
		return "", 0, failure("session", fmt.Errorf("missing session token"))
	}
	if resp.ExpiresIn <= 0 {
		return "", 0, failure("session", fmt.Errorf("invalid expiresIn %v", resp.ExpiresIn))
	}
	return resp.Snoo.Token, resp.ExpiresIn, nil
}

func (a *Authenticator) do(req *http.Request) (int, []byte, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
