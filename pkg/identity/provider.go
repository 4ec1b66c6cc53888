package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/offlinekit/offlinekit/pkg/errors"
)

// Session is the credential set issued by the identity provider. The
// lifecycle state around it (status, last activity) is owned elsewhere;
// this package treats the provider as opaque.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the session's access token has not yet expired.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != "" && time.Now().Before(s.ExpiresAt)
}

// Credentials are the inputs for an interactive sign-in.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Provider is the identity backend contract.
type Provider interface {
	// SignIn exchanges credentials for a new session.
	SignIn(ctx context.Context, creds Credentials) (*Session, error)
	// Refresh exchanges a refresh token for a new token pair. A rejected
	// refresh token yields an auth-invalid error, never auth-expired.
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	// SignOut revokes the session upstream.
	SignOut(ctx context.Context, accessToken string) error
	// GetSession returns the currently persisted session, or nil when
	// none exists.
	GetSession(ctx context.Context) (*Session, error)
}

// HTTPConfig configures the HTTP identity provider client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider talks to a REST identity backend.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates an identity provider client.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type sessionResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// SignIn exchanges credentials for a session.
func (p *HTTPProvider) SignIn(ctx context.Context, creds Credentials) (*Session, error) {
	return p.sessionCall(ctx, http.MethodPost, "/auth/signin", creds, "")
}

// Refresh exchanges the refresh token for a fresh token pair.
func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	session, err := p.sessionCall(ctx, http.MethodPost, "/auth/refresh", body, "")
	if err != nil {
		// A refresh token the backend no longer accepts is terminal:
		// the caller must re-authenticate, not refresh again.
		if errors.IsKind(err, errors.KindAuthExpired) {
			return nil, errors.NewAuthInvalid("refresh token rejected").WithCause(err)
		}
		return nil, err
	}
	return session, nil
}

// SignOut revokes the session upstream.
func (p *HTTPProvider) SignOut(ctx context.Context, accessToken string) error {
	req, err := p.newRequest(ctx, http.MethodPost, "/auth/signout", nil, accessToken)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.FromStatusCode(resp.StatusCode, "sign-out failed")
	}
	return nil
}

// GetSession returns the current session, or nil when the backend has
// none for this client.
func (p *HTTPProvider) GetSession(ctx context.Context) (*Session, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/auth/session", nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, errors.FromStatusCode(resp.StatusCode, "session lookup failed")
	}
	return decodeSession(resp.Body)
}

func (p *HTTPProvider) sessionCall(ctx context.Context, method, path string, body any, accessToken string) (*Session, error) {
	req, err := p.newRequest(ctx, method, path, body, accessToken)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.FromStatusCode(resp.StatusCode, string(msg))
	}
	return decodeSession(resp.Body)
}

func (p *HTTPProvider) newRequest(ctx context.Context, method, path string, body any, accessToken string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.NewValidationFailed("encoding request body").WithCause(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, errors.NewValidationFailed("building request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return req, nil
}

func decodeSession(r io.Reader) (*Session, error) {
	var raw sessionResponse
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.NewServerError("decoding session response").WithCause(err)
	}
	if raw.AccessToken == "" {
		return nil, errors.NewServerError("session response missing access token")
	}

	session := &Session{
		ID:           raw.ID,
		UserID:       raw.UserID,
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
	}
	if raw.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(raw.ExpiresAt, 0)
	} else {
		// Fall back to the exp claim inside the token itself.
		expiresAt, err := TokenExpiry(raw.AccessToken)
		if err != nil {
			return nil, err
		}
		session.ExpiresAt = expiresAt
	}
	return session, nil
}

// TokenExpiry extracts the expiry claim from a JWT without verifying
// its signature. Signature verification belongs to the backend; the
// client only needs the deadline for proactive refresh scheduling.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, errors.NewAuthInvalid("malformed access token").WithCause(err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.NewAuthInvalid(fmt.Sprintf("access token has no usable expiry: %v", err))
	}
	return exp.Time, nil
}
