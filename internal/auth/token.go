package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/david/opportunity-sync/internal/config"
	"github.com/david/opportunity-sync/internal/models"
)

// Provider hands out a bearer token that is current at the time of the call.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-issued token that is never refreshed.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("%w: no access token configured", models.ErrReauthRequired)
	}
	return string(t), nil
}

// Credentials is the on-disk OAuth state. The refresh token rotates on every
// refresh, so the file is rewritten each time.
type Credentials struct {
	ClientID     string    `yaml:"client_id"`
	ClientSecret string    `yaml:"client_secret"`
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token"`
	ExpiresAt    time.Time `yaml:"expires_at,omitempty"`
}

func LoadCredentials(path string) (Credentials, error) {
	var c Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read credentials %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}
	return c, nil
}

// SaveCredentials writes c atomically with owner-only permissions.
func SaveCredentials(path string, c Credentials) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// RefreshingProvider keeps an access token current with the refresh_token
// grant and writes rotated tokens back to the credentials file.
type RefreshingProvider struct {
	path     string
	tokenURL string
	skew     time.Duration
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	creds Credentials
}

func NewRefreshingProvider(cfg config.Auth, client *http.Client) (*RefreshingProvider, error) {
	creds, err := LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &RefreshingProvider{
		path:     cfg.CredentialsFile,
		tokenURL: cfg.TokenURL,
		skew:     skew,
		client:   client,
		now:      time.Now,
		creds:    creds,
	}, nil
}

// Token returns the cached access token, refreshing it first when it expires
// within the configured skew or its expiry is unknown.
func (p *RefreshingProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.creds.AccessToken != "" {
		if exp := p.expiry(); !exp.IsZero() && p.now().Add(p.skew).Before(exp) {
			return p.creds.AccessToken, nil
		}
	}
	if err := p.refresh(ctx); err != nil {
		return "", err
	}
	return p.creds.AccessToken, nil
}

// Invalidate drops the cached access token when upstream rejected it, so the
// next Token call refreshes instead of resending it. A token that was already
// replaced is left alone.
func (p *RefreshingProvider) Invalidate(rejected string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rejected == "" || p.creds.AccessToken != rejected {
		return
	}
	p.creds.AccessToken = ""
	p.creds.ExpiresAt = time.Time{}
	log.Printf("[auth] access token rejected upstream, will refresh on next use")
}

func (p *RefreshingProvider) expiry() time.Time {
	if !p.creds.ExpiresAt.IsZero() {
		return p.creds.ExpiresAt
	}
	return tokenExpiry(p.creds.AccessToken)
}

func (p *RefreshingProvider) refresh(ctx context.Context) error {
	if p.creds.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token in %s", models.ErrReauthRequired, p.path)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", p.creds.RefreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(p.creds.ClientID, p.creds.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: token endpoint returned %d: %s", models.ErrReauthRequired, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return errors.New("token response has no access_token")
	}

	p.creds.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		p.creds.RefreshToken = tr.RefreshToken
	}
	p.creds.ExpiresAt = time.Time{}
	if tr.ExpiresIn > 0 {
		p.creds.ExpiresAt = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	} else if exp := tokenExpiry(tr.AccessToken); !exp.IsZero() {
		p.creds.ExpiresAt = exp
	}

	if err := SaveCredentials(p.path, p.creds); err != nil {
		// The new refresh token only lives in memory now; a restart would need
		// re-consent.
		log.Printf("[auth] failed to persist refreshed credentials to %s: %v", p.path, err)
	}
	log.Printf("[auth] access token refreshed, expires %s", p.creds.ExpiresAt.Format(time.RFC3339))
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature. Opaque
// tokens yield the zero time.
func tokenExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time.UTC()
}

// NewProvider prefers a credentials file when one exists and falls back to a
// static access token.
func NewProvider(cfg config.Auth, client *http.Client) (Provider, error) {
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			return NewRefreshingProvider(cfg, client)
		}
	}
	if token := strings.TrimSpace(cfg.AccessToken); token != "" {
		return StaticToken(token), nil
	}
	return nil, fmt.Errorf("no credentials: create %s or set auth.access_token", cfg.CredentialsFile)
}
