// Package session owns the login, validate, refresh and logout lifecycle
// of the stored credential and the persisted auth failure counter.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/credential"
	"github.com/go-ports/memlink/internal/discovery"
	"github.com/go-ports/memlink/internal/httpjson"
	"github.com/go-ports/memlink/internal/store"
)

// HealthPath is the auth endpoint used to confirm a credential.
const HealthPath = "/v1/auth/health"

var (
	// ErrNotAuthenticated means no credential is stored.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrReauthRequired means the stored credential expired or could not be
	// refreshed and was cleared.
	ErrReauthRequired = errors.New("re-authentication required")
)

// CredentialProvider hands out a usable credential, refreshing it first
// when needed. The memory API client and the MCP client depend on it
// instead of reading the session document themselves.
type CredentialProvider interface {
	ActiveCredential(ctx context.Context) (credential.Credential, error)
}

// Options configures a Manager. Zero values take defaults.
type Options struct {
	Bounds        credential.Bounds
	RefreshBuffer time.Duration
	OAuthClientID string
	OAuthScopes   []string
	// Timeout bounds one call to the auth server.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
	// Sleep waits out the auth backoff; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager composes the store, discovery and the credential codec.
type Manager struct {
	store     *store.Store
	discovery *discovery.Service
	opts      Options
	logger    *slog.Logger
}

// New returns a Manager.
func New(st *store.Store, disc *discovery.Service, opts Options) *Manager {
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = 5 * time.Minute
	}
	if opts.OAuthClientID == "" {
		opts.OAuthClientID = "memlink-cli"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Manager{store: st, discovery: disc, opts: opts, logger: opts.Logger}
}

// SetOptions tunes SetCredential.
type SetOptions struct {
	// SkipVerify stores the credential without asking the server.
	SkipVerify bool
}

// LoginVendorKey parses input as a vendor key and stores it.
func (m *Manager) LoginVendorKey(ctx context.Context, input string, opts SetOptions) error {
	vk, err := credential.ParseVendorKey(input, m.opts.Bounds)
	if err != nil {
		return apperr.Validation("auth.login", err)
	}
	return m.SetCredential(ctx, credential.FromVendorKey(vk), opts)
}

// LoginJWT stores a raw JWT.
func (m *Manager) LoginJWT(ctx context.Context, raw string, opts SetOptions) error {
	cred, err := credential.FromJWT(raw)
	if err != nil {
		return apperr.Validation("auth.login", fmt.Errorf("invalid format: %w", err))
	}
	return m.SetCredential(ctx, cred, opts)
}

// SetCredential validates cred, confirms it with the auth server unless
// opts.SkipVerify is set, and persists it as the only active credential.
// A rejection is an Auth error and an unreachable server a Network error;
// neither stores anything.
func (m *Manager) SetCredential(ctx context.Context, cred credential.Credential, opts SetOptions) error {
	if err := m.checkFormat(cred); err != nil {
		return err
	}

	verified := false
	if !opts.SkipVerify {
		if err := m.backoff(ctx); err != nil {
			return err
		}
		if err := m.verify(ctx, cred); err != nil {
			m.recordFailure(ctx, false)
			return err
		}
		verified = true
	}

	now := m.opts.Now().UTC()
	_, err := m.store.Update(ctx, func(d *store.Document) error {
		d.SetCredential(cred)
		d.AuthFailureCount = 0
		d.LastAuthFailure = nil
		if verified {
			d.LastValidated = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("stored credential", "method", string(cred.Method), "verified", verified)
	return nil
}

func (m *Manager) checkFormat(cred credential.Credential) error {
	if err := cred.Validate(); err != nil {
		return apperr.Validation("auth.set", fmt.Errorf("invalid format: %w", err))
	}
	switch cred.Method {
	case credential.MethodNone:
		return apperr.Validation("auth.set", errors.New("invalid format: no credential given"))
	case credential.MethodVendorKey:
		if err := credential.ValidateVendorKeyFormat(cred.VendorKey.String(), m.opts.Bounds); err != nil {
			return apperr.Validation("auth.set", err)
		}
	case credential.MethodJWT, credential.MethodOAuth:
		if cred.Method == credential.MethodJWT || !cred.CanRefresh() {
			if credential.IsExpired(cred.ExpiresAt(), 0, m.opts.Now()) {
				return apperr.Validation("auth.set", errors.New("invalid format: token is already expired"))
			}
		}
	}
	return nil
}

// verify asks the auth health endpoint whether cred is accepted.
func (m *Manager) verify(ctx context.Context, cred credential.Credential) error {
	base, err := m.discovery.Endpoint(ctx, discovery.KeyAuthBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	url := strings.TrimRight(base, "/") + HealthPath
	err = httpjson.Get(ctx, m.opts.HTTPClient, url, cred.AuthHeaders(), nil)
	if err == nil {
		return nil
	}
	switch apperr.KindOf(apperr.Classify("auth.verify", err)) {
	case apperr.KindAuth:
		return apperr.Auth("auth.verify", fmt.Errorf("rejected by server: %w", err)).
			WithHint("check the credential or sign in again with `memlink auth login`")
	case apperr.KindNetwork:
		return apperr.Network("auth.verify", fmt.Errorf("server unreachable: %w", err)).
			WithHint("check your connection, or pass --skip-verify to store the credential offline")
	default:
		return apperr.Classify("auth.verify", err)
	}
}

// ValidateStoredCredentials re-checks the stored credential with the
// server. Without a credential it returns false. A rejection clears the
// credential; a rejection or an unreachable server increments the failure
// counter. Success resets the counter and stamps lastValidated.
func (m *Manager) ValidateStoredCredentials(ctx context.Context) (bool, error) {
	cred, err := m.RefreshTokenIfNeeded(ctx)
	if err != nil {
		return false, err
	}
	if cred.IsZero() {
		return false, nil
	}
	if err := m.backoff(ctx); err != nil {
		return false, err
	}

	if err := m.verify(ctx, cred); err != nil {
		m.recordFailure(ctx, apperr.Is(err, apperr.KindAuth))
		return false, err
	}

	now := m.opts.Now().UTC()
	_, err = m.store.Update(ctx, func(d *store.Document) error {
		d.AuthFailureCount = 0
		d.LastAuthFailure = nil
		d.LastValidated = &now
		return nil
	})
	return err == nil, err
}

// recordFailure bumps the counter and optionally clears the credential.
// Persistence errors are logged; the caller already has an error to report.
func (m *Manager) recordFailure(ctx context.Context, clearCred bool) {
	now := m.opts.Now().UTC()
	_, err := m.store.Update(ctx, func(d *store.Document) error {
		d.AuthFailureCount++
		d.LastAuthFailure = &now
		if clearCred {
			d.ClearCredential()
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("could not record auth failure", "error", err)
	}
}

// ActiveCredential returns the stored credential, refreshing it first when
// it is close to expiry.
func (m *Manager) ActiveCredential(ctx context.Context) (credential.Credential, error) {
	cred, err := m.RefreshTokenIfNeeded(ctx)
	if err != nil {
		return credential.Credential{}, err
	}
	if cred.IsZero() {
		return credential.Credential{}, apperr.Auth("auth.credential", ErrNotAuthenticated).
			WithHint("sign in with `memlink auth login`")
	}
	return cred, nil
}

// AuthorizationHeaders returns request headers for the active credential.
func (m *Manager) AuthorizationHeaders(ctx context.Context) (map[string]string, error) {
	cred, err := m.ActiveCredential(ctx)
	if err != nil {
		return nil, err
	}
	return cred.AuthHeaders(), nil
}

// DeviceID returns the per-installation identifier, persisting the
// document first if this is the first run.
func (m *Manager) DeviceID(ctx context.Context) (string, error) {
	doc, err := m.store.Init(ctx)
	if err != nil {
		return "", err
	}
	return doc.DeviceID, nil
}

// Logout removes the credential and clears the auth method and counters.
func (m *Manager) Logout(ctx context.Context) error {
	_, err := m.store.Update(ctx, func(d *store.Document) error {
		d.ClearCredential()
		d.SetAuthMethod(credential.MethodNone)
		d.AuthFailureCount = 0
		d.LastAuthFailure = nil
		d.LastValidated = nil
		return nil
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
