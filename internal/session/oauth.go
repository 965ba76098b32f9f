package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/credential"
	"github.com/go-ports/memlink/internal/discovery"
	"github.com/go-ports/memlink/internal/store"
)

const (
	tokenPath      = "/oauth/token"
	deviceCodePath = "/oauth/device/code"
	authorizePath  = "/oauth/authorize"
)

// oauthConfig builds the client config against the discovered auth base.
func (m *Manager) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	base, err := m.discovery.Endpoint(ctx, discovery.KeyAuthBase)
	if err != nil {
		return nil, err
	}
	base = strings.TrimRight(base, "/")
	return &oauth2.Config{
		ClientID: m.opts.OAuthClientID,
		Scopes:   m.opts.OAuthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       base + authorizePath,
			TokenURL:      base + tokenPath,
			DeviceAuthURL: base + deviceCodePath,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}, nil
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.opts.HTTPClient)
}

// LoginOAuth runs the device authorization flow. prompt receives the
// verification URI and user code to show; the call then polls until the
// user approves, the code expires or ctx is done.
func (m *Manager) LoginOAuth(ctx context.Context, prompt func(*oauth2.DeviceAuthResponse)) error {
	cfg, err := m.oauthConfig(ctx)
	if err != nil {
		return err
	}
	octx := m.oauthContext(ctx)

	da, err := cfg.DeviceAuth(octx)
	if err != nil {
		return classifyOAuth("auth.oauth.device", err)
	}
	if prompt != nil {
		prompt(da)
	}

	tok, err := cfg.DeviceAccessToken(octx, da)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return apperr.Auth("auth.oauth.device", fmt.Errorf("device code expired before approval: %w", err)).
				WithHint("run `memlink auth login --oauth` again and approve sooner")
		}
		return classifyOAuth("auth.oauth.device", err)
	}

	cred := credential.FromOAuth(tok.AccessToken, tok.RefreshToken, tok.Expiry)
	now := m.opts.Now().UTC()
	_, err = m.store.Update(ctx, func(d *store.Document) error {
		d.SetCredential(cred)
		d.AuthFailureCount = 0
		d.LastAuthFailure = nil
		d.LastValidated = &now
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("stored credential", "method", string(credential.MethodOAuth), "verified", true)
	return nil
}

// RefreshTokenIfNeeded returns the stored credential, refreshing OAuth
// tokens within the refresh buffer of expiry. An expired JWT, or an OAuth
// token the server refuses to refresh, is cleared and reported as
// ErrReauthRequired. An unreachable token endpoint leaves the credential
// in place and returns a Network error.
func (m *Manager) RefreshTokenIfNeeded(ctx context.Context) (credential.Credential, error) {
	doc, err := m.store.Load(ctx)
	if err != nil {
		return credential.Credential{}, err
	}
	cred := doc.ActiveCredential()
	if !m.needsRefresh(cred) {
		return cred, nil
	}

	// Resolve endpoints before taking the lock; discovery may write the
	// document itself.
	var cfg *oauth2.Config
	if cred.CanRefresh() {
		if cfg, err = m.oauthConfig(ctx); err != nil {
			return credential.Credential{}, err
		}
	}

	var (
		out     credential.Credential
		outcome error
	)
	// Re-check and refresh under the lock so concurrent processes do not
	// spend the same refresh token twice.
	_, err = m.store.Update(ctx, func(d *store.Document) error {
		cur := d.ActiveCredential()
		if !m.needsRefresh(cur) {
			out = cur
			return nil
		}
		if !cur.CanRefresh() || cfg == nil {
			d.ClearCredential()
			outcome = apperr.Auth("auth.refresh", fmt.Errorf("%w: %s token expired", ErrReauthRequired, cur.Method)).
				WithHint("sign in again with `memlink auth login`")
			return nil
		}

		refreshed, rerr := m.refreshOAuth(ctx, cfg, cur)
		switch {
		case rerr == nil:
			d.SetCredential(refreshed)
			out = refreshed
		case apperr.Is(rerr, apperr.KindAuth):
			d.ClearCredential()
			outcome = apperr.Auth("auth.refresh", fmt.Errorf("%w: %w", ErrReauthRequired, rerr)).
				WithHint("sign in again with `memlink auth login --oauth`")
		default:
			return rerr
		}
		return nil
	})
	if err != nil {
		return credential.Credential{}, err
	}
	if outcome != nil {
		m.logger.Warn("cleared expired credential", "method", string(cred.Method))
		return credential.Credential{}, outcome
	}
	return out, nil
}

func (m *Manager) needsRefresh(c credential.Credential) bool {
	if c.Method != credential.MethodJWT && c.Method != credential.MethodOAuth {
		return false
	}
	return credential.IsExpired(c.ExpiresAt(), m.opts.RefreshBuffer, m.opts.Now())
}

func (m *Manager) refreshOAuth(ctx context.Context, cfg *oauth2.Config, cur credential.Credential) (credential.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	tok, err := cfg.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: cur.OAuth.Refresh}).Token()
	if err != nil {
		return credential.Credential{}, classifyOAuth("auth.refresh", err)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = cur.OAuth.Refresh
	}
	m.logger.Debug("refreshed oauth token", "expires", tok.Expiry)
	return credential.FromOAuth(tok.AccessToken, refresh, tok.Expiry), nil
}

// classifyOAuth maps oauth2 errors: a 4xx token response is an auth
// rejection, a 5xx is treated as a network problem.
func classifyOAuth(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code >= 400 && code < 500 {
			return apperr.Auth(op, err)
		}
		return apperr.Network(op, err)
	}
	return apperr.Classify(op, err)
}
