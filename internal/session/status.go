package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/credential"
	"github.com/go-ports/memlink/internal/discovery"
	"github.com/go-ports/memlink/internal/redaction"
)

// Status is a snapshot of the stored session, safe to print: secrets are
// masked.
type Status struct {
	Authenticated   bool       `yaml:"authenticated" json:"authenticated"`
	Method          string     `yaml:"method,omitempty" json:"method,omitempty"`
	Credential      string     `yaml:"credential,omitempty" json:"credential,omitempty"`
	ExpiresAt       *time.Time `yaml:"expires_at,omitempty" json:"expiresAt,omitempty"`
	Expired         bool       `yaml:"expired" json:"expired"`
	DeviceID        string     `yaml:"device_id" json:"deviceId"`
	FailureCount    int        `yaml:"failure_count" json:"failureCount"`
	AuthDelay       string     `yaml:"auth_delay,omitempty" json:"authDelay,omitempty"`
	LastValidated   *time.Time `yaml:"last_validated,omitempty" json:"lastValidated,omitempty"`
	LastAuthFailure *time.Time `yaml:"last_auth_failure,omitempty" json:"lastAuthFailure,omitempty"`
	Document        string     `yaml:"document" json:"document"`
}

// Status reads the session without contacting the server or refreshing.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	doc, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	cred := doc.ActiveCredential()
	st := &Status{
		Authenticated:   !cred.IsZero(),
		Method:          string(doc.AuthMethod),
		Credential:      maskCredential(cred),
		DeviceID:        doc.DeviceID,
		FailureCount:    doc.AuthFailureCount,
		LastValidated:   doc.LastValidated,
		LastAuthFailure: doc.LastAuthFailure,
		Document:        m.store.Path(),
	}
	if exp := cred.ExpiresAt(); !exp.IsZero() {
		st.ExpiresAt = &exp
		st.Expired = credential.IsExpired(exp, 0, m.opts.Now())
	}
	if d := AuthDelay(doc.AuthFailureCount); d > 0 {
		st.AuthDelay = d.String()
	}
	return st, nil
}

func maskCredential(c credential.Credential) string {
	switch {
	case c.VendorKey != nil:
		return redaction.MaskVendorKey(c.VendorKey.String())
	case c.JWT != nil:
		return redaction.MaskToken(c.JWT.Raw)
	case c.OAuth != nil:
		return redaction.MaskToken(c.OAuth.Access)
	default:
		return ""
	}
}

// CheckStatus is the outcome of one diagnostic check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
	CheckSkip CheckStatus = "skip"
)

// Check is one diagnostic line.
type Check struct {
	Name   string      `yaml:"name" json:"name"`
	Status CheckStatus `yaml:"status" json:"status"`
	Detail string      `yaml:"detail,omitempty" json:"detail,omitempty"`
}

// Probe is an extra diagnostic supplied by a collaborator, such as the
// memory API health check.
type Probe func(ctx context.Context) Check

// Diagnose runs the session checks in order, then any extra probes. It
// never stops early and never mutates the credential; secrets in details
// are redacted.
func (m *Manager) Diagnose(ctx context.Context, probes ...Probe) []Check {
	var checks []Check
	add := func(name string, status CheckStatus, format string, args ...any) {
		checks = append(checks, Check{Name: name, Status: status, Detail: fmt.Sprintf(format, args...)})
	}

	doc, err := m.store.Load(ctx)
	if err != nil {
		add("session document", CheckFail, "%v", err)
		return redactChecks(checks, "")
	}
	add("session document", CheckPass, "%s (schema v%d)", m.store.Path(), doc.Version)

	if m.store.Exists() {
		add("device id", CheckPass, "%s", doc.DeviceID)
	} else {
		add("device id", CheckWarn, "not yet persisted; run `memlink init`")
	}

	cred := doc.ActiveCredential()
	secret := cred.Secret()
	switch {
	case cred.IsZero():
		add("credential", CheckFail, "no credential stored; run `memlink auth login`")
	case cred.Method == credential.MethodVendorKey && m.checkFormat(cred) != nil:
		add("credential", CheckFail, "%v", m.checkFormat(cred))
	default:
		add("credential", CheckPass, "%s %s", cred.Method, maskCredential(cred))
	}

	if exp := cred.ExpiresAt(); !exp.IsZero() {
		switch {
		case credential.IsExpired(exp, 0, m.opts.Now()):
			if cred.CanRefresh() {
				add("expiry", CheckWarn, "expired at %s; will refresh on next use", exp.Format(time.RFC3339))
			} else {
				add("expiry", CheckFail, "expired at %s; sign in again", exp.Format(time.RFC3339))
			}
		case credential.IsExpired(exp, m.opts.RefreshBuffer, m.opts.Now()):
			add("expiry", CheckWarn, "expires soon (%s)", exp.Format(time.RFC3339))
		default:
			add("expiry", CheckPass, "valid until %s", exp.Format(time.RFC3339))
		}
	} else if !cred.IsZero() {
		add("expiry", CheckPass, "credential does not expire")
	}

	res, err := m.discovery.Discover(ctx, false)
	switch {
	case err != nil:
		add("service discovery", CheckFail, "%v", err)
	case res.Warning != "":
		add("service discovery", CheckWarn, "%s", res.Warning)
	default:
		add("service discovery", CheckPass, "%s (%s)", m.discovery.URL(), res.Source)
	}

	if cred.IsZero() {
		add("auth server", CheckSkip, "no credential to verify")
	} else if err := m.verify(ctx, cred); err != nil {
		if hint := apperr.HintOf(err); hint != "" {
			add("auth server", CheckFail, "%v; %s", err, hint)
		} else {
			add("auth server", CheckFail, "%v", err)
		}
	} else {
		add("auth server", CheckPass, "credential accepted")
	}

	for _, p := range probes {
		checks = append(checks, p(ctx))
	}

	if d := AuthDelay(doc.AuthFailureCount); d > 0 {
		add("failure backoff", CheckWarn, "%d consecutive failures; next attempt waits %s", doc.AuthFailureCount, d)
	} else {
		add("failure backoff", CheckPass, "%d consecutive failures", doc.AuthFailureCount)
	}

	return redactChecks(checks, secret)
}

func redactChecks(checks []Check, secret string) []Check {
	for i := range checks {
		checks[i].Detail = redaction.Redact(checks[i].Detail, secret)
	}
	return checks
}

// Manifest returns the current service manifest, for callers that hold a
// Manager but not the discovery service.
func (m *Manager) Manifest(ctx context.Context) (discovery.Manifest, error) {
	res, err := m.discovery.Discover(ctx, false)
	if err != nil {
		return nil, err
	}
	return res.Manifest, nil
}
