package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Method is the authentication method a credential belongs to.
type Method string

const (
	MethodNone      Method = ""
	MethodVendorKey Method = "vendor_key"
	MethodJWT       Method = "jwt"
	MethodOAuth     Method = "oauth"
)

// ParseMethod converts s into a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.TrimSpace(s)); m {
	case MethodVendorKey, MethodJWT, MethodOAuth, MethodNone:
		return m, nil
	default:
		return MethodNone, fmt.Errorf("unknown auth method %q (valid: vendor_key, jwt, oauth)", s)
	}
}

// JWTToken is a bearer JWT. ExpiresAtEpoch is in Unix milliseconds; zero
// when the token has no exp claim.
type JWTToken struct {
	Raw            string `json:"raw"`
	ExpiresAtEpoch int64  `json:"expiresAtEpoch,omitempty"`
}

// OAuthToken is an OAuth access token with an optional refresh token.
type OAuthToken struct {
	Access         string `json:"access"`
	Refresh        string `json:"refresh,omitempty"`
	ExpiresAtEpoch int64  `json:"expiresAtEpoch,omitempty"`
}

// Credential is a tagged union: Method selects which one of the pointer
// fields is populated.
type Credential struct {
	Method    Method      `json:"method"`
	VendorKey *VendorKey  `json:"vendorKey,omitempty"`
	JWT       *JWTToken   `json:"jwt,omitempty"`
	OAuth     *OAuthToken `json:"oauth,omitempty"`
}

// FromVendorKey wraps k.
func FromVendorKey(k VendorKey) Credential {
	return Credential{Method: MethodVendorKey, VendorKey: &k}
}

// FromJWT builds a JWT credential, taking the expiry from the token's
// exp claim.
func FromJWT(raw string) (Credential, error) {
	p, err := DecodePayload(raw)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Method: MethodJWT,
		JWT:    &JWTToken{Raw: strings.TrimSpace(raw), ExpiresAtEpoch: epochMillis(p.ExpiresAt)},
	}, nil
}

// FromOAuth builds an OAuth credential.
func FromOAuth(access, refresh string, expiresAt time.Time) Credential {
	return Credential{
		Method: MethodOAuth,
		OAuth:  &OAuthToken{Access: access, Refresh: refresh, ExpiresAtEpoch: epochMillis(expiresAt)},
	}
}

// IsZero reports whether no credential is set.
func (c Credential) IsZero() bool {
	return c.Method == MethodNone && c.VendorKey == nil && c.JWT == nil && c.OAuth == nil
}

// Validate checks the union invariant: exactly the material matching
// Method is present and non-empty.
func (c Credential) Validate() error {
	set := 0
	if c.VendorKey != nil {
		set++
	}
	if c.JWT != nil {
		set++
	}
	if c.OAuth != nil {
		set++
	}
	if set > 1 {
		return errors.New("credential carries more than one kind of material")
	}

	switch c.Method {
	case MethodVendorKey:
		if c.VendorKey == nil || c.VendorKey.Public == "" || c.VendorKey.Secret == "" {
			return errors.New("vendor key credential is incomplete")
		}
	case MethodJWT:
		if c.JWT == nil || c.JWT.Raw == "" {
			return errors.New("jwt credential is empty")
		}
	case MethodOAuth:
		if c.OAuth == nil || c.OAuth.Access == "" {
			return errors.New("oauth credential has no access token")
		}
	case MethodNone:
		if set != 0 {
			return errors.New("credential material present without an auth method")
		}
	default:
		return fmt.Errorf("unknown auth method %q", c.Method)
	}
	return nil
}

// ExpiresAt returns the credential expiry, or zero when it does not expire.
func (c Credential) ExpiresAt() time.Time {
	switch {
	case c.JWT != nil:
		return fromEpochMillis(c.JWT.ExpiresAtEpoch)
	case c.OAuth != nil:
		return fromEpochMillis(c.OAuth.ExpiresAtEpoch)
	default:
		return time.Time{}
	}
}

// CanRefresh reports whether the credential carries a refresh token.
func (c Credential) CanRefresh() bool {
	return c.OAuth != nil && c.OAuth.Refresh != ""
}

// AuthHeaders returns the HTTP headers that authenticate a request.
func (c Credential) AuthHeaders() map[string]string {
	switch {
	case c.VendorKey != nil:
		return map[string]string{"X-API-Key": c.VendorKey.String()}
	case c.JWT != nil:
		return map[string]string{"Authorization": "Bearer " + c.JWT.Raw}
	case c.OAuth != nil:
		return map[string]string{"Authorization": "Bearer " + c.OAuth.Access}
	default:
		return map[string]string{}
	}
}

// Secret returns the primary secret string of the credential, used for
// redaction of diagnostics.
func (c Credential) Secret() string {
	switch {
	case c.VendorKey != nil:
		return c.VendorKey.String()
	case c.JWT != nil:
		return c.JWT.Raw
	case c.OAuth != nil:
		return c.OAuth.Access
	default:
		return ""
	}
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
