package credential_test

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/golang-jwt/jwt/v5"

	"github.com/go-ports/memlink/internal/credential"
)

// signedToken returns an HS256 token with the given claims.
func signedToken(c *qt.C, claims jwt.MapClaims) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	c.Assert(err, qt.IsNil)
	return tok
}

// ---------------------------------------------------------------------------
// ValidateVendorKeyFormat
// ---------------------------------------------------------------------------

func TestValidateVendorKeyFormat_HappyPath(t *testing.T) {
	c := qt.New(t)

	valid := []string{
		"pk_shared123456789.sk_shared123456789012345",
		"pk_a.sk_b",
		"  pk_ABC123.sk_xyz789  ",
	}
	for _, in := range valid {
		c.Run(in, func(c *qt.C) {
			c.Assert(credential.ValidateVendorKeyFormat(in, credential.DefaultBounds()), qt.IsNil)
		})
	}
}

func TestValidateVendorKeyFormat_FailurePath(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		name  string
		in    string
		bound credential.Bounds
		want  string
	}{
		{"empty", "", credential.DefaultBounds(), "Vendor key is required"},
		{"single space", " ", credential.DefaultBounds(), "Vendor key is required"},
		{"tabs and newlines", "\t\n", credential.DefaultBounds(), "Vendor key is required"},
		{"wrong prefix", "sk_abc.pk_def", credential.DefaultBounds(), `Vendor key must start with "pk_"`},
		{"missing separator", "pk_abcdef", credential.DefaultBounds(), `Vendor key must contain ".sk_" separating the public and secret parts`},
		{"empty public", "pk_.sk_abc", credential.DefaultBounds(), "Vendor key public part is missing"},
		{"empty secret", "pk_abc.sk_", credential.DefaultBounds(), "Vendor key secret part is missing"},
		{"non alphanumeric public", "pk_ab-c.sk_abc", credential.DefaultBounds(), "Vendor key public part must be alphanumeric"},
		{"non alphanumeric secret", "pk_abc.sk_a b", credential.DefaultBounds(), "Vendor key secret part must be alphanumeric"},
		{"secret below configured bound", "pk_abcdef.sk_abc", credential.Bounds{MinPublic: 4, MinSecret: 8}, "Vendor key secret part must be at least 8 characters"},
		{"public below configured bound", "pk_ab.sk_abcdefgh", credential.Bounds{MinPublic: 4, MinSecret: 8}, "Vendor key public part must be at least 4 characters"},
	}

	for _, tc := range cases {
		c.Run(tc.name, func(c *qt.C) {
			err := credential.ValidateVendorKeyFormat(tc.in, tc.bound)
			c.Assert(err, qt.IsNotNil)
			c.Assert(err.Error(), qt.Equals, tc.want)
		})
	}
}

func TestValidateVendorKeyFormat_StableAcrossCalls(t *testing.T) {
	c := qt.New(t)

	for _, in := range []string{"", " ", "pk_x", "nope"} {
		first := credential.ValidateVendorKeyFormat(in, credential.DefaultBounds()).Error()
		for i := 0; i < 3; i++ {
			c.Assert(credential.ValidateVendorKeyFormat(in, credential.DefaultBounds()).Error(), qt.Equals, first)
		}
	}
}

func TestParseVendorKey_RoundTrip(t *testing.T) {
	c := qt.New(t)

	k, err := credential.ParseVendorKey(" pk_shared123456789.sk_shared123456789012345 ", credential.DefaultBounds())
	c.Assert(err, qt.IsNil)
	c.Assert(k.Public, qt.Equals, "shared123456789")
	c.Assert(k.Secret, qt.Equals, "shared123456789012345")
	c.Assert(k.String(), qt.Equals, "pk_shared123456789.sk_shared123456789012345")
}

// ---------------------------------------------------------------------------
// DecodePayload / IsExpired
// ---------------------------------------------------------------------------

func TestDecodePayload_HappyPath(t *testing.T) {
	c := qt.New(t)

	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	tok := signedToken(c, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})

	p, err := credential.DecodePayload(tok)
	c.Assert(err, qt.IsNil)
	c.Assert(p.ExpiresAt.Equal(exp), qt.IsTrue)
	c.Assert(p.Claims["sub"], qt.Equals, "user-1")
}

func TestDecodePayload_NoExpiry(t *testing.T) {
	c := qt.New(t)

	p, err := credential.DecodePayload(signedToken(c, jwt.MapClaims{"sub": "x"}))
	c.Assert(err, qt.IsNil)
	c.Assert(p.ExpiresAt.IsZero(), qt.IsTrue)
}

func TestDecodePayload_FailurePath(t *testing.T) {
	c := qt.New(t)

	for _, in := range []string{"", "abc", "a.b", "a.b.c.d", "!!!.@@@.###"} {
		c.Run(in, func(c *qt.C) {
			_, err := credential.DecodePayload(in)
			c.Assert(err, qt.IsNotNil)
		})
	}
}

func TestIsExpired(t *testing.T) {
	c := qt.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		expiresAt time.Time
		buffer    time.Duration
		want      bool
	}{
		{"zero never expires", time.Time{}, time.Hour, false},
		{"far future", now.Add(time.Hour), time.Minute, false},
		{"inside buffer", now.Add(30 * time.Second), time.Minute, true},
		{"exactly at buffer edge", now.Add(time.Minute), time.Minute, true},
		{"past", now.Add(-time.Second), 0, true},
		{"exactly now no buffer", now, 0, true},
	}
	for _, tc := range cases {
		c.Run(tc.name, func(c *qt.C) {
			c.Assert(credential.IsExpired(tc.expiresAt, tc.buffer, now), qt.Equals, tc.want)
		})
	}
}

// ---------------------------------------------------------------------------
// Credential union
// ---------------------------------------------------------------------------

func TestCredential_Validate(t *testing.T) {
	c := qt.New(t)

	vk := credential.FromVendorKey(credential.VendorKey{Public: "abc", Secret: "def"})
	c.Assert(vk.Validate(), qt.IsNil)
	c.Assert(vk.AuthHeaders(), qt.DeepEquals, map[string]string{"X-API-Key": "pk_abc.sk_def"})

	oauth := credential.FromOAuth("access", "refresh", time.Now().Add(time.Hour))
	c.Assert(oauth.Validate(), qt.IsNil)
	c.Assert(oauth.CanRefresh(), qt.IsTrue)
	c.Assert(oauth.AuthHeaders()["Authorization"], qt.Equals, "Bearer access")

	mixed := vk
	mixed.OAuth = oauth.OAuth
	c.Assert(mixed.Validate(), qt.ErrorMatches, "credential carries more than one kind of material")

	c.Assert(credential.Credential{}.Validate(), qt.IsNil)
	c.Assert(credential.Credential{}.IsZero(), qt.IsTrue)
	c.Assert(credential.Credential{Method: credential.MethodJWT}.Validate(), qt.IsNotNil)
}

func TestFromJWT_TakesExpiryFromClaims(t *testing.T) {
	c := qt.New(t)

	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	cred, err := credential.FromJWT(signedToken(c, jwt.MapClaims{"exp": exp.Unix()}))
	c.Assert(err, qt.IsNil)
	c.Assert(cred.Method, qt.Equals, credential.MethodJWT)
	c.Assert(cred.ExpiresAt().Equal(exp), qt.IsTrue)
	c.Assert(cred.CanRefresh(), qt.IsFalse)
}

func TestParseMethod(t *testing.T) {
	c := qt.New(t)

	m, err := credential.ParseMethod("oauth")
	c.Assert(err, qt.IsNil)
	c.Assert(m, qt.Equals, credential.MethodOAuth)

	_, err = credential.ParseMethod("password")
	c.Assert(err, qt.ErrorMatches, `unknown auth method "password".*`)
}
