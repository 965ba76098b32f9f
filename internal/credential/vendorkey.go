// Package credential validates and normalizes credential material: vendor
// keys, JWTs and OAuth tokens. Every function here is pure so that two
// installations evaluating the same input reach the same verdict.
package credential

import (
	"errors"
	"fmt"
	"strings"
)

const (
	vendorPublicPrefix = "pk_"
	vendorSecretSep    = ".sk_"
)

// Validation messages. They are returned verbatim and must stay stable.
const (
	MsgVendorKeyRequired  = "Vendor key is required"
	MsgVendorKeyPrefix    = `Vendor key must start with "pk_"`
	MsgVendorKeySeparator = `Vendor key must contain ".sk_" separating the public and secret parts`
	msgPartMissing        = "Vendor key %s part is missing"
	msgPartAlphanumeric   = "Vendor key %s part must be alphanumeric"
	msgPartTooShort       = "Vendor key %s part must be at least %d characters"
)

// Bounds are the minimum lengths of the vendor key parts. The server is the
// final authority on key shape; these only reject obviously broken input.
type Bounds struct {
	MinPublic int
	MinSecret int
}

// DefaultBounds accepts any non-empty part.
func DefaultBounds() Bounds {
	return Bounds{MinPublic: 1, MinSecret: 1}
}

func (b Bounds) normalized() Bounds {
	if b.MinPublic < 1 {
		b.MinPublic = 1
	}
	if b.MinSecret < 1 {
		b.MinSecret = 1
	}
	return b
}

// VendorKey is a two-part machine credential, pk_<public>.sk_<secret>.
type VendorKey struct {
	Public string `json:"public"`
	Secret string `json:"secret"` // #nosec G117 -- field holds the vendor key secret by design
}

// String renders the canonical textual form.
func (k VendorKey) String() string {
	return vendorPublicPrefix + k.Public + vendorSecretSep + k.Secret
}

// ValidateVendorKeyFormat returns nil when input has the shape
// pk_<public>.sk_<secret> within bounds, otherwise an error whose message
// depends only on input and bounds.
func ValidateVendorKeyFormat(input string, bounds Bounds) error {
	_, err := ParseVendorKey(input, bounds)
	return err
}

// ParseVendorKey validates input and splits it into its parts.
// Surrounding whitespace is trimmed.
func ParseVendorKey(input string, bounds Bounds) (VendorKey, error) {
	bounds = bounds.normalized()
	s := strings.TrimSpace(input)
	if s == "" {
		return VendorKey{}, errors.New(MsgVendorKeyRequired)
	}
	if !strings.HasPrefix(s, vendorPublicPrefix) {
		return VendorKey{}, errors.New(MsgVendorKeyPrefix)
	}
	rest := s[len(vendorPublicPrefix):]
	idx := strings.Index(rest, vendorSecretSep)
	if idx < 0 {
		return VendorKey{}, errors.New(MsgVendorKeySeparator)
	}
	pub, secret := rest[:idx], rest[idx+len(vendorSecretSep):]

	if err := checkPart("public", pub, bounds.MinPublic); err != nil {
		return VendorKey{}, err
	}
	if err := checkPart("secret", secret, bounds.MinSecret); err != nil {
		return VendorKey{}, err
	}
	return VendorKey{Public: pub, Secret: secret}, nil
}

func checkPart(name, part string, minLen int) error {
	if part == "" {
		return fmt.Errorf(msgPartMissing, name)
	}
	if !isAlphanumeric(part) {
		return fmt.Errorf(msgPartAlphanumeric, name)
	}
	if len(part) < minLen {
		return fmt.Errorf(msgPartTooShort, name, minLen)
	}
	return nil
}

// isAlphanumeric reports whether s holds ASCII letters and digits only.
func isAlphanumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		default:
			return false
		}
	}
	return true
}
