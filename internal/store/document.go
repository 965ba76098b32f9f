package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-ports/memlink/internal/credential"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 3

// ErrUnsupportedVersion is returned for documents written by a newer build.
var ErrUnsupportedVersion = errors.New("session document version is newer than this build supports")

// Document is the persisted session state shared by every memlink process
// on the machine.
type Document struct {
	Version              int                    `json:"version"`
	DeviceID             string                 `json:"deviceId"`
	AuthMethod           credential.Method      `json:"authMethod,omitempty"`
	Credential           *credential.Credential `json:"credential,omitempty"`
	DiscoveredServices   map[string]string      `json:"discoveredServices,omitempty"`
	ServicesDiscoveredAt *time.Time             `json:"servicesDiscoveredAt,omitempty"`
	ServiceOverrides     map[string]string      `json:"serviceOverrides,omitempty"`
	AuthFailureCount     int                    `json:"authFailureCount"`
	LastAuthFailure      *time.Time             `json:"lastAuthFailure,omitempty"`
	LastValidated        *time.Time             `json:"lastValidated,omitempty"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// SetCredential installs cred as the only active credential and switches
// AuthMethod to match, dropping material of any other method.
func (d *Document) SetCredential(cred credential.Credential) {
	cp := cred
	switch cred.Method {
	case credential.MethodVendorKey:
		cp.JWT, cp.OAuth = nil, nil
	case credential.MethodJWT:
		cp.VendorKey, cp.OAuth = nil, nil
	case credential.MethodOAuth:
		cp.VendorKey, cp.JWT = nil, nil
	}
	d.AuthMethod = cred.Method
	d.Credential = &cp
}

// SetAuthMethod switches the method, clearing a credential of another kind.
func (d *Document) SetAuthMethod(m credential.Method) {
	if d.Credential != nil && d.Credential.Method != m {
		d.Credential = nil
	}
	d.AuthMethod = m
}

// ClearCredential removes the active credential but keeps the method.
func (d *Document) ClearCredential() {
	d.Credential = nil
}

// ActiveCredential returns the credential, or the zero value.
func (d *Document) ActiveCredential() credential.Credential {
	if d.Credential == nil {
		return credential.Credential{}
	}
	return *d.Credential
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	cp := *d
	if d.Credential != nil {
		c := *d.Credential
		if c.VendorKey != nil {
			v := *c.VendorKey
			c.VendorKey = &v
		}
		if c.JWT != nil {
			j := *c.JWT
			c.JWT = &j
		}
		if c.OAuth != nil {
			o := *c.OAuth
			c.OAuth = &o
		}
		cp.Credential = &c
	}
	cp.DiscoveredServices = maps.Clone(d.DiscoveredServices)
	cp.ServiceOverrides = maps.Clone(d.ServiceOverrides)
	return &cp
}

func (d *Document) validate() error {
	if d.DeviceID == "" {
		return errors.New("deviceId is missing")
	}
	if d.Credential != nil {
		if err := d.Credential.Validate(); err != nil {
			return fmt.Errorf("credential: %w", err)
		}
	}
	if d.AuthFailureCount < 0 {
		return errors.New("authFailureCount is negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Migrations
// ---------------------------------------------------------------------------

// migration upgrades a raw document from version N to N+1.
type migration func(raw map[string]any, newID func() string) error

// migrations[i] upgrades version i+1 to i+2.
var migrations = []migration{
	migrateV1toV2,
	migrateV2toV3,
}

// migrateV1toV2 moves the legacy top-level apiKey into a vendor key
// credential and renames services to discoveredServices.
func migrateV1toV2(raw map[string]any, _ func() string) error {
	if key, ok := raw["apiKey"].(string); ok {
		delete(raw, "apiKey")
		if vk, err := credential.ParseVendorKey(key, credential.DefaultBounds()); err == nil {
			raw["authMethod"] = string(credential.MethodVendorKey)
			raw["credential"] = map[string]any{
				"method":    string(credential.MethodVendorKey),
				"vendorKey": map[string]any{"public": vk.Public, "secret": vk.Secret},
			}
		}
	}
	if svc, ok := raw["services"]; ok {
		delete(raw, "services")
		if _, exists := raw["discoveredServices"]; !exists {
			raw["discoveredServices"] = svc
		}
	}
	return nil
}

// migrateV2toV3 guarantees a deviceId.
func migrateV2toV3(raw map[string]any, newID func() string) error {
	if id, _ := raw["deviceId"].(string); id == "" {
		raw["deviceId"] = newID()
	}
	return nil
}

// decodeDocument parses data, applying migrations in order. migrated
// reports whether any step ran.
func decodeDocument(data []byte, newID func() string) (doc *Document, migrated bool, err error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, fmt.Errorf("parse session document: %w", err)
	}
	if raw == nil {
		return nil, false, errors.New("parse session document: not a JSON object")
	}

	version := 1
	if v, ok := raw["version"].(float64); ok {
		version = int(v)
	}
	if version < 1 {
		return nil, false, fmt.Errorf("parse session document: invalid version %d", version)
	}
	if version > CurrentVersion {
		return nil, false, fmt.Errorf("%w (document v%d, supported v%d)", ErrUnsupportedVersion, version, CurrentVersion)
	}

	for v := version; v < CurrentVersion; v++ {
		if err := migrations[v-1](raw, newID); err != nil {
			return nil, false, fmt.Errorf("migrate session document v%d→v%d: %w", v, v+1, err)
		}
		migrated = true
	}
	raw["version"] = CurrentVersion

	if migrated {
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, false, fmt.Errorf("re-encode migrated document: %w", err)
		}
	}

	doc = &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, false, fmt.Errorf("parse session document: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, false, fmt.Errorf("invalid session document: %w", err)
	}
	return doc, migrated, nil
}

func encodeDocument(doc *Document) ([]byte, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
