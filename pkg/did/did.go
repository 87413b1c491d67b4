// Package did implements parsing and validation of decentralized identifiers
// in the form "did:<method>:<identifier>". Parsing is strict and total: any
// input, including adversarial byte sequences, either yields a DID or a typed
// identity error. It never panics.
package did

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/trustplane/trustplane/pkg/errs"
)

const (
	prefix = "did:"

	// maxLength bounds accepted input so oversized identifiers fail fast.
	maxLength = 1024
)

// DID is a stable decentralized identifier. Immutable once created.
type DID struct {
	Method     string
	Identifier string
}

// Parse parses a DID string. All failures carry errs.KindIdentity.
func Parse(s string) (DID, error) {
	const op = "did.Parse"

	if s == "" {
		return DID{}, errs.E(errs.KindIdentity, op, "empty DID")
	}
	if len(s) > maxLength {
		return DID{}, errs.Ef(errs.KindIdentity, op, "DID exceeds %d bytes", maxLength)
	}
	if !utf8.ValidString(s) {
		return DID{}, errs.E(errs.KindIdentity, op, "DID is not valid UTF-8")
	}
	if !strings.HasPrefix(s, prefix) {
		return DID{}, errs.E(errs.KindIdentity, op, `DID must start with "did:"`)
	}

	rest := s[len(prefix):]
	sep := strings.IndexByte(rest, ':')
	if sep <= 0 {
		return DID{}, errs.E(errs.KindIdentity, op, "DID is missing a method or identifier segment")
	}

	method, identifier := rest[:sep], rest[sep+1:]
	if identifier == "" {
		return DID{}, errs.E(errs.KindIdentity, op, "DID identifier is empty")
	}
	if !validMethod(method) {
		return DID{}, errs.Ef(errs.KindIdentity, op, "invalid DID method %q", method)
	}
	if !validIdentifier(identifier) {
		return DID{}, errs.E(errs.KindIdentity, op, "DID identifier contains forbidden characters")
	}

	return DID{Method: method, Identifier: identifier}, nil
}

// New builds a DID from parts, applying the same validation as Parse.
func New(method, identifier string) (DID, error) {
	return Parse(prefix + method + ":" + identifier)
}

// String renders the canonical "did:<method>:<identifier>" form.
func (d DID) String() string {
	if d.IsZero() {
		return ""
	}
	return prefix + d.Method + ":" + d.Identifier
}

// IsZero reports whether d is the zero DID.
func (d DID) IsZero() bool { return d.Method == "" && d.Identifier == "" }

// Equal reports whether two DIDs are identical.
func (d DID) Equal(other DID) bool {
	return d.Method == other.Method && d.Identifier == other.Identifier
}

// MarshalText implements encoding.TextMarshaler.
func (d DID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// validMethod accepts lowercase alphanumeric method names, per DID syntax.
func validMethod(m string) bool {
	for _, r := range m {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// validIdentifier rejects control characters and whitespace. Colons are
// allowed so methods like did:web can carry path-style identifiers.
func validIdentifier(id string) bool {
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
