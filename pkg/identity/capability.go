package identity

import (
	"encoding/json"
	"sort"
)

// CapabilitySet is an unordered set of capability names. It serializes as a
// sorted JSON array so canonical encodings are stable.
type CapabilitySet map[string]struct{}

// NewCapabilitySet builds a set from capability names.
func NewCapabilitySet(caps ...string) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		if c != "" {
			s[c] = struct{}{}
		}
	}
	return s
}

// Contains reports membership.
func (s CapabilitySet) Contains(c string) bool {
	_, ok := s[c]
	return ok
}

// SubsetOf reports whether every capability in s is present in other.
func (s CapabilitySet) SubsetOf(other CapabilitySet) bool {
	for c := range s {
		if !other.Contains(c) {
			return false
		}
	}
	return true
}

// Intersect returns the capabilities present in both sets.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for c := range s {
		if other.Contains(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

// Clone returns an independent copy.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// List returns the capabilities sorted lexicographically.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON implements json.Marshaler.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *CapabilitySet) UnmarshalJSON(b []byte) error {
	var caps []string
	if err := json.Unmarshal(b, &caps); err != nil {
		return err
	}
	*s = NewCapabilitySet(caps...)
	return nil
}
