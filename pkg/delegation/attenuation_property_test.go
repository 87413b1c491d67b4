//go:build property
// +build property

// Package delegation_test contains property-based tests for capability
// attenuation across delegation chains.
package delegation_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/delegation"
	"github.com/trustplane/trustplane/pkg/identity"
)

// TestAttenuationMonotonicity verifies the effective capability set of a
// chain never grows hop to hop.
// Property: |caps(chain[0..n])| >= |caps(chain[0..n+1])| for any chain
func TestAttenuationMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Effective capabilities are non-increasing", prop.ForAll(
		func(capNames []string, drops []int) bool {
			// Dedup and require a non-trivial root grant.
			rootCaps := identity.NewCapabilitySet()
			for _, c := range capNames {
				if c != "" {
					rootCaps[c] = struct{}{}
				}
			}
			if len(rootCaps) == 0 || len(drops) == 0 {
				return true // Skip trivial cases
			}

			root := &identity.AgentIdentity{
				DID:          mustDID("did:trustplane:prop-root"),
				Capabilities: rootCaps,
				CreatedAt:    time.Now(),
			}

			// Build a chain where each hop keeps a shrinking prefix of
			// the previous hop's capability list.
			holder := root
			var links []*delegation.Link
			for i, d := range drops {
				remaining := holder.Capabilities.List()
				keep := len(remaining) - (d % len(remaining))
				if keep == 0 {
					keep = 1
				}
				next := identity.NewCapabilitySet(remaining[:keep]...)
				to := mustDID(fmt.Sprintf("did:trustplane:prop-hop-%d", i))

				link, err := delegation.Delegate(holder, to, next, time.Hour)
				if err != nil {
					return false // Narrowing delegation must never fail
				}
				links = append(links, link)
				holder = &identity.AgentIdentity{DID: to, Capabilities: next}
			}

			chain, err := delegation.BuildChain(root, links)
			if err != nil {
				return false
			}

			// The effective set is a subset of every hop's grant, and
			// per-hop grants never widen.
			effective := chain.EffectiveCapabilities()
			if !effective.SubsetOf(rootCaps) {
				return false
			}
			prev := rootCaps
			for _, link := range chain.Links {
				if !link.Capabilities.SubsetOf(prev) {
					return false
				}
				if !effective.SubsetOf(link.Capabilities) {
					return false
				}
				prev = link.Capabilities
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOfN(6, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func mustDID(s string) did.DID {
	d, err := did.Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}
