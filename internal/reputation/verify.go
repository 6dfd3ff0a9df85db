// Package reputation cross-checks a client's self-claimed contribution
// score against the Global Score Registry's verified view, deciding the
// effective admission priority for an inference request (§4.9).
package reputation

import (
	"log/slog"

	"github.com/shurlinet/qmesh/internal/registry"
)

// unverifiedCeiling caps the priority granted to a claim the registry
// cannot corroborate. §9 notes the source is ambiguous about whether this
// ceiling is 100 or 0 in different places; this design preserves the rule
// stated in §4.9 (100, the Bronze ceiling) rather than guessing.
const unverifiedCeiling = 100

// divergenceTolerance is the maximum gap between a claimed and verified
// score before the verified value is substituted.
const divergenceTolerance = 100

// Verifier resolves a request's effective priority from its sender's
// self-claimed score.
type Verifier struct {
	registry *registry.Registry
}

// New constructs a Verifier backed by reg.
func New(reg *registry.Registry) *Verifier {
	return &Verifier{registry: reg}
}

// EffectivePriority implements §4.9's decision table.
func (v *Verifier) EffectivePriority(senderID string, claimed int) int {
	if senderID == "" {
		return 0
	}

	record, found := v.registry.Get(senderID)
	if !found {
		if claimed > 0 {
			if claimed > unverifiedCeiling {
				return unverifiedCeiling
			}
			return claimed
		}
		return 0
	}

	verified := record.TotalScore
	diff := claimed - verified
	if diff < 0 {
		diff = -diff
	}
	if diff <= divergenceTolerance {
		return claimed
	}

	slog.Info("reputation: claimed score diverges from registry",
		"sender", senderID, "claimed", claimed, "verified", verified)
	return verified
}
