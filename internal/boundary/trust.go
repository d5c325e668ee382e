package boundary

import (
	"errors"
	"fmt"
)

// Capability scopes a report sender may hold.
const (
	ScopeUsageReport = "usage:report"
	ScopeUsageBatch  = "usage:batch"
	ScopeAdminReplay = "admin:replay"
)

// legacyTrustScopes maps the pre-scope numeric trust levels onto the scope
// sets they implied. Senders on the old protocol still carry trust_level;
// new senders send capability_scopes directly.
var legacyTrustScopes = map[int64][]string{
	1: {ScopeUsageReport},
	2: {ScopeUsageReport, ScopeUsageBatch},
	3: {ScopeUsageReport, ScopeUsageBatch, ScopeAdminReplay},
}

var knownScopes = map[string]bool{
	ScopeUsageReport: true,
	ScopeUsageBatch:  true,
	ScopeAdminReplay: true,
}

// Trust normalization errors.
var (
	ErrTrustAmbiguous = errors.New("both trust_level and capability_scopes present")
	ErrTrustMissing   = errors.New("neither trust_level nor capability_scopes present")
)

// NormalizeTrust resolves the two claim generations into one scope list.
// A token carries either a legacy numeric trust_level or a capability_scopes
// list, never both, never neither; ambiguous or empty input is rejected here
// so nothing downstream has to ask which protocol version it is handling.
func NormalizeTrust(trustLevel *int64, scopes []string) ([]string, error) {
	switch {
	case trustLevel != nil && len(scopes) > 0:
		return nil, ErrTrustAmbiguous
	case trustLevel == nil && scopes == nil:
		return nil, ErrTrustMissing
	case trustLevel != nil:
		mapped, ok := legacyTrustScopes[*trustLevel]
		if !ok {
			return nil, fmt.Errorf("unknown trust_level %d", *trustLevel)
		}
		out := make([]string, len(mapped))
		copy(out, mapped)
		return out, nil
	}
	if len(scopes) == 0 {
		return nil, errors.New("capability_scopes is empty")
	}
	out := make([]string, 0, len(scopes))
	seen := map[string]bool{}
	for _, s := range scopes {
		if !knownScopes[s] {
			return nil, fmt.Errorf("unknown capability scope %q", s)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}
