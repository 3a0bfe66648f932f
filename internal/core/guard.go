package core

import (
	"fmt"
	"strings"
)

// Authorize reports whether caller may perform a privileged action against a
// unit currently owned by owner. An absent owner or admin never matches, and
// an empty caller is never authorized.
func Authorize(caller Principal, owner, admin OptionalPrincipal) bool {
	if caller.IsZero() {
		return false
	}
	return owner.Is(caller) || admin.Is(caller)
}

// UninitializedPolicy decides how custody events against a unit without an
// initialized owner are treated.
type UninitializedPolicy string

const (
	// PolicyLenient treats the caller as the owner of a unit that has no
	// owner yet, so the first event on a fresh unit id is always authorized.
	PolicyLenient UninitializedPolicy = "lenient"
	// PolicyStrict rejects events against units that were never initialized.
	PolicyStrict UninitializedPolicy = "strict"
)

// ParseUninitializedPolicy parses a policy name. Empty input yields PolicyLenient.
func ParseUninitializedPolicy(s string) (UninitializedPolicy, error) {
	switch UninitializedPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyLenient:
		return PolicyLenient, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown uninitialized policy %q", s)
	}
}

// effectiveOwner resolves the owner used for the authorization check.
func (p UninitializedPolicy) effectiveOwner(owner OptionalPrincipal, caller Principal) OptionalPrincipal {
	if owner.Valid() || p == PolicyStrict {
		return owner
	}
	return Some(caller)
}
