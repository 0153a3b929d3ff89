package acme

import "context"

// Exported aliases for unexported helpers that the acme_test package
// needs to exercise directly, without changing their visibility for
// non-test callers.
var (
	NewName               = newName
	FormatSerial          = formatSerial
	PublicKeysEqual       = publicKeysEqual
	ValidRevocationReason = validRevocationReason
)

// ProtectedHeader exposes protectedHeader to the acme_test package.
type ProtectedHeader = protectedHeader

// RefreshAuthorization exposes AuthorizationService.refresh to the
// acme_test package.
func RefreshAuthorization(s *AuthorizationService, ctx context.Context, authz *Authorization) error {
	return s.refresh(ctx, authz)
}
