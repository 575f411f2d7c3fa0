package auth

// RequireAnyRole returns ErrForbidden unless principal holds one of allowed.
func RequireAnyRole(principal Principal, allowed ...Role) error {
	return Require(principal, AnyOf(allowed...))
}

// Require returns ErrForbidden unless pred holds for the principal's roles.
func Require(principal Principal, pred Predicate) error {
	if pred == nil || !pred(principal.Roles) {
		return ErrForbidden
	}
	return nil
}
