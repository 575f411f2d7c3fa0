package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// NewIdentity is the input to IdentityService.Create.
type NewIdentity struct {
	Handle   string
	Password string
	Name     string
	Email    string
	Roles    []string
}

// IdentityChanges is the input to IdentityService.Update; nil fields are kept.
type IdentityChanges struct {
	Handle   *string
	Name     *string
	Email    *string
	Roles    []string
	Password *string
}

// IdentityService administers the user directory.
type IdentityService struct {
	store       IdentityStore
	credentials CredentialStore
	sessions    SessionStore
	bcryptCost  int
}

func NewIdentityService(store IdentityStore, credentials CredentialStore, sessions SessionStore, bcryptCost int) (*IdentityService, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	if credentials == nil || sessions == nil {
		return nil, errors.New("credential and session stores are required")
	}
	return &IdentityService{store: store, credentials: credentials, sessions: sessions, bcryptCost: bcryptCost}, nil
}

// Create adds an identity on behalf of actor.
func (s *IdentityService) Create(ctx context.Context, actor Principal, in NewIdentity) (Identity, error) {
	handle, err := normalizeHandle(in.Handle)
	if err != nil {
		return Identity{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Identity{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return Identity{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return Identity{}, err
	}
	roles, err := requireRoles(in.Roles)
	if err != nil {
		return Identity{}, err
	}
	if err := checkElevation(actor, 0, roles); err != nil {
		return Identity{}, err
	}
	hash, err := HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return Identity{}, err
	}
	return s.store.Create(ctx, Identity{
		Handle:       handle,
		PasswordHash: hash,
		Name:         name,
		Email:        email,
		Active:       true,
		Roles:        roles,
	})
}

func (s *IdentityService) List(ctx context.Context, filter IdentityFilter) ([]Identity, error) {
	if filter.Role != "" && !filter.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, filter.Role)
	}
	return s.store.List(ctx, filter)
}

func (s *IdentityService) Get(ctx context.Context, id string) (Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Identity{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return s.store.FindByID(ctx, id)
}

// Update applies changes on behalf of actor. A new password or a role change
// ends every credential and session of the identity, so the next request
// re-authenticates with the new state.
func (s *IdentityService) Update(ctx context.Context, actor Principal, id string, ch IdentityChanges) (Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Identity{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	var upd IdentityUpdate
	if ch.Handle != nil {
		h, err := normalizeHandle(*ch.Handle)
		if err != nil {
			return Identity{}, err
		}
		upd.Handle = &h
	}
	if ch.Name != nil {
		n := strings.TrimSpace(*ch.Name)
		if n == "" {
			return Identity{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		upd.Name = &n
	}
	if ch.Email != nil {
		e, err := normalizeEmail(*ch.Email)
		if err != nil {
			return Identity{}, err
		}
		upd.Email = &e
	}
	var granted RoleSet
	if ch.Roles != nil {
		roles, err := requireRoles(ch.Roles)
		if err != nil {
			return Identity{}, err
		}
		upd.Roles = &roles
		granted = roles
	}
	if ch.Password != nil {
		if err := validatePassword(*ch.Password); err != nil {
			return Identity{}, err
		}
	}

	before, err := s.store.FindByID(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	if err := checkElevation(actor, before.Roles, granted); err != nil {
		return Identity{}, err
	}
	var newHash string
	if ch.Password != nil {
		h, err := HashPassword(*ch.Password, s.bcryptCost)
		if err != nil {
			return Identity{}, fmt.Errorf("hash password: %w", err)
		}
		newHash = h
	}
	updated, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return Identity{}, err
	}
	if newHash != "" {
		if err := s.store.UpdatePassword(ctx, id, newHash); err != nil {
			return Identity{}, err
		}
	}
	if newHash != "" || updated.Roles != before.Roles {
		if err := s.endSessions(ctx, id); err != nil {
			return Identity{}, err
		}
	}
	return updated, nil
}

// Deactivate disables login and ends every credential and session.
func (s *IdentityService) Deactivate(ctx context.Context, actor Principal, id string) error {
	id, err := s.guardTarget(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.store.SetActive(ctx, id, false); err != nil {
		return err
	}
	return s.endSessions(ctx, id)
}

func (s *IdentityService) Activate(ctx context.Context, actor Principal, id string) error {
	id, err := s.guardTarget(ctx, actor, id)
	if err != nil {
		return err
	}
	return s.store.SetActive(ctx, id, true)
}

func (s *IdentityService) guardTarget(ctx context.Context, actor Principal, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	target, err := s.store.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	return id, checkElevation(actor, target.Roles, 0)
}

// checkElevation reserves superadmin identities and the superadmin role to
// superadmin actors.
func checkElevation(actor Principal, target, granted RoleSet) error {
	if actor.HasRole(RoleSuperadmin) {
		return nil
	}
	if target.Has(RoleSuperadmin) || granted.Has(RoleSuperadmin) {
		return fmt.Errorf("%w: only a superadmin may manage superadmin identities", ErrForbidden)
	}
	return nil
}

// Delete removes the identity and its dependent records. Superadmin
// identities cannot be deleted.
func (s *IdentityService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	identity, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if identity.Roles.Has(RoleSuperadmin) {
		return fmt.Errorf("%w: superadmin identities cannot be deleted", ErrForbidden)
	}
	if err := s.sessions.DestroyAll(ctx, id); err != nil {
		return fmt.Errorf("destroy sessions: %w", err)
	}
	return s.store.Delete(ctx, id)
}

func (s *IdentityService) endSessions(ctx context.Context, id string) error {
	if err := s.credentials.InvalidateAll(ctx, id); err != nil {
		return fmt.Errorf("invalidate credentials: %w", err)
	}
	if err := s.sessions.DestroyAll(ctx, id); err != nil {
		return fmt.Errorf("destroy sessions: %w", err)
	}
	return nil
}

func normalizeHandle(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if strings.ContainsAny(h, " \t\r\n") {
		return "", fmt.Errorf("%w: username must not contain whitespace", ErrInvalidInput)
	}
	return h, nil
}

func normalizeEmail(e string) (string, error) {
	e = strings.TrimSpace(strings.ToLower(e))
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return e, nil
}

func requireRoles(names []string) (RoleSet, error) {
	roles, err := ParseRoleSet(names)
	if err != nil {
		return 0, err
	}
	if roles.Empty() {
		return 0, fmt.Errorf("%w: at least one role is required", ErrInvalidInput)
	}
	return roles, nil
}
