package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/ids"
)

var _ auth.IdentityStore = (*Identities)(nil)

type Identities struct {
	db *sql.DB
}

const selectIdentity = `
	select i.id, i.username, i.password_hash, i.name, i.email, i.active, i.created_at, i.updated_at,
	       coalesce(string_agg(r.role, ',' order by r.role), '')
	from identities i
	left join identity_roles r on r.identity_id = i.id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (auth.Identity, error) {
	var (
		identity auth.Identity
		roles    string
	)
	if err := row.Scan(&identity.ID, &identity.Handle, &identity.PasswordHash, &identity.Name, &identity.Email,
		&identity.Active, &identity.CreatedAt, &identity.UpdatedAt, &roles); err != nil {
		return auth.Identity{}, err
	}
	set, err := parseRoles(roles)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("decode roles of %s: %w", identity.ID, err)
	}
	identity.Roles = set
	return identity, nil
}

func (s *Identities) Create(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Identity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into identities (id, username, password_hash, name, email, active)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, identity.ID, identity.Handle, identity.PasswordHash, identity.Name, identity.Email, identity.Active).
		Scan(&identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		return auth.Identity{}, translate(err)
	}
	if err := insertRoles(ctx, tx, identity.ID, identity.Roles); err != nil {
		return auth.Identity{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Identity{}, err
	}
	return identity, nil
}

func (s *Identities) FindByID(ctx context.Context, id string) (auth.Identity, error) {
	identity, err := scanIdentity(s.db.QueryRowContext(ctx, selectIdentity+` where i.id = $1 group by i.id`, id))
	if err != nil {
		return auth.Identity{}, translate(err)
	}
	return identity, nil
}

func (s *Identities) FindByHandle(ctx context.Context, handle string) (auth.Identity, error) {
	identity, err := scanIdentity(s.db.QueryRowContext(ctx, selectIdentity+` where i.username = $1 group by i.id`, handle))
	if err != nil {
		return auth.Identity{}, translate(err)
	}
	return identity, nil
}

func (s *Identities) List(ctx context.Context, filter auth.IdentityFilter) ([]auth.Identity, error) {
	rows, err := s.db.QueryContext(ctx, selectIdentity+`
		where ($1::text = '' or exists (
			select 1 from identity_roles f where f.identity_id = i.id and f.role = $1
		))
		and (not $2 or i.active)
		group by i.id
		order by i.username
	`, string(filter.Role), filter.ActiveOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Identities) Update(ctx context.Context, id string, upd auth.IdentityUpdate) (auth.Identity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Identity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `select 1 from identities where id = $1 for update`, id).Scan(&one); err != nil {
		return auth.Identity{}, translate(err)
	}

	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Handle != nil {
		sets = append(sets, fmt.Sprintf("username = $%d", idx))
		args = append(args, *upd.Handle)
		idx++
	}
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Email != nil {
		sets = append(sets, fmt.Sprintf("email = $%d", idx))
		args = append(args, *upd.Email)
		idx++
	}
	if len(sets) > 0 || upd.Roles != nil {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update identities set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return auth.Identity{}, translate(err)
		}
	}
	if upd.Roles != nil {
		if _, err := tx.ExecContext(ctx, `delete from identity_roles where identity_id = $1`, id); err != nil {
			return auth.Identity{}, err
		}
		if err := insertRoles(ctx, tx, id, *upd.Roles); err != nil {
			return auth.Identity{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.Identity{}, err
	}
	return s.FindByID(ctx, id)
}

func (s *Identities) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set password_hash = $2, updated_at = now() where id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Identities) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set active = $2, updated_at = now() where id = $1
	`, id, active)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Identities) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`delete from credential_records where identity_id = $1`,
		`delete from password_resets where identity_id = $1`,
		`delete from identity_roles where identity_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `delete from identities where id = $1`, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRoles(ctx context.Context, tx *sql.Tx, identityID string, roles auth.RoleSet) error {
	for _, r := range roles.Roles() {
		if _, err := tx.ExecContext(ctx, `
			insert into identity_roles (identity_id, role) values ($1, $2)
		`, identityID, string(r)); err != nil {
			if errors.Is(translate(err), auth.ErrNotFound) {
				return fmt.Errorf("%w: role %q is not provisioned", auth.ErrInvalidInput, r)
			}
			return err
		}
	}
	return nil
}
