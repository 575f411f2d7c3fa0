package pg

import (
	"context"
	"database/sql"
	"time"

	"granada.sch.id/backoffice/internal/auth"
)

var _ auth.CredentialStore = (*Credentials)(nil)

type Credentials struct {
	db *sql.DB
}

// Save serialises on the identity row so concurrent logins of the same
// identity cannot both leave a valid record behind. The partial unique index
// on (identity_id) where valid backs this up.
func (s *Credentials) Save(ctx context.Context, rec auth.CredentialRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `select 1 from identities where id = $1 for update`, rec.IdentityID).Scan(&one); err != nil {
		return translate(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update credential_records set valid = false where identity_id = $1 and valid
	`, rec.IdentityID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into credential_records (id, identity_id, token_hash, expires_at, valid)
		values ($1, $2, $3, $4, true)
	`, rec.ID, rec.IdentityID, rec.TokenHash, rec.ExpiresAt); err != nil {
		return translate(err)
	}
	return tx.Commit()
}

func (s *Credentials) Invalidate(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		update credential_records set valid = false where token_hash = $1 and valid
	`, tokenHash)
	return err
}

func (s *Credentials) InvalidateAll(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx, `
		update credential_records set valid = false where identity_id = $1 and valid
	`, identityID)
	return err
}

func (s *Credentials) FindValid(ctx context.Context, tokenHash, identityID string, now time.Time) (auth.CredentialRecord, error) {
	var rec auth.CredentialRecord
	err := s.db.QueryRowContext(ctx, `
		select id, identity_id, token_hash, expires_at, valid, created_at
		from credential_records
		where token_hash = $1 and identity_id = $2 and valid and expires_at > $3
	`, tokenHash, identityID, now).Scan(&rec.ID, &rec.IdentityID, &rec.TokenHash, &rec.ExpiresAt, &rec.Valid, &rec.CreatedAt)
	if err != nil {
		return auth.CredentialRecord{}, translate(err)
	}
	return rec, nil
}

func (s *Credentials) InvalidateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update credential_records set valid = false where valid and expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
