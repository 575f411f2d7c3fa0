package pg

import (
	"context"
	"database/sql"
	"time"

	"granada.sch.id/backoffice/internal/auth"
)

var _ auth.ResetStore = (*Resets)(nil)

type Resets struct {
	db *sql.DB
}

const selectReset = `
	select id, identity_id, code_hash, coalesce(token_hash, ''), expires_at, attempts, verified, used, created_at
	from password_resets
`

func scanReset(row rowScanner) (auth.PasswordReset, error) {
	var rec auth.PasswordReset
	err := row.Scan(&rec.ID, &rec.IdentityID, &rec.CodeHash, &rec.TokenHash, &rec.ExpiresAt, &rec.Attempts, &rec.Verified, &rec.Used, &rec.CreatedAt)
	return rec, err
}

func (s *Resets) Create(ctx context.Context, rec auth.PasswordReset) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_resets (id, identity_id, code_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, rec.ID, rec.IdentityID, rec.CodeHash, rec.ExpiresAt, rec.CreatedAt)
	return translate(err)
}

func (s *Resets) FindIssued(ctx context.Context, codeHash, identityID string, now time.Time) (auth.PasswordReset, error) {
	rec, err := scanReset(s.db.QueryRowContext(ctx, selectReset+`
		where code_hash = $1 and ($2::text = '' or identity_id = $2)
		  and not verified and not used and expires_at > $3
		order by created_at desc
		limit 1
	`, codeHash, identityID, now))
	if err != nil {
		return auth.PasswordReset{}, translate(err)
	}
	return rec, nil
}

func (s *Resets) MarkVerified(ctx context.Context, id, tokenHash string, expiresAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update password_resets set verified = true, token_hash = $2, expires_at = $3
		where id = $1 and not verified and not used and expires_at > $4
	`, id, tokenHash, expiresAt, now)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Resets) FindVerified(ctx context.Context, tokenHash string, now time.Time) (auth.PasswordReset, error) {
	rec, err := scanReset(s.db.QueryRowContext(ctx, selectReset+`
		where token_hash = $1 and verified and not used and expires_at > $2
	`, tokenHash, now))
	if err != nil {
		return auth.PasswordReset{}, translate(err)
	}
	return rec, nil
}

// MarkUsed is a conditional update; of concurrent callers exactly one sees a
// row affected.
func (s *Resets) MarkUsed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update password_resets set used = true where id = $1 and verified and not used
	`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// RecordMiss reads attempts before the increment, so the comparison uses the
// post-increment count.
func (s *Resets) RecordMiss(ctx context.Context, identityID string, maxAttempts int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update password_resets
		set attempts = attempts + 1,
		    expires_at = case when attempts + 1 >= $2 then $3 else expires_at end
		where identity_id = $1 and not verified and not used and expires_at > $3
	`, identityID, maxAttempts, now)
	return err
}
