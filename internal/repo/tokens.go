package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"powerline/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for the provided token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// InsertToken stores a login token. TokenHash must already contain the hashed value.
func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.AuthToken) error {
	if t.ID == "" {
		return errors.New("id required")
	}
	if t.UserID == "" {
		return errors.New("user_id required")
	}
	if t.TokenHash == "" {
		return errors.New("token_hash required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO auth_tokens(id, user_id, token_hash, created_at, expires_at) VALUES (?,?,?,?,?)`,
		t.ID, t.UserID, t.TokenHash, t.CreatedAt, t.ExpiresAt)
	return err
}

// GetTokenByHash returns a login token by its hashed value.
func (r Repo) GetTokenByHash(ctx context.Context, hash string) (domain.AuthToken, error) {
	var t domain.AuthToken
	err := r.DB.QueryRowContext(ctx, `SELECT id, user_id, token_hash, created_at, expires_at FROM auth_tokens WHERE token_hash=? LIMIT 1`, hash).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuthToken{}, ErrNotFound
	}
	return t, err
}

// DeleteTokenByHash removes a single login token.
func (r Repo) DeleteTokenByHash(ctx context.Context, hash string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token_hash=?`, hash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUserTokens removes every login token of a user and returns how many were removed.
func (r Repo) DeleteUserTokens(ctx context.Context, userID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM auth_tokens WHERE user_id=?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpiredTokens deletes tokens that expired before now (RFC3339).
func (r Repo) PurgeExpiredTokens(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
