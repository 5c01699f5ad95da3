package store

import (
	"context"
	"fmt"
	"strings"
)

// UpsertSender stores a sender account for a user. When IsDefault is set every
// other account of that user loses its default flag.
func (s *SQLite) UpsertSender(ctx context.Context, account SenderAccount) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	email := normalizeEmail(account.Email)
	if account.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE sender_accounts SET is_default = 0 WHERE user_id = ?;`, account.UserID); err != nil {
			return 0, fmt.Errorf("clear default sender: %w", err)
		}
	}

	var id int64
	err = tx.QueryRowContext(ctx, `INSERT INTO sender_accounts (user_id, email, sealed_secret, is_default, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(user_id, email) DO UPDATE SET
            sealed_secret = excluded.sealed_secret,
            is_default = excluded.is_default
        RETURNING id;`,
		account.UserID,
		email,
		account.SealedSecret,
		account.IsDefault,
		account.CreatedAt.Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert sender: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sender: %w", err)
	}
	return id, nil
}

// FindSender returns the user's account for email. An empty email selects the
// default account, falling back to the oldest one.
func (s *SQLite) FindSender(ctx context.Context, userID, email string) (SenderAccount, error) {
	query := `SELECT id, user_id, email, sealed_secret, is_default, created_at
        FROM sender_accounts WHERE user_id = ?`
	args := []any{userID}
	if email = normalizeEmail(email); email != "" {
		query += ` AND email = ?`
		args = append(args, email)
	}
	query += ` ORDER BY is_default DESC, created_at ASC, id ASC LIMIT 1;`

	var account SenderAccount
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&account.ID,
		&account.UserID,
		&account.Email,
		&account.SealedSecret,
		&account.IsDefault,
		&createdAt,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return SenderAccount{}, err
		}
		return SenderAccount{}, fmt.Errorf("find sender: %w", err)
	}
	account.CreatedAt = unixTime(createdAt)
	return account, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
