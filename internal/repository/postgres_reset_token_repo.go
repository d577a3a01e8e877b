package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

// PostgresResetTokenRepo はPostgreSQLを使用したパスワード再設定トークンリポジトリ。
type PostgresResetTokenRepo struct {
	db *sql.DB
}

// NewPostgresResetTokenRepo はPostgresResetTokenRepoを生成する。
func NewPostgresResetTokenRepo(db *sql.DB) *PostgresResetTokenRepo {
	return &PostgresResetTokenRepo{db: db}
}

// Create はトークンを保存する。
func (r *PostgresResetTokenRepo) Create(ctx context.Context, reset *model.PasswordReset) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO password_resets (token_hash, account_id, expires_at)
		 VALUES ($1, $2, $3)
		 RETURNING created_at`,
		reset.TokenHash, reset.AccountID, reset.ExpiresAt,
	).Scan(&reset.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create password reset: %w", err)
	}
	return nil
}

// Consume は有効なトークンを削除して返す。存在しないか期限切れの場合はnilを返す。
// 取得と削除は1文で行うため、同じトークンは1度しか使えない。
func (r *PostgresResetTokenRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (*model.PasswordReset, error) {
	reset := &model.PasswordReset{}
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM password_resets
		 WHERE token_hash = $1 AND expires_at > $2
		 RETURNING token_hash, account_id, expires_at, created_at`,
		tokenHash, now,
	).Scan(&reset.TokenHash, &reset.AccountID, &reset.ExpiresAt, &reset.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume password reset: %w", err)
	}
	return reset, nil
}

var _ ResetTokenRepository = (*PostgresResetTokenRepo)(nil)
