// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

// ErrEmailTaken はメールアドレスが既に登録されている場合のエラー。
var ErrEmailTaken = errors.New("repository: email already registered")

// ErrAccountNotFound は更新対象のアカウントが存在しない場合のエラー。
var ErrAccountNotFound = errors.New("repository: account not found")

// AccountRepository はアカウントデータの永続化インターフェース。
// メールアドレスは大文字小文字を区別せずに一意とする。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// Create はアカウントを作成する。メールアドレスが重複する場合はErrEmailTakenを返す。
	Create(ctx context.Context, account *model.Account) error

	// UpdateDisplayName は表示名を更新する。存在しない場合はErrAccountNotFoundを返す。
	UpdateDisplayName(ctx context.Context, id, displayName string) error

	// UpdatePasswordHash はパスワードハッシュを更新する。存在しない場合はErrAccountNotFoundを返す。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// ResetTokenRepository はパスワード再設定トークンの永続化インターフェース。
type ResetTokenRepository interface {
	// Create はトークンを保存する。
	Create(ctx context.Context, reset *model.PasswordReset) error

	// Consume は有効なトークンを取得して削除する。
	// 存在しないか期限切れの場合はnilを返す。
	Consume(ctx context.Context, tokenHash string, now time.Time) (*model.PasswordReset, error)
}
