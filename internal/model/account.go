package model

import "time"

// Account はパスワード認証プロバイダーが管理するアカウントを表す。
// プロフィール（ロール等）はストア上のusersドキュメントに別途保存する。
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PasswordReset はパスワード再設定トークンを表す。トークン自体は保存せずハッシュのみを持つ。
type PasswordReset struct {
	TokenHash string
	AccountID string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired はnow時点で期限切れかを返す。
func (r *PasswordReset) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
