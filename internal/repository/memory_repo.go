package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

// MemoryAccountRepo はインメモリのアカウントリポジトリ。
// STORE_BACKEND=memoryとテストで使用する。
type MemoryAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]model.Account
	now      func() time.Time
}

// NewMemoryAccountRepo はMemoryAccountRepoを生成する。
func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{accounts: map[string]model.Account{}, now: time.Now}
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *MemoryAccountRepo) FindByID(_ context.Context, id string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *MemoryAccountRepo) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if strings.EqualFold(a.Email, email) {
			return &a, nil
		}
	}
	return nil, nil
}

// Create はアカウントを作成する。メールアドレスが重複する場合はErrEmailTakenを返す。
func (r *MemoryAccountRepo) Create(_ context.Context, account *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if strings.EqualFold(a.Email, account.Email) {
			return ErrEmailTaken
		}
	}
	now := r.now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	r.accounts[account.ID] = *account
	return nil
}

// UpdateDisplayName は表示名を更新する。
func (r *MemoryAccountRepo) UpdateDisplayName(_ context.Context, id, displayName string) error {
	return r.update(id, func(a *model.Account) { a.DisplayName = displayName })
}

// UpdatePasswordHash はパスワードハッシュを更新する。
func (r *MemoryAccountRepo) UpdatePasswordHash(_ context.Context, id, passwordHash string) error {
	return r.update(id, func(a *model.Account) { a.PasswordHash = passwordHash })
}

func (r *MemoryAccountRepo) update(id string, fn func(*model.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	fn(&a)
	a.UpdatedAt = r.now().UTC()
	r.accounts[id] = a
	return nil
}

// MemoryResetTokenRepo はインメモリのパスワード再設定トークンリポジトリ。
type MemoryResetTokenRepo struct {
	mu     sync.Mutex
	resets map[string]model.PasswordReset
}

// NewMemoryResetTokenRepo はMemoryResetTokenRepoを生成する。
func NewMemoryResetTokenRepo() *MemoryResetTokenRepo {
	return &MemoryResetTokenRepo{resets: map[string]model.PasswordReset{}}
}

// Create はトークンを保存する。
func (r *MemoryResetTokenRepo) Create(_ context.Context, reset *model.PasswordReset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reset.CreatedAt.IsZero() {
		reset.CreatedAt = time.Now().UTC()
	}
	r.resets[reset.TokenHash] = *reset
	return nil
}

// Consume は有効なトークンを削除して返す。存在しないか期限切れの場合はnilを返す。
func (r *MemoryResetTokenRepo) Consume(_ context.Context, tokenHash string, now time.Time) (*model.PasswordReset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reset, ok := r.resets[tokenHash]
	if !ok || reset.IsExpired(now) {
		return nil, nil
	}
	delete(r.resets, tokenHash)
	return &reset, nil
}

var (
	_ AccountRepository    = (*MemoryAccountRepo)(nil)
	_ ResetTokenRepository = (*MemoryResetTokenRepo)(nil)
)
