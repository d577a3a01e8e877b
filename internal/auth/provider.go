// Package auth はメールアドレスとパスワードによる認証プロバイダーを提供する。
//
// パスワードはbcryptでハッシュ化してaccountsテーブルに保存する。
// 現在のユーザーはプロセス内で保持し、変更をWatchの購読者へ順に通知する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hitoshi/tasksync/internal/identity"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/pubsub"
	"github.com/hitoshi/tasksync/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

var validate = validator.New()

// Config はPasswordProviderの設定。
type Config struct {
	BcryptCost        int           // bcryptのコスト（デフォルト: bcrypt.DefaultCost）
	MinPasswordLength int           // パスワードの最小文字数（デフォルト: 6）
	ResetTokenTTL     time.Duration // 再設定トークンの有効期間（デフォルト: 1時間）
}

// ResetNotifier はパスワード再設定トークンをユーザーに届ける。
type ResetNotifier interface {
	SendReset(ctx context.Context, email, token string) error
}

// LogNotifier はトークンをログに出力するResetNotifier。メール送信を持たない環境で使う。
type LogNotifier struct {
	Logger *slog.Logger
}

// SendReset はトークンをinfoレベルで出力する。
func (n LogNotifier) SendReset(_ context.Context, email, token string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("password reset issued",
		slog.String("email", email),
		slog.String("token", token),
	)
	return nil
}

// PasswordProvider はidentity.Providerのパスワード認証実装。
type PasswordProvider struct {
	accounts repository.AccountRepository
	resets   repository.ResetTokenRepository
	notifier ResetNotifier
	config   Config
	now      func() time.Time

	mu        sync.Mutex
	current   *identity.User
	watchers  map[int]*pubsub.Queue[*identity.User]
	nextWatch int
}

// NewPasswordProvider はPasswordProviderを生成する。
func NewPasswordProvider(
	accounts repository.AccountRepository,
	resets repository.ResetTokenRepository,
	notifier ResetNotifier,
	config Config,
) *PasswordProvider {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.MinPasswordLength == 0 {
		config.MinPasswordLength = 6
	}
	if config.ResetTokenTTL == 0 {
		config.ResetTokenTTL = time.Hour
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &PasswordProvider{
		accounts: accounts,
		resets:   resets,
		notifier: notifier,
		config:   config,
		now:      time.Now,
		watchers: make(map[int]*pubsub.Queue[*identity.User]),
	}
}

// CreateAccount はアカウントを作成し、作成したユーザーでサインインする。
func (p *PasswordProvider) CreateAccount(ctx context.Context, email, password string) (*identity.User, error) {
	email = strings.TrimSpace(email)
	if err := checkEmail(email); err != nil {
		return nil, err
	}
	if err := p.checkPassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.config.BcryptCost)
	if err != nil {
		return nil, model.NewAuthError(model.ErrCodeWeakPassword, err)
	}
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := p.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, model.NewAuthError(model.ErrCodeEmailInUse, err)
		}
		return nil, fmt.Errorf("failed to create account: %w: %w", identity.ErrUnavailable, err)
	}

	user := toUser(account)
	p.setCurrent(user)
	return user, nil
}

// SignIn はメールアドレスとパスワードを検証してサインインする。
func (p *PasswordProvider) SignIn(ctx context.Context, email, password string) (*identity.User, error) {
	email = strings.TrimSpace(email)
	if err := checkEmail(email); err != nil {
		return nil, err
	}
	account, err := p.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, model.NewAuthError(model.ErrCodeInvalidCredentials, nil)
	}

	user := toUser(account)
	p.setCurrent(user)
	return user, nil
}

// SignOut は現在のユーザーを破棄する。
func (p *PasswordProvider) SignOut(_ context.Context) error {
	p.setCurrent(nil)
	return nil
}

// SendPasswordReset は再設定トークンを発行してnotifierで届ける。
// トークンはハッシュのみを保存する。
func (p *PasswordProvider) SendPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := checkEmail(email); err != nil {
		return err
	}
	account, err := p.findByEmail(ctx, email)
	if err != nil {
		return err
	}

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate reset token: %w", err)
	}
	reset := &model.PasswordReset{
		TokenHash: hashToken(token),
		AccountID: account.ID,
		ExpiresAt: p.now().Add(p.config.ResetTokenTTL),
	}
	if err := p.resets.Create(ctx, reset); err != nil {
		return fmt.Errorf("failed to save reset token: %w: %w", identity.ErrUnavailable, err)
	}
	if err := p.notifier.SendReset(ctx, account.Email, token); err != nil {
		return fmt.Errorf("failed to send reset token: %w: %w", identity.ErrUnavailable, err)
	}
	return nil
}

// ResetPassword は再設定トークンを使ってパスワードを変更する。トークンは1度しか使えない。
func (p *PasswordProvider) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := p.checkPassword(newPassword); err != nil {
		return err
	}
	reset, err := p.resets.Consume(ctx, hashToken(strings.TrimSpace(token)), p.now())
	if err != nil {
		return fmt.Errorf("failed to consume reset token: %w: %w", identity.ErrUnavailable, err)
	}
	if reset == nil {
		return model.NewAuthError(model.ErrCodeInvalidResetToken, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), p.config.BcryptCost)
	if err != nil {
		return model.NewAuthError(model.ErrCodeWeakPassword, err)
	}
	if err := p.accounts.UpdatePasswordHash(ctx, reset.AccountID, string(hash)); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return model.NewAuthError(model.ErrCodeUserNotFound, err)
		}
		return fmt.Errorf("failed to update password: %w: %w", identity.ErrUnavailable, err)
	}
	return nil
}

// UpdateDisplayName はアカウントの表示名を更新する。
func (p *PasswordProvider) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	if err := p.accounts.UpdateDisplayName(ctx, userID, displayName); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return model.NewAuthError(model.ErrCodeUserNotFound, err)
		}
		return fmt.Errorf("failed to update display name: %w: %w", identity.ErrUnavailable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.ID == userID {
		u := *p.current
		u.DisplayName = displayName
		p.current = &u
	}
	return nil
}

// CurrentUser は現在のユーザーのコピーを返す。未認証の場合はnil。
func (p *PasswordProvider) CurrentUser() *identity.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyUser(p.current)
}

// Watch は現在のユーザーが変わるたびにfnを呼ぶ。登録直後に現在の状態を1度通知する。
func (p *PasswordProvider) Watch(fn func(*identity.User)) func() {
	q := pubsub.NewQueue(fn)

	p.mu.Lock()
	id := p.nextWatch
	p.nextWatch++
	p.watchers[id] = q
	q.Push(copyUser(p.current))
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
		q.Cancel()
	}
}

func (p *PasswordProvider) setCurrent(u *identity.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sameUser(p.current, u) {
		return
	}
	p.current = copyUser(u)
	for _, q := range p.watchers {
		q.Push(copyUser(u))
	}
}

func (p *PasswordProvider) findByEmail(ctx context.Context, email string) (*model.Account, error) {
	account, err := p.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w: %w", identity.ErrUnavailable, err)
	}
	if account == nil {
		return nil, model.NewAuthError(model.ErrCodeUserNotFound, nil)
	}
	return account, nil
}

func (p *PasswordProvider) checkPassword(password string) error {
	if len([]rune(password)) < p.config.MinPasswordLength {
		return model.NewAuthError(model.ErrCodeWeakPassword, nil)
	}
	return nil
}

func checkEmail(email string) error {
	if err := validate.Var(email, "required,email"); err != nil {
		return model.NewAuthError(model.ErrCodeInvalidEmail, err)
	}
	return nil
}

// generateToken は暗号的に安全な再設定トークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func toUser(a *model.Account) *identity.User {
	return &identity.User{ID: a.ID, Email: a.Email, DisplayName: a.DisplayName}
}

func copyUser(u *identity.User) *identity.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func sameUser(a, b *identity.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

var _ identity.Provider = (*PasswordProvider)(nil)
