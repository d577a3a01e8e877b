// Package identity は認証プロバイダーをラップし、現在のユーザーと認証状態を保持する。
//
// Sessionはプロセスに1つだけ存在し、Startで起動してCloseで停止する。
// 認証済みになるとストア上のプロフィールを読み込み（無ければ既定値で作成し）、その後で
// Authenticatedを通知する。Unauthenticatedの通知を受けた購読側は依存する状態を全て消す。
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/tasksync/internal/metrics"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/pubsub"
)

// ErrUnavailable はプロバイダーのバックエンドに到達できないことを表す。
// Provider実装はネットワーク・DB障害をこのエラーでラップして返す。
var ErrUnavailable = errors.New("identity: provider unavailable")

// DefaultTimeout はOptions.Timeout未指定時のプロバイダー呼び出しタイムアウト。
const DefaultTimeout = 10 * time.Second

// User は認証プロバイダーが通知するユーザー。
type User struct {
	ID          string
	Email       string
	DisplayName string
}

// Provider は認証プロバイダーのインターフェース。
// 認証エラーはmodel.NewAuthErrorで生成したAppErrorとして返すこと。
type Provider interface {
	CreateAccount(ctx context.Context, email, password string) (*User, error)
	SignIn(ctx context.Context, email, password string) (*User, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
	UpdateDisplayName(ctx context.Context, userID, displayName string) error
	// CurrentUser は現在サインインしているユーザーを返す。未認証の場合はnil。
	CurrentUser() *User
	// Watch は現在のユーザーが変わるたびにfnを呼ぶ。未認証の場合はnil。
	// 登録直後に現在の状態を1度通知する。戻り値の関数で解除する。
	Watch(fn func(*User)) func()
}

// ProfileStore はユーザーごとのプロフィールドキュメントへのアクセス。
type ProfileStore interface {
	Get(ctx context.Context, userID string) (*model.Identity, error)
	Put(ctx context.Context, identity *model.Identity) error
	UpdateDisplayName(ctx context.Context, userID, displayName string) error
}

// Status は認証状態。
type Status string

const (
	StatusIdle            Status = "idle"
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
	StatusFailed          Status = "failed"
)

// State はある時点の認証状態。Identityは認証済みの場合のみ非nil。
type State struct {
	Status   Status
	Identity *model.Identity
	Err      error
}

// UserID は認証済みユーザーのIDを返す。未認証の場合は空文字。
func (s State) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

// Options はSessionの設定。
type Options struct {
	Timeout time.Duration
	Metrics metrics.MetricsCollector
	Logger  *slog.Logger
}

// Session は認証セッション。
type Session struct {
	provider Provider
	profiles ProfileStore
	timeout  time.Duration
	metrics  metrics.MetricsCollector
	logger   *slog.Logger

	// opMu は認証操作とプロバイダー通知の処理を直列化する。
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	watchers *pubsub.Hub[State]
	stop     func()
}

// NewSession はSessionを生成する。
func NewSession(provider Provider, profiles ProfileStore, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		provider: provider,
		profiles: profiles,
		timeout:  opts.Timeout,
		metrics:  metrics.OrNop(opts.Metrics),
		logger:   opts.Logger,
		state:    State{Status: StatusIdle},
		watchers: pubsub.NewHub[State](),
	}
}

// Start はプロバイダーのユーザー変更通知の購読を開始する。
func (s *Session) Start(ctx context.Context) {
	stop := s.provider.Watch(func(u *User) {
		s.handleUserChange(ctx, u)
	})
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
}

// Close は通知の購読とWatchの登録を解除する。
func (s *Session) Close() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.watchers.Close()
}

// SignUp はアカウントを作成し、既定ロールのプロフィールを作成してサインインする。
// パスワードと確認用パスワードが一致しない場合はプロバイダーを呼ばずにvalidationエラーを返す。
func (s *Session) SignUp(ctx context.Context, email, password, confirm string) (*model.Identity, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.beginAttempt()
	if password != confirm {
		return nil, s.fail("sign_up", model.NewPasswordMismatchError())
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.provider.CreateAccount(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, s.fail("sign_up", err)
	}
	identity := model.NewDefaultIdentity(u.ID, u.Email, u.DisplayName)
	if err := s.profiles.Put(ctx, identity); err != nil {
		// プロフィールの無いままプロバイダー側だけサインイン済みにしない
		if serr := s.provider.SignOut(ctx); serr != nil {
			s.logger.Warn("remote sign-out after failed sign-up failed",
				slog.String("user_id", u.ID),
				slog.String("error", serr.Error()),
			)
		}
		return nil, s.fail("sign_up", err)
	}

	s.logger.Info("account created", slog.String("user_id", u.ID))
	s.metrics.RecordAuthEvent("sign_up", "success")
	s.setAuthenticated(identity)
	return identity.Clone(), nil
}

// SignIn はサインインしてプロフィールを読み込む。
func (s *Session) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.beginAttempt()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.provider.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, s.fail("sign_in", err)
	}
	identity, err := s.loadProfile(ctx, u)
	if err != nil {
		return nil, s.fail("sign_in", err)
	}

	s.logger.Info("signed in", slog.String("user_id", u.ID))
	s.metrics.RecordAuthEvent("sign_in", "success")
	s.setAuthenticated(identity)
	return identity.Clone(), nil
}

// SignOut はサインアウトする。プロバイダーの失敗はログに残すのみで、ローカルの状態は必ず消す。
func (s *Session) SignOut(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result := "success"
	if err := s.provider.SignOut(ctx); err != nil {
		result = "remote_failed"
		s.logger.Warn("remote sign-out failed", slog.String("error", err.Error()))
	}
	s.metrics.RecordAuthEvent("sign_out", result)
	s.setUnauthenticated()
}

// SendPasswordReset はパスワード再設定の案内を送る。認証状態は変えない。
func (s *Session) SendPasswordReset(ctx context.Context, email string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.setErr(nil)
	email = strings.TrimSpace(email)
	if email == "" {
		return s.record("password_reset", model.NewValidationError("Email", "required"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.provider.SendPasswordReset(ctx, email); err != nil {
		return s.record("password_reset", err)
	}
	s.metrics.RecordAuthEvent("password_reset", "success")
	return nil
}

// UpdateDisplayName はプロバイダーとプロフィールの両方の表示名を更新する。
func (s *Session) UpdateDisplayName(ctx context.Context, displayName string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.setErr(nil)
	current := s.Current()
	if current == nil {
		return s.record("update_profile", model.NewAuthError(model.ErrCodeNotSignedIn, nil))
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return s.record("update_profile", model.NewValidationError("DisplayName", "required"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.provider.UpdateDisplayName(ctx, current.ID, displayName); err != nil {
		return s.record("update_profile", err)
	}
	if err := s.profiles.UpdateDisplayName(ctx, current.ID, displayName); err != nil {
		return s.record("update_profile", err)
	}

	s.mu.Lock()
	if s.state.Identity != nil && s.state.Identity.ID == current.ID {
		updated := s.state.Identity.Clone()
		updated.DisplayName = displayName
		s.publishLocked(State{Status: s.state.Status, Identity: updated})
	}
	s.mu.Unlock()
	s.metrics.RecordAuthEvent("update_profile", "success")
	return nil
}

// State は現在の認証状態を返す。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Current は現在のユーザーを返す。未認証の場合はnil。
func (s *Session) Current() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status != StatusAuthenticated {
		return nil
	}
	return s.state.Identity.Clone()
}

// Watch は認証状態が変わるたびにfnを呼ぶ。戻り値の関数で解除する。
func (s *Session) Watch(fn func(State)) func() {
	return s.watchers.Subscribe(fn)
}

// handleUserChange はプロバイダーからの通知を反映する。
func (s *Session) handleUserChange(ctx context.Context, u *User) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	// 通知は非同期に届くため、SignIn/SignUp/SignOutの後に古い通知が届くことがある。
	// プロバイダーの現在のユーザーと食い違う通知は捨てる。
	if userID(u) != userID(s.provider.CurrentUser()) {
		s.logger.Debug("discarding stale user notification", slog.String("user_id", userID(u)))
		return
	}

	cur := s.State()
	if u == nil {
		// サインイン試行中に届いた未認証通知で試行の状態を上書きしない
		if cur.Identity == nil && cur.Status != StatusIdle {
			return
		}
		s.setUnauthenticated()
		return
	}
	if cur.Status == StatusAuthenticated && cur.UserID() == u.ID {
		return
	}

	s.beginAttempt()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	identity, err := s.loadProfile(ctx, u)
	if err != nil {
		_ = s.fail("restore", err)
		return
	}
	s.logger.Info("session restored", slog.String("user_id", u.ID))
	s.setAuthenticated(identity)
}

func userID(u *User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

// loadProfile はプロフィールを取得する。存在しない場合は既定値で作成する。
func (s *Session) loadProfile(ctx context.Context, u *User) (*model.Identity, error) {
	identity, err := s.profiles.Get(ctx, u.ID)
	if model.KindOf(err) == model.KindNotFound {
		identity = model.NewDefaultIdentity(u.ID, u.Email, u.DisplayName)
		if err := s.profiles.Put(ctx, identity); err != nil {
			return nil, err
		}
		return identity, nil
	}
	if err != nil {
		return nil, err
	}
	if identity.Email == "" {
		identity.Email = u.Email
	}
	return identity, nil
}

func (s *Session) beginAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(State{Status: StatusLoading, Identity: s.state.Identity})
}

// fail は試行の失敗を記録する。以前のユーザーは保持しない。
func (s *Session) fail(event string, err error) error {
	appErr := toAppError(err)
	s.metrics.RecordAuthEvent(event, string(appErr.Kind))
	s.logger.Debug("auth attempt failed",
		slog.String("event", event),
		slog.String("code", appErr.Code),
		slog.String("error", err.Error()),
	)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(State{Status: StatusFailed, Err: appErr})
	return appErr
}

// record は認証状態を変えずにエラーだけを記録する。
func (s *Session) record(event string, err error) error {
	appErr := toAppError(err)
	s.metrics.RecordAuthEvent(event, string(appErr.Kind))
	s.setErr(appErr)
	return appErr
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Err == nil && err == nil {
		return
	}
	s.publishLocked(State{Status: s.state.Status, Identity: s.state.Identity, Err: err})
}

func (s *Session) setAuthenticated(identity *model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(State{Status: StatusAuthenticated, Identity: identity.Clone()})
}

func (s *Session) setUnauthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status == StatusUnauthenticated && s.state.Err == nil {
		return
	}
	s.publishLocked(State{Status: StatusUnauthenticated})
}

func (s *Session) publishLocked(next State) {
	s.state = next
	s.watchers.Publish(copyState(next))
}

func copyState(st State) State {
	st.Identity = st.Identity.Clone()
	return st
}

// toAppError はプロバイダーとゲートウェイのエラーを分類済みのAppErrorに変換する。
func toAppError(err error) *model.AppError {
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.NewUnavailableError(err)
	}
	return model.NewUnknownError(err)
}
