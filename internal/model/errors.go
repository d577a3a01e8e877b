// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類を表す。
// UIはKindに応じて再試行可否や表示を切り替える。
type ErrorKind string

const (
	// KindValidation はリモート呼び出し前に検出される入力エラー。
	KindValidation ErrorKind = "validation"
	// KindAuth は認証プロバイダー由来のエラー。
	KindAuth ErrorKind = "auth"
	// KindPermission はストア側ルールによる書き込み拒否。
	KindPermission ErrorKind = "permission"
	// KindNotFound は更新・削除対象が存在しない。
	KindNotFound ErrorKind = "not_found"
	// KindUnavailable はネットワーク・バックエンド障害またはタイムアウト。
	KindUnavailable ErrorKind = "unavailable"
	// KindUnknown は分類できないエラー。
	KindUnknown ErrorKind = "unknown"
)

// AppError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type AppError struct {
	Kind     ErrorKind
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, project, task, system
	Action   string // ユーザー向け対処方法
	Err      error  // 元のエラー（ログ用）
}

// Error はerrorインターフェースを実装する。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *AppError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodePasswordMismatch   = "PASSWORD_MISMATCH"
	ErrCodeInvalidEmail       = "INVALID_EMAIL"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeEmailInUse         = "EMAIL_IN_USE"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeNotSignedIn        = "NOT_SIGNED_IN"
	ErrCodeInvalidResetToken  = "INVALID_RESET_TOKEN"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeProjectArchived    = "PROJECT_ARCHIVED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeUnknown            = "UNKNOWN"
)

// KindOf はエラーチェーンからErrorKindを取り出す。
// AppErrorを含まない場合はKindUnknownを返す。nilの場合は空文字を返す。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsRetryable は自動再試行してよいエラーかを返す。
// 再試行で結果が変わりうるのはunavailableのみ。
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// AsAppError はエラーチェーン中のAppErrorを返す。
// 含まれない場合はunknownとして包んで返す。
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewUnknownError(err)
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(field, reason string) *AppError {
	return &AppError{
		Kind:     KindValidation,
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が正しくありません（%s）: %s", field, reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewPasswordMismatchError はパスワード確認不一致エラーを生成する。
func NewPasswordMismatchError() *AppError {
	return &AppError{
		Kind:     KindValidation,
		Code:     ErrCodePasswordMismatch,
		Message:  "パスワードと確認用パスワードが一致しません。",
		Category: "validation",
		Action:   "同じパスワードを2回入力してください。",
	}
}

// NewAuthError は認証エラーを生成する。codeはErrCodeInvalidEmail等の認証系コード。
func NewAuthError(code string, err error) *AppError {
	e := &AppError{
		Kind:     KindAuth,
		Code:     code,
		Category: "auth",
		Err:      err,
	}
	switch code {
	case ErrCodeInvalidEmail:
		e.Message = "メールアドレスの形式が正しくありません。"
		e.Action = "正しいメールアドレスを入力してください。"
	case ErrCodeWeakPassword:
		e.Message = "パスワードが短すぎます。"
		e.Action = "より長いパスワードを設定してください。"
	case ErrCodeEmailInUse:
		e.Message = "このメールアドレスは既に登録されています。"
		e.Action = "ログインするか、別のメールアドレスを使用してください。"
	case ErrCodeInvalidCredentials:
		e.Message = "メールアドレスまたはパスワードが正しくありません。"
		e.Action = "入力内容を確認して再度ログインしてください。"
	case ErrCodeUserNotFound:
		e.Message = "ユーザーが見つかりません。"
		e.Action = "アカウントを作成してください。"
	case ErrCodeNotSignedIn:
		e.Message = "ログインしていません。"
		e.Action = "ログインし直してください。"
	case ErrCodeInvalidResetToken:
		e.Message = "パスワード再設定の有効期限が切れているか、無効です。"
		e.Action = "もう一度パスワード再設定を申請してください。"
	default:
		e.Message = "認証に失敗しました。"
		e.Action = "しばらく待ってから再度お試しください。"
	}
	return e
}

// NewPermissionDeniedError はストア側ルールによる拒否エラーを生成する。
func NewPermissionDeniedError(op string, err error) *AppError {
	return &AppError{
		Kind:     KindPermission,
		Code:     ErrCodePermissionDenied,
		Message:  fmt.Sprintf("この操作を行う権限がありません: %s", op),
		Category: "system",
		Action:   "プロジェクトの管理者に権限を確認してください。",
		Err:      err,
	}
}

// NewProjectArchivedError はアーカイブ済みプロジェクトへのタスク作成エラーを生成する。
func NewProjectArchivedError(projectID string) *AppError {
	return &AppError{
		Kind:     KindPermission,
		Code:     ErrCodeProjectArchived,
		Message:  fmt.Sprintf("プロジェクトはアーカイブされています: %s", projectID),
		Category: "project",
		Action:   "アクティブなプロジェクトを選択してください。",
	}
}

// NewNotFoundError は対象未検出エラーを生成する。
func NewNotFoundError(collection, id string) *AppError {
	return &AppError{
		Kind:     KindNotFound,
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定されたデータが見つかりません: %s/%s", collection, id),
		Category: collection,
		Action:   "一覧を更新してから再度お試しください。",
	}
}

// NewUnavailableError はバックエンド利用不可エラーを生成する。
func NewUnavailableError(err error) *AppError {
	return &AppError{
		Kind:     KindUnavailable,
		Code:     ErrCodeUnavailable,
		Message:  "サーバーに接続できません。",
		Category: "system",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewUnknownError は分類不能なエラーを生成する。
func NewUnknownError(err error) *AppError {
	return &AppError{
		Kind:     KindUnknown,
		Code:     ErrCodeUnknown,
		Message:  "予期しないエラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}
