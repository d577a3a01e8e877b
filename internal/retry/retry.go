// Package retry は呼び出し側で使う指数バックオフ付きの再試行を提供する。
// 再試行するのはunavailableに分類されるエラーだけで、認証・権限・未検出・入力エラーは
// 何度試しても結果が変わらないため即座に返す。
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/tasksync/internal/model"
)

// Result はエラーの再試行可否の分類。
type Result int

const (
	// ResultOK は成功。
	ResultOK Result = iota
	// ResultStop は再試行しても結果が変わらない失敗。
	ResultStop
	// ResultBackoff はバックオフ後に再試行できる失敗。
	ResultBackoff
)

// Policy は再試行の設定。
type Policy struct {
	// MaxAttempts は初回を含む最大試行回数（デフォルト: 3）。
	MaxAttempts int
	// InitialBackoff は初回の待ち時間（デフォルト: 200ms）。
	InitialBackoff time.Duration
	// MaxBackoff は待ち時間の上限（デフォルト: 5秒）。
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// DefaultPolicy は既定の再試行設定を返す。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Classify はエラーを再試行可否で分類する。
func Classify(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case model.IsRetryable(err):
		return ResultBackoff
	default:
		return ResultStop
	}
}

// Backoff はattempt回目（0始まり）の失敗後の待ち時間を返す。
// InitialBackoffから2倍ずつ増加し、MaxBackoffで頭打ちになる。
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	delay := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// sleep はテストで差し替える。
var sleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do はfnがunavailable以外を返すか試行回数に達するまでfnを呼ぶ。
// 最後のエラーをそのまま返す。待機中にctxが終了した場合は最後のエラーを返す。
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if Classify(err) != ResultBackoff {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		p.Logger.Warn("retrying after unavailable error",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return err
}

// DoValue は値を返す関数版のDo。
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}
