// Package cleanup は期限切れのパスワード再設定トークンを定期的に削除するジョブを提供する。
// 期限切れのトークンはConsumeで拒否されるため、削除は容量の回収のみを目的とする。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ResetTokenJob は期限切れの再設定トークンを削除するジョブ。
type ResetTokenJob struct {
	db     Executor
	logger *slog.Logger
	// Grace は期限切れから削除までの猶予（デフォルト: 24時間）。
	Grace time.Duration
}

// NewResetTokenJob は新しいResetTokenJobを生成する。
func NewResetTokenJob(db Executor, logger *slog.Logger) *ResetTokenJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResetTokenJob{
		db:     db,
		logger: logger,
		Grace:  24 * time.Hour,
	}
}

// Run は期限切れからGraceを過ぎたトークンを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *ResetTokenJob) Run(ctx context.Context) error {
	start := time.Now()
	grace := fmt.Sprintf("%d seconds", int64(j.Grace.Seconds()))

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM password_resets WHERE expires_at < now() - $1::interval`,
		grace,
	)
	if err != nil {
		j.logger.Error("再設定トークンのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("再設定トークンのクリーンアップに失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("再設定トークンのクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.String("grace", j.Grace.String()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Loop はctxがキャンセルされるまでinterval間隔でRunを実行する。
// 失敗はログに残して次の周期で再実行する。
func (j *ResetTokenJob) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
