package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tasksync/internal/auth"
	"github.com/hitoshi/tasksync/internal/client"
	"github.com/hitoshi/tasksync/internal/config"
	"github.com/hitoshi/tasksync/internal/database"
	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/docstore/memstore"
	"github.com/hitoshi/tasksync/internal/docstore/pgstore"
	"github.com/hitoshi/tasksync/internal/handler"
	"github.com/hitoshi/tasksync/internal/logger"
	"github.com/hitoshi/tasksync/internal/metrics"
	"github.com/hitoshi/tasksync/internal/repository"
	"github.com/hitoshi/tasksync/internal/retry"
	"github.com/hitoshi/tasksync/internal/security"
	"github.com/hitoshi/tasksync/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを作り直す
	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するとコンテキストをキャンセルする。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はctxの終了で停止するRun。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// backend はストアのバックエンドごとに切り替わる依存関係。
type backend struct {
	store    docstore.Store
	accounts repository.AccountRepository
	resets   repository.ResetTokenRepository
	// health はPostgresの場合のみ非nil。
	health handler.HealthChecker
	// cleanup はPostgresの場合のみ非nil。
	cleanup *cleanup.ResetTokenJob
	close   func()
}

// openBackend は設定に応じてストアとアカウントリポジトリを開く。
func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	if cfg.StoreBackend == config.BackendMemory {
		log.Warn("using in-memory store; data is lost on exit")
		return &backend{
			store:    memstore.New(),
			accounts: repository.NewMemoryAccountRepo(),
			resets:   repository.NewMemoryResetTokenRepo(),
			close:    func() {},
		}, nil
	}

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, cfg.OpTimeout)
	if err != nil {
		return nil, err
	}
	log.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	// 2. 変更通知付きのドキュメントストア
	store, err := pgstore.New(db, cfg.DatabaseURL, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start document store: %w", err)
	}

	return &backend{
		store:    store,
		accounts: repository.NewPostgresAccountRepo(db),
		resets:   repository.NewPostgresResetTokenRepo(db),
		health:   db,
		cleanup:  cleanup.NewResetTokenJob(db, log),
		close: func() {
			if err := store.Close(); err != nil {
				log.Warn("failed to close document store", slog.String("error", err.Error()))
			}
			db.Close()
		},
	}, nil
}

// newProvider はパスワード認証プロバイダーを生成する。
func newProvider(cfg *config.Config, b *backend, log *slog.Logger) *auth.PasswordProvider {
	return auth.NewPasswordProvider(b.accounts, b.resets, auth.LogNotifier{Logger: log}, auth.Config{
		BcryptCost:        cfg.BcryptCost,
		MinPasswordLength: cfg.PasswordMinLength,
		ResetTokenTTL:     cfg.ResetTokenTTL,
	})
}

// newClient はバックエンドの上にクライアントを組み立てる。regがnilの場合はメトリクスを記録しない。
func newClient(cfg *config.Config, b *backend, provider *auth.PasswordProvider, reg prometheus.Registerer, log *slog.Logger) *client.Client {
	var collector metrics.MetricsCollector
	if reg != nil {
		collector = metrics.NewCollector(reg)
	}
	return client.New(client.Config{
		Store:        b.store,
		Provider:     provider,
		OpTimeout:    cfg.OpTimeout,
		AuthTimeout:  cfg.AuthTimeout,
		WriteLimiter: rate.NewLimiter(rate.Limit(cfg.WriteRatePerSec), cfg.WriteBurst),
		Sanitizer:    security.NewTextSanitizer(),
		Metrics:      collector,
		Logger:       log,
	})
}

// retryPolicy は設定からリトライポリシーを組み立てる。
func retryPolicy(cfg *config.Config, log *slog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		Logger:         log,
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("migrate requires STORE_BACKEND=%s, got %q", config.BackendPostgres, cfg.StoreBackend)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationStatus(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// healthcheckPort はフル初期化なしでポートを決める。
func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
