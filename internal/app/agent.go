package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tasksync/internal/client"
	"github.com/hitoshi/tasksync/internal/config"
	"github.com/hitoshi/tasksync/internal/handler"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/reconcile"
	"github.com/hitoshi/tasksync/internal/retry"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンに許す時間。
const shutdownTimeout = 30 * time.Second

// runAgent は同期エージェントを起動する。
// サインイン（資格情報がある場合）、初期選択の適用、運用HTTPサーバー、
// 再設定トークンのクリーンアップを動かし、ctxが終了するまでブロックする。
func runAgent(ctx context.Context, cfg *config.Config, log *slog.Logger, onListen func(net.Addr)) error {
	// 1. バックエンド
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	// 2. クライアント
	reg := prometheus.NewRegistry()
	provider := newProvider(cfg, b, log)
	c := newClient(cfg, b, provider, reg, log)
	c.Start(ctx)
	defer c.Close()

	stopLog := watchCollections(c, log)
	defer stopLog()

	// 3. サインインと初期選択
	if cfg.AgentEmail != "" {
		identity, err := retry.DoValue(ctx, retryPolicy(cfg, log), "sign_in", func(ctx context.Context) (*model.Identity, error) {
			return c.Session.SignIn(ctx, cfg.AgentEmail, cfg.AgentPassword)
		})
		if err != nil {
			return fmt.Errorf("agent sign-in failed: %w", err)
		}
		log.Info("agent signed in",
			slog.String("user_id", identity.ID),
			slog.String("role", string(identity.Role)),
		)
		if cfg.AgentProject != "" {
			if err := c.SelectProject(cfg.AgentProject); err != nil {
				return fmt.Errorf("failed to select project: %w", err)
			}
			log.Info("project selected", slog.String("project_id", cfg.AgentProject))
		}
	} else {
		log.Warn("TASKSYNC_EMAIL is not set; agent stays signed out")
	}

	// 4. 運用HTTPサーバー
	router := handler.NewRouter(&handler.RouterDeps{
		Agent:    c,
		Health:   b.health,
		Gatherer: reg,
		Logger:   log,
	})
	server := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if onListen != nil {
		onListen(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("ops server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down agent...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	// 5. 再設定トークンのクリーンアップ（Postgresのみ）
	if b.cleanup != nil {
		g.Go(func() error {
			if err := b.cleanup.Run(gctx); err != nil {
				log.Error("cleanup job failed", slog.String("error", err.Error()))
			}
			return b.cleanup.Loop(gctx, cfg.CleanupInterval)
		})
	}

	// 6. オフラインになった購読の張り直し
	offline := make(chan struct{}, 1)
	stopOffline := c.WatchNetwork(func(online bool) {
		if online {
			return
		}
		select {
		case offline <- struct{}{}:
		default:
		}
	})
	defer stopOffline()
	g.Go(func() error {
		reconnectLoop(gctx, c, offline, retryPolicy(cfg, log), log)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("agent stopped gracefully")
	return nil
}

// reconnectLoop はオフラインになるたびに購読の張り直しをバックオフ付きで試みる。
// 試行回数を使い切った場合は次のオフライン通知か手動のPOST /api/reconnectを待つ。
func reconnectLoop(ctx context.Context, c *client.Client, offline <-chan struct{}, policy retry.Policy, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-offline:
		}
		if err := retry.Do(ctx, policy, "reconnect", c.Reconnect); err != nil && ctx.Err() == nil {
			log.Warn("failed to reopen subscriptions", slog.String("error", err.Error()))
		}
	}
}

// watchCollections はコレクションの変化をログに出す。
func watchCollections(c *client.Client, log *slog.Logger) func() {
	stopProjects := c.Projects.Watch(func(v reconcile.View[model.Project]) {
		logView(log, "projects", v.Phase, v.Scope, len(v.Items), v.Err)
	})
	stopTasks := c.Tasks.Watch(func(v reconcile.View[model.Task]) {
		logView(log, "tasks", v.Phase, v.Scope, len(v.Items), v.Err)
	})
	stopNetwork := c.WatchNetwork(func(online bool) {
		log.Info("network state changed", slog.Bool("online", online))
	})
	return func() {
		stopProjects()
		stopTasks()
		stopNetwork()
	}
}

func logView(log *slog.Logger, collection string, phase reconcile.Phase, scope string, size int, err error) {
	attrs := []any{
		slog.String("collection", collection),
		slog.String("phase", string(phase)),
		slog.String("scope", scope),
		slog.Int("size", size),
	}
	if err != nil {
		log.Warn("collection error", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	log.Info("collection updated", attrs...)
}
