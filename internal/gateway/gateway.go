// Package gateway はドキュメントストアに対するスコープ付きクエリ、ライブ購読、
// 作成・部分更新・アーカイブ/削除を提供する。
//
// ストアのエラーはmodel.AppErrorに変換して返す。自動再試行は行わない。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/metrics"
	"golang.org/x/time/rate"
)

// コレクション名
const (
	CollectionProjects = "projects"
	CollectionTasks    = "tasks"
	CollectionProfiles = "users"
)

// DefaultTimeout はOptions.Timeout未指定時の呼び出しタイムアウト。
const DefaultTimeout = 10 * time.Second

// Options はゲートウェイ共通の設定。
type Options struct {
	// Timeout は1回の呼び出しに許す時間。超過するとunavailableを返す。
	Timeout time.Duration
	// Limiter は書き込みのレート制限。nilの場合は制限しない。
	Limiter *rate.Limiter
	Metrics metrics.MetricsCollector
	Logger  *slog.Logger
}

// Snapshot はデコード済みの全件スナップショット。Seqは購読ごとに単調増加する。
type Snapshot[T any] struct {
	Seq   uint64
	Items []T
}

// Subscription はライブ購読のハンドル。Cancelは冪等。
type Subscription interface {
	Cancel()
}

// Gateway は1コレクションに対する汎用ゲートウェイ。
type Gateway[T any] struct {
	store      docstore.Store
	collection string
	decode     func(docstore.Document) (T, error)
	timeout    time.Duration
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// New はcollectionを対象とするGatewayを生成する。
func New[T any](store docstore.Store, collection string, decode func(docstore.Document) (T, error), opts Options) *Gateway[T] {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway[T]{
		store:      store,
		collection: collection,
		decode:     decode,
		timeout:    opts.Timeout,
		limiter:    opts.Limiter,
		metrics:    metrics.OrNop(opts.Metrics),
		logger:     opts.Logger,
	}
}

// Collection は対象コレクション名を返す。
func (g *Gateway[T]) Collection() string {
	return g.collection
}

// Create はドキュメントを作成し、ストアが採番したIDを返す。
// 呼び出し側はIDを確認用に使わず、購読のスナップショットで反映を待つこと。
func (g *Gateway[T]) Create(ctx context.Context, actor string, fields docstore.Fields) (string, error) {
	var id string
	err := g.do(ctx, "create", actor, "", true, func(ctx context.Context) error {
		var err error
		id, err = g.store.Create(ctx, g.collection, fields)
		return err
	})
	return id, err
}

// Set は指定IDのドキュメントを作成または置換する。
func (g *Gateway[T]) Set(ctx context.Context, actor, id string, fields docstore.Fields) error {
	return g.do(ctx, "set", actor, id, true, func(ctx context.Context) error {
		return g.store.Set(ctx, g.collection, id, fields)
	})
}

// Update は指定フィールドのみをマージ更新する。updatedAtはストアのサーバー時刻で更新される。
func (g *Gateway[T]) Update(ctx context.Context, actor, id string, fields docstore.Fields) error {
	return g.do(ctx, "update", actor, id, true, func(ctx context.Context) error {
		return g.store.Update(ctx, g.collection, id, fields)
	})
}

// Delete はドキュメントを物理削除する。
func (g *Gateway[T]) Delete(ctx context.Context, actor, id string) error {
	return g.do(ctx, "delete", actor, id, true, func(ctx context.Context) error {
		return g.store.Delete(ctx, g.collection, id)
	})
}

// Get は1件取得する。
func (g *Gateway[T]) Get(ctx context.Context, actor, id string) (T, error) {
	var v T
	err := g.do(ctx, "get", actor, id, false, func(ctx context.Context) error {
		doc, err := g.store.Get(ctx, g.collection, id)
		if err != nil {
			return err
		}
		v, err = g.decode(*doc)
		return err
	})
	return v, err
}

// List はスコープ付きクエリを1回実行する。
func (g *Gateway[T]) List(ctx context.Context, actor string, filters []docstore.Filter) ([]T, error) {
	var items []T
	err := g.do(ctx, "list", actor, "", false, func(ctx context.Context) error {
		docs, err := g.store.Query(ctx, docstore.Query{Collection: g.collection, Filters: filters})
		if err != nil {
			return err
		}
		items = g.decodeAll(docs)
		return nil
	})
	return items, err
}

// Subscribe はスコープ付きのライブ購読を開始する。
// 変更のたびに全件スナップショットがonChangeへ、購読エラーがonErrorへ配信される。
func (g *Gateway[T]) Subscribe(ctx context.Context, actor string, filters []docstore.Filter, onChange func(Snapshot[T]), onError func(error)) (Subscription, error) {
	sub := &subscription{metrics: g.metrics, collection: g.collection}
	err := g.do(ctx, "subscribe", actor, "", false, func(ctx context.Context) error {
		reg, err := g.store.Listen(ctx,
			docstore.Query{Collection: g.collection, Filters: filters},
			func(snap docstore.Snapshot) {
				onChange(Snapshot[T]{Seq: snap.Seq, Items: g.decodeAll(snap.Documents)})
			},
			func(err error) {
				if onError != nil {
					onError(toAppError("subscribe", g.collection, "", err))
				}
			},
		)
		if err != nil {
			return err
		}
		sub.reg = reg
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.metrics.SubscriptionOpened(g.collection)
	return sub, nil
}

func (g *Gateway[T]) decodeAll(docs []docstore.Document) []T {
	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := g.decode(doc)
		if err != nil {
			g.logger.Warn("skipping malformed document",
				slog.String("collection", g.collection),
				slog.String("id", doc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, v)
	}
	return items
}

// do はタイムアウト、書き込みレート制限、操作ユーザーの付与、エラー変換、メトリクス記録を行う。
func (g *Gateway[T]) do(ctx context.Context, op, actor, id string, write bool, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := func() error {
		if write && g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("write rate limit: %w", docstore.ErrUnavailable)
			}
		}
		return fn(docstore.WithActor(ctx, actor))
	}()

	appErr := toAppError(op, g.collection, id, err)
	result := "success"
	if appErr != nil {
		result = string(appErr.Kind)
		g.logger.Debug("gateway operation failed",
			slog.String("collection", g.collection),
			slog.String("op", op),
			slog.String("id", id),
			slog.String("kind", result),
			slog.String("error", err.Error()),
		)
	}
	g.metrics.RecordGatewayOp(g.collection, op, result, time.Since(start))
	if appErr == nil {
		return nil
	}
	return appErr
}

type subscription struct {
	reg        docstore.Registration
	once       sync.Once
	metrics    metrics.MetricsCollector
	collection string
}

// Cancel は購読を停止する。冪等。
func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.reg.Cancel()
		s.metrics.SubscriptionClosed(s.collection)
	})
}

// toFields は構造体をJSON表現のフィールドに変換する。
func toFields(v any) (docstore.Fields, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var fields docstore.Fields
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return fields, nil
}

// fromFields はフィールドを構造体にデコードする。
func fromFields(fields docstore.Fields, v any) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}
