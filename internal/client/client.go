// Package client は認証セッション、選択状態、2つのReconciliation Store、購読マネージャーを
// 1つのコンテキストオブジェクトにまとめる。
//
// 画面やエージェントはグローバル変数ではなくClientを受け取り、Startで開始してCloseで破棄する。
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/gateway"
	"github.com/hitoshi/tasksync/internal/identity"
	"github.com/hitoshi/tasksync/internal/metrics"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/project"
	"github.com/hitoshi/tasksync/internal/pubsub"
	"github.com/hitoshi/tasksync/internal/reconcile"
	"github.com/hitoshi/tasksync/internal/security"
	"github.com/hitoshi/tasksync/internal/selection"
	"github.com/hitoshi/tasksync/internal/subscription"
	"github.com/hitoshi/tasksync/internal/task"
)

// ErrNotStarted はStart前にFlushを呼んだ場合に返される。
var ErrNotStarted = errors.New("client: not started")

// Config はClientの依存と設定。
type Config struct {
	// Store は生のドキュメントストア。アクセスルールはClientがGuardで適用する。
	Store    docstore.Store
	Provider identity.Provider

	OpTimeout   time.Duration
	AuthTimeout time.Duration
	// WriteLimiter は全ゲートウェイで共有する書き込みのレート制限。nilの場合は制限しない。
	WriteLimiter *rate.Limiter
	Sanitizer    security.TextSanitizer
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger
}

// State は/stateなどで公開する全体のスナップショット。
type State struct {
	Session   identity.State
	Selection string
	Projects  reconcile.View[model.Project]
	Tasks     reconcile.View[model.Task]
	Online    bool
}

// Client はアプリケーション全体の同期状態を保持する。
type Client struct {
	Session   *identity.Session
	Selection *selection.State
	Projects  *project.Store
	Tasks     *task.Store

	manager *subscription.Manager
	logger  *slog.Logger

	online  atomic.Bool
	network *pubsub.Hub[bool]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	stops   []func()
}

// New はClientを組み立てる。購読はStartまで開かない。
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	guarded := docstore.NewGuard(cfg.Store, gateway.Rules{})
	opts := gateway.Options{
		Timeout: cfg.OpTimeout,
		Limiter: cfg.WriteLimiter,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	}

	c := &Client{
		Session: identity.NewSession(cfg.Provider, gateway.NewProfileGateway(guarded, opts), identity.Options{
			Timeout: cfg.AuthTimeout,
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		}),
		Selection: selection.New(),
		Projects:  project.NewStore(gateway.NewProjectGateway(guarded, opts), cfg.Sanitizer, cfg.Metrics, cfg.Logger),
		Tasks:     task.NewStore(gateway.NewTaskGateway(guarded, opts), cfg.Sanitizer, cfg.Metrics, cfg.Logger),
		logger:    cfg.Logger,
		network:   pubsub.NewHub[bool](),
	}
	c.online.Store(true)
	c.manager = subscription.NewManager(c.Session, c.Selection, c.Projects, c.Tasks, cfg.Logger)
	return c
}

// Start は認証状態の監視と購読マネージャーを開始する。2回目以降の呼び出しは何もしない。
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.stops = append(c.stops,
		c.Projects.Watch(func(v reconcile.View[model.Project]) { c.observeView(v.Phase, v.Err) }),
		c.Tasks.Watch(func(v reconcile.View[model.Task]) { c.observeView(v.Phase, v.Err) }),
		c.Session.Watch(func(st identity.State) {
			if model.KindOf(st.Err) == model.KindUnavailable {
				c.setOnline(false)
			}
		}),
	)

	go func() {
		if err := c.manager.Run(ctx); err != nil {
			c.logger.Error("subscription manager exited", slog.String("error", err.Error()))
		}
	}()
	c.Session.Start(ctx)
	c.logger.Info("client started")
}

// Close は全ての購読を閉じて監視を解除する。
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	stops := c.stops
	c.stops = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-c.manager.Done()
	}
	for _, stop := range stops {
		stop()
	}
	c.Session.Close()
	c.Selection.Close()
	c.Projects.Close()
	c.Tasks.Close()
	c.network.Close()
	c.logger.Info("client closed")
}

// Flush はその時点の認証状態と選択が購読に反映されるまで待つ。
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return c.manager.Flush(ctx)
}

// Reconnect は現在の認証状態と選択に対応する購読を全て開き直す。
// 購読が開けなかった場合やバックエンドの切断で止まった場合の復旧に使う。
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if err := c.manager.Reopen(ctx); err != nil {
		c.observeResult(err)
		return err
	}
	c.logger.Info("subscriptions reopened")
	return nil
}

// Snapshot は現在の全体の状態を返す。
func (c *Client) Snapshot() State {
	selected, _ := c.Selection.Current()
	return State{
		Session:   c.Session.State(),
		Selection: selected,
		Projects:  c.Projects.View(),
		Tasks:     c.Tasks.View(),
		Online:    c.Network(),
	}
}

// Network はバックエンドに到達できているとみなせるかを返す。
// unavailableのエラーでオフラインになり、次に成功したスナップショットか操作でオンラインに戻る。
func (c *Client) Network() bool {
	return c.online.Load()
}

// WatchNetwork はオンライン状態が変わるたびにfnを呼ぶ。
func (c *Client) WatchNetwork(fn func(online bool)) func() {
	return c.network.Subscribe(fn)
}

// SelectProject はプロジェクトを選択する。タスク購読は購読マネージャーが張り替える。
func (c *Client) SelectProject(projectID string) error {
	if _, err := c.actor(); err != nil {
		return err
	}
	c.Selection.Select(projectID)
	return nil
}

// ClearSelection は選択を解除する。
func (c *Client) ClearSelection() {
	c.Selection.Clear()
}

// CreateProject はプロジェクトを作成し、作成されたIDを返す。
func (c *Client) CreateProject(ctx context.Context, in model.CreateProject) (string, error) {
	return c.dispatchProject(ctx, in)
}

// UpdateProject はプロジェクトを部分更新する。
func (c *Client) UpdateProject(ctx context.Context, in model.UpdateProject) error {
	_, err := c.dispatchProject(ctx, in)
	return err
}

// ArchiveProject はプロジェクトをアーカイブする。タスクは削除されない。
func (c *Client) ArchiveProject(ctx context.Context, id string) error {
	_, err := c.dispatchProject(ctx, model.ArchiveProject{ID: id})
	return err
}

// CreateTask はタスクを作成する。ProjectIDが空の場合は選択中のプロジェクトに作成する。
func (c *Client) CreateTask(ctx context.Context, in model.CreateTask) (string, error) {
	if in.ProjectID == "" {
		in.ProjectID, _ = c.Selection.Current()
	}
	return c.dispatchTask(ctx, in)
}

// UpdateTask はタスクを部分更新する。
func (c *Client) UpdateTask(ctx context.Context, in model.UpdateTask) error {
	_, err := c.dispatchTask(ctx, in)
	return err
}

// DeleteTask はタスクを削除する。
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	_, err := c.dispatchTask(ctx, model.DeleteTask{ID: id})
	return err
}

// ToggleTask はタスクの完了状態を切り替える。
func (c *Client) ToggleTask(ctx context.Context, id string) error {
	_, err := c.dispatchTask(ctx, model.ToggleTask{ID: id})
	return err
}

func (c *Client) dispatchProject(ctx context.Context, intent model.ProjectIntent) (string, error) {
	actor, err := c.actor()
	if err != nil {
		return "", err
	}
	id, err := c.Projects.Dispatch(ctx, actor, intent)
	c.observeResult(err)
	return id, err
}

func (c *Client) dispatchTask(ctx context.Context, intent model.TaskIntent) (string, error) {
	actor, err := c.actor()
	if err != nil {
		return "", err
	}
	id, err := c.Tasks.Dispatch(ctx, actor, intent)
	c.observeResult(err)
	return id, err
}

// actor は現在のユーザーIDを返す。未認証の場合はNOT_SIGNED_IN。
func (c *Client) actor() (string, error) {
	current := c.Session.Current()
	if current == nil {
		return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
	}
	return current.ID, nil
}

func (c *Client) observeResult(err error) {
	switch {
	case err == nil:
		c.setOnline(true)
	case model.KindOf(err) == model.KindUnavailable:
		c.setOnline(false)
	}
}

func (c *Client) observeView(phase reconcile.Phase, err error) {
	switch {
	case model.KindOf(err) == model.KindUnavailable:
		c.setOnline(false)
	case phase == reconcile.PhaseSynced && err == nil:
		c.setOnline(true)
	}
}

func (c *Client) setOnline(online bool) {
	if c.online.Swap(online) == online {
		return
	}
	if online {
		c.logger.Info("network online")
	} else {
		c.logger.Warn("network offline")
	}
	c.network.Publish(online)
}
