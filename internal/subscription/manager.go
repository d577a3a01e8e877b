// Package subscription は認証状態と選択状態に合わせてライブ購読を開閉する。
//
// Managerは単一のイベントループで動作し、通知を受けるたびに現在の認証状態と選択を読み直して
// 購読を揃える。通知の順序や重複に依存しないため、古い通知が後から届いても状態は後退しない。
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/hitoshi/tasksync/internal/identity"
)

// ErrStopped はイベントループが終了した後の操作で返される。
var ErrStopped = errors.New("subscription: manager stopped")

// ErrAlreadyRunning はRunを二重に呼んだ場合に返される。
var ErrAlreadyRunning = errors.New("subscription: manager already running")

// SessionSource は認証状態の読み取りと監視を提供する。
type SessionSource interface {
	State() identity.State
	Watch(fn func(identity.State)) func()
}

// SelectionSource は選択中プロジェクトの読み取りと監視を提供する。
type SelectionSource interface {
	Current() (string, bool)
	Watch(fn func(projectID string)) func()
	Clear()
}

// ProjectStore はユーザー単位のプロジェクト購読を持つストア。
type ProjectStore interface {
	Open(ctx context.Context, userID string) error
	Clear()
}

// TaskStore はプロジェクト単位のタスク購読を持つストア。
type TaskStore interface {
	Open(ctx context.Context, actor, projectID string) error
	Clear()
}

// Manager は(ユーザー)ごとに1つのプロジェクト購読、(ユーザー, 選択プロジェクト)ごとに
// 1つのタスク購読だけが開いている状態を維持する。
type Manager struct {
	session   SessionSource
	selection SelectionSource
	projects  ProjectStore
	tasks     TaskStore
	logger    *slog.Logger

	wake    chan struct{}
	flush   chan chan struct{}
	reopen  chan chan error
	stopped chan struct{}
	running atomic.Bool

	// 以下はイベントループからのみ触る
	userID    string
	projectID string
}

// NewManager はManagerを生成する。Runを呼ぶまで購読は開かない。
func NewManager(session SessionSource, selection SelectionSource, projects ProjectStore, tasks TaskStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		session:   session,
		selection: selection,
		projects:  projects,
		tasks:     tasks,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		flush:     make(chan chan struct{}),
		reopen:    make(chan chan error),
		stopped:   make(chan struct{}),
	}
}

// Run はctxがキャンセルされるまでイベントループを実行する。
// 終了時には開いている購読を全て閉じる。
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.stopped)

	stopSession := m.session.Watch(func(identity.State) { m.notify() })
	stopSelection := m.selection.Watch(func(string) { m.notify() })
	defer func() {
		stopSession()
		stopSelection()
		m.teardown()
	}()

	m.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			m.reconcile(ctx)
		case done := <-m.flush:
			m.reconcile(ctx)
			close(done)
		case done := <-m.reopen:
			done <- m.reopenAll(ctx)
		}
	}
}

// Flush はその時点の認証状態と選択が購読に反映されるまで待つ。
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.flush <- done:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reopen は現在の認証状態と選択に対応する購読を全て開き直す。
// 開けなかった購読やリスナーエラーで止まった購読はこれを呼ぶまで再試行されない。
// 開き直しに失敗した場合はその原因を返す。
func (m *Manager) Reopen(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case m.reopen <- done:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done はイベントループの終了時にクローズされるチャネルを返す。
func (m *Manager) Done() <-chan struct{} {
	return m.stopped
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// reconcile は現在の認証状態と選択に購読を合わせる。
func (m *Manager) reconcile(ctx context.Context) {
	st := m.session.State()
	switch st.Status {
	case identity.StatusAuthenticated:
		m.signedIn(ctx, st.UserID())
	case identity.StatusUnauthenticated, identity.StatusFailed:
		m.signedOut()
	default:
		// idle/loadingの間は現在の購読を維持する
	}

	projectID, _ := m.selection.Current()
	m.selectProject(ctx, projectID)
}

func (m *Manager) signedIn(ctx context.Context, userID string) {
	if userID == m.userID {
		return
	}
	previous := m.userID

	// 前のユーザーのタスクを新しいユーザーに見せない
	m.closeTasks()
	m.userID = userID
	_ = m.openProjects(ctx)

	if previous != "" {
		// ユーザーが切り替わった場合は選択を引き継がない
		m.selection.Clear()
	}
}

func (m *Manager) signedOut() {
	if m.userID != "" {
		m.logger.Info("session ended, clearing collections", slog.String("user_id", m.userID))
	}
	m.closeTasks()
	m.projects.Clear()
	m.selection.Clear()
	m.userID = ""
}

// selectProject は選択に合わせてタスク購読を張り替える。
// 新しい購読を開く前に前の購読を必ず閉じる。
func (m *Manager) selectProject(ctx context.Context, projectID string) {
	if m.userID == "" {
		// 未認証の間はタスク購読を開かない。選択は認証後に反映する。
		m.closeTasks()
		return
	}
	if projectID == m.projectID {
		return
	}
	m.closeTasks()
	if projectID == "" {
		return
	}

	m.projectID = projectID
	_ = m.openTasks(ctx)
}

// reopenAll は購読を揃えた上で、開いているべき購読を全て張り直す。
func (m *Manager) reopenAll(ctx context.Context) error {
	m.reconcile(ctx)
	if m.userID == "" {
		return nil
	}

	var errs []error
	if err := m.openProjects(ctx); err != nil {
		errs = append(errs, err)
	}
	if m.projectID != "" {
		// 同じプロジェクトでも前の購読を閉じてから開く
		m.tasks.Clear()
		if err := m.openTasks(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) openProjects(ctx context.Context) error {
	if err := m.projects.Open(ctx, m.userID); err != nil {
		m.logger.Warn("failed to open project subscription",
			slog.String("user_id", m.userID),
			slog.String("error", err.Error()),
		)
		return err
	}
	m.logger.Info("project subscription opened", slog.String("user_id", m.userID))
	return nil
}

func (m *Manager) openTasks(ctx context.Context) error {
	if err := m.tasks.Open(ctx, m.userID, m.projectID); err != nil {
		m.logger.Warn("failed to open task subscription",
			slog.String("project_id", m.projectID),
			slog.String("error", err.Error()),
		)
		return err
	}
	m.logger.Debug("task subscription opened", slog.String("project_id", m.projectID))
	return nil
}

func (m *Manager) closeTasks() {
	if m.projectID == "" {
		return
	}
	m.tasks.Clear()
	m.projectID = ""
}

func (m *Manager) teardown() {
	m.closeTasks()
	m.tasks.Clear()
	m.projects.Clear()
	m.userID = ""
	m.logger.Info("subscription manager stopped")
}
