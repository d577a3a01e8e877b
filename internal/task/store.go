// Package task は選択中プロジェクトのタスクのローカルコレクションを提供する。
//
// コレクションは親プロジェクトIDをスコープとするライブ購読で更新される。
// スコープを切り替えると古い購読は先にキャンセルされ、遅れて届いた古いスナップショットは破棄される。
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tasksync/internal/gateway"
	"github.com/hitoshi/tasksync/internal/metrics"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/reconcile"
	"github.com/hitoshi/tasksync/internal/security"
)

// Gateway はStoreが利用するタスクゲートウェイ。
type Gateway interface {
	Create(ctx context.Context, actor string, in model.CreateTask) (string, error)
	Update(ctx context.Context, actor string, in model.UpdateTask) error
	Delete(ctx context.Context, actor, id string) error
	Subscribe(ctx context.Context, actor, projectID string, onChange func(gateway.Snapshot[model.Task]), onError func(error)) (gateway.Subscription, error)
}

var _ Gateway = (*gateway.TaskGateway)(nil)

// Store はタスクのReconciliation Store。
type Store struct {
	gw        Gateway
	coll      *reconcile.Collection[model.Task]
	sanitizer security.TextSanitizer
	logger    *slog.Logger
}

// NewStore はStoreを生成する。sanitizerがnilの場合はbluemondayの既定ポリシーを使う。
func NewStore(gw Gateway, sanitizer security.TextSanitizer, m metrics.MetricsCollector, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &Store{
		gw:        gw,
		coll:      reconcile.NewCollection[model.Task](gateway.CollectionTasks, m, logger),
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Open はprojectIDに属するタスクの購読を開く。既存の購読は先にキャンセルする。
func (s *Store) Open(ctx context.Context, actor, projectID string) error {
	return s.coll.Begin(projectID, func(gen uint64) (reconcile.Canceler, error) {
		sub, err := s.gw.Subscribe(ctx, actor, projectID,
			func(snap gateway.Snapshot[model.Task]) {
				s.coll.Apply(gen, snap.Seq, snap.Items)
			},
			func(err error) {
				s.logger.Warn("task subscription failed",
					slog.String("project_id", projectID),
					slog.String("error", err.Error()),
				)
				s.coll.Fail(gen, err)
			},
		)
		if err != nil {
			return nil, err
		}
		return sub, nil
	})
}

// Clear は購読をキャンセルしてコレクションを空にする。
func (s *Store) Clear() {
	s.coll.Clear()
}

// Dispatch はインテントを検証してGatewayへ送る。CreateTaskの場合は作成されたIDを返す。
// CreateTaskのProjectIDが空の場合は現在のスコープを使う。
// 失敗はコレクションの現在のエラーとして記録され、成功すると操作エラーは消える。
func (s *Store) Dispatch(ctx context.Context, actor string, intent model.TaskIntent) (string, error) {
	id, err := s.dispatch(ctx, actor, intent)
	s.coll.RecordError(err)
	return id, err
}

func (s *Store) dispatch(ctx context.Context, actor string, intent model.TaskIntent) (string, error) {
	switch in := intent.(type) {
	case model.CreateTask:
		if in.ProjectID == "" {
			in.ProjectID = s.coll.View().Scope
		}
		in.Title = s.sanitizer.SanitizeText(in.Title)
		in.Description = s.sanitizer.SanitizeText(in.Description)
		if err := in.Validate(); err != nil {
			return "", err
		}
		if err := validateAttachments(in.Attachments); err != nil {
			return "", err
		}
		if actor == "" {
			return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
		}
		return s.gw.Create(ctx, actor, in)

	case model.UpdateTask:
		in.Title = s.sanitizePtr(in.Title)
		in.Description = s.sanitizePtr(in.Description)
		if err := in.Validate(); err != nil {
			return "", err
		}
		if in.Attachments != nil {
			if err := validateAttachments(*in.Attachments); err != nil {
				return "", err
			}
		}
		if actor == "" {
			return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
		}
		return in.ID, s.gw.Update(ctx, actor, in)

	case model.DeleteTask:
		if err := in.Validate(); err != nil {
			return "", err
		}
		if actor == "" {
			return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
		}
		return in.ID, s.gw.Delete(ctx, actor, in.ID)

	case model.ToggleTask:
		if err := in.Validate(); err != nil {
			return "", err
		}
		if actor == "" {
			return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
		}
		current, ok := s.ByID(in.ID)
		if !ok {
			return "", model.NewNotFoundError(gateway.CollectionTasks, in.ID)
		}
		next := model.TaskStatusDone
		if current.IsDone() {
			next = model.TaskStatusToDo
		}
		return in.ID, s.gw.Update(ctx, actor, model.UpdateTask{ID: in.ID, Status: &next})

	default:
		return "", model.NewValidationError("intent", fmt.Sprintf("unsupported task intent %T", intent))
	}
}

func (s *Store) sanitizePtr(v *string) *string {
	if v == nil {
		return nil
	}
	clean := s.sanitizer.SanitizeText(*v)
	return &clean
}

func validateAttachments(urls []string) error {
	for _, u := range urls {
		if err := security.ValidateAttachmentURL(u); err != nil {
			return model.NewValidationError("Attachments", err.Error())
		}
	}
	return nil
}

// View は現在のコレクションのコピーを返す。
func (s *Store) View() reconcile.View[model.Task] {
	return s.coll.View()
}

// Watch はコレクションの変化を購読する。戻り値の関数で解除する。
func (s *Store) Watch(fn func(reconcile.View[model.Task])) func() {
	return s.coll.Watch(fn)
}

// Close は購読とWatchの登録を解除する。
func (s *Store) Close() {
	s.coll.Clear()
	s.coll.Close()
}

// All はcreatedAt降順の全タスクを返す。
func (s *Store) All() []model.Task {
	return s.coll.View().Items
}

// ByID はIDでタスクを探す。
func (s *Store) ByID(id string) (model.Task, bool) {
	for _, t := range s.coll.View().Items {
		if t.ID == id {
			return t, true
		}
	}
	return model.Task{}, false
}

// ByStatus は指定状態のタスクを返す。
func (s *Store) ByStatus(status model.TaskStatus) []model.Task {
	return s.filter(func(t model.Task) bool { return t.Status == status })
}

// Completed は完了済みのタスクを返す。
func (s *Store) Completed() []model.Task {
	return s.filter(model.Task.IsDone)
}

// Pending は未完了のタスクを返す。
func (s *Store) Pending() []model.Task {
	return s.filter(func(t model.Task) bool { return !t.IsDone() })
}

// AssignedTo はuserIDが担当するタスクを返す。
func (s *Store) AssignedTo(userID string) []model.Task {
	return s.filter(func(t model.Task) bool { return t.IsAssignedTo(userID) })
}

// Overdue はnow時点で期限切れの未完了タスクを返す。
func (s *Store) Overdue(now time.Time) []model.Task {
	return s.filter(func(t model.Task) bool { return t.IsOverdue(now) })
}

func (s *Store) filter(keep func(model.Task) bool) []model.Task {
	items := s.coll.View().Items
	out := make([]model.Task, 0, len(items))
	for _, t := range items {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
