// Package project はプロジェクトのローカルコレクションを提供する。
//
// コレクションはメンバーとして参加しているプロジェクトのライブ購読で更新され、
// 書き込みはGateway経由でのみ行う。書き込み結果は次のスナップショットで反映される。
package project

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/tasksync/internal/gateway"
	"github.com/hitoshi/tasksync/internal/metrics"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/reconcile"
	"github.com/hitoshi/tasksync/internal/security"
)

// Gateway はStoreが利用するプロジェクトゲートウェイ。
type Gateway interface {
	Create(ctx context.Context, actor string, in model.CreateProject) (string, error)
	Update(ctx context.Context, actor string, in model.UpdateProject) error
	Archive(ctx context.Context, actor, id string) error
	Subscribe(ctx context.Context, userID string, onChange func(gateway.Snapshot[model.Project]), onError func(error)) (gateway.Subscription, error)
}

var _ Gateway = (*gateway.ProjectGateway)(nil)

// Store はプロジェクトのReconciliation Store。
type Store struct {
	gw        Gateway
	coll      *reconcile.Collection[model.Project]
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
		coll:      reconcile.NewCollection[model.Project](gateway.CollectionProjects, m, logger),
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Open はuserIDがメンバーであるプロジェクトの購読を開く。既存の購読は先にキャンセルする。
func (s *Store) Open(ctx context.Context, userID string) error {
	return s.coll.Begin(userID, func(gen uint64) (reconcile.Canceler, error) {
		sub, err := s.gw.Subscribe(ctx, userID,
			func(snap gateway.Snapshot[model.Project]) {
				s.coll.Apply(gen, snap.Seq, snap.Items)
			},
			func(err error) {
				s.logger.Warn("project subscription failed",
					slog.String("user_id", userID),
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

// Dispatch はインテントを検証してGatewayへ送る。CreateProjectの場合は作成されたIDを返す。
// 失敗はコレクションの現在のエラーとして記録され、成功すると操作エラーは消える。
func (s *Store) Dispatch(ctx context.Context, actor string, intent model.ProjectIntent) (string, error) {
	id, err := s.dispatch(ctx, actor, intent)
	s.coll.RecordError(err)
	return id, err
}

func (s *Store) dispatch(ctx context.Context, actor string, intent model.ProjectIntent) (string, error) {
	switch in := intent.(type) {
	case model.CreateProject:
		in.Name = s.sanitizer.SanitizeText(in.Name)
		in.Description = s.sanitizer.SanitizeText(in.Description)
		if err := in.Validate(); err != nil {
			return "", err
		}
		if actor == "" {
			return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
		}
		return s.gw.Create(ctx, actor, in)

	case model.UpdateProject:
		in.Name = s.sanitizePtr(in.Name)
		in.Description = s.sanitizePtr(in.Description)
		if err := in.Validate(); err != nil {
			return "", err
		}
		if actor == "" {
			return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
		}
		return in.ID, s.gw.Update(ctx, actor, in)

	case model.ArchiveProject:
		if err := in.Validate(); err != nil {
			return "", err
		}
		if actor == "" {
			return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
		}
		return in.ID, s.gw.Archive(ctx, actor, in.ID)

	default:
		return "", model.NewValidationError("intent", fmt.Sprintf("unsupported project intent %T", intent))
	}
}

func (s *Store) sanitizePtr(v *string) *string {
	if v == nil {
		return nil
	}
	clean := s.sanitizer.SanitizeText(*v)
	return &clean
}

// View は現在のコレクションのコピーを返す。
func (s *Store) View() reconcile.View[model.Project] {
	return s.coll.View()
}

// Watch はコレクションの変化を購読する。戻り値の関数で解除する。
func (s *Store) Watch(fn func(reconcile.View[model.Project])) func() {
	return s.coll.Watch(fn)
}

// Close はWatchの登録を解除する。
func (s *Store) Close() {
	s.coll.Clear()
	s.coll.Close()
}

// All はcreatedAt降順の全プロジェクトを返す。
func (s *Store) All() []model.Project {
	return s.coll.View().Items
}

// Active はアクティブなプロジェクトを返す。
func (s *Store) Active() []model.Project {
	return s.filter(func(p model.Project) bool { return p.Status == model.ProjectStatusActive })
}

// Archived はアーカイブ済みのプロジェクトを返す。
func (s *Store) Archived() []model.Project {
	return s.filter(model.Project.IsArchived)
}

// ByID はIDでプロジェクトを探す。
func (s *Store) ByID(id string) (model.Project, bool) {
	for _, p := range s.coll.View().Items {
		if p.ID == id {
			return p, true
		}
	}
	return model.Project{}, false
}

func (s *Store) filter(keep func(model.Project) bool) []model.Project {
	items := s.coll.View().Items
	out := make([]model.Project, 0, len(items))
	for _, p := range items {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
