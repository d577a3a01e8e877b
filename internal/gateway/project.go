package gateway

import (
	"context"

	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/model"
)

// projectDoc はprojectsコレクションのドキュメント形式。
type projectDoc struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	OwnerID     string                      `json:"ownerId"`
	Members     map[string]model.MemberRole `json:"members"`
	Status      model.ProjectStatus         `json:"status"`
}

// DecodeProject はドキュメントをProjectに変換する。
func DecodeProject(doc docstore.Document) (model.Project, error) {
	var d projectDoc
	if err := fromFields(doc.Fields, &d); err != nil {
		return model.Project{}, err
	}
	return model.Project{
		ID:          doc.ID,
		Name:        d.Name,
		Description: d.Description,
		OwnerID:     d.OwnerID,
		Members:     d.Members,
		Status:      d.Status,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

// ProjectGateway はプロジェクト用のゲートウェイ。
type ProjectGateway struct {
	g *Gateway[model.Project]
}

// NewProjectGateway はProjectGatewayを生成する。
func NewProjectGateway(store docstore.Store, opts Options) *ProjectGateway {
	return &ProjectGateway{g: New(store, CollectionProjects, DecodeProject, opts)}
}

// Create はactorを所有者・唯一のadminとするactiveなプロジェクトを作成する。
func (p *ProjectGateway) Create(ctx context.Context, actor string, in model.CreateProject) (string, error) {
	if actor == "" {
		return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
	}
	fields, err := toFields(projectDoc{
		Name:        in.Name,
		Description: in.Description,
		OwnerID:     actor,
		Members:     map[string]model.MemberRole{actor: model.MemberRoleAdmin},
		Status:      model.ProjectStatusActive,
	})
	if err != nil {
		return "", model.NewUnknownError(err)
	}
	return p.g.Create(ctx, actor, fields)
}

// Update は指定フィールドのみを更新する。
// Membersを置き換える場合も所有者はadminとして残す。
func (p *ProjectGateway) Update(ctx context.Context, actor string, in model.UpdateProject) error {
	fields := docstore.Fields{}
	if in.Name != nil {
		fields["name"] = *in.Name
	}
	if in.Description != nil {
		fields["description"] = *in.Description
	}
	if in.Status != nil {
		fields["status"] = string(*in.Status)
	}
	if in.Members != nil {
		current, err := p.g.Get(ctx, actor, in.ID)
		if err != nil {
			return err
		}
		members := make(map[string]any, len(in.Members)+1)
		for uid, role := range in.Members {
			members[uid] = string(role)
		}
		members[current.OwnerID] = string(model.MemberRoleAdmin)
		fields["members"] = members
	}
	return p.g.Update(ctx, actor, in.ID, fields)
}

// Archive はプロジェクトを論理削除する。配下のタスクは削除しない。
func (p *ProjectGateway) Archive(ctx context.Context, actor, id string) error {
	return p.g.Update(ctx, actor, id, docstore.Fields{"status": string(model.ProjectStatusArchived)})
}

// Get は1件取得する。
func (p *ProjectGateway) Get(ctx context.Context, actor, id string) (model.Project, error) {
	return p.g.Get(ctx, actor, id)
}

// Subscribe はuserIDがメンバーに含まれるプロジェクトを購読する。
func (p *ProjectGateway) Subscribe(ctx context.Context, userID string, onChange func(Snapshot[model.Project]), onError func(error)) (Subscription, error) {
	return p.g.Subscribe(ctx, userID, ProjectScope(userID), onChange, onError)
}

// ProjectScope はuserIDがメンバーであるプロジェクトに絞るフィルタを返す。
func ProjectScope(userID string) []docstore.Filter {
	return []docstore.Filter{{Field: "members", Op: docstore.OpHasKey, Value: userID}}
}
