package gateway

import (
	"context"

	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/model"
)

// profileDoc はusersコレクションのプロフィールドキュメント形式。
type profileDoc struct {
	Email        string                      `json:"email"`
	DisplayName  string                      `json:"displayName"`
	Role         model.UserRole              `json:"role"`
	ProjectRoles map[string]model.MemberRole `json:"projectRoles"`
}

// DecodeProfile はドキュメントをIdentityに変換する。
func DecodeProfile(doc docstore.Document) (*model.Identity, error) {
	var d profileDoc
	if err := fromFields(doc.Fields, &d); err != nil {
		return nil, err
	}
	if d.ProjectRoles == nil {
		d.ProjectRoles = map[string]model.MemberRole{}
	}
	return &model.Identity{
		ID:           doc.ID,
		Email:        d.Email,
		DisplayName:  d.DisplayName,
		Role:         d.Role,
		ProjectRoles: d.ProjectRoles,
	}, nil
}

// ProfileGateway はユーザーごとのプロフィールドキュメント用のゲートウェイ。
// ドキュメントIDはユーザーID。
type ProfileGateway struct {
	g *Gateway[*model.Identity]
}

// NewProfileGateway はProfileGatewayを生成する。
func NewProfileGateway(store docstore.Store, opts Options) *ProfileGateway {
	return &ProfileGateway{g: New(store, CollectionProfiles, DecodeProfile, opts)}
}

// Get はuserIDのプロフィールを取得する。存在しない場合はnot_found。
func (p *ProfileGateway) Get(ctx context.Context, userID string) (*model.Identity, error) {
	return p.g.Get(ctx, userID, userID)
}

// Put はプロフィールを作成または置換する。
func (p *ProfileGateway) Put(ctx context.Context, identity *model.Identity) error {
	roles := identity.ProjectRoles
	if roles == nil {
		roles = map[string]model.MemberRole{}
	}
	fields, err := toFields(profileDoc{
		Email:        identity.Email,
		DisplayName:  identity.DisplayName,
		Role:         identity.Role,
		ProjectRoles: roles,
	})
	if err != nil {
		return model.NewUnknownError(err)
	}
	return p.g.Set(ctx, identity.ID, identity.ID, fields)
}

// UpdateDisplayName は表示名のみを更新する。
func (p *ProfileGateway) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	return p.g.Update(ctx, userID, userID, docstore.Fields{"displayName": displayName})
}
