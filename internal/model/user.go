// Package model はドメインモデルを定義する。
package model

// UserRole はユーザープロフィールに保存される全体ロール。
type UserRole string

const (
	// RoleTeamMember はサインアップ時のデフォルトロール。
	RoleTeamMember UserRole = "team_member"
	// RoleManager は複数プロジェクトを管理するロール。
	RoleManager UserRole = "manager"
)

// Identity は現在サインインしているユーザーを表す。
// RoleとProjectRolesはIdPのトークンではなく、ストア上のプロフィールドキュメントから読み込む。
type Identity struct {
	ID           string
	Email        string
	DisplayName  string
	Role         UserRole
	ProjectRoles map[string]MemberRole
}

// NewDefaultIdentity はサインアップ直後のプロフィールを生成する。
func NewDefaultIdentity(id, email, displayName string) *Identity {
	return &Identity{
		ID:           id,
		Email:        email,
		DisplayName:  displayName,
		Role:         RoleTeamMember,
		ProjectRoles: map[string]MemberRole{},
	}
}

// Clone はIdentityのディープコピーを返す。
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.ProjectRoles = make(map[string]MemberRole, len(i.ProjectRoles))
	for k, v := range i.ProjectRoles {
		c.ProjectRoles[k] = v
	}
	return &c
}
