// Package model はドメインモデルを定義する。
package model

import "time"

// MemberRole はプロジェクト内のロールを表す。
type MemberRole string

const (
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleEditor MemberRole = "editor"
	MemberRoleViewer MemberRole = "viewer"
)

// CanWrite はタスクやプロジェクト情報を変更できるロールかを返す。
func (r MemberRole) CanWrite() bool {
	return r == MemberRoleAdmin || r == MemberRoleEditor
}

// ProjectStatus はプロジェクトの状態を表す。
type ProjectStatus string

const (
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusCompleted ProjectStatus = "completed"
	// ProjectStatusArchived は論理削除済み。配下タスクの参照を保つため物理削除はしない。
	ProjectStatusArchived ProjectStatus = "archived"
)

// Project はタスクをまとめるプロジェクトを表す。
// OwnerIDは常にMembersにadminとして含まれる。
type Project struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	Members     map[string]MemberRole
	Status      ProjectStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GetID はIDを返す。
func (p Project) GetID() string { return p.ID }

// HasMember はuserIDがメンバーに含まれるかを返す。
func (p Project) HasMember(userID string) bool {
	_, ok := p.Members[userID]
	return ok
}

// RoleOf はuserIDのロールを返す。メンバーでない場合はfalseを返す。
func (p Project) RoleOf(userID string) (MemberRole, bool) {
	r, ok := p.Members[userID]
	return r, ok
}

// IsArchived はアーカイブ済みかを返す。
func (p Project) IsArchived() bool {
	return p.Status == ProjectStatusArchived
}
