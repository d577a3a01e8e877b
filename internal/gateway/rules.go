package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/model"
)

// Rules はprojects・tasks・usersコレクションのストア側ルール。
// docstore.NewGuardでストアに組み込む。
//
//   - projects: 作成者は所有者かつadminであること。更新はadmin/editor、アーカイブとメンバー変更はadminのみ。
//     物理削除は不可。購読はメンバーであることをスコープに含めること。
//   - tasks: 親プロジェクトのadmin/editorのみ書き込み可。アーカイブ済みプロジェクトへの作成は不可。
//     購読は親プロジェクトのメンバーのみ。
//   - users: 本人のプロフィールのみ作成・更新可。本人が変えられるのは表示名とメールアドレスのみで、
//     新規作成時のroleはteam_member、projectRolesは空であること。
type Rules struct{}

// AllowWrite は書き込みを許可するかを判定する。
func (Rules) AllowWrite(ctx context.Context, r docstore.Reader, w docstore.Write) error {
	if w.Actor == "" {
		return deny("unauthenticated write to %s", w.Collection)
	}
	switch w.Collection {
	case CollectionProjects:
		return allowProjectWrite(ctx, r, w)
	case CollectionTasks:
		return allowTaskWrite(ctx, r, w)
	case CollectionProfiles:
		return allowProfileWrite(ctx, r, w)
	default:
		return deny("unknown collection %s", w.Collection)
	}
}

// AllowRead はクエリ・購読を許可するかを判定する。
func (Rules) AllowRead(ctx context.Context, r docstore.Reader, q docstore.Query, actor string) error {
	if actor == "" {
		return deny("unauthenticated read of %s", q.Collection)
	}
	switch q.Collection {
	case CollectionProjects:
		if v, ok := q.FilterValue("members", docstore.OpHasKey); ok && v == actor {
			return nil
		}
		return deny("projects query must be scoped to %s", actor)
	case CollectionTasks:
		v, ok := q.FilterValue("projectId", docstore.OpEqual)
		projectID, _ := v.(string)
		if !ok || projectID == "" {
			return deny("tasks query must be scoped to a project")
		}
		project, err := readProject(ctx, r, projectID)
		if err != nil {
			return err
		}
		if !project.HasMember(actor) {
			return deny("%s is not a member of project %s", actor, projectID)
		}
		return nil
	default:
		return deny("queries on %s are not allowed", q.Collection)
	}
}

func allowProjectWrite(ctx context.Context, r docstore.Reader, w docstore.Write) error {
	switch w.Kind {
	case docstore.WriteCreate:
		if w.Fields["ownerId"] != w.Actor {
			return deny("project owner must be the creator")
		}
		members, _ := w.Fields["members"].(map[string]any)
		if members[w.Actor] != string(model.MemberRoleAdmin) {
			return deny("project creator must be admin")
		}
		return nil
	case docstore.WriteUpdate:
		project, err := readProject(ctx, r, w.ID)
		if err != nil {
			return err
		}
		role, _ := project.RoleOf(w.Actor)
		if _, ok := w.Fields["ownerId"]; ok {
			return deny("project owner cannot be changed")
		}
		if members, ok := w.Fields["members"]; ok {
			if role != model.MemberRoleAdmin {
				return deny("only admins can change members of %s", w.ID)
			}
			m, _ := members.(map[string]any)
			if m[project.OwnerID] != string(model.MemberRoleAdmin) {
				return deny("owner must remain admin of %s", w.ID)
			}
		}
		if w.Fields["status"] == string(model.ProjectStatusArchived) && role != model.MemberRoleAdmin {
			return deny("only admins can archive %s", w.ID)
		}
		if !role.CanWrite() {
			return deny("%s cannot edit project %s", w.Actor, w.ID)
		}
		return nil
	default:
		return deny("%s is not allowed on projects", w.Kind)
	}
}

// profileSelfFields はプロフィールの本人が更新できるフィールド。
var profileSelfFields = map[string]bool{"email": true, "displayName": true}

func allowProfileWrite(ctx context.Context, r docstore.Reader, w docstore.Write) error {
	if w.ID != w.Actor {
		return deny("profile %s is not writable by %s", w.ID, w.Actor)
	}
	switch w.Kind {
	case docstore.WriteUpdate:
		for field := range w.Fields {
			if !profileSelfFields[field] {
				return deny("profile field %s is not writable by %s", field, w.Actor)
			}
		}
		return nil
	case docstore.WriteSet:
		existing, err := r.Get(ctx, CollectionProfiles, w.ID)
		if errors.Is(err, docstore.ErrNotFound) {
			if w.Fields["role"] != string(model.RoleTeamMember) {
				return deny("new profile %s must have role %s", w.ID, model.RoleTeamMember)
			}
			if roles, _ := w.Fields["projectRoles"].(map[string]any); len(roles) != 0 {
				return deny("new profile %s must not have project roles", w.ID)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if w.Fields["role"] != existing.Fields["role"] {
			return deny("role of profile %s cannot be changed by %s", w.ID, w.Actor)
		}
		if !sameProjectRoles(w.Fields["projectRoles"], existing.Fields["projectRoles"]) {
			return deny("project roles of profile %s cannot be changed by %s", w.ID, w.Actor)
		}
		return nil
	default:
		return deny("%s is not allowed on profiles", w.Kind)
	}
}

// sameProjectRoles は未設定と空を同一視してprojectRolesを比較する。
func sameProjectRoles(a, b any) bool {
	ma, _ := a.(map[string]any)
	mb, _ := b.(map[string]any)
	if len(ma) != len(mb) {
		return false
	}
	for k, v := range ma {
		if mb[k] != v {
			return false
		}
	}
	return true
}

func allowTaskWrite(ctx context.Context, r docstore.Reader, w docstore.Write) error {
	var projectID string
	switch w.Kind {
	case docstore.WriteCreate:
		projectID, _ = w.Fields["projectId"].(string)
		if w.Fields["createdBy"] != w.Actor {
			return deny("task creator must be the actor")
		}
	case docstore.WriteUpdate, docstore.WriteDelete:
		if _, ok := w.Fields["projectId"]; ok {
			return deny("tasks cannot move between projects")
		}
		doc, err := r.Get(ctx, CollectionTasks, w.ID)
		if err != nil {
			return err
		}
		projectID, _ = doc.Fields["projectId"].(string)
	default:
		return deny("%s is not allowed on tasks", w.Kind)
	}

	project, err := readProject(ctx, r, projectID)
	if err != nil {
		return err
	}
	if w.Kind == docstore.WriteCreate && project.IsArchived() {
		return deny("project %s is archived", projectID)
	}
	role, _ := project.RoleOf(w.Actor)
	if !role.CanWrite() {
		return deny("%s cannot write tasks of project %s", w.Actor, projectID)
	}
	return nil
}

func readProject(ctx context.Context, r docstore.Reader, id string) (model.Project, error) {
	doc, err := r.Get(ctx, CollectionProjects, id)
	if err != nil {
		return model.Project{}, err
	}
	return DecodeProject(*doc)
}

func deny(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), docstore.ErrPermissionDenied)
}

var _ docstore.Rules = Rules{}
