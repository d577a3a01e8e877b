// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// intentValidate はミューテーションインテント用の共有バリデータ。
var intentValidate = validator.New()

// ProjectIntent はプロジェクトに対するミューテーションインテント。
// CreateProject、UpdateProject、ArchiveProjectのいずれか。
type ProjectIntent interface {
	Validate() error
	projectIntent()
}

// TaskIntent はタスクに対するミューテーションインテント。
// CreateTask、UpdateTask、DeleteTask、ToggleTaskのいずれか。
type TaskIntent interface {
	Validate() error
	taskIntent()
}

// CreateProject はプロジェクト作成インテント。
type CreateProject struct {
	Name        string `validate:"required,max=120"`
	Description string `validate:"max=2000"`
}

// UpdateProject はプロジェクトの部分更新インテント。nilのフィールドは変更しない。
type UpdateProject struct {
	ID          string                `validate:"required"`
	Name        *string               `validate:"omitempty,max=120"`
	Description *string               `validate:"omitempty,max=2000"`
	Status      *ProjectStatus        `validate:"omitempty,oneof=active completed"`
	Members     map[string]MemberRole `validate:"omitempty,dive,oneof=admin editor viewer"`
}

// ArchiveProject はプロジェクトの論理削除インテント。
type ArchiveProject struct {
	ID string `validate:"required"`
}

// CreateTask はタスク作成インテント。
type CreateTask struct {
	ProjectID   string       `validate:"required"`
	Title       string       `validate:"required,max=200"`
	Description string       `validate:"max=5000"`
	Status      TaskStatus   `validate:"omitempty,oneof=to-do in-progress done blocked"`
	Priority    TaskPriority `validate:"omitempty,oneof=low medium high"`
	AssignedTo  []string     `validate:"omitempty,dive,required"`
	DueDate     *time.Time
	Attachments []string `validate:"omitempty,dive,url"`
}

// UpdateTask はタスクの部分更新インテント。nilのフィールドは変更しない。
// ClearDueDateがtrueの場合は期限を削除する。
type UpdateTask struct {
	ID           string        `validate:"required"`
	Title        *string       `validate:"omitempty,max=200"`
	Description  *string       `validate:"omitempty,max=5000"`
	Status       *TaskStatus   `validate:"omitempty,oneof=to-do in-progress done blocked"`
	Priority     *TaskPriority `validate:"omitempty,oneof=low medium high"`
	AssignedTo   *[]string
	DueDate      *time.Time
	ClearDueDate bool
	Attachments  *[]string
}

// DeleteTask はタスクの物理削除インテント。
type DeleteTask struct {
	ID string `validate:"required"`
}

// ToggleTask は完了状態の切り替えインテント。
// done ↔ to-do を現在のビューに対して解決する。
type ToggleTask struct {
	ID string `validate:"required"`
}

func (CreateProject) projectIntent()  {}
func (UpdateProject) projectIntent()  {}
func (ArchiveProject) projectIntent() {}
func (CreateTask) taskIntent()        {}
func (UpdateTask) taskIntent()        {}
func (DeleteTask) taskIntent()        {}
func (ToggleTask) taskIntent()        {}

// Validate は入力を検証する。
func (in CreateProject) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return NewValidationError("Name", "required")
	}
	return validateStruct(in)
}

// Validate は入力を検証する。
func (in UpdateProject) Validate() error {
	if err := validateStruct(in); err != nil {
		return err
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return NewValidationError("Name", "required")
	}
	if in.Members != nil {
		if len(in.Members) == 0 {
			return NewValidationError("Members", "required")
		}
		for uid := range in.Members {
			if strings.TrimSpace(uid) == "" {
				return NewValidationError("Members", "empty user id")
			}
		}
	}
	if in.Name == nil && in.Description == nil && in.Status == nil && in.Members == nil {
		return NewValidationError("UpdateProject", "no fields to update")
	}
	return nil
}

// Validate は入力を検証する。
func (in ArchiveProject) Validate() error {
	return validateStruct(in)
}

// Validate は入力を検証する。
func (in CreateTask) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return NewValidationError("Title", "required")
	}
	return validateStruct(in)
}

// Validate は入力を検証する。
func (in UpdateTask) Validate() error {
	if err := validateStruct(in); err != nil {
		return err
	}
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return NewValidationError("Title", "required")
	}
	if in.AssignedTo != nil {
		for _, uid := range *in.AssignedTo {
			if strings.TrimSpace(uid) == "" {
				return NewValidationError("AssignedTo", "empty user id")
			}
		}
	}
	if in.Attachments != nil {
		for _, a := range *in.Attachments {
			if err := intentValidate.Var(a, "url"); err != nil {
				return NewValidationError("Attachments", "url")
			}
		}
	}
	if in.DueDate != nil && in.ClearDueDate {
		return NewValidationError("DueDate", "cannot set and clear at the same time")
	}
	if in.Title == nil && in.Description == nil && in.Status == nil && in.Priority == nil &&
		in.AssignedTo == nil && in.DueDate == nil && !in.ClearDueDate && in.Attachments == nil {
		return NewValidationError("UpdateTask", "no fields to update")
	}
	return nil
}

// Validate は入力を検証する。
func (in DeleteTask) Validate() error {
	return validateStruct(in)
}

// Validate は入力を検証する。
func (in ToggleTask) Validate() error {
	return validateStruct(in)
}

// validateStruct はvalidatorのタグ検証を行い、最初の違反をAppErrorに変換する。
func validateStruct(s any) error {
	err := intentValidate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return NewValidationError(fe.Field(), fe.Tag())
	}
	return NewValidationError("input", err.Error())
}
