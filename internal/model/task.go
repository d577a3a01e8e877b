// Package model はドメインモデルを定義する。
package model

import "time"

// TaskStatus はタスクの状態を表す。完了はStatusDoneで表し、真偽値フィールドは持たない。
type TaskStatus string

const (
	TaskStatusToDo       TaskStatus = "to-do"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// TaskPriority はタスクの優先度を表す。
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
)

// Task はプロジェクトに属するタスクを表す。
// ProjectIDは作成時点でアーカイブされていないプロジェクトを指す（以後は再検証しない）。
type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	AssignedTo  []string
	DueDate     *time.Time
	Attachments []string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GetID はIDを返す。
func (t Task) GetID() string { return t.ID }

// IsDone は完了済みかを返す。
func (t Task) IsDone() bool {
	return t.Status == TaskStatusDone
}

// IsAssignedTo はuserIDが担当者に含まれるかを返す。
func (t Task) IsAssignedTo(userID string) bool {
	for _, id := range t.AssignedTo {
		if id == userID {
			return true
		}
	}
	return false
}

// IsOverdue は未完了かつ期限切れかを返す。
func (t Task) IsOverdue(now time.Time) bool {
	return !t.IsDone() && t.DueDate != nil && t.DueDate.Before(now)
}
