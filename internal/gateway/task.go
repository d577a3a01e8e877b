package gateway

import (
	"context"
	"time"

	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/model"
)

// taskDoc はtasksコレクションのドキュメント形式。
type taskDoc struct {
	ProjectID   string             `json:"projectId"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Status      model.TaskStatus   `json:"status"`
	Priority    model.TaskPriority `json:"priority"`
	AssignedTo  []string           `json:"assignedTo"`
	DueDate     *time.Time         `json:"dueDate,omitempty"`
	Attachments []string           `json:"attachments,omitempty"`
	CreatedBy   string             `json:"createdBy"`
}

// DecodeTask はドキュメントをTaskに変換する。
func DecodeTask(doc docstore.Document) (model.Task, error) {
	var d taskDoc
	if err := fromFields(doc.Fields, &d); err != nil {
		return model.Task{}, err
	}
	if d.AssignedTo == nil {
		d.AssignedTo = []string{}
	}
	return model.Task{
		ID:          doc.ID,
		ProjectID:   d.ProjectID,
		Title:       d.Title,
		Description: d.Description,
		Status:      d.Status,
		Priority:    d.Priority,
		AssignedTo:  d.AssignedTo,
		DueDate:     d.DueDate,
		Attachments: d.Attachments,
		CreatedBy:   d.CreatedBy,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

// TaskGateway はタスク用のゲートウェイ。
// タスクはprojectIdフィールドで親プロジェクトを参照する。
type TaskGateway struct {
	g        *Gateway[model.Task]
	projects *Gateway[model.Project]
}

// NewTaskGateway はTaskGatewayを生成する。
func NewTaskGateway(store docstore.Store, opts Options) *TaskGateway {
	readOpts := opts
	readOpts.Limiter = nil
	return &TaskGateway{
		g:        New(store, CollectionTasks, DecodeTask, opts),
		projects: New(store, CollectionProjects, DecodeProject, readOpts),
	}
}

// Create は親プロジェクトが存在しアーカイブされていないことを確認してタスクを作成する。
// 状態と優先度の既定値はto-doとmedium。
func (t *TaskGateway) Create(ctx context.Context, actor string, in model.CreateTask) (string, error) {
	if actor == "" {
		return "", model.NewAuthError(model.ErrCodeNotSignedIn, nil)
	}
	project, err := t.projects.Get(ctx, actor, in.ProjectID)
	if err != nil {
		return "", err
	}
	if project.IsArchived() {
		return "", model.NewProjectArchivedError(project.ID)
	}

	d := taskDoc{
		ProjectID:   in.ProjectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		AssignedTo:  in.AssignedTo,
		DueDate:     in.DueDate,
		Attachments: in.Attachments,
		CreatedBy:   actor,
	}
	if d.Status == "" {
		d.Status = model.TaskStatusToDo
	}
	if d.Priority == "" {
		d.Priority = model.TaskPriorityMedium
	}
	if d.AssignedTo == nil {
		d.AssignedTo = []string{}
	}
	if d.DueDate != nil {
		due := d.DueDate.UTC()
		d.DueDate = &due
	}

	fields, err := toFields(d)
	if err != nil {
		return "", model.NewUnknownError(err)
	}
	return t.g.Create(ctx, actor, fields)
}

// Update は指定フィールドのみを更新する。ClearDueDateの場合は期限を削除する。
func (t *TaskGateway) Update(ctx context.Context, actor string, in model.UpdateTask) error {
	fields := docstore.Fields{}
	if in.Title != nil {
		fields["title"] = *in.Title
	}
	if in.Description != nil {
		fields["description"] = *in.Description
	}
	if in.Status != nil {
		fields["status"] = string(*in.Status)
	}
	if in.Priority != nil {
		fields["priority"] = string(*in.Priority)
	}
	if in.AssignedTo != nil {
		fields["assignedTo"] = stringsToAny(*in.AssignedTo)
	}
	if in.DueDate != nil {
		fields["dueDate"] = in.DueDate.UTC().Format(time.RFC3339Nano)
	}
	if in.ClearDueDate {
		fields["dueDate"] = nil
	}
	if in.Attachments != nil {
		fields["attachments"] = stringsToAny(*in.Attachments)
	}
	return t.g.Update(ctx, actor, in.ID, fields)
}

// Delete はタスクを物理削除する。
func (t *TaskGateway) Delete(ctx context.Context, actor, id string) error {
	return t.g.Delete(ctx, actor, id)
}

// Get は1件取得する。
func (t *TaskGateway) Get(ctx context.Context, actor, id string) (model.Task, error) {
	return t.g.Get(ctx, actor, id)
}

// Subscribe はprojectIDに属するタスクを購読する。
func (t *TaskGateway) Subscribe(ctx context.Context, actor, projectID string, onChange func(Snapshot[model.Task]), onError func(error)) (Subscription, error) {
	return t.g.Subscribe(ctx, actor, TaskScope(projectID), onChange, onError)
}

// TaskScope はprojectIDに属するタスクに絞るフィルタを返す。
func TaskScope(projectID string) []docstore.Filter {
	return []docstore.Filter{{Field: "projectId", Op: docstore.OpEqual, Value: projectID}}
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
