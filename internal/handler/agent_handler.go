package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tasksync/internal/client"
	"github.com/hitoshi/tasksync/internal/middleware"
	"github.com/hitoshi/tasksync/internal/model"
)

// Agent はハンドラーが必要とするクライアント操作。
type Agent interface {
	Snapshot() client.State
	CreateProject(ctx context.Context, in model.CreateProject) (string, error)
	UpdateProject(ctx context.Context, in model.UpdateProject) error
	ArchiveProject(ctx context.Context, id string) error
	SelectProject(projectID string) error
	ClearSelection()
	Reconnect(ctx context.Context) error
	CreateTask(ctx context.Context, in model.CreateTask) (string, error)
	UpdateTask(ctx context.Context, in model.UpdateTask) error
	DeleteTask(ctx context.Context, id string) error
	ToggleTask(ctx context.Context, id string) error
}

var _ Agent = (*client.Client)(nil)

// AgentHandler は同期状態の参照とインテント送信のHTTPハンドラー。
// 書き込みは202を返し、結果は次のスナップショットで/stateに反映される。
type AgentHandler struct {
	agent Agent
}

// NewAgentHandler はAgentHandlerを生成する。
func NewAgentHandler(agent Agent) *AgentHandler {
	return &AgentHandler{agent: agent}
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateProjectRequest struct {
	Name        *string            `json:"name"`
	Description *string            `json:"description"`
	Status      *string            `json:"status"`
	Members     *map[string]string `json:"members"`
}

type selectProjectRequest struct {
	ProjectID string `json:"project_id"`
}

type createTaskRequest struct {
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssignedTo  []string   `json:"assigned_to"`
	DueDate     *time.Time `json:"due_date"`
	Attachments []string   `json:"attachments"`
}

type updateTaskRequest struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	Status       *string    `json:"status"`
	Priority     *string    `json:"priority"`
	AssignedTo   *[]string  `json:"assigned_to"`
	DueDate      *time.Time `json:"due_date"`
	ClearDueDate bool       `json:"clear_due_date"`
	Attachments  *[]string  `json:"attachments"`
}

// State は同期状態全体を返す。
// GET /state
func (h *AgentHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStateResponse(h.agent.Snapshot()))
}

// ListProjects はプロジェクトのコレクションを返す。
// GET /api/projects
func (h *AgentHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	v := h.agent.Snapshot().Projects
	writeJSON(w, http.StatusOK, toCollectionResponse(v, toProjectResponse))
}

// CreateProject はプロジェクト作成インテントを送る。
// POST /api/projects
func (h *AgentHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.agent.CreateProject(r.Context(), model.CreateProject{Name: req.Name, Description: req.Description})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

// UpdateProject はプロジェクトの部分更新インテントを送る。
// PATCH /api/projects/{id}
func (h *AgentHandler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	var req updateProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := model.UpdateProject{
		ID:          chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
	}
	if req.Status != nil {
		s := model.ProjectStatus(*req.Status)
		in.Status = &s
	}
	if req.Members != nil {
		in.Members = make(map[string]model.MemberRole, len(*req.Members))
		for uid, role := range *req.Members {
			in.Members[uid] = model.MemberRole(role)
		}
	}
	if err := h.agent.UpdateProject(r.Context(), in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: in.ID})
}

// ArchiveProject はプロジェクトをアーカイブする。
// DELETE /api/projects/{id}
func (h *AgentHandler) ArchiveProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.agent.ArchiveProject(r.Context(), id); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

// SelectProject はプロジェクトを選択する。
// PUT /api/selection
func (h *AgentHandler) SelectProject(w http.ResponseWriter, r *http.Request) {
	var req selectProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		middleware.WriteError(w, model.NewValidationError("ProjectID", "required"))
		return
	}
	if err := h.agent.SelectProject(req.ProjectID); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearSelection は選択を解除する。
// DELETE /api/selection
func (h *AgentHandler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	h.agent.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

// Reconnect は購読を全て開き直す。
// POST /api/reconnect
func (h *AgentHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.Reconnect(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTasks は選択中プロジェクトのタスクのコレクションを返す。
// GET /api/tasks
func (h *AgentHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	v := h.agent.Snapshot().Tasks
	writeJSON(w, http.StatusOK, toCollectionResponse(v, toTaskResponse))
}

// CreateTask はタスク作成インテントを送る。project_id省略時は選択中のプロジェクト。
// POST /api/tasks
func (h *AgentHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.agent.CreateTask(r.Context(), model.CreateTask{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      model.TaskStatus(req.Status),
		Priority:    model.TaskPriority(req.Priority),
		AssignedTo:  req.AssignedTo,
		DueDate:     req.DueDate,
		Attachments: req.Attachments,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

// UpdateTask はタスクの部分更新インテントを送る。
// PATCH /api/tasks/{id}
func (h *AgentHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := model.UpdateTask{
		ID:           chi.URLParam(r, "id"),
		Title:        req.Title,
		Description:  req.Description,
		AssignedTo:   req.AssignedTo,
		DueDate:      req.DueDate,
		ClearDueDate: req.ClearDueDate,
		Attachments:  req.Attachments,
	}
	if req.Status != nil {
		s := model.TaskStatus(*req.Status)
		in.Status = &s
	}
	if req.Priority != nil {
		p := model.TaskPriority(*req.Priority)
		in.Priority = &p
	}
	if err := h.agent.UpdateTask(r.Context(), in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: in.ID})
}

// DeleteTask はタスクを削除する。
// DELETE /api/tasks/{id}
func (h *AgentHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.agent.DeleteTask(r.Context(), id); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}

// ToggleTask はタスクの完了状態を切り替える。
// POST /api/tasks/{id}/toggle
func (h *AgentHandler) ToggleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.agent.ToggleTask(r.Context(), id); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id})
}
