package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/tasksync/internal/client"
	"github.com/hitoshi/tasksync/internal/middleware"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/reconcile"
)

// projectResponse はプロジェクト情報のAPIレスポンス。
type projectResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	OwnerID     string            `json:"owner_id"`
	Members     map[string]string `json:"members"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// taskResponse はタスク情報のAPIレスポンス。
type taskResponse struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssignedTo  []string   `json:"assigned_to"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// collectionResponse はコレクションの状態。errorは現在のエラーのみで履歴は持たない。
type collectionResponse[T any] struct {
	Phase   string  `json:"phase"`
	Scope   string  `json:"scope,omitempty"`
	Version uint64  `json:"version"`
	Error   *string `json:"error,omitempty"`
	Items   []T     `json:"items"`
}

// sessionResponse は認証状態。
type sessionResponse struct {
	Status      string  `json:"status"`
	UserID      string  `json:"user_id,omitempty"`
	Email       string  `json:"email,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	Role        string  `json:"role,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// stateResponse は/stateのレスポンス。
type stateResponse struct {
	Session   sessionResponse                     `json:"session"`
	Selection *string                             `json:"selection"`
	Online    bool                                `json:"online"`
	Projects  collectionResponse[projectResponse] `json:"projects"`
	Tasks     collectionResponse[taskResponse]    `json:"tasks"`
}

// acceptedResponse は受け付けた書き込みのレスポンス。
// 結果は次のスナップショットで反映されるため、本体は返さない。
type acceptedResponse struct {
	ID string `json:"id,omitempty"`
}

func toProjectResponse(p model.Project) projectResponse {
	members := make(map[string]string, len(p.Members))
	for uid, role := range p.Members {
		members[uid] = string(role)
	}
	return projectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		OwnerID:     p.OwnerID,
		Members:     members,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toTaskResponse(t model.Task) taskResponse {
	assigned := t.AssignedTo
	if assigned == nil {
		assigned = []string{}
	}
	return taskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		AssignedTo:  assigned,
		DueDate:     t.DueDate,
		Attachments: t.Attachments,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func toCollectionResponse[T, R any](v reconcile.View[T], conv func(T) R) collectionResponse[R] {
	items := make([]R, len(v.Items))
	for i, item := range v.Items {
		items[i] = conv(item)
	}
	return collectionResponse[R]{
		Phase:   string(v.Phase),
		Scope:   v.Scope,
		Version: v.Version,
		Error:   errorMessage(v.Err),
		Items:   items,
	}
}

func toStateResponse(st client.State) stateResponse {
	sess := sessionResponse{
		Status: string(st.Session.Status),
		Error:  errorMessage(st.Session.Err),
	}
	if id := st.Session.Identity; id != nil {
		sess.UserID = id.ID
		sess.Email = id.Email
		sess.DisplayName = id.DisplayName
		sess.Role = string(id.Role)
	}
	var selection *string
	if st.Selection != "" {
		s := st.Selection
		selection = &s
	}
	return stateResponse{
		Session:   sess,
		Selection: selection,
		Online:    st.Online,
		Projects:  toCollectionResponse(st.Projects, toProjectResponse),
		Tasks:     toCollectionResponse(st.Tasks, toTaskResponse),
	}
}

// errorMessage はユーザー向けのメッセージを返す。AppError以外は詳細を隠す。
func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := model.AsAppError(err).Message
	return &msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody はJSONボディを読み込む。失敗した場合はエラーレスポンスを書き込んでfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.AppError{
			Kind:     model.KindValidation,
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}
