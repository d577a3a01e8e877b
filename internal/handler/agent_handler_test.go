package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/tasksync/internal/client"
	"github.com/hitoshi/tasksync/internal/identity"
	"github.com/hitoshi/tasksync/internal/model"
	"github.com/hitoshi/tasksync/internal/reconcile"
)

// mockAgent はAgentのモック実装。
type mockAgent struct {
	snapshotFn       func() client.State
	createProjectFn  func(ctx context.Context, in model.CreateProject) (string, error)
	updateProjectFn  func(ctx context.Context, in model.UpdateProject) error
	archiveProjectFn func(ctx context.Context, id string) error
	selectProjectFn  func(projectID string) error
	clearSelectionFn func()
	reconnectFn      func(ctx context.Context) error
	createTaskFn     func(ctx context.Context, in model.CreateTask) (string, error)
	updateTaskFn     func(ctx context.Context, in model.UpdateTask) error
	deleteTaskFn     func(ctx context.Context, id string) error
	toggleTaskFn     func(ctx context.Context, id string) error
}

func (m *mockAgent) Snapshot() client.State {
	if m.snapshotFn != nil {
		return m.snapshotFn()
	}
	return client.State{}
}

func (m *mockAgent) CreateProject(ctx context.Context, in model.CreateProject) (string, error) {
	if m.createProjectFn != nil {
		return m.createProjectFn(ctx, in)
	}
	return "", nil
}

func (m *mockAgent) UpdateProject(ctx context.Context, in model.UpdateProject) error {
	if m.updateProjectFn != nil {
		return m.updateProjectFn(ctx, in)
	}
	return nil
}

func (m *mockAgent) ArchiveProject(ctx context.Context, id string) error {
	if m.archiveProjectFn != nil {
		return m.archiveProjectFn(ctx, id)
	}
	return nil
}

func (m *mockAgent) SelectProject(projectID string) error {
	if m.selectProjectFn != nil {
		return m.selectProjectFn(projectID)
	}
	return nil
}

func (m *mockAgent) ClearSelection() {
	if m.clearSelectionFn != nil {
		m.clearSelectionFn()
	}
}

func (m *mockAgent) Reconnect(ctx context.Context) error {
	if m.reconnectFn != nil {
		return m.reconnectFn(ctx)
	}
	return nil
}

func (m *mockAgent) CreateTask(ctx context.Context, in model.CreateTask) (string, error) {
	if m.createTaskFn != nil {
		return m.createTaskFn(ctx, in)
	}
	return "", nil
}

func (m *mockAgent) UpdateTask(ctx context.Context, in model.UpdateTask) error {
	if m.updateTaskFn != nil {
		return m.updateTaskFn(ctx, in)
	}
	return nil
}

func (m *mockAgent) DeleteTask(ctx context.Context, id string) error {
	if m.deleteTaskFn != nil {
		return m.deleteTaskFn(ctx, id)
	}
	return nil
}

func (m *mockAgent) ToggleTask(ctx context.Context, id string) error {
	if m.toggleTaskFn != nil {
		return m.toggleTaskFn(ctx, id)
	}
	return nil
}

var _ Agent = (*mockAgent)(nil)

func serve(t *testing.T, agent Agent, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(&RouterDeps{Agent: agent})
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// TestState_ReturnsSnapshot は/stateが認証状態と両コレクションを返すことを検証する。
func TestState_ReturnsSnapshot(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	agent := &mockAgent{
		snapshotFn: func() client.State {
			return client.State{
				Session: identity.State{
					Status:   identity.StatusAuthenticated,
					Identity: &model.Identity{ID: "u1", Email: "a@example.com", DisplayName: "A", Role: model.RoleTeamMember},
				},
				Selection: "p1",
				Online:    true,
				Projects: reconcile.View[model.Project]{
					Phase:   reconcile.PhaseSynced,
					Scope:   "u1",
					Version: 3,
					Items: []model.Project{{
						ID: "p1", Name: "Alpha", OwnerID: "u1",
						Members:   map[string]model.MemberRole{"u1": model.MemberRoleAdmin},
						Status:    model.ProjectStatusActive,
						CreatedAt: created, UpdatedAt: created,
					}},
				},
				Tasks: reconcile.View[model.Task]{
					Phase: reconcile.PhaseError,
					Scope: "p1",
					Err:   model.NewUnavailableError(errors.New("dial tcp: refused")),
				},
			}
		},
	}

	w := serve(t, agent, http.MethodGet, "/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var got stateResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Session.Status != "authenticated" || got.Session.UserID != "u1" {
		t.Errorf("session = %+v", got.Session)
	}
	if got.Selection == nil || *got.Selection != "p1" {
		t.Errorf("selection = %v, want p1", got.Selection)
	}
	if !got.Online {
		t.Error("online should be true")
	}
	if got.Projects.Phase != "synced" || got.Projects.Version != 3 || len(got.Projects.Items) != 1 {
		t.Fatalf("projects = %+v", got.Projects)
	}
	if got.Projects.Items[0].Members["u1"] != "admin" {
		t.Errorf("members = %v", got.Projects.Items[0].Members)
	}
	if got.Tasks.Phase != "error" || got.Tasks.Error == nil {
		t.Fatalf("tasks = %+v", got.Tasks)
	}
	if strings.Contains(*got.Tasks.Error, "dial tcp") {
		t.Errorf("error message should not leak internal detail: %q", *got.Tasks.Error)
	}
	if got.Tasks.Items == nil {
		t.Error("items should be an empty array, not null")
	}
}

// TestState_NoSelection は未選択時にselectionがnullになることを検証する。
func TestState_NoSelection(t *testing.T) {
	w := serve(t, &mockAgent{}, http.MethodGet, "/state", "")

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["selection"]) != "null" {
		t.Errorf("selection = %s, want null", raw["selection"])
	}
}

// TestCreateProject_Accepted は作成インテントが202とIDを返すことを検証する。
func TestCreateProject_Accepted(t *testing.T) {
	var got model.CreateProject
	agent := &mockAgent{
		createProjectFn: func(_ context.Context, in model.CreateProject) (string, error) {
			got = in
			return "p-new", nil
		},
	}

	w := serve(t, agent, http.MethodPost, "/api/projects", `{"name":"Alpha","description":"first"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got.Name != "Alpha" || got.Description != "first" {
		t.Errorf("intent = %+v", got)
	}
	var body acceptedResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.ID != "p-new" {
		t.Errorf("id = %q, want p-new", body.ID)
	}
}

// TestCreateProject_InvalidBody は不正なJSONが400 INVALID_REQUESTになることを検証する。
func TestCreateProject_InvalidBody(t *testing.T) {
	called := false
	agent := &mockAgent{
		createProjectFn: func(context.Context, model.CreateProject) (string, error) {
			called = true
			return "", nil
		},
	}

	for _, body := range []string{`{`, `{"name":"A","unknown":1}`} {
		w := serve(t, agent, http.MethodPost, "/api/projects", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
		if code := decodeError(t, w)["code"]; code != "INVALID_REQUEST" {
			t.Errorf("body %q: code = %q, want INVALID_REQUEST", body, code)
		}
	}
	if called {
		t.Error("agent should not be called for invalid body")
	}
}

// TestIntentErrors_MapToStatus はエラー種別がHTTPステータスに対応することを検証する。
func TestIntentErrors_MapToStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"validation", model.NewValidationError("Name", "required"), http.StatusBadRequest, model.ErrCodeValidation},
		{"not signed in", model.NewAuthError(model.ErrCodeNotSignedIn, nil), http.StatusUnauthorized, model.ErrCodeNotSignedIn},
		{"permission", model.NewPermissionDeniedError("update", nil), http.StatusForbidden, model.ErrCodePermissionDenied},
		{"not found", model.NewNotFoundError("projects", "p1"), http.StatusNotFound, model.ErrCodeNotFound},
		{"unavailable", model.NewUnavailableError(errors.New("down")), http.StatusServiceUnavailable, model.ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &mockAgent{
				updateProjectFn: func(context.Context, model.UpdateProject) error { return tt.err },
			}
			w := serve(t, agent, http.MethodPatch, "/api/projects/p1", `{"name":"B"}`)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if code := decodeError(t, w)["code"]; code != tt.wantBody {
				t.Errorf("code = %q, want %q", code, tt.wantBody)
			}
		})
	}
}

// TestUpdateProject_ConvertsFields はURLのIDと部分更新フィールドが変換されることを検証する。
func TestUpdateProject_ConvertsFields(t *testing.T) {
	var got model.UpdateProject
	agent := &mockAgent{
		updateProjectFn: func(_ context.Context, in model.UpdateProject) error {
			got = in
			return nil
		},
	}

	w := serve(t, agent, http.MethodPatch, "/api/projects/p1",
		`{"status":"completed","members":{"u1":"admin","u2":"viewer"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got.ID != "p1" {
		t.Errorf("ID = %q, want p1", got.ID)
	}
	if got.Name != nil || got.Description != nil {
		t.Error("absent fields should stay nil")
	}
	if got.Status == nil || *got.Status != model.ProjectStatusCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
	if got.Members["u2"] != model.MemberRoleViewer {
		t.Errorf("Members = %v", got.Members)
	}
}

// TestArchiveProject はDELETEがアーカイブに対応することを検証する。
func TestArchiveProject(t *testing.T) {
	var archived string
	agent := &mockAgent{
		archiveProjectFn: func(_ context.Context, id string) error {
			archived = id
			return nil
		},
	}

	w := serve(t, agent, http.MethodDelete, "/api/projects/p9", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if archived != "p9" {
		t.Errorf("archived = %q, want p9", archived)
	}
}

// TestSelection_PutAndDelete は選択と解除を検証する。
func TestSelection_PutAndDelete(t *testing.T) {
	var selected string
	cleared := false
	agent := &mockAgent{
		selectProjectFn:  func(id string) error { selected = id; return nil },
		clearSelectionFn: func() { cleared = true },
	}

	w := serve(t, agent, http.MethodPut, "/api/selection", `{"project_id":"p2"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if selected != "p2" {
		t.Errorf("selected = %q, want p2", selected)
	}

	w = serve(t, agent, http.MethodDelete, "/api/selection", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if !cleared {
		t.Error("selection should be cleared")
	}
}

// TestSelection_RequiresProjectID は空のproject_idが400になることを検証する。
func TestSelection_RequiresProjectID(t *testing.T) {
	w := serve(t, &mockAgent{}, http.MethodPut, "/api/selection", `{"project_id":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// TestSelection_SignedOut は未サインイン時の選択が401になることを検証する。
func TestSelection_SignedOut(t *testing.T) {
	agent := &mockAgent{
		selectProjectFn: func(string) error { return model.NewAuthError(model.ErrCodeNotSignedIn, nil) },
	}
	w := serve(t, agent, http.MethodPut, "/api/selection", `{"project_id":"p1"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// TestReconnect は購読の張り直しが204、バックエンド停止中は503になることを検証する。
func TestReconnect(t *testing.T) {
	calls := 0
	agent := &mockAgent{
		reconnectFn: func(context.Context) error { calls++; return nil },
	}
	w := serve(t, agent, http.MethodPost, "/api/reconnect", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if calls != 1 {
		t.Errorf("reconnect calls = %d, want 1", calls)
	}

	agent.reconnectFn = func(context.Context) error {
		return model.NewUnavailableError(errors.New("connection refused"))
	}
	w = serve(t, agent, http.MethodPost, "/api/reconnect", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if got := decodeError(t, w)["code"]; got != model.ErrCodeUnavailable {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUnavailable)
	}
}

// TestListTasks は選択中プロジェクトのタスクビューを返すことを検証する。
func TestListTasks(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	agent := &mockAgent{
		snapshotFn: func() client.State {
			return client.State{Tasks: reconcile.View[model.Task]{
				Phase: reconcile.PhaseSynced,
				Scope: "p1",
				Items: []model.Task{{
					ID: "t1", ProjectID: "p1", Title: "Write", Status: model.TaskStatusInProgress,
					Priority: model.TaskPriorityHigh, DueDate: &due, CreatedBy: "u1",
				}},
			}}
		},
	}

	w := serve(t, agent, http.MethodGet, "/api/tasks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got collectionResponse[taskResponse]
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Scope != "p1" || len(got.Items) != 1 {
		t.Fatalf("tasks = %+v", got)
	}
	item := got.Items[0]
	if item.Status != "in-progress" || item.Priority != "high" {
		t.Errorf("item = %+v", item)
	}
	if item.DueDate == nil || !item.DueDate.Equal(due) {
		t.Errorf("due = %v, want %v", item.DueDate, due)
	}
	if item.AssignedTo == nil {
		t.Error("assigned_to should be an empty array")
	}
}

// TestCreateTask_ConvertsFields はタスク作成の入力変換を検証する。
func TestCreateTask_ConvertsFields(t *testing.T) {
	var got model.CreateTask
	agent := &mockAgent{
		createTaskFn: func(_ context.Context, in model.CreateTask) (string, error) {
			got = in
			return "t-new", nil
		},
	}

	w := serve(t, agent, http.MethodPost, "/api/tasks",
		`{"title":"Review","status":"blocked","priority":"low","assigned_to":["u1"],"due_date":"2026-05-01T00:00:00Z"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got.ProjectID != "" {
		t.Errorf("ProjectID = %q, want empty (resolved by the client)", got.ProjectID)
	}
	if got.Status != model.TaskStatusBlocked || got.Priority != model.TaskPriorityLow {
		t.Errorf("intent = %+v", got)
	}
	if got.DueDate == nil || got.DueDate.Year() != 2026 {
		t.Errorf("DueDate = %v", got.DueDate)
	}
}

// TestUpdateTask_ClearDueDate は期限の削除フラグが渡ることを検証する。
func TestUpdateTask_ClearDueDate(t *testing.T) {
	var got model.UpdateTask
	agent := &mockAgent{
		updateTaskFn: func(_ context.Context, in model.UpdateTask) error {
			got = in
			return nil
		},
	}

	w := serve(t, agent, http.MethodPatch, "/api/tasks/t1", `{"clear_due_date":true,"priority":"medium"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got.ID != "t1" || !got.ClearDueDate {
		t.Errorf("intent = %+v", got)
	}
	if got.Priority == nil || *got.Priority != model.TaskPriorityMedium {
		t.Errorf("Priority = %v", got.Priority)
	}
	if got.Status != nil {
		t.Error("Status should stay nil")
	}
}

// TestDeleteAndToggleTask は削除と完了切り替えのルーティングを検証する。
func TestDeleteAndToggleTask(t *testing.T) {
	var deleted, toggled string
	agent := &mockAgent{
		deleteTaskFn: func(_ context.Context, id string) error { deleted = id; return nil },
		toggleTaskFn: func(_ context.Context, id string) error { toggled = id; return nil },
	}

	if w := serve(t, agent, http.MethodDelete, "/api/tasks/t1", ""); w.Code != http.StatusAccepted {
		t.Errorf("DELETE status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if w := serve(t, agent, http.MethodPost, "/api/tasks/t2/toggle", ""); w.Code != http.StatusAccepted {
		t.Errorf("toggle status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if deleted != "t1" || toggled != "t2" {
		t.Errorf("deleted = %q, toggled = %q", deleted, toggled)
	}
}
