package docstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// mockStore はテスト用のStoreモック。呼び出された操作を記録する。
type mockStore struct {
	calls  []string
	docs   map[string]*Document
	stream *Stream
}

func (m *mockStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	m.calls = append(m.calls, "create")
	return "new-id", nil
}

func (m *mockStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	m.calls = append(m.calls, "set")
	return nil
}

func (m *mockStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	m.calls = append(m.calls, "update")
	return nil
}

func (m *mockStore) Delete(ctx context.Context, collection, id string) error {
	m.calls = append(m.calls, "delete")
	return nil
}

func (m *mockStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if d, ok := m.docs[collection+"/"+id]; ok {
		return d, nil
	}
	return nil, ErrNotFound
}

func (m *mockStore) Query(ctx context.Context, q Query) ([]Document, error) {
	m.calls = append(m.calls, "query")
	return nil, nil
}

func (m *mockStore) Listen(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Registration, error) {
	m.calls = append(m.calls, "listen")
	m.stream = NewStream(onSnapshot, onError, nil)
	return m.stream, nil
}

// ownerRules はownerフィールドが操作ユーザーと一致する場合のみ書き込みを許可する。
type ownerRules struct {
	lastWrite Write
}

func (r *ownerRules) AllowWrite(ctx context.Context, reader Reader, w Write) error {
	r.lastWrite = w
	if w.Actor == "" {
		return ErrPermissionDenied
	}
	if w.Kind == WriteCreate {
		return nil
	}
	doc, err := reader.Get(ctx, w.Collection, w.ID)
	if err != nil {
		return err
	}
	if doc.Fields["owner"] != w.Actor {
		return ErrPermissionDenied
	}
	return nil
}

func (r *ownerRules) AllowRead(ctx context.Context, reader Reader, q Query, actor string) error {
	if v, ok := q.FilterValue("owner", OpEqual); ok && v == actor {
		return nil
	}
	return ErrPermissionDenied
}

// Guardがルールを満たす書き込みのみ下位ストアへ渡すことを検証
func TestGuard_Write(t *testing.T) {
	store := &mockStore{docs: map[string]*Document{
		"notes/n1": {ID: "n1", Fields: Fields{"owner": "u1"}},
	}}
	rules := &ownerRules{}
	g := NewGuard(store, rules)

	tests := []struct {
		name    string
		actor   string
		op      func(ctx context.Context) error
		wantErr error
	}{
		{
			name:  "所有者の更新は許可",
			actor: "u1",
			op: func(ctx context.Context) error {
				return g.Update(ctx, "notes", "n1", Fields{"body": "x"})
			},
		},
		{
			name:  "他人の削除は拒否",
			actor: "u2",
			op: func(ctx context.Context) error {
				return g.Delete(ctx, "notes", "n1")
			},
			wantErr: ErrPermissionDenied,
		},
		{
			name: "未認証の作成は拒否",
			op: func(ctx context.Context) error {
				_, err := g.Create(ctx, "notes", Fields{})
				return err
			},
			wantErr: ErrPermissionDenied,
		},
		{
			name:  "存在しない対象はNotFound",
			actor: "u1",
			op: func(ctx context.Context) error {
				return g.Set(ctx, "notes", "missing", Fields{})
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.calls = nil
			ctx := context.Background()
			if tt.actor != "" {
				ctx = WithActor(ctx, tt.actor)
			}
			err := tt.op(ctx)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				if len(store.calls) != 0 {
					t.Errorf("rejected write reached the store: %v", store.calls)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if rules.lastWrite.Actor != tt.actor {
				t.Errorf("rule saw actor %q, want %q", rules.lastWrite.Actor, tt.actor)
			}
		})
	}
}

// Guardが読み取りルールを満たさない購読を拒否することを検証
func TestGuard_Listen(t *testing.T) {
	store := &mockStore{}
	g := NewGuard(store, &ownerRules{})
	q := Query{Collection: "notes", Filters: []Filter{{Field: "owner", Op: OpEqual, Value: "u1"}}}

	if _, err := g.Listen(WithActor(context.Background(), "u2"), q, func(Snapshot) {}, nil); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Listen as other user err = %v, want ErrPermissionDenied", err)
	}
	reg, err := g.Listen(WithActor(context.Background(), "u1"), q, func(Snapshot) {}, nil)
	if err != nil {
		t.Fatalf("Listen as owner returned error: %v", err)
	}
	reg.Cancel()
}

// switchRules は読み取りの許可を途中で切り替えられるルール。
type switchRules struct {
	allow atomic.Bool
}

func (r *switchRules) AllowWrite(context.Context, Reader, Write) error { return nil }

func (r *switchRules) AllowRead(context.Context, Reader, Query, string) error {
	if r.allow.Load() {
		return nil
	}
	return ErrPermissionDenied
}

// 購読中に許可が取り消されると、次の配信でエラーが届き購読が止まることを検証
func TestGuard_ListenRevokedOnSnapshot(t *testing.T) {
	store := &mockStore{}
	rules := &switchRules{}
	rules.allow.Store(true)
	g := NewGuard(store, rules)

	snaps := make(chan Snapshot, 4)
	errs := make(chan error, 4)
	reg, err := g.Listen(WithActor(context.Background(), "u1"), Query{Collection: "notes"},
		func(s Snapshot) { snaps <- s },
		func(err error) { errs <- err },
	)
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}
	defer reg.Cancel()

	store.stream.PushSnapshot(nil)
	select {
	case <-snaps:
	case <-time.After(2 * time.Second):
		t.Fatal("許可中のスナップショットが届かない")
	}

	rules.allow.Store(false)
	store.stream.PushSnapshot(nil)
	select {
	case err := <-errs:
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("err = %v, want ErrPermissionDenied", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取り消し後にエラーが届かない")
	}
	if !store.stream.Canceled() {
		t.Error("取り消された購読は下位ストアでも停止するべき")
	}

	store.stream.PushSnapshot(nil)
	select {
	case <-snaps:
		t.Error("停止後にスナップショットが届いた")
	case <-time.After(50 * time.Millisecond):
	}
}

// ActorFromContextが空のユーザーIDを未設定として扱うことを検証
func TestActorFromContext(t *testing.T) {
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Error("expected no actor")
	}
	if _, ok := ActorFromContext(WithActor(context.Background(), "")); ok {
		t.Error("empty actor should be treated as absent")
	}
	if uid, ok := ActorFromContext(WithActor(context.Background(), "u1")); !ok || uid != "u1" {
		t.Errorf("ActorFromContext = %q, %v", uid, ok)
	}
}

// Matchesの各演算子を検証
func TestMatches(t *testing.T) {
	doc := Document{Fields: Fields{
		"projectId": "p1",
		"status":    "done",
		"members":   map[string]any{"u1": "admin"},
	}}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"等価一致", Filter{"projectId", OpEqual, "p1"}, true},
		{"等価不一致", Filter{"projectId", OpEqual, "p2"}, false},
		{"集合に含まれる", Filter{"status", OpIn, []string{"to-do", "done"}}, true},
		{"集合に含まれない", Filter{"status", OpIn, []string{"to-do"}}, false},
		{"キーあり", Filter{"members", OpHasKey, "u1"}, true},
		{"キーなし", Filter{"members", OpHasKey, "u2"}, false},
		{"フィールドなし", Filter{"missing", OpEqual, "x"}, false},
		{"マップ以外にキー検索", Filter{"status", OpHasKey, "done"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(doc, []Filter{tt.filter}); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

// SortByCreatedDescが作成日時降順、同時刻はID昇順に並べることを検証
func TestSortByCreatedDesc(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := []Document{
		{ID: "b", CreatedAt: base},
		{ID: "c", CreatedAt: base.Add(time.Second)},
		{ID: "a", CreatedAt: base},
	}
	SortByCreatedDesc(docs)

	got := []string{docs[0].ID, docs[1].ID, docs[2].ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

// Streamがスナップショットに増加するSeqを付与し、Cancel後は配信しないことを検証
func TestStream_SeqAndCancel(t *testing.T) {
	ch := make(chan Snapshot, 4)
	canceled := 0
	s := NewStream(func(snap Snapshot) { ch <- snap }, nil, func() { canceled++ })

	s.PushSnapshot(nil)
	s.PushSnapshot([]Document{{ID: "a"}})

	first := <-ch
	second := <-ch
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}

	s.Cancel()
	s.Cancel()
	if canceled != 1 {
		t.Errorf("onCancel called %d times, want 1", canceled)
	}
	s.PushSnapshot(nil)
	select {
	case snap := <-ch:
		t.Errorf("unexpected snapshot after cancel: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}
