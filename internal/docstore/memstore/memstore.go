// Package memstore はプロセス内で完結するdocstore.Storeの実装を提供する。
// STORE_BACKEND=memory での起動とユニットテストで使用する。
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/tasksync/internal/docstore"
)

// Store はmutexで保護されたインメモリのドキュメントストア。
// フィールドはJSONで正規化したコピーを保持し、呼び出し元との共有を避ける。
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]docstore.Document
	last        time.Time
	listeners   map[uint64]*listener
	nextID      uint64
	now         func() time.Time

	// テスト用のエラー注入。nil以外が設定されていると該当操作はそのエラーを返す。
	CreateErr error
	SetErr    error
	UpdateErr error
	DeleteErr error
	GetErr    error
	QueryErr  error
	ListenErr error
}

type listener struct {
	query  docstore.Query
	stream *docstore.Stream
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]docstore.Document),
		listeners:   make(map[uint64]*listener),
		now:         time.Now,
	}
}

// SetClock はサーバー時刻の取得元を差し替える。テスト用。
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// tick は単調増加するサーバー時刻を返す。呼び出し側でmuを保持していること。
func (s *Store) tick() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Create はUUIDを採番してドキュメントを作成する。
func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	normalized, err := normalize(fields)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return "", s.CreateErr
	}

	id := uuid.NewString()
	now := s.tick()
	s.put(collection, docstore.Document{ID: id, Fields: normalized, CreatedAt: now, UpdatedAt: now})
	s.notify(collection)
	return id, nil
}

// Set は指定IDのドキュメントを作成または置換する。置換時はCreatedAtを保つ。
func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}

	now := s.tick()
	doc := docstore.Document{ID: id, Fields: normalized, CreatedAt: now, UpdatedAt: now}
	if prev, ok := s.collections[collection][id]; ok {
		doc.CreatedAt = prev.CreatedAt
		doc.UpdatedAt = laterOf(now, prev.UpdatedAt)
	}
	s.put(collection, doc)
	s.notify(collection)
	return nil
}

// Update はトップレベルのフィールドをマージする。値がnilのフィールドは削除する。
func (s *Store) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}

	prev, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	merged := make(docstore.Fields, len(prev.Fields)+len(normalized))
	for k, v := range prev.Fields {
		merged[k] = v
	}
	for k, v := range normalized {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	prev.Fields = merged
	prev.UpdatedAt = laterOf(s.tick(), prev.UpdatedAt)
	s.put(collection, prev)
	s.notify(collection)
	return nil
}

// Delete はドキュメントを削除する。
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}

	if _, ok := s.collections[collection][id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	delete(s.collections[collection], id)
	s.tick()
	s.notify(collection)
	return nil
}

// Get は1件取得する。
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	c := copyDocument(doc)
	return &c, nil
}

// Query はクエリに一致するドキュメントをcreatedAt降順で返す。
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	return s.query(q), nil
}

// Listen はライブ購読を開始し、現在の全件スナップショットを最初に配信する。
// ctxは登録処理にのみ使い、購読はCancelまで継続する。
func (s *Store) Listen(ctx context.Context, q docstore.Query, onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListenErr != nil {
		return nil, s.ListenErr
	}

	s.nextID++
	id := s.nextID
	stream := docstore.NewStream(onSnapshot, onError, func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	})
	s.listeners[id] = &listener{query: q, stream: stream}
	stream.PushSnapshot(s.query(q))
	return stream, nil
}

// FailListeners は全ての購読にエラーを配信する。バックエンド切断の模擬に使う。
func (s *Store) FailListeners(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		l.stream.PushError(err)
	}
}

// ListenerCount は有効な購読数を返す。
func (s *Store) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// ListenerCountFor は指定コレクションに対する有効な購読数を返す。
func (s *Store) ListenerCountFor(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.listeners {
		if l.query.Collection == collection {
			n++
		}
	}
	return n
}

func (s *Store) put(collection string, doc docstore.Document) {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]docstore.Document)
		s.collections[collection] = docs
	}
	docs[doc.ID] = doc
}

func (s *Store) query(q docstore.Query) []docstore.Document {
	result := make([]docstore.Document, 0)
	for _, doc := range s.collections[q.Collection] {
		if docstore.Matches(doc, q.Filters) {
			result = append(result, copyDocument(doc))
		}
	}
	docstore.SortByCreatedDesc(result)
	return result
}

// notify は変更のあったコレクションの購読に最新スナップショットを配信する。
// muを保持したまま積むため、書き込み順とスナップショット順が一致する。
func (s *Store) notify(collection string) {
	for _, l := range s.listeners {
		if l.query.Collection != collection {
			continue
		}
		l.stream.PushSnapshot(s.query(l.query))
	}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// normalize はフィールドをJSON表現に正規化したコピーを返す。
func normalize(fields docstore.Fields) (docstore.Fields, error) {
	if fields == nil {
		return docstore.Fields{}, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	var out docstore.Fields
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return out, nil
}

func copyDocument(doc docstore.Document) docstore.Document {
	c := doc
	// 保存済みのフィールドはnormalize済みのため再エンコードで失敗しない
	c.Fields, _ = normalize(doc.Fields)
	return c
}

var _ docstore.Store = (*Store)(nil)
