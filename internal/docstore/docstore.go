// Package docstore はリモートの永続ドキュメントストアを抽象化する。
//
// ストアはスコープ付きクエリ、全件スナップショットを配信するライブ購読、
// サーバー採番・サーバー時刻による作成、フィールド単位のマージ更新、削除を提供する。
// 実装はmemstore（インメモリ）とpgstore（PostgreSQL）。
package docstore

import (
	"context"
	"errors"
	"time"
)

// ストアが返すセンチネルエラー。上位層（gateway）がドメインエラーに変換する。
var (
	ErrNotFound         = errors.New("docstore: document not found")
	ErrPermissionDenied = errors.New("docstore: permission denied")
	ErrUnavailable      = errors.New("docstore: backend unavailable")
	ErrAlreadyExists    = errors.New("docstore: document already exists")
)

// Fields はドキュメントのフィールド。JSONで表現可能な値のみを格納する。
type Fields map[string]any

// Document はストア上の1ドキュメント。
// CreatedAtとUpdatedAtはストアのサーバー時刻で採番される。
type Document struct {
	ID        string
	Fields    Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Op はフィルタ演算子。
type Op string

const (
	// OpEqual はフィールドが値と等しい。値は文字列。
	OpEqual Op = "=="
	// OpIn はフィールドが値の集合に含まれる。値は[]string。
	OpIn Op = "in"
	// OpHasKey はマップ型フィールドが指定キーを持つ。値は文字列。
	OpHasKey Op = "has-key"
)

// Filter はクエリ条件。
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query はスコープ付きクエリ。結果は常にcreatedAt降順（同時刻はID昇順）で返る。
type Query struct {
	Collection string
	Filters    []Filter
}

// Snapshot はライブ購読が配信する全件スナップショット。
// Seqは購読ごとに単調増加する配信番号。
type Snapshot struct {
	Seq       uint64
	Documents []Document
}

// Registration はライブ購読のハンドル。Cancelは冪等。
type Registration interface {
	Cancel()
}

// Store は永続ドキュメントストアのインターフェース。
type Store interface {
	// Create はサーバー採番のIDでドキュメントを作成し、そのIDを返す。
	Create(ctx context.Context, collection string, fields Fields) (string, error)

	// Set は指定IDのドキュメントを作成または置換する。
	Set(ctx context.Context, collection, id string, fields Fields) error

	// Update はトップレベルのフィールドをマージ更新する。指定しないフィールドは変更しない。
	// UpdatedAtはサーバー時刻と既存値の大きい方になる。存在しない場合はErrNotFound。
	Update(ctx context.Context, collection, id string, fields Fields) error

	// Delete はドキュメントを削除する。存在しない場合はErrNotFound。
	Delete(ctx context.Context, collection, id string) error

	// Get は1件取得する。存在しない場合はErrNotFound。
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Query はクエリに一致するドキュメントを返す。
	Query(ctx context.Context, q Query) ([]Document, error)

	// Listen はクエリのライブ購読を開始する。登録直後と変更のたびに
	// 全件スナップショットをonSnapshotへ配信し、購読エラーはonErrorへ配信する。
	Listen(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Registration, error)
}

type actorKey struct{}

// WithActor は操作ユーザーをコンテキストに設定する。ストア側ルールの評価に使う。
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext はコンテキストの操作ユーザーを返す。
func ActorFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(actorKey{}).(string)
	return uid, ok && uid != ""
}
