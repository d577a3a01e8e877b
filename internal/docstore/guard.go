package docstore

import (
	"context"
	"sync"
)

// WriteKind は書き込み操作の種別。
type WriteKind string

const (
	WriteCreate WriteKind = "create"
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// Write はルール評価に渡す書き込み操作。
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string // Createでは空
	Fields     Fields
	Actor      string // 未設定の場合は空
}

// Reader はルール評価時に既存ドキュメントを参照するためのインターフェース。
type Reader interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
}

// Rules はストア側ルール。拒否する場合はErrPermissionDeniedを返す。
type Rules interface {
	// AllowWrite は書き込みを許可するかを判定する。
	AllowWrite(ctx context.Context, r Reader, w Write) error
	// AllowRead はクエリ・購読を許可するかを判定する。actorは未認証の場合に空。
	AllowRead(ctx context.Context, r Reader, q Query, actor string) error
}

// Guard はStoreにルール評価を挟むデコレーター。
type Guard struct {
	Store
	rules Rules
}

// NewGuard はstoreをrulesで保護するGuardを生成する。
func NewGuard(store Store, rules Rules) *Guard {
	return &Guard{Store: store, rules: rules}
}

func (g *Guard) allowWrite(ctx context.Context, w Write) error {
	w.Actor, _ = ActorFromContext(ctx)
	return g.rules.AllowWrite(ctx, g.Store, w)
}

// Create はルール評価後にドキュメントを作成する。
func (g *Guard) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := g.allowWrite(ctx, Write{Kind: WriteCreate, Collection: collection, Fields: fields}); err != nil {
		return "", err
	}
	return g.Store.Create(ctx, collection, fields)
}

// Set はルール評価後にドキュメントを作成または置換する。
func (g *Guard) Set(ctx context.Context, collection, id string, fields Fields) error {
	if err := g.allowWrite(ctx, Write{Kind: WriteSet, Collection: collection, ID: id, Fields: fields}); err != nil {
		return err
	}
	return g.Store.Set(ctx, collection, id, fields)
}

// Update はルール評価後にマージ更新する。
func (g *Guard) Update(ctx context.Context, collection, id string, fields Fields) error {
	if err := g.allowWrite(ctx, Write{Kind: WriteUpdate, Collection: collection, ID: id, Fields: fields}); err != nil {
		return err
	}
	return g.Store.Update(ctx, collection, id, fields)
}

// Delete はルール評価後に削除する。
func (g *Guard) Delete(ctx context.Context, collection, id string) error {
	if err := g.allowWrite(ctx, Write{Kind: WriteDelete, Collection: collection, ID: id}); err != nil {
		return err
	}
	return g.Store.Delete(ctx, collection, id)
}

// Query はルール評価後にクエリを実行する。
func (g *Guard) Query(ctx context.Context, q Query) ([]Document, error) {
	actor, _ := ActorFromContext(ctx)
	if err := g.rules.AllowRead(ctx, g.Store, q, actor); err != nil {
		return nil, err
	}
	return g.Store.Query(ctx, q)
}

// Listen はルール評価後にライブ購読を開始する。
// スナップショットの配信ごとにルールを評価し直し、許可されなくなった購読には
// そのエラーを配信して停止する。
func (g *Guard) Listen(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Registration, error) {
	actor, _ := ActorFromContext(ctx)
	if err := g.rules.AllowRead(ctx, g.Store, q, actor); err != nil {
		return nil, err
	}

	// 購読は開始時のctxより長く続くため、再評価ではキャンセルを引き継がない
	recheckCtx := context.WithoutCancel(ctx)
	gr := &guardedRegistration{}
	reg, err := g.Store.Listen(ctx, q,
		func(snap Snapshot) {
			if gr.stopped() {
				return
			}
			if err := g.rules.AllowRead(recheckCtx, g.Store, q, actor); err != nil {
				gr.Cancel()
				if onError != nil {
					onError(err)
				}
				return
			}
			onSnapshot(snap)
		},
		func(err error) {
			if !gr.stopped() && onError != nil {
				onError(err)
			}
		},
	)
	if err != nil {
		return nil, err
	}
	gr.attach(reg)
	return gr, nil
}

// guardedRegistration は配信時の再評価で止められる購読。
// 初回配信がListenの戻りより先に届くことがあるため、下位の登録は後から結び付ける。
type guardedRegistration struct {
	mu       sync.Mutex
	reg      Registration
	canceled bool
}

func (r *guardedRegistration) attach(reg Registration) {
	r.mu.Lock()
	r.reg = reg
	canceled := r.canceled
	r.mu.Unlock()
	if canceled {
		reg.Cancel()
	}
}

// Cancel は購読を停止する。冪等。
func (r *guardedRegistration) Cancel() {
	r.mu.Lock()
	r.canceled = true
	reg := r.reg
	r.mu.Unlock()
	if reg != nil {
		reg.Cancel()
	}
}

func (r *guardedRegistration) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

var _ Store = (*Guard)(nil)
