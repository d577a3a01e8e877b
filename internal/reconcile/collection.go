// Package reconcile はライブ購読のスナップショットをローカルのコレクションへ反映する
// 状態機械を提供する。
//
// コレクションはEmpty → Loading → Synced（購読失敗時はError）と遷移し、Clearで再びEmptyに戻る。
// スナップショットは購読を開いた世代とSeqで検査し、古い世代や順序の逆転したものは破棄する。
// 書き込みは単一のmutexで直列化し、読み取りは不変なバージョンの差し替えで行う。
package reconcile

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/tasksync/internal/metrics"
	"github.com/hitoshi/tasksync/internal/pubsub"
)

// Phase はコレクションの状態。
type Phase string

const (
	PhaseEmpty   Phase = "empty"
	PhaseLoading Phase = "loading"
	PhaseSynced  Phase = "synced"
	PhaseError   Phase = "error"
)

// 破棄理由（メトリクスのラベル）
const (
	DiscardStaleGeneration = "stale_generation"
	DiscardOutOfOrder      = "out_of_order"
)

// ErrNoSubscription はopenが購読を返さなかった場合のエラー。
var ErrNoSubscription = errors.New("reconcile: open returned no subscription")

// Identifiable はIDで重複排除できる要素。
type Identifiable interface {
	GetID() string
}

// Canceler は購読ハンドル。Cancelは冪等であること。
type Canceler interface {
	Cancel()
}

// View はある時点のコレクションの読み取り専用コピー。
type View[T any] struct {
	Phase   Phase
	Scope   string
	Items   []T
	Err     error
	Version uint64
}

// state は公開済みの不変なバージョン。itemsは差し替えのみで変更しない。
type state[T any] struct {
	phase   Phase
	scope   string
	items   []T
	err     error
	version uint64
}

// Collection は1種類のエンティティのローカルコレクション。
type Collection[T Identifiable] struct {
	name    string
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	mu      sync.Mutex
	gen     uint64
	lastSeq uint64
	sub     Canceler

	current  atomic.Pointer[state[T]]
	watchers *pubsub.Hub[View[T]]
}

// NewCollection は空のCollectionを生成する。nameはログとメトリクスのラベルに使う。
func NewCollection[T Identifiable](name string, m metrics.MetricsCollector, logger *slog.Logger) *Collection[T] {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collection[T]{
		name:     name,
		metrics:  metrics.OrNop(m),
		logger:   logger,
		watchers: pubsub.NewHub[View[T]](),
	}
	c.current.Store(&state[T]{phase: PhaseEmpty})
	return c
}

// Name はコレクション名を返す。
func (c *Collection[T]) Name() string {
	return c.name
}

// Begin はscopeに対する新しい購読を開く。既存の購読は開く前にキャンセルする。
// openには新しい世代が渡され、配信されたスナップショットはその世代でApplyすること。
// openはスナップショットを同期的に配信してはならない。
func (c *Collection[T]) Begin(scope string, open func(gen uint64) (Canceler, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked()
	c.gen++
	c.lastSeq = 0
	gen := c.gen
	c.publishLocked(PhaseLoading, scope, nil, nil)

	sub, err := open(gen)
	if err == nil && sub == nil {
		err = ErrNoSubscription
	}
	if err != nil {
		c.publishLocked(PhaseError, scope, nil, err)
		return err
	}
	c.sub = sub
	return nil
}

// Apply は世代genの購読が配信したスナップショットを反映する。
// 古い世代、またはSeqが前回以下のスナップショットは破棄してfalseを返す。
// 同じIDの要素が複数含まれる場合は最初の1件のみを残す。
func (c *Collection[T]) Apply(gen, seq uint64, items []T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		c.discardLocked(DiscardStaleGeneration, gen, seq)
		return false
	}
	if seq <= c.lastSeq {
		c.discardLocked(DiscardOutOfOrder, gen, seq)
		return false
	}
	c.lastSeq = seq

	deduped := make([]T, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := item.GetID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		deduped = append(deduped, item)
	}

	// 購読エラーはスナップショットの到着で解消する。操作エラーは次の操作まで残す。
	cur := c.current.Load()
	err := cur.err
	if cur.phase == PhaseError {
		err = nil
	}
	c.publishLocked(PhaseSynced, cur.scope, deduped, err)
	c.metrics.RecordSnapshotApplied(c.name, len(deduped))
	return true
}

// Fail は世代genの購読エラーを反映する。最後に同期したコレクションは保持する。
func (c *Collection[T]) Fail(gen uint64, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		c.discardLocked(DiscardStaleGeneration, gen, 0)
		return false
	}
	cur := c.current.Load()
	c.publishLocked(PhaseError, cur.scope, cur.items, err)
	return true
}

// RecordError は操作の失敗を現在のエラーとして記録する。状態とコレクションは変えない。
// nilを渡すと操作エラーを消す。購読エラー（Error状態）は次のスナップショットまで残す。
func (c *Collection[T]) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if err == nil && (cur.err == nil || cur.phase == PhaseError) {
		return
	}
	c.publishLocked(cur.phase, cur.scope, cur.items, err)
}

// Clear は購読をキャンセルしてから空にする。
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked()
	c.gen++
	c.lastSeq = 0
	cur := c.current.Load()
	if cur.phase == PhaseEmpty && cur.err == nil {
		return
	}
	c.publishLocked(PhaseEmpty, "", nil, nil)
}

// Generation は現在の世代を返す。
func (c *Collection[T]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// View は現在の状態のコピーを返す。
func (c *Collection[T]) View() View[T] {
	return toView(c.current.Load())
}

// Watch は状態が変わるたびにfnを呼び出す。戻り値の関数で解除する。
// fnは状態を変えた順に別ゴルーチンから呼ばれる。
func (c *Collection[T]) Watch(fn func(View[T])) func() {
	return c.watchers.Subscribe(fn)
}

// Close はWatchの登録を全て解除する。購読はClearで止めること。
func (c *Collection[T]) Close() {
	c.watchers.Close()
}

func (c *Collection[T]) cancelLocked() {
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
}

func (c *Collection[T]) discardLocked(reason string, gen, seq uint64) {
	c.metrics.RecordSnapshotDiscarded(c.name, reason)
	c.logger.Debug("snapshot discarded",
		slog.String("collection", c.name),
		slog.String("reason", reason),
		slog.Uint64("generation", gen),
		slog.Uint64("current_generation", c.gen),
		slog.Uint64("seq", seq),
	)
}

func (c *Collection[T]) publishLocked(phase Phase, scope string, items []T, err error) {
	prev := c.current.Load()
	next := &state[T]{
		phase:   phase,
		scope:   scope,
		items:   items,
		err:     err,
		version: prev.version + 1,
	}
	c.current.Store(next)
	c.watchers.Publish(toView(next))
}

func toView[T any](s *state[T]) View[T] {
	items := make([]T, len(s.items))
	copy(items, s.items)
	return View[T]{
		Phase:   s.phase,
		Scope:   s.scope,
		Items:   items,
		Err:     s.err,
		Version: s.version,
	}
}
