// Package pubsub は購読者ごとに順序を保証する非同期配信キューを提供する。
//
// 1購読者につき1ゴルーチンで配信し、Pushした順にハンドラーを呼び出す。
// Cancelは冪等で、Cancelから戻った後に新たなハンドラー呼び出しは開始されない。
package pubsub

import "sync"

// Queue は単一購読者向けのFIFO配信キュー。
type Queue[T any] struct {
	handler func(T)

	mu       sync.Mutex
	pending  []T
	canceled bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// deliverMu はハンドラー実行中のCancelを待たせるために使う。
	deliverMu sync.Mutex
}

// NewQueue はhandlerへ配信するQueueを生成し、配信ゴルーチンを起動する。
func NewQueue[T any](handler func(T)) *Queue[T] {
	q := &Queue[T]{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Push は値をキューに積む。キャンセル済みの場合は破棄する。
// 戻り値は値を受け付けたかどうか。
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.canceled {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Cancel は配信を停止する。複数回呼んでも安全で、ハンドラー内からも呼べる。
// 実行中のハンドラーの完了は待たない。
func (q *Queue[T]) Cancel() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.canceled = true
		q.pending = nil
		q.mu.Unlock()
		close(q.done)
	})
}

// CancelAndWait はCancelに加えて実行中のハンドラーの完了を待つ。
// ハンドラー内から呼んではならない。
func (q *Queue[T]) CancelAndWait() {
	q.Cancel()
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()
}

// Canceled はキャンセル済みかを返す。
func (q *Queue[T]) Canceled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canceled
}

// Done はキャンセル時にクローズされるチャネルを返す。
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

func (q *Queue[T]) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.deliverMu.Lock()
			q.mu.Lock()
			if q.canceled || len(q.pending) == 0 {
				q.mu.Unlock()
				q.deliverMu.Unlock()
				break
			}
			v := q.pending[0]
			var zero T
			q.pending[0] = zero
			q.pending = q.pending[1:]
			q.mu.Unlock()

			q.handler(v)
			q.deliverMu.Unlock()
		}
	}
}
