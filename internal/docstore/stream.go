package docstore

import (
	"sync"

	"github.com/hitoshi/tasksync/internal/pubsub"
)

type streamEvent struct {
	snapshot Snapshot
	err      error
}

// Stream はストア実装が共有するライブ購読の配信路。
// スナップショットに単調増加のSeqを付与し、Pushした順に配信する。
type Stream struct {
	mu       sync.Mutex
	seq      uint64
	queue    *pubsub.Queue[streamEvent]
	onCancel func()
	once     sync.Once
}

// NewStream はonSnapshotとonErrorへ配信するStreamを生成する。
// onCancelはCancel時に1度だけ呼ばれる（登録解除用、nil可）。
func NewStream(onSnapshot func(Snapshot), onError func(error), onCancel func()) *Stream {
	s := &Stream{onCancel: onCancel}
	s.queue = pubsub.NewQueue(func(ev streamEvent) {
		if ev.err != nil {
			if onError != nil {
				onError(ev.err)
			}
			return
		}
		onSnapshot(ev.snapshot)
	})
	return s
}

// PushSnapshot は全件スナップショットを配信キューに積む。
func (s *Stream) PushSnapshot(docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Canceled() {
		return
	}
	s.seq++
	s.queue.Push(streamEvent{snapshot: Snapshot{Seq: s.seq, Documents: docs}})
}

// PushError は購読エラーを配信キューに積む。
func (s *Stream) PushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Push(streamEvent{err: err})
}

// Cancel は購読を停止する。冪等。
func (s *Stream) Cancel() {
	s.once.Do(func() {
		s.queue.Cancel()
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

// Canceled はキャンセル済みかを返す。
func (s *Stream) Canceled() bool {
	return s.queue.Canceled()
}

var _ Registration = (*Stream)(nil)
