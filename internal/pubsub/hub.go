package pubsub

import "sync"

// Hub は複数購読者へ同じ値をブロードキャストする。
// 各購読者は独立したQueueを持つため、遅い購読者が他を待たせることはない。
type Hub[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Queue[T]
}

// NewHub は空のHubを生成する。
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]*Queue[T])}
}

// Subscribe はhandlerを登録し、登録解除関数を返す。解除関数は冪等。
func (h *Hub[T]) Subscribe(handler func(T)) func() {
	q := NewQueue(handler)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = q
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		q.Cancel()
	}
}

// Publish は全購読者に値を配信する。
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.subs {
		q.Push(v)
	}
}

// Len は現在の購読者数を返す。
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close は全購読者を解除する。
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[int]*Queue[T])
	h.mu.Unlock()

	for _, q := range subs {
		q.Cancel()
	}
}
