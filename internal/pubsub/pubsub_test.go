package pubsub

import (
	"sync"
	"testing"
	"time"
)

func collect[T any](t *testing.T, ch <-chan T, n int) []T {
	t.Helper()
	got := make([]T, 0, n)
	for len(got) < n {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d values", len(got), n)
		}
	}
	return got
}

// QueueがPushした順にハンドラーを呼ぶことを検証
func TestQueue_FIFO(t *testing.T) {
	ch := make(chan int, 100)
	q := NewQueue(func(v int) { ch <- v })
	defer q.Cancel()

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	got := collect(t, ch, 100)
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

// Cancel後のPushが破棄されることを検証
func TestQueue_PushAfterCancel(t *testing.T) {
	q := NewQueue(func(int) {})
	q.Cancel()
	q.Cancel()

	if q.Push(1) {
		t.Error("Push after Cancel should be rejected")
	}
	if !q.Canceled() {
		t.Error("Canceled() = false after Cancel")
	}
	select {
	case <-q.Done():
	default:
		t.Error("Done channel should be closed")
	}
}

// CancelAndWaitが実行中のハンドラーの完了を待ち、以後の配信がないことを検証
func TestQueue_CancelAndWait(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0

	q := NewQueue(func(v int) {
		if v == 0 {
			close(started)
			<-release
		}
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	q.Push(0)
	q.Push(1)
	<-started

	waited := make(chan struct{})
	go func() {
		q.CancelAndWait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("CancelAndWait returned while handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-waited

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

// ハンドラー内からのCancelがデッドロックしないことを検証
func TestQueue_CancelFromHandler(t *testing.T) {
	done := make(chan struct{})
	var q *Queue[int]
	q = NewQueue(func(int) {
		q.Cancel()
		close(done)
	})
	q.Push(1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
}

// Hubが全購読者へ配信し、解除後は配信しないことを検証
func TestHub_PublishAndUnsubscribe(t *testing.T) {
	h := NewHub[string]()
	a := make(chan string, 10)
	b := make(chan string, 10)

	unsubA := h.Subscribe(func(v string) { a <- v })
	unsubB := h.Subscribe(func(v string) { b <- v })
	defer unsubB()

	h.Publish("x")
	collect(t, a, 1)
	collect(t, b, 1)

	unsubA()
	unsubA()
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}

	h.Publish("y")
	if got := collect(t, b, 1); got[0] != "y" {
		t.Errorf("b got %q, want y", got[0])
	}
	select {
	case v := <-a:
		t.Errorf("unsubscribed handler received %q", v)
	case <-time.After(50 * time.Millisecond):
	}

	h.Close()
	if h.Len() != 0 {
		t.Errorf("Len after Close = %d, want 0", h.Len())
	}
}
