package selection

import (
	"testing"
	"time"
)

func collect(t *testing.T, s *State) (<-chan string, func()) {
	t.Helper()
	ch := make(chan string, 16)
	stop := s.Watch(func(id string) { ch <- id })
	return ch, stop
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("選択の通知が届かない")
		return ""
	}
}

// 初期状態は未選択であることを検証
func TestState_InitiallyEmpty(t *testing.T) {
	s := New()
	if id, ok := s.Current(); ok || id != "" {
		t.Errorf("Current() = (%q, %v), want empty", id, ok)
	}
}

// 選択と解除が順に通知されることを検証
func TestState_SelectAndClear(t *testing.T) {
	s := New()
	ch, stop := collect(t, s)
	defer stop()

	s.Select("p1")
	s.Select("p2")
	s.Clear()

	for _, want := range []string{"p1", "p2", ""} {
		if got := next(t, ch); got != want {
			t.Errorf("notification = %q, want %q", got, want)
		}
	}
	if _, ok := s.Current(); ok {
		t.Error("Clear後も選択が残っている")
	}
}

// 同じプロジェクトの再選択は通知されないことを検証
func TestState_SameSelectionIsNotRepublished(t *testing.T) {
	s := New()
	ch, stop := collect(t, s)
	defer stop()

	s.Select("p1")
	s.Select(" p1 ")
	s.Clear()
	s.Clear()
	s.Select("p2")

	for _, want := range []string{"p1", "", "p2"} {
		if got := next(t, ch); got != want {
			t.Errorf("notification = %q, want %q", got, want)
		}
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected notification %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

// 空白のみのIDは選択解除として扱われることを検証
func TestState_BlankSelectClears(t *testing.T) {
	s := New()
	s.Select("p1")
	s.Select("   ")
	if id, ok := s.Current(); ok {
		t.Errorf("Current() = %q, want none", id)
	}
}

// 解除後の監視には通知されないことを検証
func TestState_WatchStop(t *testing.T) {
	s := New()
	ch, stop := collect(t, s)
	stop()
	stop()

	s.Select("p1")
	select {
	case id := <-ch:
		t.Errorf("解除後に通知された: %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}
