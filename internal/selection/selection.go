// Package selection は現在選択中のプロジェクトを保持する。
package selection

import (
	"strings"
	"sync"

	"github.com/hitoshi/tasksync/internal/pubsub"
)

// State は選択中のプロジェクトを保持する。ゼロ値は使えないためNewで生成する。
type State struct {
	mu       sync.Mutex
	current  string
	watchers *pubsub.Hub[string]
}

// New は未選択のStateを生成する。
func New() *State {
	return &State{watchers: pubsub.NewHub[string]()}
}

// Select はプロジェクトを選択する。同じIDの再選択は通知しない。
// 空白のみのIDはClearとして扱う。
func (s *State) Select(projectID string) {
	s.set(strings.TrimSpace(projectID))
}

// Clear は選択を解除する。
func (s *State) Clear() {
	s.set("")
}

// Current は選択中のプロジェクトIDを返す。未選択の場合はfalse。
func (s *State) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != ""
}

// Watch は選択が変わるたびにfnを呼ぶ。未選択は空文字で通知される。
func (s *State) Watch(fn func(projectID string)) func() {
	return s.watchers.Subscribe(fn)
}

// Close は全ての監視を解除する。
func (s *State) Close() {
	s.watchers.Close()
}

func (s *State) set(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == projectID {
		return
	}
	s.current = projectID
	s.watchers.Publish(projectID)
}
