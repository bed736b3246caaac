package notifier

import (
	"strings"
	"sync"
)

// DefaultName is how the bot addresses a chat until /boss sets a name.
const DefaultName = "Бос"

// Names holds the per-chat greeting name. It lives in memory only.
type Names struct {
	mu sync.RWMutex
	m  map[int64]string
}

func NewNames() *Names { return &Names{m: map[int64]string{}} }

func (n *Names) Set(chatID int64, name string) {
	name = strings.TrimSpace(name)
	n.mu.Lock()
	defer n.mu.Unlock()
	if name == "" {
		delete(n.m, chatID)
		return
	}
	n.m[chatID] = name
}

func (n *Names) Get(chatID int64) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if name, ok := n.m[chatID]; ok {
		return name
	}
	return DefaultName
}
