// Package eventbus provides in-process pub/sub of task log entries for live streaming.
package eventbus

import (
	"sync"

	"github.com/jxucoder/autopatch/internal/model"
)

// Bus fans out task log entries to subscribers keyed by task ID.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.LogEntry
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]chan *model.LogEntry),
	}
}

// Subscribe returns a channel that receives entries for a task.
func (b *Bus) Subscribe(taskID string) chan *model.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.LogEntry, 64)
	b.subs[taskID] = append(b.subs[taskID], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(taskID string, ch chan *model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[taskID]
	for i, s := range subs {
		if s == ch {
			b.subs[taskID] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[taskID]) == 0 {
				delete(b.subs, taskID)
			}
			close(ch)
			return
		}
	}
}

// Publish sends an entry to every subscriber of its task.
func (b *Bus) Publish(entry *model.LogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[entry.TaskID] {
		select {
		case ch <- entry:
		default:
			// Slow subscriber; it can catch up from the persisted log.
		}
	}
}
