package realtime

import (
	"sync"
	"time"
)

// DefaultNotificationCapacity is the number of notifications kept when no
// capacity is configured.
const DefaultNotificationCapacity = 50

// Notification is a generic server notice received on a channel.
type Notification struct {
	Channel string    `json:"channel"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// NotificationLog is a bounded FIFO of notifications.
// When full, the oldest entry is evicted to make room for the new one.
type NotificationLog struct {
	mu    sync.Mutex
	items []Notification
	cap   int
}

// NewNotificationLog creates a log holding at most capacity entries.
func NewNotificationLog(capacity int) *NotificationLog {
	if capacity <= 0 {
		capacity = DefaultNotificationCapacity
	}
	return &NotificationLog{
		items: make([]Notification, 0, capacity),
		cap:   capacity,
	}
}

// Add appends n, evicting the oldest entry if the log is full.
func (l *NotificationLog) Add(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.items) >= l.cap {
		copy(l.items, l.items[1:])
		l.items[len(l.items)-1] = n
	} else {
		l.items = append(l.items, n)
	}
}

// Recent returns a copy of the buffered notifications, oldest first.
func (l *NotificationLog) Recent() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.items) == 0 {
		return nil
	}
	out := make([]Notification, len(l.items))
	copy(out, l.items)
	return out
}

// Drain returns all buffered notifications and clears the log.
func (l *NotificationLog) Drain() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.items) == 0 {
		return nil
	}
	out := make([]Notification, len(l.items))
	copy(out, l.items)
	l.items = l.items[:0]
	return out
}

// Len returns the number of buffered notifications.
func (l *NotificationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
