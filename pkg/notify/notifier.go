// Package notify keeps an in-memory feed of notifications about finished
// pipeline runs and trigger activity.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-runner/pkg/domain"
)

// DefaultCapacity is the number of notifications retained.
const DefaultCapacity = 100

// Type classifies a notification.
type Type string

const (
	TypeSuccess Type = "success"
	TypeError   Type = "error"
	TypeWarning Type = "warning"
	TypeInfo    Type = "info"
)

// Sources of notifications.
const (
	SourceExecutor  = "executor"
	SourceWatcher   = "watcher"
	SourceScheduler = "scheduler"
)

// Notification is one entry of the feed.
type Notification struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read"`
	Data      map[string]string `json:"data,omitempty"`
}

// Config holds dependencies for creating a Notifier.
type Config struct {
	Capacity int
	Logger   *slog.Logger
	// OnNotify is called synchronously for every new notification.
	OnNotify func(Notification)
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// Notifier renders run completions and trigger activity into a bounded feed.
// It implements the engine observer contract and ignores progress events.
type Notifier struct {
	ring     *Ring[Notification]
	logger   *slog.Logger
	onNotify func(Notification)
	now      func() time.Time
}

// New creates a notifier.
func New(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		ring:     NewRing[Notification](cfg.Capacity),
		logger:   logger,
		onNotify: cfg.OnNotify,
		now:      now,
	}
}

// Notify appends a notification to the feed and returns it.
func (n *Notifier) Notify(typ Type, title, message, source string, data map[string]string) Notification {
	notification := Notification{
		ID:        "notif_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Type:      typ,
		Title:     title,
		Message:   message,
		Source:    source,
		Timestamp: n.now(),
		Data:      data,
	}

	n.ring.Add(notification)

	if n.onNotify != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					n.logger.Error("notification callback panicked", "panic", rec)
				}
			}()
			n.onNotify(notification)
		}()
	}

	n.logger.Info("notification",
		"type", typ,
		"title", title,
		"message", message,
		"source", source,
	)
	return notification
}

// OnProgress is a no-op.
func (n *Notifier) OnProgress(domain.Run) {}

// OnComplete records the outcome of a finished run.
func (n *Notifier) OnComplete(run domain.Run) {
	n.PipelineCompleted(run)
}

// PipelineCompleted renders a finished run.
func (n *Notifier) PipelineCompleted(run domain.Run) Notification {
	seconds := run.Duration().Seconds()
	data := map[string]string{"run_id": run.ID}

	switch run.Status {
	case domain.RunSuccess:
		return n.Notify(TypeSuccess, "✓ "+run.PipelineName, fmt.Sprintf("Completed in %.1fs", seconds), SourceExecutor, data)
	case domain.RunCancelled:
		return n.Notify(TypeWarning, "✗ "+run.PipelineName, fmt.Sprintf("Cancelled after %.1fs", seconds), SourceExecutor, data)
	default:
		if run.Error != "" {
			data["error"] = run.Error
		}
		return n.Notify(TypeError, "✗ "+run.PipelineName, fmt.Sprintf("Error after %.1fs", seconds), SourceExecutor, data)
	}
}

// FileDetected records a watch trigger firing.
func (n *Notifier) FileDetected(watch, file string) Notification {
	return n.Notify(TypeInfo, watch, "New file: "+file, SourceWatcher, map[string]string{"file": file})
}

// TaskExecuted records a schedule firing; err is the submission error, if any.
func (n *Notifier) TaskExecuted(task string, err error) Notification {
	if err != nil {
		return n.Notify(TypeError, task, "Task failed to start", SourceScheduler, map[string]string{"error": err.Error()})
	}
	return n.Notify(TypeSuccess, task, "Task started", SourceScheduler, nil)
}

// List returns the newest limit notifications, oldest first. A non-positive
// limit returns all of them.
func (n *Notifier) List(limit int, unreadOnly bool) []Notification {
	all := n.ring.All()
	if unreadOnly {
		unread := all[:0]
		for _, item := range all {
			if !item.Read {
				unread = append(unread, item)
			}
		}
		all = unread
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// MarkRead flags one notification as read. It returns false if the id is
// unknown.
func (n *Notifier) MarkRead(id string) bool {
	found := false
	n.ring.Update(func(item *Notification) bool {
		if item.ID == id {
			item.Read = true
			found = true
			return false
		}
		return true
	})
	return found
}

// MarkAllRead flags every notification as read.
func (n *Notifier) MarkAllRead() {
	n.ring.Update(func(item *Notification) bool {
		item.Read = true
		return true
	})
}

// UnreadCount returns how many notifications have not been read.
func (n *Notifier) UnreadCount() int {
	count := 0
	for _, item := range n.ring.All() {
		if !item.Read {
			count++
		}
	}
	return count
}

// Len returns how many notifications are retained.
func (n *Notifier) Len() int {
	return n.ring.Size()
}

// Clear empties the feed.
func (n *Notifier) Clear() {
	n.ring.Clear()
}
