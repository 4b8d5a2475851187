package work

import (
	"strings"
	"sync"
	"time"
)

// CompletionTracker remembers when each work type last finished, per
// subject (for fund-scoped work the subject is the fund id). The processor
// consults it to decide whether interval work is due again.
type CompletionTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewCompletionTracker creates an empty tracker.
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{last: make(map[string]time.Time)}
}

// completionKey joins a work type and subject into the tracker key. Global
// work (empty subject) keys on the type alone.
func completionKey(typeID, subject string) string {
	if subject == "" {
		return typeID
	}
	return typeID + ":" + subject
}

// MarkCompleted records a successful run of the item, stamped now.
func (t *CompletionTracker) MarkCompleted(item *WorkItem) {
	t.MarkCompletedAt(item, time.Now())
}

// MarkCompletedAt records a successful run at an explicit time. Tests use
// this to place completions in the past.
func (t *CompletionTracker) MarkCompletedAt(item *WorkItem, completedAt time.Time) {
	t.mu.Lock()
	t.last[completionKey(item.TypeID, item.Subject)] = completedAt
	t.mu.Unlock()
}

// GetCompletion returns the last completion time for a type/subject pair
// and whether one has been recorded.
func (t *CompletionTracker) GetCompletion(typeID, subject string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completedAt, ok := t.last[completionKey(typeID, subject)]
	return completedAt, ok
}

// IsStale reports whether the work is due. On-demand work (zero interval)
// is always due when triggered; interval work is due when it has never
// completed or its last completion is older than the interval.
func (t *CompletionTracker) IsStale(typeID, subject string, interval time.Duration) bool {
	if interval == 0 {
		return true
	}

	completedAt, ok := t.GetCompletion(typeID, subject)
	if !ok {
		return true
	}
	return time.Since(completedAt) > interval
}

// Clear forgets the completion for one type/subject pair, forcing the next
// scan to treat it as due.
func (t *CompletionTracker) Clear(typeID, subject string) {
	t.mu.Lock()
	delete(t.last, completionKey(typeID, subject))
	t.mu.Unlock()
}

// ClearByTypeID forgets completions for every subject of one work type.
func (t *CompletionTracker) ClearByTypeID(typeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.last {
		if key == typeID || strings.HasPrefix(key, typeID+":") {
			delete(t.last, key)
		}
	}
}
