package federation

import (
	"fmt"
	"sync"
	"time"

	"meshfed/pkg/types"
)

// AlertDedupWindow is how long a repeated alert is kept from external
// notification targets.
const AlertDedupWindow = 5 * time.Minute

// windowSet remembers keys for a fixed window measured from the moment a key
// was last admitted. Repeats inside the window do not extend it.
type windowSet struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

func newWindowSet(window time.Duration, now func() time.Time) *windowSet {
	if now == nil {
		now = time.Now
	}
	return &windowSet{
		window: window,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

// Seen reports whether key was admitted within the window; if not, key is
// admitted now.
func (w *windowSet) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for k, at := range w.seen {
		if now.Sub(at) >= w.window {
			delete(w.seen, k)
		}
	}

	if _, ok := w.seen[key]; ok {
		return true
	}
	w.seen[key] = now
	return false
}

// Forget drops key so its next occurrence is admitted.
func (w *windowSet) Forget(key string) {
	w.mu.Lock()
	delete(w.seen, key)
	w.mu.Unlock()
}

func (w *windowSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// alertKey identifies an alert for deduplication. Without an explicit id the
// composite of origin, node, timestamp and message stands in, which can
// collide or split on clock skew.
func alertKey(origin string, alert types.Alert) string {
	if alert.ID != "" {
		return "id:" + alert.ID
	}
	return fmt.Sprintf("composite:%s|%s|%d|%s", origin, alert.NodeID, alert.Timestamp.UnixMilli(), alert.Message)
}
