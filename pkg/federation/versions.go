package federation

import "sync"

// versionClock remembers the newest operation applied per record, keyed by
// origin site and record id. Timestamps for a record are always produced by
// its owner, so comparisons never mix clocks of different sites.
type versionClock struct {
	mu      sync.Mutex
	entries map[string]versionEntry
}

type versionEntry struct {
	ts      int64
	deleted bool
}

func newVersionClock() *versionClock {
	return &versionClock{entries: make(map[string]versionEntry)}
}

func versionKey(origin, id string) string {
	return origin + "\x00" + id
}

// admit records an operation and reports whether it should be applied.
// Operations older than the newest known one are rejected. At equal
// timestamps an upsert is re-applied (idempotent) unless the record was
// deleted at that instant. A zero timestamp is unversioned and always
// admitted without touching the clock.
func (v *versionClock) admit(origin, id string, ts int64, deleted bool) bool {
	if ts == 0 {
		return true
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := versionKey(origin, id)
	if e, ok := v.entries[key]; ok {
		if ts < e.ts {
			return false
		}
		if ts == e.ts && e.deleted && !deleted {
			return false
		}
	}
	v.entries[key] = versionEntry{ts: ts, deleted: deleted}
	return true
}

// observe raises the known version of a record without an admission check.
func (v *versionClock) observe(origin, id string, ts int64) {
	if ts == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	key := versionKey(origin, id)
	if e, ok := v.entries[key]; !ok || ts > e.ts {
		v.entries[key] = versionEntry{ts: ts}
	}
}

// newer reports whether the record is live at a version later than ts.
func (v *versionClock) newer(origin, id string, ts int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[versionKey(origin, id)]
	return ok && !e.deleted && e.ts > ts
}

func (v *versionClock) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}
