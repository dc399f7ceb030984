// Package store holds in-memory implementations of the local services the
// federation engine works against. Each keeps records owned by the local
// site apart from replicas of remote records and emits changes on a feed.
package store

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrLocalRecord       = errors.New("record is owned by the local site")
	ErrInvalidTransition = errors.New("invalid command status transition")
)

// revision returns now, or the first millisecond after prev when now is not
// later. Versions travel with millisecond resolution, so successive changes
// of one record must differ at that resolution.
func revision(now, prev time.Time) time.Time {
	next := prev.Truncate(time.Millisecond).Add(time.Millisecond)
	if prev.IsZero() || !now.Before(next) {
		return now
	}
	return next
}

// Feed fans values out to watchers. Send blocks until every watcher has
// taken the value or stopped watching.
type Feed[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*feedSub[T]
	next   uint64
	buffer int
}

type feedSub[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func NewFeed[T any](buffer int) *Feed[T] {
	if buffer < 0 {
		buffer = 0
	}
	return &Feed[T]{
		subs:   make(map[uint64]*feedSub[T]),
		buffer: buffer,
	}
}

// Watch returns a channel of future values and a function that stops it.
// The channel is never closed.
func (f *Feed[T]) Watch() (<-chan T, func()) {
	sub := &feedSub[T]{
		ch:   make(chan T, f.buffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = sub
	f.mu.Unlock()

	return sub.ch, func() {
		sub.once.Do(func() { close(sub.done) })
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *Feed[T]) Send(v T) {
	f.mu.RLock()
	subs := make([]*feedSub[T], 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- v:
		case <-s.done:
		}
	}
}

// Watchers returns the number of active watchers.
func (f *Feed[T]) Watchers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
