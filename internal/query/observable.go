// Observable query used to trigger refetches.

package query

import (
	"slices"
	"sync"
)

// Observable holds a value and notifies subscribers when it is replaced.
//
// Notification is synchronous and in subscription order. There is no
// queuing: Update returns after every subscriber ran.
type Observable[Q any] struct {
	mu     sync.Mutex
	value  Q
	nextID uint64
	subs   []subscriber[Q]
}

type subscriber[Q any] struct {
	id uint64
	fn func(Q)
}

// NewObservable returns an Observable holding q.
func NewObservable[Q any](q Q) *Observable[Q] {
	return &Observable[Q]{value: q}
}

// Get returns the current value.
func (o *Observable[Q]) Get() Q {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Update replaces the value and notifies every subscriber with it.
//
// Callbacks run without the lock held, so they may call Get, Subscribe or an
// unsubscribe function. A subscriber removed during a notification still
// receives that notification.
func (o *Observable[Q]) Update(q Q) {
	o.mu.Lock()
	o.value = q
	subs := slices.Clone(o.subs)
	o.mu.Unlock()
	for _, s := range subs {
		s.fn(q)
	}
}

// Subscribe registers fn and returns a function that unregisters it.
// Calling the returned function more than once is a no-op.
func (o *Observable[Q]) Subscribe(fn func(Q)) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscriber[Q]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			o.subs = slices.DeleteFunc(o.subs, func(s subscriber[Q]) bool { return s.id == id })
			o.mu.Unlock()
		})
	}
}

// Len returns the number of subscribers.
func (o *Observable[Q]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}
