// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package event is a minimal typed publish/subscribe helper.
package event

import "sync"

// Topic fans out published values to every live subscriber, in
// subscription order.
type Topic[T any] struct {
	sync.Mutex

	next uint64
	subs map[uint64]func(T)
	ids  []uint64
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once  sync.Once
	close func()
}

// Close removes the subscriber.  It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.close)
}

// Subscribe registers fn and returns the handle that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) *Subscription {
	t.Lock()
	defer t.Unlock()

	if t.subs == nil {
		t.subs = make(map[uint64]func(T))
	}
	id := t.next
	t.next++
	t.subs[id] = fn
	t.ids = append(t.ids, id)

	return &Subscription{close: func() { t.remove(id) }}
}

func (t *Topic[T]) remove(id uint64) {
	t.Lock()
	defer t.Unlock()

	delete(t.subs, id)
	for i, v := range t.ids {
		if v == id {
			t.ids = append(t.ids[:i], t.ids[i+1:]...)
			break
		}
	}
}

// Publish calls every subscriber with v.  Subscribers run outside of the
// topic lock, so they may subscribe or unsubscribe.
func (t *Topic[T]) Publish(v T) {
	t.Lock()
	fns := make([]func(T), 0, len(t.ids))
	for _, id := range t.ids {
		fns = append(fns, t.subs[id])
	}
	t.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of live subscribers.
func (t *Topic[T]) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.ids)
}
