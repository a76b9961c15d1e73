// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"sync"

	"github.com/brumewallet/brumed/core/event"
)

// Memory is a Store that lives as long as the process.
type Memory struct {
	sync.RWMutex
	notifier

	m      map[string][]byte
	closed bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string][]byte)}
}

func (s *Memory) Get(key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Memory) Set(key string, value []byte) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return ErrClosed
	}
	s.m[key] = append([]byte(nil), value...)
	s.Unlock()

	s.set(key, value)
	return nil
}

func (s *Memory) Delete(key string) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return ErrClosed
	}
	_, ok := s.m[key]
	delete(s.m, key)
	s.Unlock()

	if ok {
		s.delete(key)
	}
	return nil
}

func (s *Memory) Subscribe(key string, fn func(Change)) *event.Subscription {
	return s.subscribe(key, fn)
}

func (s *Memory) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	s.m = nil
	return nil
}

var _ Store = (*Memory)(nil)
