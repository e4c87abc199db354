// Package kvstore is the persistent, string-keyed storage medium shared by
// every component of the conversation subsystem.
package kvstore

import (
	"context"
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned when a write would exceed the medium's capacity.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Store is a synchronous key-value medium.
type Store interface {
	// Get returns the stored value and whether the key exists
	Get(ctx context.Context, key string) (string, bool, error)

	// Set overwrites the value stored under key
	Set(ctx context.Context, key, value string) error

	// Remove deletes key; removing a missing key is not an error
	Remove(ctx context.Context, key string) error
}

// Locker serializes read-modify-write sequences on individual keys.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Memory is a map-backed Store. A positive Quota bounds the total bytes of
// keys plus values, mirroring a browser origin's storage limit.
type Memory struct {
	Quota int

	mu   sync.RWMutex
	data map[string]string
	used int
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get returns the value stored under key
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores value under key
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used + len(key) + len(value)
	if old, ok := m.data[key]; ok {
		used -= len(key) + len(old)
	}
	if m.Quota > 0 && used > m.Quota {
		return ErrQuotaExceeded
	}
	m.data[key] = value
	m.used = used
	return nil
}

// Remove deletes key
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

// Len returns the number of stored keys
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
