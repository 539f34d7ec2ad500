// Package lock serializes work per mailbox. Sending and polling for one
// mailbox must never overlap; different mailboxes proceed in parallel.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Locker hands out exclusive ownership of a key until unlock is called.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// SendKey is the lock key for sending and scheduling on a mailbox.
func SendKey(mailboxID uint) string {
	return fmt.Sprintf("mailbox:%d:send", mailboxID)
}

// PollKey is the lock key for polling a mailbox inbox.
func PollKey(mailboxID uint) string {
	return fmt.Sprintf("mailbox:%d:poll", mailboxID)
}

// KeyedMutex is an in-process Locker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
