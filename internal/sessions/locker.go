package sessions

import (
	"context"
	"sync"
)

// threadLock is a ref-counted mutex. Entries are removed from the
// locker's map once no goroutine holds or waits on them.
type threadLock struct {
	mu   sync.Mutex
	refs int
}

// Locker serializes agent turns per thread. Two concurrent requests for
// the same thread run one after the other; requests for different
// threads proceed in parallel.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

// NewLocker creates a per-thread locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*threadLock)}
}

// Lock acquires the lock for a thread, waiting if another turn holds it.
// It returns an unlock function, or the context error if ctx is done
// before acquisition.
func (l *Locker) Lock(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[threadID]
	if !ok {
		lock = &threadLock{}
		l.locks[threadID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		lock.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The goroutine above will still acquire the mutex; release it
		// and drop the ref once it does.
		go func() {
			<-acquired
			lock.mu.Unlock()
			l.release(threadID, lock)
		}()
		return nil, ctx.Err()
	}

	return func() {
		lock.mu.Unlock()
		l.release(threadID, lock)
	}, nil
}

func (l *Locker) release(threadID string, lock *threadLock) {
	l.mu.Lock()
	lock.refs--
	if lock.refs <= 0 {
		delete(l.locks, threadID)
	}
	l.mu.Unlock()
}
