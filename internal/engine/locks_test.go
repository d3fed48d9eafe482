// File: internal/engine/locks_test.go
package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionLocksReturnsSameMutexPerSession(t *testing.T) {
	locks := newSessionLocks()

	a := locks.forSession("sess-a")
	b := locks.forSession("sess-b")

	assert.Same(t, a, locks.forSession("sess-a"))
	assert.Same(t, b, locks.forSession("sess-b"))
	assert.NotSame(t, a, b)
}

func TestSessionLocksConcurrentAccess(t *testing.T) {
	locks := newSessionLocks()
	ids := []string{"s1", "s2", "s3"}

	// Goroutines sharing a session contend on one counter slot; the session
	// mutex is all that keeps the increments safe.
	counters := make([]int, len(ids))
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		idx := i % len(ids)
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu := locks.forSession(ids[idx])
			mu.Lock()
			counters[idx]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := range ids {
		assert.Equal(t, 10, counters[i])
	}
}
