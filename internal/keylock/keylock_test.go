package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockExcludes(t *testing.T) {
	tbl := New()
	unlock := tbl.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := tbl.Lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first was held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
}

func TestSharedLocks(t *testing.T) {
	tbl := New()
	r1 := tbl.RLock("a")
	r2 := tbl.RLock("a")

	_, ok := tbl.TryLock("a")
	assert.False(t, ok, "exclusive lock taken while readers hold it")

	r1()
	r2()
	unlock, ok := tbl.TryLock("a")
	require.True(t, ok)
	unlock()
}

func TestEntriesAreReclaimed(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := []string{"a", "b", "c"}[i%3]
			if i%2 == 0 {
				tbl.Lock(name)()
			} else {
				tbl.RLock(name)()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.Len())

	unlock, ok := tbl.TryLock("x")
	require.True(t, ok)
	assert.Equal(t, 1, tbl.Len())
	unlock()
	assert.Equal(t, 0, tbl.Len())
}
