package app

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekinoks/chatrelay/internal/core"
)

func TestDispatcherPerSessionFIFO(t *testing.T) {
	d := NewDispatcher(8, 16)

	const n = 200
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		d.Submit("s1", func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i], "task %d ran out of order", i)
	}
	d.Close()
}

func TestDispatcherSessionsRunIndependently(t *testing.T) {
	d := NewDispatcher(4, 8)

	const perSession = 50
	sessions := []core.SessionID{"a", "b", "c", "d"}

	var mu sync.Mutex
	order := make(map[core.SessionID][]int)
	var wg sync.WaitGroup
	wg.Add(perSession * len(sessions))

	for _, sid := range sessions {
		sid := sid
		go func() {
			for i := 0; i < perSession; i++ {
				i := i
				d.Submit(sid, func() {
					defer wg.Done()
					// Uneven task durations provoke worker races; per-session
					// order must survive them.
					if i%7 == 0 {
						time.Sleep(time.Millisecond)
					}
					mu.Lock()
					order[sid] = append(order[sid], i)
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()

	for _, sid := range sessions {
		require.Len(t, order[sid], perSession, "session %s lost tasks", sid)
		for i := 0; i < perSession; i++ {
			assert.Equal(t, i, order[sid][i], "session %s task %d out of order", sid, i)
		}
	}
	d.Close()
}

func TestDispatcherForgetReleasesQueue(t *testing.T) {
	d := NewDispatcher(2, 4)

	done := make(chan struct{})
	d.Submit("s1", func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	d.Forget("s1")
	require.Eventually(t, func() bool {
		d.mu.Lock()
		_, ok := d.queues["s1"]
		d.mu.Unlock()
		return !ok
	}, 2*time.Second, time.Millisecond, "forgotten queue must be retired")
	d.Close()
}

func TestDispatcherSubmitAfterForgetIsDropped(t *testing.T) {
	d := NewDispatcher(1, 8)

	started := make(chan struct{})
	block := make(chan struct{})
	d.Submit("s1", func() {
		close(started)
		<-block
	})
	<-started

	// The drainer is busy, so the queue entry is still live when Forget
	// marks it dead.
	d.Forget("s1")

	ran := make(chan struct{})
	d.Submit("s1", func() { close(ran) })
	close(block)

	select {
	case <-ran:
		t.Fatal("task ran after Forget")
	case <-time.After(100 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		d.mu.Lock()
		_, ok := d.queues["s1"]
		d.mu.Unlock()
		return !ok
	}, 2*time.Second, time.Millisecond, "dead queue must not linger")
	d.Close()
}

func TestDispatcherCloseWaitsForQueuedWork(t *testing.T) {
	d := NewDispatcher(1, 32)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 20; i++ {
		d.Submit(core.SessionID(fmt.Sprintf("s%d", i%3)), func() {
			time.Sleep(time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, ran)
}
