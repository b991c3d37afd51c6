package app

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekinoks/chatrelay/internal/core"
	"github.com/ekinoks/chatrelay/internal/domain"
)

type fakeOutbound struct {
	mu           sync.Mutex
	lines        []string
	disconnected bool
	full         bool
}

func (f *fakeOutbound) TrySend(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.lines = append(f.lines, line)
	return true
}

func (f *fakeOutbound) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeOutbound) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func member(sid string, uid int64, name string) (core.Member, *fakeOutbound) {
	out := &fakeOutbound{}
	return core.Member{SID: core.SessionID(sid), UserID: domain.UserID(uid), Username: name, Out: out}, out
}

func TestJoinCreatesRoomLazily(t *testing.T) {
	reg := NewRegistry()
	require.False(t, reg.HasRoom(7))

	m, _ := member("s1", 1, "alice")
	reg.Join(7, m)

	assert.True(t, reg.HasRoom(7))
	assert.Equal(t, 1, reg.MemberCount(7))
}

func TestLeaveRemovesEmptiedRoom(t *testing.T) {
	reg := NewRegistry()
	m, _ := member("s1", 1, "alice")
	reg.Join(7, m)

	remaining, left := reg.Leave(7, "s1")
	require.True(t, left)
	assert.Empty(t, remaining)
	assert.False(t, reg.HasRoom(7), "empty room must be removed from the registry")
}

func TestLeaveReturnsPostLeaveSnapshot(t *testing.T) {
	reg := NewRegistry()
	a, _ := member("s1", 1, "alice")
	b, _ := member("s2", 2, "bob")
	reg.Join(7, a)
	reg.Join(7, b)

	remaining, left := reg.Leave(7, "s2")
	require.True(t, left)
	require.Len(t, remaining, 1)
	assert.Equal(t, "alice", remaining[0].Username)
	assert.True(t, reg.HasRoom(7))
}

func TestLeaveNonMemberIsNoop(t *testing.T) {
	reg := NewRegistry()
	a, _ := member("s1", 1, "alice")
	reg.Join(7, a)

	_, left := reg.Leave(7, "ghost")
	assert.False(t, left)
	assert.Equal(t, 1, reg.MemberCount(7))

	_, left = reg.Leave(404, "s1")
	assert.False(t, left)
}

func TestPreloadPlaceholdersMayStayEmpty(t *testing.T) {
	reg := NewRegistry()
	reg.Preload([]domain.RoomID{7, 8})

	assert.True(t, reg.HasRoom(7))
	assert.Equal(t, 0, reg.MemberCount(7))

	// After the first join/leave cycle emptiness removes the entry.
	m, _ := member("s1", 1, "alice")
	reg.Join(7, m)
	_, left := reg.Leave(7, "s1")
	require.True(t, left)
	assert.False(t, reg.HasRoom(7))
	assert.True(t, reg.HasRoom(8), "untouched placeholder survives")
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	reg := NewRegistry()
	a, aOut := member("s1", 1, "alice")
	b, bOut := member("s2", 2, "bob")
	reg.Join(7, a)
	reg.Join(7, b)

	sent := reg.BroadcastExcept(7, "s2", "bob: hi")
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"bob: hi"}, aOut.Lines())
	assert.Empty(t, bOut.Lines())
}

func TestBroadcastUnknownRoom(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, 0, reg.BroadcastExcept(99, "s1", "x"))
}

func TestBroadcastCountsDroppedLines(t *testing.T) {
	reg := NewRegistry()
	a, aOut := member("s1", 1, "alice")
	aOut.full = true
	b, _ := member("s2", 2, "bob")
	reg.Join(7, a)
	reg.Join(7, b)

	sent := reg.BroadcastExcept(7, "s2", "bob: hi")
	assert.Equal(t, 0, sent)
}

func TestSnapshotMembersOrderedByUsername(t *testing.T) {
	reg := NewRegistry()
	for i, name := range []string{"zoe", "alice", "mallory"} {
		m, _ := member(fmt.Sprintf("s%d", i), int64(i), name)
		reg.Join(7, m)
	}

	snap := reg.SnapshotMembers(7)
	require.Len(t, snap, 3)
	assert.Equal(t, "alice", snap[0].Username)
	assert.Equal(t, "mallory", snap[1].Username)
	assert.Equal(t, "zoe", snap[2].Username)

	assert.Nil(t, reg.SnapshotMembers(99))
}

func TestCloseDeliversTerminalAndRemovesEntry(t *testing.T) {
	reg := NewRegistry()
	a, aOut := member("s1", 1, "alice")
	b, bOut := member("s2", 2, "bob")
	reg.Join(7, a)
	reg.Join(7, b)

	members, ok := reg.Close(7, "ROOM_CLOSED")
	require.True(t, ok)
	assert.Len(t, members, 2)
	assert.False(t, reg.HasRoom(7))
	assert.Equal(t, []string{"ROOM_CLOSED"}, aOut.Lines())
	assert.Equal(t, []string{"ROOM_CLOSED"}, bOut.Lines())

	_, ok = reg.Close(7, "ROOM_CLOSED")
	assert.False(t, ok, "second close finds no room")
}

func TestConcurrentJoinLeaveConverges(t *testing.T) {
	reg := NewRegistry()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, _ := member(fmt.Sprintf("s%d", i), int64(i), fmt.Sprintf("u%d", i))
			reg.Join(7, m)
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, reg.MemberCount(7), "no lost joins")

	// Half leave concurrently while the other half broadcasts.
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				reg.Leave(7, core.SessionID(fmt.Sprintf("s%d", i)))
			} else {
				reg.BroadcastExcept(7, core.SessionID(fmt.Sprintf("s%d", i)), "x")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n/2, reg.MemberCount(7))

	for i := 1; i < n; i += 2 {
		reg.Leave(7, core.SessionID(fmt.Sprintf("s%d", i)))
	}
	assert.False(t, reg.HasRoom(7))
}
