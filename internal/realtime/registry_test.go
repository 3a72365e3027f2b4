package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Limits(t *testing.T) {
	t.Parallel()
	r := NewRegistry(2, 3)

	require.NoError(t, r.Add(newSession(1, nil)))
	require.NoError(t, r.Add(newSession(1, nil)))
	assert.ErrorIs(t, r.Add(newSession(1, nil)), ErrUserConnLimit)

	require.NoError(t, r.Add(newSession(2, nil)))
	assert.ErrorIs(t, r.Add(newSession(3, nil)), ErrTotalConnLimit)
	assert.Equal(t, 3, r.Count())
}

func TestRegistry_RoomsAndRemoval(t *testing.T) {
	t.Parallel()
	r := NewRegistry(0, 0)
	a := newSession(1, nil)
	b := newSession(2, nil)
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	// 7 and 39 share a shard.
	require.True(t, r.Join(7, a))
	require.True(t, r.Join(39, a))
	require.True(t, r.Join(7, b))
	assert.Len(t, r.RoomSessions(7), 2)
	assert.Len(t, r.RoomSessions(39), 1)
	assert.ElementsMatch(t, []uint{7, 39}, a.Rooms())

	assert.True(t, r.Leave(7, b))
	assert.False(t, r.Leave(7, b))
	assert.Len(t, r.RoomSessions(7), 1)

	assert.True(t, r.Remove(a))
	assert.False(t, r.Remove(a))
	assert.Empty(t, r.RoomSessions(7))
	assert.Empty(t, r.RoomSessions(39))
	assert.Empty(t, a.Rooms())
	assert.Empty(t, r.UserSessions(1))

	_, ok := r.Get(b.ID)
	assert.True(t, ok)
}

func TestRegistry_JoinRefusesUnregisteredSessions(t *testing.T) {
	t.Parallel()
	r := NewRegistry(0, 0)

	stranger := newSession(1, nil)
	assert.False(t, r.Join(5, stranger), "never added")
	assert.Empty(t, r.RoomSessions(5))
	assert.False(t, stranger.InRoom(5))

	gone := newSession(2, nil)
	require.NoError(t, r.Add(gone))
	require.True(t, r.Remove(gone))
	assert.True(t, gone.Detached())
	assert.False(t, r.Join(5, gone), "already removed")
	assert.Empty(t, r.RoomSessions(5))
	assert.Empty(t, gone.Rooms())
}

func TestRegistry_JoinRacingRemoveLeavesNoStaleRoom(t *testing.T) {
	t.Parallel()
	r := NewRegistry(0, 0)
	for i := 0; i < 200; i++ {
		s := newSession(1, nil)
		require.NoError(t, r.Add(s))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Join(9, s)
		}()
		go func() {
			defer wg.Done()
			r.Remove(s)
		}()
		wg.Wait()

		require.Empty(t, r.RoomSessions(9), "iteration %d", i)
		require.Empty(t, s.Rooms(), "iteration %d", i)
	}
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	t.Parallel()
	r := NewRegistry(0, 0)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		s := newSession(uint(i%8)+1, nil)
		require.NoError(t, r.Add(s), fmt.Sprint(i))
		wg.Add(1)
		go func(s *Session, conv uint) {
			defer wg.Done()
			r.Join(conv, s)
			r.Join(conv+1, s)
			r.Leave(conv+1, s)
		}(s, uint(i%5))
	}
	wg.Wait()

	total := 0
	for conv := uint(0); conv < 6; conv++ {
		total += len(r.RoomSessions(conv))
	}
	assert.Equal(t, 64, total)
}
