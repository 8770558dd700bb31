package roomio

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	propSockets = 4
	propRooms   = 5
)

// applyOp decodes op into a join or leave of one (socket, room) pair
func applyOp(a *MemoryAdapter, op int) {
	sid := fmt.Sprintf("s%d", op%propSockets)
	room := fmt.Sprintf("r%d", (op/propSockets)%propRooms)
	if op/(propSockets*propRooms) == 0 {
		_ = a.Join(sid, room)
	} else {
		_ = a.Leave(sid, room)
	}
}

// consistent checks that both indices describe the same relation and hold no empty sets
func consistent(a *MemoryAdapter) bool {
	for _, room := range a.AllRooms() {
		members := a.Members(room)
		if len(members) == 0 {
			return false
		}
		for _, sid := range members {
			if !contains(a.Rooms(sid), room) {
				return false
			}
		}
	}
	for i := 0; i < propSockets; i++ {
		sid := fmt.Sprintf("s%d", i)
		for _, room := range a.Rooms(sid) {
			if !contains(a.Members(room), sid) {
				return false
			}
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func opsGen() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 2*propSockets*propRooms-1))
}

func TestMemoryAdapterIndexProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("indices stay mutually consistent after every operation", prop.ForAll(
		func(ops []int) bool {
			a := NewMemoryAdapter()
			for _, op := range ops {
				applyOp(a, op)
				if !consistent(a) {
					return false
				}
			}
			return true
		},
		opsGen(),
	))

	properties.Property("leave all equals leaving every room of a snapshot", prop.ForAll(
		func(ops []int, target int) bool {
			viaLeaveAll := NewMemoryAdapter()
			viaLeave := NewMemoryAdapter()
			for _, op := range ops {
				applyOp(viaLeaveAll, op)
				applyOp(viaLeave, op)
			}

			sid := fmt.Sprintf("s%d", target)
			for _, room := range viaLeave.Rooms(sid) {
				_ = viaLeave.Leave(sid, room)
			}
			_ = viaLeaveAll.LeaveAll(sid)

			if len(viaLeaveAll.Rooms(sid)) != 0 {
				return false
			}
			got, want := viaLeaveAll.AllRooms(), viaLeave.AllRooms()
			sort.Strings(got)
			sort.Strings(want)
			if fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
			for _, room := range want {
				m1, m2 := viaLeaveAll.Members(room), viaLeave.Members(room)
				sort.Strings(m1)
				sort.Strings(m2)
				if fmt.Sprint(m1) != fmt.Sprint(m2) {
					return false
				}
			}
			return true
		},
		opsGen(),
		gen.IntRange(0, propSockets-1),
	))

	properties.TestingRun(t)
}

func TestMemoryAdapterJoinLeave(t *testing.T) {
	a := NewMemoryAdapter()

	require.NoError(t, a.Join("s1", "lobby"))
	require.NoError(t, a.Join("s1", "lobby"))
	require.NoError(t, a.Join("s2", "lobby"))

	assert.ElementsMatch(t, []string{"s1", "s2"}, a.Members("lobby"))
	assert.Equal(t, []string{"lobby"}, a.Rooms("s1"))

	require.NoError(t, a.Leave("s1", "lobby"))
	require.NoError(t, a.Leave("s1", "lobby"))
	assert.Equal(t, []string{"s2"}, a.Members("lobby"))
	assert.Empty(t, a.Rooms("s1"))

	require.NoError(t, a.Leave("s2", "lobby"))
	assert.Empty(t, a.AllRooms(), "empty rooms are removed")
}

func TestMemoryAdapterSnapshots(t *testing.T) {
	a := NewMemoryAdapter()
	require.NoError(t, a.Join("s1", "lobby"))

	members := a.Members("lobby")
	members[0] = "mutated"
	rooms := a.Rooms("s1")
	rooms[0] = "mutated"

	assert.Equal(t, []string{"s1"}, a.Members("lobby"))
	assert.Equal(t, []string{"lobby"}, a.Rooms("s1"))
}

func TestMemoryAdapterConcurrentMembership(t *testing.T) {
	a := NewMemoryAdapter()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				applyOp(a, (w*31+i*7)%(2*propSockets*propRooms))
				if i%50 == 0 {
					_ = a.LeaveAll(fmt.Sprintf("s%d", w%propSockets))
				}
			}
		}(w)
	}
	wg.Wait()

	assert.True(t, consistent(a))
}

func TestMemoryAdapterClose(t *testing.T) {
	a := NewMemoryAdapter()
	require.NoError(t, a.Join("s1", "lobby"))
	require.NoError(t, a.Close())

	assert.Empty(t, a.AllRooms())
	assert.Empty(t, a.Rooms("s1"))
}
