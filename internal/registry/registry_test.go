package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zokiio/ovc/internal/ids"
)

func TestJoinAndGet(t *testing.T) {
	r := New()
	clientID := ids.NewClientID()
	r.Join(&Entry{ClientID: clientID, Username: "alice"})

	got := r.Get(clientID)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Username)
}

func TestBindPlayerAndLookup(t *testing.T) {
	r := New()
	clientID := ids.NewClientID()
	playerID := ids.PlayerID(ids.NewClientID())
	r.Join(&Entry{ClientID: clientID})

	r.BindPlayer(clientID, playerID)

	got, ok := r.ClientFor(playerID)
	require.True(t, ok)
	assert.Equal(t, clientID, got)
}

func TestRebindingPlayerMovesIndex(t *testing.T) {
	r := New()
	clientA := ids.NewClientID()
	clientB := ids.NewClientID()
	playerID := ids.PlayerID(ids.NewClientID())

	r.Join(&Entry{ClientID: clientA})
	r.Join(&Entry{ClientID: clientB})
	r.BindPlayer(clientA, playerID)
	r.BindPlayer(clientB, playerID)

	got, ok := r.ClientFor(playerID)
	require.True(t, ok)
	assert.Equal(t, clientB, got)
}

func TestLeaveRemovesBothIndexes(t *testing.T) {
	r := New()
	clientID := ids.NewClientID()
	playerID := ids.PlayerID(ids.NewClientID())
	r.Join(&Entry{ClientID: clientID})
	r.BindPlayer(clientID, playerID)

	r.Leave(clientID)

	assert.Nil(t, r.Get(clientID))
	_, ok := r.ClientFor(playerID)
	assert.False(t, ok)
}

func TestAllAndCount(t *testing.T) {
	r := New()
	for i := 0; i < 40; i++ {
		r.Join(&Entry{ClientID: ids.NewClientID()})
	}
	assert.Equal(t, 40, r.Count())
	assert.Len(t, r.All(), 40)
}
