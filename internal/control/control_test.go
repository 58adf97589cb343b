package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zokiio/ovc/internal/authcode"
	"github.com/zokiio/ovc/internal/group"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
	"github.com/zokiio/ovc/internal/position"
	"github.com/zokiio/ovc/internal/registry"
)

func newControlPlane(t *testing.T) *ControlPlane {
	t.Helper()
	reg := registry.New()
	groups := group.New(0, 0, nil)
	positions := position.New(position.DefaultConfig())
	store, err := authcode.New(t.TempDir()+"/auth.properties", nil)
	require.NoError(t, err)
	return New(reg, groups, positions, store, nil)
}

func TestSetAndClearProximityOverride(t *testing.T) {
	c := newControlPlane(t)
	playerID := ids.PlayerID(ids.NewClientID())

	_, ok := c.PlayerOverride(playerID)
	assert.False(t, ok)

	c.SetProximityOverride(playerID, 25)
	meters, ok := c.PlayerOverride(playerID)
	require.True(t, ok)
	assert.Equal(t, 25.0, meters)

	c.SetProximityOverride(playerID, 0)
	_, ok = c.PlayerOverride(playerID)
	assert.False(t, ok)
}

func TestForceLeaveGroupIdempotent(t *testing.T) {
	c := newControlPlane(t)
	playerID := ids.PlayerID(ids.NewClientID())

	require.NoError(t, c.ForceLeaveGroup(playerID))

	g, err := c.CreateGroup(playerID, "Squad", model.GroupSettings{MaxMembers: 5})
	require.NoError(t, err)
	require.NoError(t, c.ForceLeaveGroup(playerID))
	assert.Nil(t, c.groups.Get(g.ID))
}

func TestMuteBroadcastsToGroupPeers(t *testing.T) {
	c := newControlPlane(t)
	creator := ids.PlayerID(ids.NewClientID())
	peer := ids.PlayerID(ids.NewClientID())

	var received []any
	c.registry.Join(&registry.Entry{ClientID: ids.NewClientID(), PlayerID: creator, SendJSON: func(t string, d any) {}})
	c.registry.Join(&registry.Entry{ClientID: ids.NewClientID(), PlayerID: peer, SendJSON: func(t string, d any) {
		received = append(received, d)
	}})

	g, err := c.CreateGroup(creator, "Squad", model.GroupSettings{MaxMembers: 5})
	require.NoError(t, err)
	require.NoError(t, c.groups.Join(peer, g.ID, ""))

	require.NoError(t, c.Mute(creator, true))
	require.Len(t, received, 1)
}

func TestOnPlayerLeaveClearsState(t *testing.T) {
	c := newControlPlane(t)
	playerID := ids.PlayerID(ids.NewClientID())

	c.SetProximityOverride(playerID, 10)
	g, err := c.CreateGroup(playerID, "Temp", model.GroupSettings{MaxMembers: 5})
	require.NoError(t, err)
	c.UpsertPosition(playerID, 1, 2, 3, 0, 0, "w", 0)

	c.OnPlayerLeave(playerID)

	_, ok := c.PlayerOverride(playerID)
	assert.False(t, ok)
	assert.Nil(t, c.groups.Get(g.ID))
	_, ok = c.positions.Get(playerID, 0)
	assert.False(t, ok)
}
