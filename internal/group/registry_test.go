package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
)

func newPlayer() ids.PlayerID {
	return ids.PlayerID(ids.NewClientID())
}

func TestCreateAndJoin(t *testing.T) {
	r := New(0, 0, nil)
	creator := newPlayer()
	joiner := newPlayer()

	g, err := r.Create(creator, "Squad", model.GroupSettings{MaxMembers: 2})
	require.NoError(t, err)

	err = r.Join(joiner, g.ID, "")
	require.NoError(t, err)

	got := r.Get(g.ID)
	require.NotNil(t, got)
	assert.Len(t, got.Members, 2)
}

func TestJoinEnforcesMaxMembers(t *testing.T) {
	r := New(0, 0, nil)
	creator := newPlayer()
	g, err := r.Create(creator, "Solo", model.GroupSettings{MaxMembers: 1})
	require.NoError(t, err)

	err = r.Join(newPlayer(), g.ID, "")
	assert.ErrorIs(t, err, ErrGroupFull)
}

func TestJoinWrongPassword(t *testing.T) {
	r := New(0, 0, nil)
	creator := newPlayer()
	g, err := r.Create(creator, "Locked", model.GroupSettings{
		MaxMembers:   5,
		PasswordHash: HashPassword("secret"),
	})
	require.NoError(t, err)

	err = r.Join(newPlayer(), g.ID, "wrong")
	assert.ErrorIs(t, err, ErrWrongPassword)

	err = r.Join(newPlayer(), g.ID, "secret")
	assert.NoError(t, err)
}

func TestPlayerLeavesPriorGroupBeforeJoiningAnother(t *testing.T) {
	r := New(0, 0, nil)
	player := newPlayer()

	g1, err := r.Create(newPlayer(), "A", model.GroupSettings{MaxMembers: 5})
	require.NoError(t, err)
	require.NoError(t, r.Join(player, g1.ID, ""))

	g2, err := r.Create(newPlayer(), "B", model.GroupSettings{MaxMembers: 5})
	require.NoError(t, err)
	require.NoError(t, r.Join(player, g2.ID, ""))

	a := r.Get(g1.ID)
	_, stillInA := a.Members[player]
	assert.False(t, stillInA)

	groupID, ok := r.GroupOf(player)
	require.True(t, ok)
	assert.Equal(t, g2.ID, groupID)
}

func TestNonPermanentGroupDestroyedWhenEmpty(t *testing.T) {
	r := New(0, 0, nil)
	creator := newPlayer()
	g, err := r.Create(creator, "Temp", model.GroupSettings{MaxMembers: 5})
	require.NoError(t, err)

	require.NoError(t, r.Leave(creator, g.ID))
	assert.Nil(t, r.Get(g.ID))
}

func TestPermanentGroupSurvivesEmpty(t *testing.T) {
	r := New(0, 0, nil)
	creator := newPlayer()
	g, err := r.Create(creator, "Lobby", model.GroupSettings{MaxMembers: 5, Permanent: true})
	require.NoError(t, err)

	require.NoError(t, r.Leave(creator, g.ID))
	got := r.Get(g.ID)
	require.NotNil(t, got)
	assert.Empty(t, got.Members)
}

func TestMembershipListenerFiresOnJoinAndLeave(t *testing.T) {
	var calls int
	r := New(0, 0, func(groupID string, members []ids.PlayerID) {
		calls++
	})
	creator := newPlayer()
	g, err := r.Create(creator, "Notif", model.GroupSettings{MaxMembers: 5})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	joiner := newPlayer()
	require.NoError(t, r.Join(joiner, g.ID, ""))
	assert.Equal(t, 2, calls)

	require.NoError(t, r.Leave(joiner, g.ID))
	assert.Equal(t, 3, calls)
}

func TestUpdateRejectedForNonCreator(t *testing.T) {
	r := New(0, 0, nil)
	creator := newPlayer()
	g, err := r.Create(creator, "Settings", model.GroupSettings{MaxMembers: 5})
	require.NoError(t, err)

	err = r.Update(newPlayer(), g.ID, model.GroupSettings{MaxMembers: 10})
	assert.Error(t, err)
}

func TestGroupLimitReached(t *testing.T) {
	r := New(1, 5, nil)
	_, err := r.Create(newPlayer(), "First", model.GroupSettings{})
	require.NoError(t, err)

	_, err = r.Create(newPlayer(), "Second", model.GroupSettings{})
	assert.ErrorIs(t, err, ErrGroupLimitReached)
}
