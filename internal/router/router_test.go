package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zokiio/ovc/internal/group"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
	"github.com/zokiio/ovc/internal/position"
	"github.com/zokiio/ovc/internal/registry"
	"github.com/zokiio/ovc/internal/wire"
)

type fakeClient struct {
	mu       sync.Mutex
	received [][]byte
	accept   bool
}

func newFakeClient() *fakeClient { return &fakeClient{accept: true} }

func (f *fakeClient) sendFn() func([]byte) bool {
	return func(raw []byte) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.accept {
			return false
		}
		cp := append([]byte(nil), raw...)
		f.received = append(f.received, cp)
		return true
	}
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func setup(t *testing.T) (*Router, *registry.Registry, *group.Registry, *position.Tracker) {
	t.Helper()
	reg := registry.New()
	groups := group.New(0, 0, nil)
	positions := position.New(position.DefaultConfig())
	r := New(DefaultConfig(), reg, groups, positions, nil, nil)
	return r, reg, groups, positions
}

func addClient(reg *registry.Registry, playerID ids.PlayerID) (ids.ClientID, *fakeClient) {
	clientID := ids.NewClientID()
	fc := newFakeClient()
	reg.Join(&registry.Entry{ClientID: clientID, PlayerID: playerID, Send: fc.sendFn()})
	return clientID, fc
}

func audioFrom(clientID ids.ClientID, seq uint32) model.AudioFrame {
	return model.AudioFrame{SenderClientID: clientID, Codec: model.CodecOpus, SequenceNumber: seq, Payload: []byte("frame")}
}

func TestIsolatedGroupRestrictsToMembers(t *testing.T) {
	r, reg, groups, _ := setup(t)

	senderPlayer := ids.PlayerID(ids.NewClientID())
	memberPlayer := ids.PlayerID(ids.NewClientID())
	outsiderPlayer := ids.PlayerID(ids.NewClientID())

	senderClient, _ := addClient(reg, senderPlayer)
	_, memberFC := addClient(reg, memberPlayer)
	_, outsiderFC := addClient(reg, outsiderPlayer)

	g, err := groups.Create(senderPlayer, "Isolated", model.GroupSettings{MaxMembers: 5, IsIsolated: true, GlobalVoice: true, MinVolume: 1})
	require.NoError(t, err)
	require.NoError(t, groups.Join(memberPlayer, g.ID, ""))

	r.Route(senderClient, senderPlayer, audioFrom(senderClient, 1), 0)
	r.RemoveSender(senderClient)

	require.Eventually(t, func() bool { return memberFC.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, outsiderFC.count())
}

func TestProximityCutoffDropsFarPlayers(t *testing.T) {
	r, reg, _, positions := setup(t)

	senderPlayer := ids.PlayerID(ids.NewClientID())
	nearPlayer := ids.PlayerID(ids.NewClientID())
	farPlayer := ids.PlayerID(ids.NewClientID())

	senderClient, _ := addClient(reg, senderPlayer)
	_, nearFC := addClient(reg, nearPlayer)
	_, farFC := addClient(reg, farPlayer)

	positions.Upsert(senderPlayer, model.Position{X: 0, Y: 0, Z: 0, WorldID: "w", TimestampMs: 0})
	positions.Upsert(nearPlayer, model.Position{X: 5, Y: 0, Z: 0, WorldID: "w", TimestampMs: 0})
	positions.Upsert(farPlayer, model.Position{X: 500, Y: 0, Z: 0, WorldID: "w", TimestampMs: 0})

	r.Route(senderClient, senderPlayer, audioFrom(senderClient, 1), 0)
	r.RemoveSender(senderClient)

	require.Eventually(t, func() bool { return nearFC.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, farFC.count())
}

func TestBackpressureRecordedAndRouteContinues(t *testing.T) {
	r, reg, _, positions := setup(t)

	senderPlayer := ids.PlayerID(ids.NewClientID())
	congestedPlayer := ids.PlayerID(ids.NewClientID())
	healthyPlayer := ids.PlayerID(ids.NewClientID())

	senderClient, _ := addClient(reg, senderPlayer)
	_, congestedFC := addClient(reg, congestedPlayer)
	congestedFC.accept = false
	_, healthyFC := addClient(reg, healthyPlayer)

	positions.Upsert(senderPlayer, model.Position{WorldID: "w", TimestampMs: 0})
	positions.Upsert(congestedPlayer, model.Position{WorldID: "w", TimestampMs: 0})
	positions.Upsert(healthyPlayer, model.Position{WorldID: "w", TimestampMs: 0})

	r.Route(senderClient, senderPlayer, audioFrom(senderClient, 1), 0)
	r.RemoveSender(senderClient)

	require.Eventually(t, func() bool { return healthyFC.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, congestedFC.count())
}

func TestPerSenderOrderingPreserved(t *testing.T) {
	r, reg, _, positions := setup(t)

	senderPlayer := ids.PlayerID(ids.NewClientID())
	recipientPlayer := ids.PlayerID(ids.NewClientID())

	senderClient, _ := addClient(reg, senderPlayer)
	_, recipientFC := addClient(reg, recipientPlayer)

	positions.Upsert(senderPlayer, model.Position{WorldID: "w", TimestampMs: 0})
	positions.Upsert(recipientPlayer, model.Position{WorldID: "w", TimestampMs: 0})

	const n = 20
	for i := uint32(1); i <= n; i++ {
		r.Route(senderClient, senderPlayer, audioFrom(senderClient, i), 0)
	}
	r.RemoveSender(senderClient)

	require.Eventually(t, func() bool { return recipientFC.count() == n }, time.Second, 5*time.Millisecond)

	recipientFC.mu.Lock()
	defer recipientFC.mu.Unlock()
	for i, raw := range recipientFC.received {
		frame, err := wire.DecodeAudio(raw, 0)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), frame.SequenceNumber)
	}
}
