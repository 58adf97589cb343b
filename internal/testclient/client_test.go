package testclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zokiio/ovc/internal/config"
	"github.com/zokiio/ovc/internal/corectx"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
	"github.com/zokiio/ovc/internal/rtcsession"
	"github.com/zokiio/ovc/internal/signaling"
)

func newTestServer(t *testing.T) (*httptest.Server, *corectx.CoreContext) {
	t.Helper()
	cfg := config.Default()
	cfg.AuthCodeFilePath = t.TempDir() + "/auth.properties"
	cfg.IdleTimeout = 5 * time.Second

	cc, err := corectx.New(cfg, nil)
	require.NoError(t, err)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		signaling.Serve(conn, cc.SignalingDeps())
	}))
	return srv, cc
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAuthenticateAndNegotiateAudioChannel(t *testing.T) {
	srv, cc := newTestServer(t)
	defer srv.Close()

	playerID := ids.PlayerID(ids.NewClientID())
	code, err := cc.AuthCodes.GetOrCreate("alice", playerID)
	require.NoError(t, err)

	client, err := Dial(wsURL(srv))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultNegotiateTimeout)
	defer cancel()

	require.NoError(t, client.Authenticate(ctx, "alice", code))
	require.NoError(t, client.Negotiate(ctx, cc.Config, nil))
}

func TestTwoClientsExchangeAudioViaRouter(t *testing.T) {
	srv, cc := newTestServer(t)
	defer srv.Close()

	alicePlayer := ids.PlayerID(ids.NewClientID())
	aliceCode, err := cc.AuthCodes.GetOrCreate("alice", alicePlayer)
	require.NoError(t, err)
	bobPlayer := ids.PlayerID(ids.NewClientID())
	bobCode, err := cc.AuthCodes.GetOrCreate("bob", bobPlayer)
	require.NoError(t, err)

	alice, err := Dial(wsURL(srv))
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Dial(wsURL(srv))
	require.NoError(t, err)
	defer bob.Close()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultNegotiateTimeout)
	defer cancel()

	require.NoError(t, alice.Authenticate(ctx, "alice", aliceCode))
	require.NoError(t, bob.Authenticate(ctx, "bob", bobCode))
	require.NoError(t, alice.Negotiate(ctx, cc.Config, nil))
	require.NoError(t, bob.Negotiate(ctx, cc.Config, nil))

	now := time.Now().UnixMilli()
	cc.Positions.Upsert(alicePlayer, model.Position{X: 0, Y: 0, Z: 0, TimestampMs: now})
	cc.Positions.Upsert(bobPlayer, model.Position{X: 1, Y: 0, Z: 0, TimestampMs: now})

	pcm := make([]int16, opusFrameSize)
	for i := range pcm {
		pcm[i] = int16(i % 100)
	}
	result, err := alice.SendOpusFrame(pcm, 1)
	require.NoError(t, err)
	require.Equal(t, rtcsession.SendOK, result)

	readCtx, readCancel := context.WithTimeout(context.Background(), DefaultNegotiateTimeout)
	defer readCancel()
	decoded, err := bob.RecvDecodedAudio(readCtx)
	require.NoError(t, err)
	require.NotEmpty(t, decoded)
}
