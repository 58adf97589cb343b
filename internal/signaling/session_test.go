package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zokiio/ovc/internal/authcode"
	"github.com/zokiio/ovc/internal/config"
	"github.com/zokiio/ovc/internal/group"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/position"
	"github.com/zokiio/ovc/internal/registry"
	"github.com/zokiio/ovc/internal/router"
	"github.com/zokiio/ovc/internal/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()
	cfg := config.Default()
	cfg.OriginAllowlist = nil // CheckOrigin overridden below to always allow in tests

	reg := registry.New()
	groups := group.New(0, 0, nil)
	positions := position.New(position.DefaultConfig())
	store, err := authcode.New(t.TempDir()+"/auth.properties", nil)
	require.NoError(t, err)
	r := router.New(router.DefaultConfig(), reg, groups, positions, nil, nil)

	deps := Deps{
		Registry:  reg,
		Groups:    groups,
		AuthCodes: store,
		Router:    r,
		Config:    cfg,
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		Serve(conn, deps)
	}))
	return srv, deps
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env wire.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func authenticate(t *testing.T, conn *websocket.Conn, store *authcode.Store, username string) {
	t.Helper()
	playerID := ids.PlayerID(ids.NewClientID())
	code, err := store.GetOrCreate(username, playerID)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": wire.MsgAuthenticate,
		"data": wire.AuthenticatePayload{Username: username, AuthCode: code},
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, wire.MsgAuthSuccess, env.Type)
}

func TestAuthenticateSucceedsWithValidCode(t *testing.T) {
	srv, deps := newTestServer(t)
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()

	authenticate(t, conn, deps.AuthCodes, "alice")
}

func TestAuthenticateRejectsBadCode(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": wire.MsgAuthenticate,
		"data": wire.AuthenticatePayload{Username: "nobody", AuthCode: "ZZZZZZ"},
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, wire.MsgError, env.Type)
}

func TestMessageBeforeAuthIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.MsgListGroups}))
	env := readEnvelope(t, conn)
	require.Equal(t, wire.MsgError, env.Type)
}

func TestPingPong(t *testing.T) {
	srv, deps := newTestServer(t)
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()

	authenticate(t, conn, deps.AuthCodes, "bob")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": wire.MsgPing,
		"data": wire.PingPayload{Timestamp: 42},
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, wire.MsgPong, env.Type)
}

func TestCreateAndJoinGroupFlow(t *testing.T) {
	srv, deps := newTestServer(t)
	defer srv.Close()

	creatorConn := dial(t, srv)
	defer creatorConn.Close()
	authenticate(t, creatorConn, deps.AuthCodes, "creator")

	require.NoError(t, creatorConn.WriteJSON(map[string]any{
		"type": wire.MsgCreateGroup,
		"data": wire.CreateGroupPayload{GroupName: "Squad"},
	}))
	env := readEnvelope(t, creatorConn)
	require.Equal(t, wire.MsgGroupCreated, env.Type)

	var created wire.GroupCreatedPayload
	require.NoError(t, unmarshalData(env, &created))

	joinerConn := dial(t, srv)
	defer joinerConn.Close()
	authenticate(t, joinerConn, deps.AuthCodes, "joiner")

	require.NoError(t, joinerConn.WriteJSON(map[string]any{
		"type": wire.MsgJoinGroup,
		"data": wire.JoinGroupPayload{GroupID: created.GroupID},
	}))
	env = readEnvelope(t, joinerConn)
	require.Equal(t, wire.MsgGroupJoined, env.Type)
}

func unmarshalData(env wire.Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}
