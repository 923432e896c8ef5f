package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buzzroom/buzzroom-backend/internal/engine"
	"github.com/buzzroom/buzzroom-backend/internal/hub"
	"github.com/buzzroom/buzzroom-backend/pkg/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(hubCtx, engine.DefaultRules(), clockwork.NewFakeClock(), zap.NewNop())
	srv := httptest.NewServer(Handler(h, zap.NewNop(), nil))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, ctx context.Context, httpURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, msg types.ClientMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))
}

// recv reads server messages until one of the wanted type arrives. Snapshot
// broadcasts and private replies ride separate writers, so their relative
// order is not guaranteed.
func recv(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) types.ServerMessage {
	t.Helper()
	for {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, data, err := conn.Read(rctx)
		cancel()
		require.NoError(t, err, "waiting for %s", wantType)

		var msg types.ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == wantType {
			return msg
		}
	}
}

func TestHandler_CreateAndJoinFlow(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	amy := dial(t, ctx, srv.URL)

	send(t, ctx, amy, types.ClientMessage{Type: "createLobby", Name: "Amy"})
	joined := recv(t, ctx, amy, "Joined")
	require.NotEmpty(t, joined.Joined.LobbyCode)
	require.NotEmpty(t, joined.Joined.ConnectionID)

	snap := recv(t, ctx, amy, "Snapshot")
	require.Len(t, snap.Snapshot.Participants, 1)
	require.True(t, snap.Snapshot.Participants[0].IsAdmin)
	require.Equal(t, "Amy", snap.Snapshot.Participants[0].DisplayName)

	ben := dial(t, ctx, srv.URL)
	send(t, ctx, ben, types.ClientMessage{Type: "joinLobby", Name: "Ben", Code: joined.Joined.LobbyCode})
	recv(t, ctx, ben, "Joined")

	benSnap := recv(t, ctx, ben, "Snapshot")
	require.Len(t, benSnap.Snapshot.Participants, 2)
	require.False(t, benSnap.Snapshot.Participants[1].IsAdmin)
}

func TestHandler_JoinUnknownCode(t *testing.T) {
	ctx := context.Background()
	conn := dial(t, ctx, newTestServer(t).URL)

	send(t, ctx, conn, types.ClientMessage{Type: "joinLobby", Name: "Amy", Code: "XXXXX"})
	msg := recv(t, ctx, conn, "Error")
	require.Equal(t, engine.CodeNotFound, msg.Error.Code)
}

func TestHandler_CommandBeforeJoining(t *testing.T) {
	ctx := context.Background()
	conn := dial(t, ctx, newTestServer(t).URL)

	send(t, ctx, conn, types.ClientMessage{Type: "claim"})
	msg := recv(t, ctx, conn, "Error")
	require.Equal(t, engine.CodeNotFound, msg.Error.Code)
}

// A connection that never joins a lobby has no lobby to close its outbox;
// its writer goroutine must exit with the connection anyway.
func TestHandler_NeverJoinedConnectionReleasesWriter(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	before := runtime.NumGoroutine()
	const conns = 10
	for i := 0; i < conns; i++ {
		conn, _, err := websocket.Dial(ctx, url, nil)
		require.NoError(t, err)
		send(t, ctx, conn, types.ClientMessage{Type: "joinLobby", Name: "Amy", Code: "XXXXX"})
		recv(t, ctx, conn, "Error")
		conn.Close(websocket.StatusNormalClosure, "done")
	}

	deadline := time.Now().Add(3 * time.Second)
	for runtime.NumGoroutine() >= before+conns {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines leaked: %d before, %d after %d dropped connections",
				before, runtime.NumGoroutine(), conns)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandler_PrivateRejection(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	amy := dial(t, ctx, srv.URL)

	send(t, ctx, amy, types.ClientMessage{Type: "createLobby", Name: "Amy"})
	joined := recv(t, ctx, amy, "Joined")

	ben := dial(t, ctx, srv.URL)
	send(t, ctx, ben, types.ClientMessage{Type: "joinLobby", Name: "Ben", Code: joined.Joined.LobbyCode})
	recv(t, ctx, ben, "Joined")

	// Ben is not the admin; startGame comes back as a private error.
	send(t, ctx, ben, types.ClientMessage{Type: "startGame"})
	msg := recv(t, ctx, ben, "Error")
	require.Equal(t, engine.CodePermissionDenied, msg.Error.Code)
}
