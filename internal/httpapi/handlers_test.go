package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buzzroom/buzzroom-backend/internal/engine"
	"github.com/buzzroom/buzzroom-backend/internal/hub"
)

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(ctx, engine.DefaultRules(), clockwork.NewFakeClock(), zap.NewNop())
	srv := httptest.NewServer(SetupRoutes(h, zap.NewNop(), []string{"*"}))
	t.Cleanup(srv.Close)
	return srv, h
}

func TestOriginHostPatterns(t *testing.T) {
	got := originHostPatterns([]string{
		"*",
		"https://app.example.com",
		"http://localhost:3000",
		"app.internal",
	})
	require.Equal(t, []string{"*", "app.example.com", "localhost:3000", "app.internal"}, got)
}

// The same configured origins feed CORS (full origins) and the websocket
// handshake (host patterns). A scheme-bearing config must still admit
// matching browsers on the socket.
func TestWebsocketOriginCheckUsesConfiguredOrigins(t *testing.T) {
	ctx := context.Background()
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(hubCtx, engine.DefaultRules(), clockwork.NewFakeClock(), zap.NewNop())
	srv := httptest.NewServer(SetupRoutes(h, zap.NewNop(), []string{"https://app.example.com"}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://app.example.com"}},
	})
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "done")

	_, _, err = websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.com"}},
	})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLobbyExists(t *testing.T) {
	srv, h := newTestServer(t)

	resp, err := http.Get(srv.URL + "/lobbies/XXXXX")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	reply := make(chan hub.CreateReply, 1)
	h.Inbox() <- hub.CreateLobby{Reply: reply}
	res := <-reply
	require.NoError(t, res.Err)

	resp, err = http.Get(srv.URL + "/lobbies/" + res.Code)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
