package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buzzroom/buzzroom-backend/internal/engine"
	"github.com/buzzroom/buzzroom-backend/internal/hub"
	"github.com/buzzroom/buzzroom-backend/internal/lobby"
	"github.com/buzzroom/buzzroom-backend/pkg/types"
)

const writeTimeout = 3 * time.Second

// Transport-level rejections (unparseable or unknown messages) sit outside
// the engine's error taxonomy.
const codeBadRequest = "bad_request"

// Handler upgrades the connection and dispatches client commands to the
// participant's lobby. Each connection gets a stable identity for its
// lifetime; participants are addressed by it in snapshots.
func Handler(h *hub.Hub, log *zap.Logger, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			hub:  h,
			out:  make(chan types.Snapshot, 8),
			log:  log,
		}
		c.run(r.Context())
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	hub  *hub.Hub
	lb   *lobby.Lobby // set once the connection creates or joins a lobby
	out  chan types.Snapshot
	log  *zap.Logger
}

func (c *client) run(ctx context.Context) {
	defer c.leave()

	// Writer goroutine: snapshots only. Private errors and acks are written
	// from the reader loop, which is the only other writer.
	writeCtx, writeCancel := context.WithCancel(ctx)
	defer writeCancel()
	go func() {
		// The lobby closes c.out when it drops us, but a connection that
		// never joins has no lobby to do that. Exit on the connection's
		// context too or the goroutine outlives the socket.
		for {
			select {
			case snap, ok := <-c.out:
				if !ok {
					return
				}
				c.write(writeCtx, types.ServerMessage{Type: "Snapshot", Snapshot: &snap})
			case <-writeCtx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			// Clean close or drop either way: leave in defer.
			return
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			c.writeError(ctx, codeBadRequest, "malformed message")
			continue
		}
		c.dispatch(ctx, cm)
	}
}

func (c *client) dispatch(ctx context.Context, cm types.ClientMessage) {
	switch cm.Type {
	case "createLobby":
		c.createLobby(ctx, cm)
	case "joinLobby":
		c.joinLobby(ctx, cm)
	case "selectSeat":
		c.forward(ctx, engine.Command{Type: engine.CmdSelectSeat, ConnID: c.id, Seat: cm.Position})
	case "startGame":
		c.forward(ctx, engine.Command{Type: engine.CmdStartGame, ConnID: c.id})
	case "openRound":
		c.forward(ctx, engine.Command{Type: engine.CmdOpenRound, ConnID: c.id})
	case "claim":
		c.forward(ctx, engine.Command{Type: engine.CmdClaim, ConnID: c.id})
	case "requestState":
		if c.lb != nil {
			c.lb.Send(lobby.RequestState{ConnID: c.id})
		}
	default:
		c.writeError(ctx, codeBadRequest, "unknown command")
	}
}

func (c *client) createLobby(ctx context.Context, cm types.ClientMessage) {
	if c.lb != nil {
		c.writeError(ctx, engine.CodeConflict, "already in a lobby")
		return
	}
	reply := make(chan hub.CreateReply, 1)
	c.hub.Inbox() <- hub.CreateLobby{Reply: reply}
	res := <-reply
	if res.Err != nil {
		c.writeError(ctx, engine.CodeCapacityExceeded, res.Err.Error())
		return
	}
	c.admit(ctx, res.Lobby, res.Code, cm.Name)
}

func (c *client) joinLobby(ctx context.Context, cm types.ClientMessage) {
	if c.lb != nil {
		c.writeError(ctx, engine.CodeConflict, "already in a lobby")
		return
	}
	code := strings.ToUpper(cm.Code)
	reply := make(chan *lobby.Lobby, 1)
	c.hub.Inbox() <- hub.GetLobby{Code: code, Reply: reply}
	lb := <-reply
	if lb == nil {
		c.writeError(ctx, engine.CodeNotFound, "lobby not found")
		return
	}
	c.admit(ctx, lb, code, cm.Name)
}

func (c *client) admit(ctx context.Context, lb *lobby.Lobby, code, name string) {
	// The lobby pointer may already be a corpse: its last member can leave
	// between the registry lookup and this send. Send fails fast then, and
	// awaitReply watches the lobby's done channel for the same race on the
	// reply side.
	errc := make(chan error, 1)
	if !lb.Send(lobby.Join{ConnID: c.id, Name: name, Outbox: c.out, Reply: errc}) {
		c.writeError(ctx, engine.CodeNotFound, "lobby not found")
		return
	}
	if err := awaitReply(lb, errc); err != nil {
		c.writeError(ctx, errCode(err), err.Error())
		return
	}
	c.lb = lb
	c.hub.Inbox() <- hub.BindConn{ConnID: c.id, Code: code}
	c.write(ctx, types.ServerMessage{
		Type:   "Joined",
		Joined: &types.JoinedInfo{LobbyCode: code, ConnectionID: c.id},
	})
}

// forward sends a command to the connection's lobby and reports a rejection,
// if any, to this connection only. Accepted commands answer with a broadcast
// through the outbox instead.
func (c *client) forward(ctx context.Context, cmd engine.Command) {
	if c.lb == nil {
		c.writeError(ctx, engine.CodeNotFound, "you are not in a lobby")
		return
	}
	errc := make(chan error, 1)
	if !c.lb.Send(lobby.FromClient{Cmd: cmd, Reply: errc}) {
		c.writeError(ctx, engine.CodeNotFound, "lobby not found")
		return
	}
	if err := awaitReply(c.lb, errc); err != nil {
		c.writeError(ctx, errCode(err), err.Error())
	}
}

// awaitReply waits for the lobby's verdict without deadlocking on a lobby
// that shut down with our message still queued. A reply that raced the
// shutdown wins.
func awaitReply(lb *lobby.Lobby, errc <-chan error) error {
	select {
	case err := <-errc:
		return err
	case <-lb.Done():
		select {
		case err := <-errc:
			return err
		default:
			return lobby.ErrLobbyClosed
		}
	}
}

func errCode(err error) string {
	if errors.Is(err, lobby.ErrLobbyClosed) {
		return engine.CodeNotFound
	}
	return engine.Code(err)
}

func (c *client) leave() {
	if c.lb != nil {
		c.lb.Send(lobby.Leave{ConnID: c.id}) // best effort; the lobby may be gone
	}
	c.hub.Inbox() <- hub.UnbindConn{ConnID: c.id}
}

func (c *client) write(ctx context.Context, msg types.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal server message", zap.Error(err))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, payload); err != nil {
		c.log.Debug("write failed", zap.String("conn", c.id), zap.Error(err))
	}
}

func (c *client) writeError(ctx context.Context, code, message string) {
	c.write(ctx, types.ServerMessage{
		Type:  "Error",
		Error: &types.ErrorInfo{Code: code, Message: message},
	})
}
