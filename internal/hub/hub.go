package hub

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/buzzroom/buzzroom-backend/internal/engine"
	"github.com/buzzroom/buzzroom-backend/internal/lobby"
)

// Lobby codes avoid visually ambiguous characters (I, L, O, 0, 1) so they
// survive being read off someone's screen across the room.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
const codeLength = 5

// maxCodeAttempts bounds rejection sampling. With ~28M possible codes this
// only trips if the registry is effectively full.
const maxCodeAttempts = 100

var ErrCapacityExhausted = errors.New("could not allocate a free lobby code")

type HubMsg interface{ isHubMsg() }

// CreateLobby allocates a collision-free code and starts an empty lobby.
// The creator joins it through the lobby's own Join message afterwards.
type CreateLobby struct {
	Reply chan CreateReply
}

type CreateReply struct {
	Code  string
	Lobby *lobby.Lobby
	Err   error
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// RemoveLobby drops a code from the registry. Issued by a lobby's onEmpty
// callback the instant its participant list empties.
type RemoveLobby struct {
	Code string
}

// BindConn records which lobby a connection belongs to, so disconnects can
// be routed without scanning every lobby.
type BindConn struct {
	ConnID string
	Code   string
}

type UnbindConn struct {
	ConnID string
}

// FindByConn resolves the lobby a connection is currently bound to.
type FindByConn struct {
	ConnID string
	Reply  chan *lobby.Lobby
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg() {}
func (GetLobby) isHubMsg()    {}
func (RemoveLobby) isHubMsg() {}
func (BindConn) isHubMsg()    {}
func (UnbindConn) isHubMsg()  {}
func (FindByConn) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

// Hub owns the code->lobby mapping. Like the lobbies themselves it is an
// actor: one goroutine serializes every registry mutation.
type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	conns   map[string]string // connID -> lobby code
	rules   engine.Rules
	clock   clockwork.Clock
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, rules engine.Rules, clock clockwork.Clock, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		conns:   make(map[string]string),
		rules:   rules,
		clock:   clock,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				code, err := h.freeCode()
				if err != nil {
					msg.Reply <- CreateReply{Err: err}
					break
				}
				lb := lobby.NewLobby(h.ctx, code, h.rules, h.clock, h.log, h.lobbyEmptied)
				h.lobbies[code] = lb
				h.log.Info("lobby created", zap.String("lobby", code))
				msg.Reply <- CreateReply{Code: code, Lobby: lb}

			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // may be nil

			case RemoveLobby:
				delete(h.lobbies, msg.Code)
				for id, code := range h.conns {
					if code == msg.Code {
						delete(h.conns, id)
					}
				}
				h.log.Info("lobby removed", zap.String("lobby", msg.Code))

			case BindConn:
				h.conns[msg.ConnID] = msg.Code

			case UnbindConn:
				delete(h.conns, msg.ConnID)

			case FindByConn:
				msg.Reply <- h.lobbies[h.conns[msg.ConnID]]

			case ShutdownHub:
				for _, lb := range h.lobbies {
					lb.Inbox() <- lobby.Shutdown{}
				}
				clear(h.lobbies)
				clear(h.conns)
				h.cancel()
			}
		}
	}
}

// lobbyEmptied runs on the emptying lobby's goroutine; hand the removal to
// the hub loop rather than touching the maps directly.
func (h *Hub) lobbyEmptied(code string) {
	select {
	case h.inbox <- RemoveLobby{Code: code}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) freeCode() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := h.lobbies[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCapacityExhausted
}

func generateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[num.Int64()]
	}
	return string(code), nil
}
