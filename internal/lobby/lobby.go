package lobby

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/buzzroom/buzzroom-backend/internal/engine"
	"github.com/buzzroom/buzzroom-backend/pkg/types"
)

// ErrLobbyClosed answers messages that reach a lobby after its last
// participant left and it destroyed itself.
var ErrLobbyClosed = errors.New("lobby no longer exists")

type Msg interface{ isLobbyMsg() }

// Join registers a client outbox and admits the connection as a participant
// in one step. The engine decides admission; the first participant to join
// becomes the admin. Reply receives nil on success or the rejection.
type Join struct {
	ConnID string
	Name   string
	Outbox chan types.Snapshot
	Reply  chan error
}

func (Join) isLobbyMsg() {}

// FromClient carries one participant command. Reply, if non-nil, receives
// the engine's verdict so the transport can report rejections privately.
type FromClient struct {
	Cmd   engine.Command
	Reply chan error
}

func (FromClient) isLobbyMsg() {}

// Leave removes a participant and their outbox. Sent on disconnect; always
// legal.
type Leave struct{ ConnID string }

func (Leave) isLobbyMsg() {}

// RequestState asks for a fresh snapshot unicast to one client's outbox,
// for example after a client-side reload.
type RequestState struct{ ConnID string }

func (RequestState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

// GetState reflects internal state without data races. Test-only.
type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	NumClients int
	State      engine.State
}

type timerKind int

const (
	phaseTimer timerKind = iota
	gameTimer
)

// timerFired re-enters the loop when a scheduled deadline passes. The
// generation stamp lets the loop drop fires from timers that were superseded
// before delivery.
type timerFired struct {
	kind timerKind
	gen  uint64
}

func (timerFired) isLobbyMsg() {}

// Lobby is the single authority for one game session. One goroutine owns the
// state; client commands and timer fires are serialized through the inbox, so
// a transition is atomic with respect to both.
type Lobby struct {
	code    string
	inbox   chan Msg
	state   engine.State
	clients map[string]chan types.Snapshot
	clock   clockwork.Clock
	log     *zap.Logger
	onEmpty func(code string)

	phaseTimer clockwork.Timer
	phaseGen   uint64
	gameTimer  clockwork.Timer
	gameGen    uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLobby starts the lobby goroutine. onEmpty is invoked (from the lobby
// goroutine) exactly once, when the last participant leaves; the registry
// uses it to drop the code.
func NewLobby(parent context.Context, code string, rules engine.Rules, clock clockwork.Clock, log *zap.Logger, onEmpty func(code string)) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		code:    code,
		inbox:   make(chan Msg, 64),
		state:   engine.NewState(rules),
		clients: make(map[string]chan types.Snapshot),
		clock:   clock,
		log:     log.With(zap.String("lobby", code)),
		onEmpty: onEmpty,
		ctx:     ctx,
		cancel:  cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) Code() string { return l.code }

// Inbox exposes the message channel to the transport layer and tests.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby has shut down. A lobby pointer resolved from
// the registry may be an instant away from destruction (its last member
// leaving), so senders waiting on a Reply must also watch Done or they would
// block forever on a dead inbox.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

// Send enqueues a message unless the lobby has already shut down. A false
// return means the message was not delivered and no Reply will ever come.
func (l *Lobby) Send(m Msg) bool {
	select {
	case <-l.ctx.Done():
		return false
	default:
	}
	select {
	case l.inbox <- m:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				cmd := engine.Command{Type: engine.CmdJoin, ConnID: msg.ConnID, Name: msg.Name}
				events, ns, err := engine.Apply(l.state, cmd, l.clock.Now())
				if err == nil {
					l.clients[msg.ConnID] = msg.Outbox
					l.commit(events, ns)
				}
				msg.Reply <- err

			case FromClient:
				events, ns, err := engine.Apply(l.state, msg.Cmd, l.clock.Now())
				if err == nil {
					l.commit(events, ns)
				}
				if msg.Reply != nil {
					msg.Reply <- err
				}
				if l.emptied(events) {
					return
				}

			case Leave:
				l.removeClient(msg.ConnID)
				events, ns, _ := engine.Apply(l.state, engine.Command{Type: engine.CmdLeave, ConnID: msg.ConnID}, l.clock.Now())
				l.commit(events, ns)
				if l.emptied(events) {
					return
				}

			case timerFired:
				if !l.liveFire(msg) {
					break
				}
				cmd := engine.Command{Type: engine.CmdPhaseTimeout}
				if msg.kind == gameTimer {
					cmd.Type = engine.CmdGameTimeout
				}
				events, ns, _ := engine.Apply(l.state, cmd, l.clock.Now())
				l.commit(events, ns)

			case RequestState:
				if ch, ok := l.clients[msg.ConnID]; ok {
					l.send(msg.ConnID, ch, l.snapshot())
				}

			case GetState:
				msg.Reply <- View{NumClients: len(l.clients), State: l.state}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

// commit installs the new state, re-arms timers whose deadlines moved, and
// broadcasts iff the command produced observable events. A state that fails
// the invariant check is never installed: the lobby is torn down instead.
func (l *Lobby) commit(events []engine.Event, ns engine.State) {
	if len(events) == 0 {
		return
	}
	if err := engine.CheckInvariants(ns); err != nil {
		l.log.Error("state invariant violated, destroying lobby", zap.Error(err))
		l.destroy()
		return
	}

	prev := l.state
	l.state = ns

	if !ns.PhaseDeadline.Equal(prev.PhaseDeadline) || ns.Phase != prev.Phase {
		l.armPhase()
	}
	if !ns.GameDeadline.Equal(prev.GameDeadline) {
		l.armGame()
	}

	if engine.ContainsEvent(events, engine.EvtLobbyEmptied) {
		// Nobody left to tell; the registry entry goes with us.
		l.destroy()
		return
	}
	l.broadcast(l.snapshot())
}

func (l *Lobby) emptied(events []engine.Event) bool {
	return engine.ContainsEvent(events, engine.EvtLobbyEmptied)
}

// liveFire reports whether a timer fire still corresponds to the currently
// armed timer. Re-arming bumps the generation, so a fire that raced a phase
// change is dropped here instead of hitting the engine with a stale deadline.
func (l *Lobby) liveFire(f timerFired) bool {
	switch f.kind {
	case phaseTimer:
		return f.gen == l.phaseGen && l.phaseTimer != nil
	case gameTimer:
		return f.gen == l.gameGen && l.gameTimer != nil
	}
	return false
}

func (l *Lobby) armPhase() {
	l.phaseGen++
	if l.phaseTimer != nil {
		stopAndDrain(l.phaseTimer)
		l.phaseTimer = nil
	}
	if l.state.PhaseDeadline.IsZero() {
		return
	}
	l.phaseTimer = l.startTimer(phaseTimer, l.phaseGen, l.state.PhaseDeadline.Sub(l.clock.Now()))
}

func (l *Lobby) armGame() {
	l.gameGen++
	if l.gameTimer != nil {
		stopAndDrain(l.gameTimer)
		l.gameTimer = nil
	}
	if l.state.GameDeadline.IsZero() {
		return
	}
	l.gameTimer = l.startTimer(gameTimer, l.gameGen, l.state.GameDeadline.Sub(l.clock.Now()))
}

func (l *Lobby) startTimer(kind timerKind, gen uint64, d time.Duration) clockwork.Timer {
	t := l.clock.NewTimer(d)
	go func() {
		select {
		case <-t.Chan():
			select {
			case l.inbox <- timerFired{kind: kind, gen: gen}:
			case <-l.ctx.Done():
			}
		case <-l.ctx.Done():
			stopAndDrain(t)
		}
	}()
	return t
}

// stopAndDrain stops a timer and drains a pending fire so the waiting
// goroutine always unblocks, per the time.Timer.Stop contract.
func stopAndDrain(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

func (l *Lobby) snapshot() types.Snapshot {
	now := l.clock.Now()
	snap := types.Snapshot{
		LobbyCode:       l.code,
		Participants:    make([]types.Participant, 0, len(l.state.Participants)),
		Phase:           string(l.state.Phase),
		ServerTimestamp: now.UnixMilli(),
		ActiveClaimant:  l.state.ActiveClaimant,
	}
	if !l.state.PhaseDeadline.IsZero() {
		snap.PhaseDeadline = l.state.PhaseDeadline.UnixMilli()
	}
	if !l.state.GameDeadline.IsZero() {
		snap.GameDeadline = l.state.GameDeadline.UnixMilli()
	}
	for _, p := range l.state.Participants {
		snap.Participants = append(snap.Participants, types.Participant{
			ConnectionID: p.ConnID,
			DisplayName:  p.Name,
			IsAdmin:      p.IsAdmin,
			SeatPosition: p.Seat,
		})
	}
	return snap
}

func (l *Lobby) broadcast(snap types.Snapshot) {
	for id, ch := range l.clients {
		l.send(id, ch, snap)
	}
}

func (l *Lobby) send(id string, ch chan types.Snapshot, snap types.Snapshot) {
	select {
	case ch <- snap:
	default:
		// Client is slow or gone - drop them rather than stall the lobby.
		l.removeClient(id)
	}
}

func (l *Lobby) removeClient(id string) {
	if ch, ok := l.clients[id]; ok {
		close(ch)
		delete(l.clients, id)
	}
}

// destroy tears the lobby down: registry entry, timers, client channels.
func (l *Lobby) destroy() {
	if l.onEmpty != nil {
		l.onEmpty(l.code)
	}
	l.shutdown()
}

func (l *Lobby) shutdown() {
	if l.phaseTimer != nil {
		stopAndDrain(l.phaseTimer)
		l.phaseTimer = nil
	}
	if l.gameTimer != nil {
		stopAndDrain(l.gameTimer)
		l.gameTimer = nil
	}
	for id := range l.clients {
		l.removeClient(id)
	}
	l.cancel()

	// Messages queued behind the one that killed the lobby would otherwise
	// starve their Reply channels. Cancel first so Send stops admitting new
	// ones, then answer what is already in the buffer.
	for {
		select {
		case m := <-l.inbox:
			l.reject(m)
		default:
			return
		}
	}
}

// reject answers a message on behalf of a lobby that no longer runs.
func (l *Lobby) reject(m Msg) {
	switch msg := m.(type) {
	case Join:
		msg.Reply <- ErrLobbyClosed
	case FromClient:
		if msg.Reply != nil {
			msg.Reply <- ErrLobbyClosed
		}
	case GetState:
		msg.Reply <- View{}
	}
}
