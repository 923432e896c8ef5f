package engine

import (
	"strings"
	"time"
)

type Phase string

const (
	PhaseLobby     Phase = "lobby"
	PhaseIdle      Phase = "idle"
	PhaseRoundOpen Phase = "round_open"
	PhaseLocked    Phase = "locked"
	PhaseGameOver  Phase = "game_over"
)

type Participant struct {
	ConnID  string
	Name    string
	IsAdmin bool
	Seat    int // 0 until a seat is claimed; valid seats are 1..Rules.MaxSeats
}

type Rules struct {
	MinPlayers       int
	MaxSeats         int
	GameLength       time.Duration
	RoundWindow      time.Duration
	ResolutionWindow time.Duration
}

// State is the complete authoritative state of one lobby. Deadlines are
// absolute timestamps; remaining time is always recomputed from "now", never
// counted down.
type State struct {
	Phase          Phase
	Participants   []Participant // join order; index 0 joined earliest
	PhaseDeadline  time.Time
	GameDeadline   time.Time
	ActiveClaimant string // ConnID of the buzz winner while Phase == PhaseLocked
	Rules          Rules
}

type CommandType string

const (
	CmdJoin       CommandType = "Join"
	CmdSelectSeat CommandType = "SelectSeat"
	CmdStartGame  CommandType = "StartGame"
	CmdOpenRound  CommandType = "OpenRound"
	CmdClaim      CommandType = "Claim"
	CmdLeave      CommandType = "Leave"

	// Timer-driven transitions. Never issued by clients.
	CmdPhaseTimeout CommandType = "PhaseTimeout"
	CmdGameTimeout  CommandType = "GameTimeout"
)

type Command struct {
	Type   CommandType
	ConnID string
	Name   string
	Seat   int
}

type EventType string

const (
	EvtJoined       EventType = "Joined"
	EvtSeatSelected EventType = "SeatSelected"
	EvtGameStarted  EventType = "GameStarted"
	EvtRoundOpened  EventType = "RoundOpened"
	EvtClaimed      EventType = "Claimed"
	EvtRoundReset   EventType = "RoundReset"
	EvtGameEnded    EventType = "GameEnded"
	EvtLeft         EventType = "Left"
	EvtAdminChanged EventType = "AdminChanged"
	EvtLobbyEmptied EventType = "LobbyEmptied"
)

type Event struct {
	Type   EventType
	ConnID string
	Seat   int
}

// Apply runs one command against the state and returns the events it
// produced plus the new state. Three outcomes:
//
//   - events non-empty, err nil: state changed, broadcast a snapshot
//   - events empty, err nil: deliberate silent no-op, nothing to send
//   - err non-nil: rejected, state unchanged, report privately to the issuer
//
// Apply never mutates s; callers keep the old state on error.
func Apply(s State, cmd Command, now time.Time) ([]Event, State, error) {
	switch cmd.Type {
	case CmdJoin:
		return applyJoin(s, cmd)
	case CmdSelectSeat:
		return applySelectSeat(s, cmd)
	case CmdStartGame:
		return applyStartGame(s, cmd, now)
	case CmdOpenRound:
		return applyOpenRound(s, cmd, now)
	case CmdClaim:
		return applyClaim(s, cmd, now)
	case CmdLeave:
		return applyLeave(s, cmd)
	case CmdPhaseTimeout:
		return applyPhaseTimeout(s, now)
	case CmdGameTimeout:
		return applyGameTimeout(s, now)
	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func applyJoin(s State, cmd Command) ([]Event, State, error) {
	if s.Phase != PhaseLobby {
		return nil, s, ErrGameAlreadyStarted
	}
	// Capacity is the seat count plus one slot for the admin.
	if len(s.Participants) >= s.Rules.MaxSeats+1 {
		return nil, s, ErrLobbyFull
	}
	for _, p := range s.Participants {
		if strings.EqualFold(p.Name, cmd.Name) {
			return nil, s, ErrNameTaken
		}
	}

	ns := clone(s)
	ns.Participants = append(ns.Participants, Participant{
		ConnID:  cmd.ConnID,
		Name:    cmd.Name,
		IsAdmin: len(s.Participants) == 0, // creator becomes admin
	})
	return []Event{{Type: EvtJoined, ConnID: cmd.ConnID}}, ns, nil
}

func applySelectSeat(s State, cmd Command) ([]Event, State, error) {
	i, ok := indexOf(s, cmd.ConnID)
	if !ok {
		return nil, s, ErrNotInLobby
	}
	if s.Phase != PhaseLobby {
		return nil, s, ErrWrongPhase
	}
	if cmd.Seat < 1 || cmd.Seat > s.Rules.MaxSeats {
		return nil, s, ErrInvalidPosition
	}
	for _, p := range s.Participants {
		if p.Seat == cmd.Seat {
			if p.ConnID == cmd.ConnID {
				// Re-claiming your own seat is a no-op.
				return nil, s, nil
			}
			return nil, s, ErrPositionTaken
		}
	}

	// Moving seats overwrites the caller's previous claim.
	ns := clone(s)
	ns.Participants[i].Seat = cmd.Seat
	return []Event{{Type: EvtSeatSelected, ConnID: cmd.ConnID, Seat: cmd.Seat}}, ns, nil
}

func applyStartGame(s State, cmd Command, now time.Time) ([]Event, State, error) {
	if err := requireAdmin(s, cmd.ConnID); err != nil {
		return nil, s, err
	}
	if s.Phase != PhaseLobby {
		return nil, s, ErrWrongPhase
	}
	if len(s.Participants) < s.Rules.MinPlayers {
		return nil, s, ErrInsufficientPlayers
	}
	for _, p := range s.Participants {
		if !p.IsAdmin && p.Seat == 0 {
			return nil, s, ErrMissingSeats
		}
	}

	ns := clone(s)
	ns.Phase = PhaseIdle
	ns.GameDeadline = now.Add(s.Rules.GameLength)
	ns.PhaseDeadline = time.Time{}
	return []Event{{Type: EvtGameStarted}}, ns, nil
}

func applyOpenRound(s State, cmd Command, now time.Time) ([]Event, State, error) {
	if err := requireAdmin(s, cmd.ConnID); err != nil {
		return nil, s, err
	}
	if s.Phase != PhaseIdle {
		return nil, s, ErrWrongPhase
	}

	ns := clone(s)
	ns.Phase = PhaseRoundOpen
	ns.PhaseDeadline = now.Add(s.Rules.RoundWindow)
	ns.ActiveClaimant = ""
	return []Event{{Type: EvtRoundOpened}}, ns, nil
}

func applyClaim(s State, cmd Command, now time.Time) ([]Event, State, error) {
	if _, ok := indexOf(s, cmd.ConnID); !ok {
		return nil, s, ErrNotInLobby
	}
	// Losing a buzz race is not an error: answering anything would reward
	// hammering the button. Same for a buzz that lands after the window.
	if s.Phase == PhaseLocked {
		return nil, s, nil
	}
	if s.Phase != PhaseRoundOpen {
		return nil, s, ErrWrongPhase
	}
	if !now.Before(s.PhaseDeadline) {
		return nil, s, nil
	}

	ns := clone(s)
	ns.Phase = PhaseLocked
	ns.ActiveClaimant = cmd.ConnID
	ns.PhaseDeadline = now.Add(s.Rules.ResolutionWindow)
	return []Event{{Type: EvtClaimed, ConnID: cmd.ConnID}}, ns, nil
}

func applyLeave(s State, cmd Command) ([]Event, State, error) {
	i, ok := indexOf(s, cmd.ConnID)
	if !ok {
		return nil, s, nil
	}
	leaver := s.Participants[i]

	ns := clone(s)
	ns.Participants = append(ns.Participants[:i], ns.Participants[i+1:]...)
	events := []Event{{Type: EvtLeft, ConnID: cmd.ConnID}}

	if len(ns.Participants) == 0 {
		events = append(events, Event{Type: EvtLobbyEmptied})
		return events, ns, nil
	}

	if leaver.IsAdmin {
		// Earliest-joined survivor inherits the lobby.
		ns.Participants[0].IsAdmin = true
		events = append(events, Event{Type: EvtAdminChanged, ConnID: ns.Participants[0].ConnID})
	}

	// A live round cannot keep referencing a participant who no longer
	// exists: if the buzzer-holder or the admin running the round left,
	// abandon it.
	inRound := ns.Phase == PhaseRoundOpen || ns.Phase == PhaseLocked
	if inRound && (leaver.ConnID == s.ActiveClaimant || leaver.IsAdmin) {
		ns.Phase = PhaseIdle
		ns.ActiveClaimant = ""
		ns.PhaseDeadline = time.Time{}
		events = append(events, Event{Type: EvtRoundReset})
	}
	return events, ns, nil
}

// applyPhaseTimeout resolves an expired round window or resolution window.
// Firing it when no phase deadline has passed is a no-op, which makes
// duplicate fires for the same deadline harmless.
func applyPhaseTimeout(s State, now time.Time) ([]Event, State, error) {
	if s.PhaseDeadline.IsZero() || now.Before(s.PhaseDeadline) {
		return nil, s, nil
	}
	switch s.Phase {
	case PhaseRoundOpen, PhaseLocked:
		ns := clone(s)
		ns.Phase = PhaseIdle
		ns.ActiveClaimant = ""
		ns.PhaseDeadline = time.Time{}
		return []Event{{Type: EvtRoundReset}}, ns, nil
	default:
		return nil, s, nil
	}
}

func applyGameTimeout(s State, now time.Time) ([]Event, State, error) {
	if s.GameDeadline.IsZero() || now.Before(s.GameDeadline) {
		return nil, s, nil
	}
	switch s.Phase {
	case PhaseIdle, PhaseRoundOpen, PhaseLocked:
		ns := clone(s)
		ns.Phase = PhaseGameOver
		ns.ActiveClaimant = ""
		ns.PhaseDeadline = time.Time{}
		return []Event{{Type: EvtGameEnded}}, ns, nil
	default:
		return nil, s, nil
	}
}

func requireAdmin(s State, connID string) error {
	i, ok := indexOf(s, connID)
	if !ok {
		return ErrNotInLobby
	}
	if !s.Participants[i].IsAdmin {
		return ErrNotAdmin
	}
	return nil
}
