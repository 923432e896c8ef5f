package engine

import (
	"fmt"
	"slices"
	"time"
)

func DefaultRules() Rules {
	return Rules{
		MinPlayers:       2,
		MaxSeats:         8,
		GameLength:       10 * time.Minute,
		RoundWindow:      10 * time.Second,
		ResolutionWindow: 15 * time.Second,
	}
}

func NewState(rules Rules) State {
	return State{
		Phase: PhaseLobby,
		Rules: rules,
	}
}

// clone copies the parts of the state Apply mutates so the caller's copy
// stays intact on rejection.
func clone(s State) State {
	s.Participants = slices.Clone(s.Participants)
	return s
}

func indexOf(s State, connID string) (int, bool) {
	for i, p := range s.Participants {
		if p.ConnID == connID {
			return i, true
		}
	}
	return 0, false
}

// ContainsEvent reports whether events includes one of the given type.
func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// CheckInvariants verifies the structural rules that every command sequence
// must preserve: exactly one admin whenever the lobby is non-empty, and
// pairwise-distinct valid seats. A non-nil result means the lobby state is
// corrupt and must not be served further.
func CheckInvariants(s State) error {
	admins := 0
	seats := make(map[int]string, len(s.Participants))
	for _, p := range s.Participants {
		if p.IsAdmin {
			admins++
		}
		if p.Seat == 0 {
			continue
		}
		if p.Seat < 1 || p.Seat > s.Rules.MaxSeats {
			return fmt.Errorf("%s holds out-of-range seat %d", p.ConnID, p.Seat)
		}
		if other, taken := seats[p.Seat]; taken {
			return fmt.Errorf("%w: seat %d held by %s and %s", ErrDuplicateSeat, p.Seat, other, p.ConnID)
		}
		seats[p.Seat] = p.ConnID
	}
	if len(s.Participants) > 0 && admins == 0 {
		return ErrNoAdmin
	}
	if admins > 1 {
		return fmt.Errorf("%w: %d admins", ErrTooManyAdmins, admins)
	}
	return nil
}
