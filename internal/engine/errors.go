package engine

import "errors"

var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrNotInLobby = errors.New("you are not in a lobby")
var ErrNotAdmin = errors.New("only the admin can do that")
var ErrWrongPhase = errors.New("not allowed in the current phase")
var ErrGameAlreadyStarted = errors.New("game already started")
var ErrLobbyFull = errors.New("lobby is full")
var ErrNameTaken = errors.New("that name is already taken")
var ErrInvalidPosition = errors.New("no such position")
var ErrPositionTaken = errors.New("position already taken")
var ErrInsufficientPlayers = errors.New("not enough players to start")
var ErrMissingSeats = errors.New("every player must pick a seat first")

// Invariant violations. These should be unreachable; the lobby that trips
// one is destroyed rather than left to propagate corrupt state.
var ErrNoAdmin = errors.New("non-empty lobby has no admin")
var ErrTooManyAdmins = errors.New("lobby has more than one admin")
var ErrDuplicateSeat = errors.New("two participants hold the same seat")

// Error codes reported to clients, one per rejection category.
const (
	CodeNotFound         = "not_found"
	CodePermissionDenied = "permission_denied"
	CodeIllegalPhase     = "illegal_phase"
	CodeConflict         = "conflict"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeInternal         = "internal"
)

// Code buckets an engine error into its wire-level category.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotInLobby):
		return CodeNotFound
	case errors.Is(err, ErrNotAdmin):
		return CodePermissionDenied
	case errors.Is(err, ErrWrongPhase),
		errors.Is(err, ErrGameAlreadyStarted),
		errors.Is(err, ErrUnsupportedCommand):
		return CodeIllegalPhase
	case errors.Is(err, ErrNameTaken),
		errors.Is(err, ErrPositionTaken),
		errors.Is(err, ErrInvalidPosition):
		return CodeConflict
	case errors.Is(err, ErrLobbyFull),
		errors.Is(err, ErrInsufficientPlayers),
		errors.Is(err, ErrMissingSeats):
		return CodeCapacityExceeded
	default:
		return CodeInternal
	}
}
