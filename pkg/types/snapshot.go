package types

// Snapshot is the full broadcast representation of a lobby, sent to every
// member after any observable state change. All timestamps are unix
// milliseconds. ServerTimestamp accompanies every snapshot so clients compute
// remaining time as deadline - serverTimestamp instead of trusting their own
// clocks.
type Snapshot struct {
	LobbyCode       string        `json:"lobbyCode"`
	Participants    []Participant `json:"participants"`
	Phase           string        `json:"phase"`
	ServerTimestamp int64         `json:"serverTimestamp"`
	PhaseDeadline   int64         `json:"phaseDeadline,omitempty"`
	GameDeadline    int64         `json:"gameDeadline,omitempty"`
	ActiveClaimant  string        `json:"activeClaimant,omitempty"`
}

type Participant struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	IsAdmin      bool   `json:"isAdmin"`
	SeatPosition int    `json:"seatPosition,omitempty"` // 0 = no seat claimed
}
