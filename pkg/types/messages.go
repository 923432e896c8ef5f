package types

// ClientMessage is the envelope for every command a client sends over the
// socket. Fields beyond Type are only read by the commands that need them.
//
// Commands:
//
//	createLobby: name
//	joinLobby:   name, code
//	selectSeat:  position
//	startGame:   (admin only)
//	openRound:   (admin only)
//	claim:       (no payload)
type ClientMessage struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Code     string `json:"code,omitempty"`
	Position int    `json:"position,omitempty"`
}

// ServerMessage is the envelope for everything the server writes back.
// Snapshots go to every member of a lobby; Joined and Error only ever go to
// the connection that issued the triggering command.
type ServerMessage struct {
	Type     string      `json:"type"` // "Snapshot" | "Joined" | "Error"
	Snapshot *Snapshot   `json:"snapshot,omitempty"`
	Joined   *JoinedInfo `json:"joined,omitempty"`
	Error    *ErrorInfo  `json:"error,omitempty"`
}

// JoinedInfo acknowledges a successful createLobby/joinLobby and tells the
// client which participant it is in subsequent snapshots.
type JoinedInfo struct {
	LobbyCode    string `json:"lobbyCode"`
	ConnectionID string `json:"connectionId"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
