// Package tcp is the wire adapter: a line-oriented TCP acceptor and the
// per-connection session state machine.
package tcp

import (
	"strings"

	"github.com/ekinoks/chatrelay/internal/core"
)

// Client control tokens, matched exactly and case-sensitively. Any other
// line is chat text.
const (
	tokenLeaveRoom = "LEAVE_ROOM"
	tokenCloseRoom = "CLOSE_ROOM"
)

// Server control lines.
const (
	lineRoomClosed     = "ROOM_CLOSED"
	participantsPrefix = "UPDATE_PARTICIPANTS_LIST "
)

func chatLine(username, text string) string {
	return username + ": " + text
}

func joinedLine(username string) string {
	return "[+] " + username + " joined"
}

func leftLine(username string) string {
	return "[+] " + username + " left"
}

// participantsLine renders the comma-separated username list, no
// trailing comma. Members arrive already ordered from the registry.
func participantsLine(members []core.MemberInfo) string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Username)
	}
	return participantsPrefix + strings.Join(names, ",")
}
