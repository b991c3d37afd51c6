package core

import (
	"context"
	"time"

	"github.com/ekinoks/chatrelay/internal/domain"
)

type SessionID string

// Outbound abstracts one member's ordered outgoing line channel.
// Owned by the transport adapter; the adapter tears it down only after
// the member has been removed from every room.
type Outbound interface {
	// TrySend queues a line without blocking. Returns false when the
	// member is too slow to keep up and the line was dropped.
	TrySend(line string) bool
	// Disconnect asks the transport to terminate the connection after
	// flushing already-queued lines.
	Disconnect()
}

// Member binds a user identity and its transport endpoint.
// This is what a room stores and fans out to.
type Member struct {
	SID      SessionID
	UserID   domain.UserID
	Username string
	Out      Outbound
}

// MemberInfo is a read-only view for participant lists (no transport fields).
type MemberInfo struct {
	SID      SessionID
	UserID   domain.UserID
	Username string
}

// Gateway is the persistence boundary the relay core consumes: message
// history, room metadata, and username resolution. The core never talks
// to the database directly.
type Gateway interface {
	InsertMessage(ctx context.Context, roomID domain.RoomID, senderID domain.UserID, text string, sentAt time.Time) error
	// FetchHistory returns the room's messages ascending by timestamp.
	FetchHistory(ctx context.Context, roomID domain.RoomID) ([]domain.Message, error)
	// ResolveUsername returns "unknown" when no such user exists.
	ResolveUsername(ctx context.Context, userID domain.UserID) string
	// ResolveRoomOwner reports ok=false when the room record is absent.
	ResolveRoomOwner(ctx context.Context, roomID domain.RoomID) (domain.UserID, bool)
	// DeleteRoomAndMessages removes the room record and all its messages
	// in one transaction. On failure neither is removed.
	DeleteRoomAndMessages(ctx context.Context, roomID domain.RoomID) error
	// LoadAllRoomIDs is used once at startup to pre-populate the registry.
	LoadAllRoomIDs(ctx context.Context) ([]domain.RoomID, error)
}
