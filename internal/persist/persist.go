package persist

import (
	"context"
	"errors"
	"time"
)

// ErrNoRoom is returned by GetRoom when no persisted room exists for the id.
var ErrNoRoom = errors.New("no such room")

// RoomMeta is the persisted room record the live hub caches per room lifetime.
type RoomMeta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	HostID    string    `json:"hostId"`
	ChatSaved bool      `json:"isChatSaved"`
	CreatedAt time.Time `json:"createdAt"`
}

// ParticipantRecord is the audit row mirroring one identity's presence in a room.
type ParticipantRecord struct {
	RoomID      string     `json:"roomId"`
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	ConnID      string     `json:"connId"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`
}

// ChatRecord is one persisted chat line (only for rooms with ChatSaved set).
type ChatRecord struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

// Store is the durable side consumed by the hub. GetRoom is the only call on
// the join path; all writes go through the Synchronizer and are advisory.
type Store interface {
	GetRoom(ctx context.Context, roomID string) (RoomMeta, error)
	PutRoom(ctx context.Context, meta RoomMeta) error
	UpsertParticipant(ctx context.Context, rec ParticipantRecord) error
	MarkDeparted(ctx context.Context, roomID, userID string, at time.Time) error
	SaveChatMessage(ctx context.Context, rec ChatRecord) error
	UpdateRoomTitle(ctx context.Context, roomID, title string) error
	DeleteRoomCascade(ctx context.Context, roomID string) error
}
