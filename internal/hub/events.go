package hub

import (
	"encoding/json"
	"time"
)

// Outbound event payloads. Every server->client frame is a flat JSON object
// whose "type" field selects the shape, mirroring the inbound envelope.

type ParticipantInfo struct {
	ConnID      string `json:"connId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	HasVideo    bool   `json:"hasVideo"`
	Muted       bool   `json:"isMuted"`
}

// RoomState is the initial snapshot sent to a joiner: room metadata plus
// everyone already present (the joiner itself excluded).
type RoomState struct {
	Type         string            `json:"type"` // "room-state"
	RoomID       string            `json:"roomId"`
	Title        string            `json:"title"`
	HostID       string            `json:"hostId"`
	Participants []ParticipantInfo `json:"participants"`
}

type UserJoined struct {
	Type        string          `json:"type"` // "user-joined"
	RoomID      string          `json:"roomId"`
	Participant ParticipantInfo `json:"participant"`
}

type UserLeft struct {
	Type   string `json:"type"` // "user-left"
	RoomID string `json:"roomId"`
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
}

// Signal carries a relayed offer/answer/candidate. From and FromUserID are
// stamped server-side so the recipient never trusts client-supplied sender
// claims.
type Signal struct {
	Type       string          `json:"type"` // "offer" | "answer" | "candidate"
	From       string          `json:"from"`
	FromUserID string          `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
}

type MediaFragment struct {
	Type       string          `json:"type"` // "media-fragment"
	From       string          `json:"from"`
	FromUserID string          `json:"fromUserId"`
	MimeType   string          `json:"mimeType,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type CameraState struct {
	Type     string `json:"type"` // "camera-state"
	ConnID   string `json:"connId"`
	UserID   string `json:"userId"`
	HasVideo bool   `json:"hasVideo"`
}

type MicState struct {
	Type   string `json:"type"` // "mic-state"
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
	Muted  bool   `json:"isMuted"`
}

type ChatMessage struct {
	Type        string    `json:"type"` // "chat-message"
	RoomID      string    `json:"roomId"`
	ConnID      string    `json:"connId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

type TitleUpdated struct {
	Type      string `json:"type"` // "title-updated"
	RoomID    string `json:"roomId"`
	Title     string `json:"title"`
	UpdatedBy string `json:"updatedBy"`
}

type Reaction struct {
	Type   string `json:"type"` // "reaction-received"
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

type ErrorNotice struct {
	Type   string `json:"type"` // "error"
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// SessionReplaced is the explicit rejection a duplicate/stale session
// receives before its transport is closed. Distinct from RoomEnded so the
// client can tell "you reconnected elsewhere" from "the meeting is over".
type SessionReplaced struct {
	Type   string `json:"type"` // "session-replaced"
	Reason string `json:"reason"`
}

type RoomEnded struct {
	Type   string `json:"type"` // "room-ended"
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}
