package hub

import "errors"

var (
	// ErrRoomNotFound: join or room-addressed event against a room with no
	// backing persisted record (and nothing live in memory).
	ErrRoomNotFound = errors.New("room-not-found")
	// ErrNotParticipant: event from a connection that is not currently a
	// member of the addressed room (race with leave/kick).
	ErrNotParticipant = errors.New("not-participant")
	// ErrNotHost: host-only mutation attempted by a non-host identity.
	ErrNotHost = errors.New("not-authorized")
	// ErrUnknownConnection: operation for a connection id the registry has
	// never seen (or has already dropped).
	ErrUnknownConnection = errors.New("unknown-connection")
)

// ErrorCode maps a hub error to the wire-level code carried in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room-not-found"
	case errors.Is(err, ErrNotParticipant):
		return "not-participant"
	case errors.Is(err, ErrNotHost):
		return "not-authorized"
	case errors.Is(err, ErrUnknownConnection):
		return "unknown-connection"
	default:
		return "internal"
	}
}
