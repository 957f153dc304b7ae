package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimeet/meet-backend/internal/auth"
	"github.com/aimeet/meet-backend/internal/metrics"
	"github.com/aimeet/meet-backend/internal/persist"
)

// Hub owns all live meeting state: the connection registry, the room
// membership table and the identity→room index. Every mutation funnels
// through one mutex; the multi-step reconciliation on join is only correct
// because nothing else can interleave with it.
//
// Transport writes and closes happen under the lock and are best-effort;
// durable writes are handed to the Synchronizer and never awaited.
type Hub struct {
	store  persist.Store
	syncer *persist.Synchronizer
	lg     *zap.Logger

	mu     sync.Mutex
	conns  map[string]*client // connID -> live connection
	rooms  map[string]*room   // roomID -> live room
	byUser map[string]string  // userID -> roomID it currently occupies
	byConn map[string]string  // connID -> roomID it has joined
}

type client struct {
	id   string
	user auth.Identity
	t    Transport
}

type room struct {
	meta  persist.RoomMeta
	parts map[string]*participant // connID -> participant
}

type participant struct {
	connID   string
	user     auth.Identity
	hasVideo bool
	muted    bool
}

func (p *participant) info() ParticipantInfo {
	return ParticipantInfo{
		ConnID:      p.connID,
		UserID:      p.user.UserID,
		DisplayName: p.user.DisplayName,
		AvatarRef:   p.user.AvatarRef,
		HasVideo:    p.hasVideo,
		Muted:       p.muted,
	}
}

func New(store persist.Store, syncer *persist.Synchronizer, lg *zap.Logger) *Hub {
	return &Hub{
		store:  store,
		syncer: syncer,
		lg:     lg,
		conns:  make(map[string]*client),
		rooms:  make(map[string]*room),
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Register associates an authenticated identity with a live transport.
// The association is fixed for the connection's lifetime.
func (h *Hub) Register(connID string, user auth.Identity, t Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = &client{id: connID, user: user, t: t}
}

// Unregister drops the connection, leaving its room first if it joined one.
// Safe to call for connections the hub already evicted.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID)
	delete(h.conns, connID)
}

// JoinRequest is the payload of a join event after decoding.
type JoinRequest struct {
	RoomID      string
	DisplayName string
	AvatarRef   string
	HasVideo    bool
	Muted       bool
}

// Join runs reconciliation, then inserts the participant and answers with a
// room-state snapshot. The user-joined broadcast is suppressed when the join
// is a reconnect of an identity the room already shows, so the other
// participants see no flicker.
func (h *Hub) Join(ctx context.Context, connID string, req JoinRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.conns[connID]
	if c == nil {
		return ErrUnknownConnection
	}

	rejoined := h.reconcileLocked(c, req.RoomID)

	r := h.rooms[req.RoomID]
	if r == nil {
		meta, err := h.store.GetRoom(ctx, req.RoomID)
		if err != nil {
			if errors.Is(err, persist.ErrNoRoom) {
				return ErrRoomNotFound
			}
			h.lg.Error("room lookup failed", zap.String("room", req.RoomID), zap.Error(err))
			return ErrRoomNotFound
		}
		r = &room{meta: meta, parts: make(map[string]*participant)}
		h.rooms[req.RoomID] = r
	}

	user := c.user
	if req.DisplayName != "" {
		user.DisplayName = req.DisplayName
	}
	if req.AvatarRef != "" {
		user.AvatarRef = req.AvatarRef
	}

	_, already := r.parts[connID]
	p := &participant{connID: connID, user: user, hasVideo: req.HasVideo, muted: req.Muted}
	r.parts[connID] = p
	h.byUser[user.UserID] = req.RoomID
	h.byConn[connID] = req.RoomID
	h.updateGaugesLocked()

	others := make([]ParticipantInfo, 0, len(r.parts)-1)
	for id, op := range r.parts {
		if id != connID {
			others = append(others, op.info())
		}
	}
	_ = c.t.WriteJSON(RoomState{
		Type:         "room-state",
		RoomID:       req.RoomID,
		Title:        r.meta.Title,
		HostID:       r.meta.HostID,
		Participants: others,
	})

	if !rejoined && !already {
		h.broadcastLocked(r, connID, UserJoined{Type: "user-joined", RoomID: req.RoomID, Participant: p.info()})
	}

	h.syncer.ParticipantJoined(persist.ParticipantRecord{
		RoomID:      req.RoomID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		ConnID:      connID,
		JoinedAt:    time.Now().UTC(),
	})
	return nil
}

// Leave handles an explicit leave event.
func (h *Hub) Leave(connID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byConn[connID]; !ok {
		return ErrNotParticipant
	}
	h.leaveLocked(connID)
	return nil
}

// leaveLocked removes the connection's participant record. A user-left
// broadcast goes out only when this was the identity's last live socket in
// the room; losing one of several sockets is ghost cleanup, not a departure.
func (h *Hub) leaveLocked(connID string) {
	roomID, ok := h.byConn[connID]
	if !ok {
		return
	}
	r := h.rooms[roomID]
	delete(h.byConn, connID)
	if r == nil {
		return
	}
	p := r.parts[connID]
	delete(r.parts, connID)
	if p != nil && !h.userPresentLocked(r, p.user.UserID) {
		delete(h.byUser, p.user.UserID)
		h.broadcastLocked(r, connID, UserLeft{Type: "user-left", RoomID: roomID, ConnID: connID, UserID: p.user.UserID})
		h.syncer.ParticipantDeparted(roomID, p.user.UserID, time.Now().UTC())
	}
	h.dropRoomIfEmptyLocked(roomID, r)
	h.updateGaugesLocked()
}

// reconcileLocked enforces the single-active-meeting invariant before a join
// inserts anything. Returns true when the join is a same-room reconnect whose
// membership-change broadcasts should be suppressed.
func (h *Hub) reconcileLocked(c *client, target string) bool {
	cur, ok := h.byUser[c.user.UserID]
	if !ok {
		return false
	}
	if cur == target {
		// Duplicate/ghost sockets in the room being joined: evict every
		// other one quietly. The joining socket itself is skipped.
		evicted := h.evictUserLocked(cur, c.user.UserID, c.id, true, "duplicate-session")
		return evicted > 0
	}
	// Identity is elsewhere: terminate its sessions there and let the old
	// room see a normal departure.
	h.evictUserLocked(cur, c.user.UserID, c.id, false, "moved-room")
	return false
}

// evictUserLocked force-removes userID's participants from roomID, skipping
// joiningConn when it is itself a member (same-room rejoin overwrite, or a
// cross-room move on one socket — detached from the old room but not closed).
// Stale entries whose transport is already gone are cleaned up without a
// close. Returns the number of terminated connections.
func (h *Hub) evictUserLocked(roomID, userID, joiningConn string, silent bool, reason string) int {
	r := h.rooms[roomID]
	if r == nil {
		// index pointed at a room that no longer exists; heal it
		delete(h.byUser, userID)
		return 0
	}
	evicted, detached := 0, 0
	var lastConn string
	for id, p := range r.parts {
		if p.user.UserID != userID {
			continue
		}
		if id == joiningConn {
			if silent {
				// same socket re-joining its own room; the join overwrites it
				continue
			}
			// cross-room move on the joining socket: detach from the old
			// room but keep the transport, it carries the join in flight
			delete(r.parts, id)
			delete(h.byConn, id)
			detached++
			lastConn = id
			continue
		}
		delete(r.parts, id)
		delete(h.byConn, id)
		if cl := h.conns[id]; cl != nil {
			_ = cl.t.WriteJSON(SessionReplaced{Type: "session-replaced", Reason: "signed in from another session"})
			_ = cl.t.Close()
			delete(h.conns, id)
		}
		metrics.Evictions.WithLabelValues(reason).Inc()
		evicted++
		lastConn = id
	}
	if !h.userPresentLocked(r, userID) {
		delete(h.byUser, userID)
		if !silent && evicted+detached > 0 {
			h.broadcastLocked(r, "", UserLeft{Type: "user-left", RoomID: roomID, ConnID: lastConn, UserID: userID})
			h.syncer.ParticipantDeparted(roomID, userID, time.Now().UTC())
		}
	}
	h.dropRoomIfEmptyLocked(roomID, r)
	h.updateGaugesLocked()
	return evicted
}

// SetCamera updates the sender's video flag and tells the room.
func (h *Hub) SetCamera(connID, roomID string, hasVideo bool) error {
	return h.setState(connID, roomID, func(p *participant) any {
		p.hasVideo = hasVideo
		return CameraState{Type: "camera-state", ConnID: connID, UserID: p.user.UserID, HasVideo: hasVideo}
	})
}

// SetMic updates the sender's mute flag and tells the room.
func (h *Hub) SetMic(connID, roomID string, muted bool) error {
	return h.setState(connID, roomID, func(p *participant) any {
		p.muted = muted
		return MicState{Type: "mic-state", ConnID: connID, UserID: p.user.UserID, Muted: muted}
	})
}

func (h *Hub) setState(connID, roomID string, apply func(*participant) any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, p, err := h.senderLocked(connID, roomID)
	if err != nil {
		return err
	}
	msg := apply(p)
	h.broadcastLocked(r, connID, msg)
	return nil
}

// Relay forwards an offer/answer/candidate to one peer in the sender's room,
// stamped with the sender's connection id and identity. A target that has
// already left is a benign race: the sender will see its user-left.
func (h *Hub) Relay(connID, target, typ string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, p, err := h.senderLocked(connID, "")
	if err != nil {
		return err
	}
	if h.byConn[target] != h.byConn[connID] {
		return nil
	}
	if cl := h.conns[target]; cl != nil {
		_ = cl.t.WriteJSON(Signal{Type: typ, From: connID, FromUserID: p.user.UserID, Payload: payload})
	}
	return nil
}

// RelayMedia fans an opaque media fragment out to the rest of the room.
// The payload is routed, never inspected.
func (h *Hub) RelayMedia(connID, mimeType string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, p, err := h.senderLocked(connID, "")
	if err != nil {
		return err
	}
	metrics.MediaBytes.Add(float64(len(payload)))
	h.broadcastLocked(r, connID, MediaFragment{
		Type:       "media-fragment",
		From:       connID,
		FromUserID: p.user.UserID,
		MimeType:   mimeType,
		Payload:    payload,
	})
	return nil
}

// Chat broadcasts a message to the whole room including the sender, with a
// server-assigned timestamp so all clients order it identically. Persisted
// only when the room opted in.
func (h *Hub) Chat(connID, roomID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, p, err := h.senderLocked(connID, roomID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	h.broadcastLocked(r, "", ChatMessage{
		Type:        "chat-message",
		RoomID:      h.byConn[connID],
		ConnID:      connID,
		UserID:      p.user.UserID,
		DisplayName: p.user.DisplayName,
		Text:        text,
		SentAt:      now,
	})
	if r.meta.ChatSaved {
		h.syncer.ChatMessage(persist.ChatRecord{
			RoomID:      h.byConn[connID],
			UserID:      p.user.UserID,
			DisplayName: p.user.DisplayName,
			Text:        text,
			SentAt:      now,
		})
	}
	return nil
}

// React broadcasts an ephemeral reaction to everyone else. Never persisted.
func (h *Hub) React(connID, roomID, emoji string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, p, err := h.senderLocked(connID, roomID)
	if err != nil {
		return err
	}
	h.broadcastLocked(r, connID, Reaction{Type: "reaction-received", ConnID: connID, UserID: p.user.UserID, Emoji: emoji})
	return nil
}

// UpdateTitle renames the room. Host only, checked against the persisted
// creator identity cached in the room metadata.
func (h *Hub) UpdateTitle(connID, roomID, title string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, p, err := h.senderLocked(connID, roomID)
	if err != nil {
		return err
	}
	if p.user.UserID != r.meta.HostID {
		return ErrNotHost
	}
	r.meta.Title = title
	h.broadcastLocked(r, "", TitleUpdated{Type: "title-updated", RoomID: h.byConn[connID], Title: title, UpdatedBy: p.user.UserID})
	h.syncer.TitleChanged(h.byConn[connID], title)
	return nil
}

// RoomOf reports which room the identity currently occupies, if any.
func (h *Hub) RoomOf(userID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rid, ok := h.byUser[userID]
	return rid, ok
}

// Snapshot returns the room's current participants, or ErrRoomNotFound.
func (h *Hub) Snapshot(roomID string) ([]ParticipantInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	if r == nil {
		return nil, ErrRoomNotFound
	}
	out := make([]ParticipantInfo, 0, len(r.parts))
	for _, p := range r.parts {
		out = append(out, p.info())
	}
	return out, nil
}

// CloseRoom force-ends a meeting: every participant gets room-ended, every
// transport is closed, and the durable record is cascade-deleted. When
// actorUserID is non-empty it must match the persisted host.
func (h *Hub) CloseRoom(ctx context.Context, roomID, actorUserID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[roomID]
	meta := persist.RoomMeta{}
	if r != nil {
		meta = r.meta
	} else {
		m, err := h.store.GetRoom(ctx, roomID)
		if err != nil {
			return ErrRoomNotFound
		}
		meta = m
	}
	if actorUserID != "" && actorUserID != meta.HostID {
		return ErrNotHost
	}

	if r != nil {
		for id, p := range r.parts {
			if cl := h.conns[id]; cl != nil {
				_ = cl.t.WriteJSON(RoomEnded{Type: "room-ended", RoomID: roomID, Reason: "meeting ended by host"})
				_ = cl.t.Close()
				delete(h.conns, id)
			}
			delete(h.byConn, id)
			delete(h.byUser, p.user.UserID)
			metrics.Evictions.WithLabelValues("room-ended").Inc()
		}
		delete(h.rooms, roomID)
		h.updateGaugesLocked()
	}
	h.syncer.RoomDeleted(roomID)
	return nil
}

// KickUser force-removes one identity from a room (admin surface). The
// remaining participants see a normal user-left.
func (h *Hub) KickUser(roomID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	if r == nil {
		return ErrRoomNotFound
	}
	if !h.userPresentLocked(r, userID) {
		return ErrNotParticipant
	}
	h.evictUserLocked(roomID, userID, "", false, "admin-kick")
	return nil
}

// senderLocked resolves the sending connection to its room and participant,
// distinguishing "room unknown" from "you are not in it" for the error notice.
func (h *Hub) senderLocked(connID, claimedRoom string) (*room, *participant, error) {
	rid, ok := h.byConn[connID]
	if !ok {
		if claimedRoom != "" && h.rooms[claimedRoom] == nil {
			return nil, nil, ErrRoomNotFound
		}
		return nil, nil, ErrNotParticipant
	}
	if claimedRoom != "" && claimedRoom != rid {
		return nil, nil, ErrNotParticipant
	}
	r := h.rooms[rid]
	if r == nil {
		return nil, nil, ErrRoomNotFound
	}
	p := r.parts[connID]
	if p == nil {
		return nil, nil, ErrNotParticipant
	}
	return r, p, nil
}

// broadcastLocked writes payload to every member of r except skipConn
// (empty skipConn means everyone, used for shared-log events like chat).
func (h *Hub) broadcastLocked(r *room, skipConn string, payload any) {
	for id := range r.parts {
		if id == skipConn {
			continue
		}
		if cl := h.conns[id]; cl != nil {
			_ = cl.t.WriteJSON(payload)
		}
	}
}

func (h *Hub) userPresentLocked(r *room, userID string) bool {
	for _, p := range r.parts {
		if p.user.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) dropRoomIfEmptyLocked(roomID string, r *room) {
	if len(r.parts) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) updateGaugesLocked() {
	total := 0
	for _, r := range h.rooms {
		total += len(r.parts)
	}
	metrics.SetRooms(len(h.rooms))
	metrics.SetParticipants(total)
}
