package hub_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aimeet/meet-backend/internal/auth"
	"github.com/aimeet/meet-backend/internal/hub"
	"github.com/aimeet/meet-backend/internal/persist"
)

// fakeConn records every frame the hub writes to it.
type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (f *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.frames {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

func (f *fakeConn) last(typ string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i]["type"] == typ {
			return f.frames[i]
		}
	}
	return nil
}

func newHub(t *testing.T) (*hub.Hub, *persist.MemoryStore) {
	t.Helper()
	store := persist.NewMemoryStore()
	lg := zap.NewNop()
	syncer := persist.NewSynchronizer(store, lg, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	syncer.Start(ctx)
	return hub.New(store, syncer, lg), store
}

func seedRoom(t *testing.T, store *persist.MemoryStore, id, host string, chatSaved bool) {
	t.Helper()
	err := store.PutRoom(context.Background(), persist.RoomMeta{
		ID: id, Title: "standup", HostID: host, ChatSaved: chatSaved, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func join(t *testing.T, h *hub.Hub, connID, userID, roomID string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	h.Register(connID, auth.Identity{UserID: userID, DisplayName: userID}, c)
	require.NoError(t, h.Join(context.Background(), connID, hub.JoinRequest{RoomID: roomID}))
	return c
}

func TestJoinUnknownRoomFails(t *testing.T) {
	h, _ := newHub(t)
	c := &fakeConn{}
	h.Register("c1", auth.Identity{UserID: "alice"}, c)
	err := h.Join(context.Background(), "c1", hub.JoinRequest{RoomID: "nope"})
	require.ErrorIs(t, err, hub.ErrRoomNotFound)
	_, ok := h.RoomOf("alice")
	require.False(t, ok, "failed join must not touch the index")
}

func TestJoinFlow(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	state := ca.last("room-state")
	require.NotNil(t, state)
	require.Equal(t, "alice", state["hostId"])
	require.Empty(t, state["participants"])

	cb := join(t, h, "c-bob", "bob", "r1")
	joined := ca.last("user-joined")
	require.NotNil(t, joined, "alice should see bob arrive")
	require.Equal(t, "bob", joined["participant"].(map[string]any)["userId"])

	bstate := cb.last("room-state")
	require.NotNil(t, bstate)
	parts := bstate["participants"].([]any)
	require.Len(t, parts, 1)
	require.Equal(t, "alice", parts[0].(map[string]any)["userId"])
}

func TestJoinSameConnOverwrites(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	cb := join(t, h, "c-bob", "bob", "r1")

	before := ca.count("user-joined")
	require.NoError(t, h.Join(context.Background(), "c-bob", hub.JoinRequest{RoomID: "r1"}))

	parts, err := h.Snapshot("r1")
	require.NoError(t, err)
	require.Len(t, parts, 2, "re-join must overwrite, not duplicate")
	require.Equal(t, before, ca.count("user-joined"), "no repeat user-joined for an overwrite")
	require.False(t, cb.isClosed())
}

func TestDuplicateSocketReconnect(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	cb1 := join(t, h, "c-bob-1", "bob", "r1")

	joins, lefts := ca.count("user-joined"), ca.count("user-left")

	// page refresh: new socket for bob joins before the old one disconnects
	cb2 := join(t, h, "c-bob-2", "bob", "r1")

	require.True(t, cb1.isClosed(), "stale socket must be closed")
	require.NotNil(t, cb1.last("session-replaced"), "evicted socket gets an explicit notice")
	require.Equal(t, joins, ca.count("user-joined"), "no join flicker for alice")
	require.Equal(t, lefts, ca.count("user-left"), "no leave flicker for alice")

	parts, err := h.Snapshot("r1")
	require.NoError(t, err)
	bobs := 0
	for _, p := range parts {
		if p.UserID == "bob" {
			bobs++
		}
	}
	require.Equal(t, 1, bobs, "room lists exactly one bob")

	rid, ok := h.RoomOf("bob")
	require.True(t, ok)
	require.Equal(t, "r1", rid)

	// the old socket's disconnect arrives late; nothing should change
	h.Unregister("c-bob-1")
	require.Equal(t, lefts, ca.count("user-left"))
	require.NotNil(t, cb2.last("room-state"))
}

func TestCrossRoomMoveEvictsOldSession(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)
	seedRoom(t, store, "r2", "carol", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	cb1 := join(t, h, "c-bob-1", "bob", "r1")

	// bob opens a second tab into r2
	join(t, h, "c-bob-2", "bob", "r2")

	require.True(t, cb1.isClosed())
	require.NotNil(t, cb1.last("session-replaced"))

	left := ca.last("user-left")
	require.NotNil(t, left, "r1 sees a normal departure")
	require.Equal(t, "bob", left["userId"])

	parts, err := h.Snapshot("r1")
	require.NoError(t, err)
	for _, p := range parts {
		require.NotEqual(t, "bob", p.UserID, "r1 must no longer contain bob")
	}

	rid, ok := h.RoomOf("bob")
	require.True(t, ok)
	require.Equal(t, "r2", rid)
}

func TestGhostSocketSuppression(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	join(t, h, "c-bob-1", "bob", "r1")

	// refresh: the new socket silently evicts c-bob-1
	join(t, h, "c-bob-2", "bob", "r1")

	lefts := ca.count("user-left")
	h.Unregister("c-bob-1") // late disconnect of the evicted socket: no-op
	require.Equal(t, lefts, ca.count("user-left"))

	rid, ok := h.RoomOf("bob")
	require.True(t, ok)
	require.Equal(t, "r1", rid)

	// the last socket leaving is a real departure
	h.Unregister("c-bob-2")
	require.Equal(t, lefts+1, ca.count("user-left"))
	_, ok = h.RoomOf("bob")
	require.False(t, ok)
}

func TestIndexMatchesRoomMembership(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)
	seedRoom(t, store, "r2", "alice", false)

	join(t, h, "c1", "alice", "r1")
	join(t, h, "c2", "bob", "r1")
	join(t, h, "c3", "bob", "r2")   // bob moves
	join(t, h, "c4", "carol", "r2") // carol arrives
	h.Unregister("c1")              // alice leaves

	for _, u := range []string{"alice", "bob", "carol"} {
		rid, ok := h.RoomOf(u)
		if !ok {
			continue
		}
		parts, err := h.Snapshot(rid)
		require.NoError(t, err)
		found := false
		for _, p := range parts {
			if p.UserID == u {
				found = true
			}
		}
		require.True(t, found, "index maps %s to %s but the room does not contain them", u, rid)
	}
}

func TestEmptyRoomEvictedImmediately(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	join(t, h, "c-alice", "alice", "r1")
	require.NoError(t, h.Leave("c-alice"))

	_, err := h.Snapshot("r1")
	require.ErrorIs(t, err, hub.ErrRoomNotFound)

	// a later join re-reads persistence and recreates the room
	join(t, h, "c-alice-2", "alice", "r1")
	parts, err := h.Snapshot("r1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
}

func TestLeaveWithoutJoin(t *testing.T) {
	h, _ := newHub(t)
	c := &fakeConn{}
	h.Register("c1", auth.Identity{UserID: "alice"}, c)
	require.ErrorIs(t, h.Leave("c1"), hub.ErrNotParticipant)
}

func TestChatEchoAndPersistGate(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r-plain", "alice", false)
	seedRoom(t, store, "r-saved", "carol", true)

	ca := join(t, h, "c-alice", "alice", "r-plain")
	cb := join(t, h, "c-bob", "bob", "r-plain")
	cc := join(t, h, "c-carol", "carol", "r-saved")

	require.NoError(t, h.Chat("c-alice", "r-plain", "hello"))

	// echo with server timestamp goes to the sender too
	msg := ca.last("chat-message")
	require.NotNil(t, msg)
	require.Equal(t, "hello", msg["text"])
	require.NotEmpty(t, msg["sentAt"])
	require.NotNil(t, cb.last("chat-message"))

	// saved room: write must land; FIFO through the same worker proves the
	// unsaved room's message was never enqueued
	require.NoError(t, h.Chat("c-carol", "r-saved", "minutes"))
	require.NotNil(t, cc.last("chat-message"))
	require.Eventually(t, func() bool {
		hist, err := store.ChatHistory(context.Background(), "r-saved")
		return err == nil && len(hist) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hist, err := store.ChatHistory(context.Background(), "r-plain")
	require.NoError(t, err)
	require.Empty(t, hist, "chat in an unsaved room must not be persisted")
}

func TestUpdateTitleHostOnly(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	cb := join(t, h, "c-bob", "bob", "r1")

	err := h.UpdateTitle("c-bob", "r1", "bob was here")
	require.ErrorIs(t, err, hub.ErrNotHost)
	require.Nil(t, ca.last("title-updated"), "rejected rename must not broadcast")

	require.NoError(t, h.UpdateTitle("c-alice", "r1", "retro"))
	upd := cb.last("title-updated")
	require.NotNil(t, upd)
	require.Equal(t, "retro", upd["title"])
	require.Equal(t, "alice", upd["updatedBy"])
}

func TestRelayStampsSender(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	join(t, h, "c-alice", "alice", "r1")
	cb := join(t, h, "c-bob", "bob", "r1")

	require.NoError(t, h.Relay("c-alice", "c-bob", "offer", json.RawMessage(`{"sdp":"x"}`)))
	sig := cb.last("offer")
	require.NotNil(t, sig)
	require.Equal(t, "c-alice", sig["from"])
	require.Equal(t, "alice", sig["fromUserId"])

	// a target outside the sender's room is a benign race: dropped silently
	seedRoom(t, store, "r2", "carol", false)
	cc := join(t, h, "c-carol", "carol", "r2")
	require.NoError(t, h.Relay("c-alice", "c-carol", "offer", json.RawMessage(`{}`)))
	require.Nil(t, cc.last("offer"))
}

func TestRelayFromNonParticipant(t *testing.T) {
	h, _ := newHub(t)
	c := &fakeConn{}
	h.Register("c1", auth.Identity{UserID: "alice"}, c)
	err := h.Relay("c1", "c2", "offer", json.RawMessage(`{}`))
	require.ErrorIs(t, err, hub.ErrNotParticipant)
}

func TestMediaFanout(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	cb := join(t, h, "c-bob", "bob", "r1")

	require.NoError(t, h.RelayMedia("c-alice", "video/webm", json.RawMessage(`"b64chunk"`)))
	frag := cb.last("media-fragment")
	require.NotNil(t, frag)
	require.Equal(t, "c-alice", frag["from"])
	require.Equal(t, "video/webm", frag["mimeType"])
	require.Nil(t, ca.last("media-fragment"), "sender does not get its own fragment back")
}

func TestCameraAndMicState(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	join(t, h, "c-alice", "alice", "r1")
	cb := join(t, h, "c-bob", "bob", "r1")

	require.NoError(t, h.SetCamera("c-alice", "r1", true))
	cam := cb.last("camera-state")
	require.NotNil(t, cam)
	require.Equal(t, true, cam["hasVideo"])

	require.NoError(t, h.SetMic("c-alice", "r1", true))
	mic := cb.last("mic-state")
	require.NotNil(t, mic)
	require.Equal(t, true, mic["isMuted"])

	// state sticks: a later joiner sees it in the snapshot
	cc := join(t, h, "c-carol", "carol", "r1")
	state := cc.last("room-state")
	for _, p := range state["participants"].([]any) {
		pm := p.(map[string]any)
		if pm["userId"] == "alice" {
			require.Equal(t, true, pm["hasVideo"])
			require.Equal(t, true, pm["isMuted"])
		}
	}
}

func TestCloseRoomKicksEveryone(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	cb := join(t, h, "c-bob", "bob", "r1")

	// non-host actor is refused
	require.ErrorIs(t, h.CloseRoom(context.Background(), "r1", "bob"), hub.ErrNotHost)

	require.NoError(t, h.CloseRoom(context.Background(), "r1", "alice"))
	require.NotNil(t, ca.last("room-ended"))
	require.NotNil(t, cb.last("room-ended"))
	require.True(t, ca.isClosed())
	require.True(t, cb.isClosed())

	_, err := h.Snapshot("r1")
	require.ErrorIs(t, err, hub.ErrRoomNotFound)

	require.Eventually(t, func() bool {
		_, err := store.GetRoom(context.Background(), "r1")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "durable record must be cascade-deleted")
}

func TestKickUser(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "alice", false)

	ca := join(t, h, "c-alice", "alice", "r1")
	cb := join(t, h, "c-bob", "bob", "r1")

	require.NoError(t, h.KickUser("r1", "bob"))
	require.True(t, cb.isClosed())
	left := ca.last("user-left")
	require.NotNil(t, left)
	require.Equal(t, "bob", left["userId"])

	require.ErrorIs(t, h.KickUser("r1", "bob"), hub.ErrNotParticipant)
	require.ErrorIs(t, h.KickUser("nope", "bob"), hub.ErrRoomNotFound)
}

func TestConcurrentChurn(t *testing.T) {
	h, store := newHub(t)
	seedRoom(t, store, "r1", "host", false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := "c" + string(rune('A'+i%26)) + string(rune('0'+i/26))
			userID := "u" + string(rune('A'+i%26))
			c := &fakeConn{}
			h.Register(connID, auth.Identity{UserID: userID}, c)
			_ = h.Join(context.Background(), connID, hub.JoinRequest{RoomID: "r1"})
			_ = h.Chat(connID, "r1", "hi")
			h.Unregister(connID)
		}(i)
	}
	wg.Wait()

	// all sockets are gone; the room must be too
	_, err := h.Snapshot("r1")
	require.ErrorIs(t, err, hub.ErrRoomNotFound)
}
