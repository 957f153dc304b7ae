package persist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept entirely in process memory. It backs dev
// setups and tests where a Badger directory is unwanted; the live hub never
// depends on which implementation it talks to.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]RoomMeta
	parts map[string]ParticipantRecord // roomID+"/"+userID
	chats []ChatRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]RoomMeta),
		parts: make(map[string]ParticipantRecord),
	}
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (RoomMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.rooms[roomID]
	if !ok {
		return RoomMeta{}, ErrNoRoom
	}
	return meta, nil
}

func (s *MemoryStore) PutRoom(_ context.Context, meta RoomMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[meta.ID] = meta
	return nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, rec ParticipantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[rec.RoomID+"/"+rec.UserID] = rec
	return nil
}

func (s *MemoryStore) MarkDeparted(_ context.Context, roomID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := roomID + "/" + userID
	rec, ok := s.parts[key]
	if !ok {
		return nil
	}
	rec.LeftAt = &at
	s.parts[key] = rec
	return nil
}

func (s *MemoryStore) SaveChatMessage(_ context.Context, rec ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, rec)
	return nil
}

func (s *MemoryStore) UpdateRoomTitle(_ context.Context, roomID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.rooms[roomID]
	if !ok {
		return ErrNoRoom
	}
	meta.Title = title
	s.rooms[roomID] = meta
	return nil
}

func (s *MemoryStore) DeleteRoomCascade(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	for k := range s.parts {
		if rec := s.parts[k]; rec.RoomID == roomID {
			delete(s.parts, k)
		}
	}
	kept := s.chats[:0]
	for _, c := range s.chats {
		if c.RoomID != roomID {
			kept = append(kept, c)
		}
	}
	s.chats = kept
	return nil
}

func (s *MemoryStore) ChatHistory(_ context.Context, roomID string) ([]ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChatRecord
	for _, c := range s.chats {
		if c.RoomID == roomID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

// Participant returns the stored audit row for one identity in one room.
func (s *MemoryStore) Participant(roomID, userID string) (ParticipantRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.parts[roomID+"/"+userID]
	return rec, ok
}
