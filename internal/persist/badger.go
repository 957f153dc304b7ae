package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout:
//
//	room:<roomID>                     -> RoomMeta (JSON)
//	part:<roomID>:<userID>            -> ParticipantRecord (JSON)
//	chat:<roomID>:<unixnano>:<userID> -> ChatRecord (JSON)
//
// The roomID prefix makes cascade deletion a single prefix scan per keyspace.
type BadgerStore struct {
	db *badger.DB
	lg *zap.Logger
}

func OpenBadger(dir string, lg *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	lg.Info("audit store opened", zap.String("dir", dir))
	return &BadgerStore{db: db, lg: lg}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func roomKey(roomID string) []byte { return []byte("room:" + roomID) }

func partKey(roomID, userID string) []byte {
	return []byte("part:" + roomID + ":" + userID)
}

func chatKey(rec ChatRecord) []byte {
	return []byte(fmt.Sprintf("chat:%s:%d:%s", rec.RoomID, rec.SentAt.UnixNano(), rec.UserID))
}

func (s *BadgerStore) GetRoom(_ context.Context, roomID string) (RoomMeta, error) {
	var meta RoomMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(roomID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return RoomMeta{}, ErrNoRoom
	}
	if err != nil {
		return RoomMeta{}, err
	}
	return meta, nil
}

func (s *BadgerStore) PutRoom(_ context.Context, meta RoomMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roomKey(meta.ID), data)
	})
}

func (s *BadgerStore) UpsertParticipant(_ context.Context, rec ParticipantRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(partKey(rec.RoomID, rec.UserID), data)
	})
}

func (s *BadgerStore) MarkDeparted(_ context.Context, roomID, userID string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(partKey(roomID, userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // never joined durably; nothing to stamp
		}
		if err != nil {
			return err
		}
		var rec ParticipantRecord
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return err
		}
		rec.LeftAt = &at
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(partKey(roomID, userID), data)
	})
}

func (s *BadgerStore) SaveChatMessage(_ context.Context, rec ChatRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chatKey(rec), data)
	})
}

func (s *BadgerStore) UpdateRoomTitle(ctx context.Context, roomID, title string) error {
	meta, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	meta.Title = title
	return s.PutRoom(ctx, meta)
}

// DeleteRoomCascade removes the room record plus every participant and chat
// row under it.
func (s *BadgerStore) DeleteRoomCascade(_ context.Context, roomID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(roomKey(roomID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, prefix := range [][]byte{
			[]byte("part:" + roomID + ":"),
			[]byte("chat:" + roomID + ":"),
		} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			var doomed [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range doomed {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ChatHistory returns the saved chat lines of a room in send order. Not used
// on the live signaling path; serves the history export in the admin surface.
func (s *BadgerStore) ChatHistory(_ context.Context, roomID string) ([]ChatRecord, error) {
	var out []ChatRecord
	prefix := []byte("chat:" + roomID + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec ChatRecord
			err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
