package persist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aimeet/meet-backend/internal/metrics"
)

type task struct {
	op  string
	run func(context.Context) error
}

// Synchronizer mirrors in-memory membership transitions into the Store
// without ever blocking or failing them. Writes are queued on a bounded
// channel and executed by one worker; a full queue drops the write, a failed
// write is logged. Neither is surfaced to clients.
type Synchronizer struct {
	store Store
	lg    *zap.Logger
	ch    chan task
}

func NewSynchronizer(store Store, lg *zap.Logger, queueSize int) *Synchronizer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Synchronizer{store: store, lg: lg, ch: make(chan task, queueSize)}
}

// Start runs the worker until ctx is cancelled.
func (s *Synchronizer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-s.ch:
				if err := t.run(ctx); err != nil {
					metrics.PersistErrors.WithLabelValues(t.op).Inc()
					s.lg.Warn("persist write failed", zap.String("op", t.op), zap.Error(err))
				}
			}
		}
	}()
}

func (s *Synchronizer) submit(op string, run func(context.Context) error) {
	select {
	case s.ch <- task{op: op, run: run}:
	default:
		metrics.PersistDrops.Inc()
		s.lg.Warn("persist queue full, dropping write", zap.String("op", op))
	}
}

func (s *Synchronizer) ParticipantJoined(rec ParticipantRecord) {
	s.submit("upsert-participant", func(ctx context.Context) error {
		return s.store.UpsertParticipant(ctx, rec)
	})
}

func (s *Synchronizer) ParticipantDeparted(roomID, userID string, at time.Time) {
	s.submit("mark-departed", func(ctx context.Context) error {
		return s.store.MarkDeparted(ctx, roomID, userID, at)
	})
}

func (s *Synchronizer) ChatMessage(rec ChatRecord) {
	s.submit("save-chat", func(ctx context.Context) error {
		return s.store.SaveChatMessage(ctx, rec)
	})
}

func (s *Synchronizer) TitleChanged(roomID, title string) {
	s.submit("update-title", func(ctx context.Context) error {
		return s.store.UpdateRoomTitle(ctx, roomID, title)
	})
}

func (s *Synchronizer) RoomDeleted(roomID string) {
	s.submit("delete-room", func(ctx context.Context) error {
		return s.store.DeleteRoomCascade(ctx, roomID)
	})
}
