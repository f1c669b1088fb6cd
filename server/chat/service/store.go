package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ops_chat/server/chat/domain"
	"ops_chat/server/chat/repository"
	commonlog "ops_chat/server/common/log"
	"ops_chat/server/common/metrics"
)

const (
	DefaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

var ErrEmptyMessage = errors.New("message content is empty")

// MessageStore assigns per-room sequence numbers and persists messages.
// Appends to one room are linearizable; rooms never wait on each other.
type MessageStore struct {
	log repository.MessageLog
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomSequence
}

type roomSequence struct {
	mu     sync.Mutex
	loaded bool
	last   int64
}

func NewMessageStore(log repository.MessageLog) *MessageStore {
	return &MessageStore{
		log:   log,
		now:   time.Now,
		rooms: map[string]*roomSequence{},
	}
}

func (s *MessageStore) room(roomID string) *roomSequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &roomSequence{}
		s.rooms[roomID] = r
	}
	return r
}

// Append stores body as the next message of roomID.
func (s *MessageStore) Append(ctx context.Context, roomID, authorID, authorDisplayName, body string) (domain.Message, error) {
	if body == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	r := s.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		last, err := s.log.LastSequence(ctx, roomID)
		if err != nil {
			metrics.RoomSequenceFailures.WithLabelValues(roomID).Inc()
			return domain.Message{}, fmt.Errorf("recover sequence of %s: %w", roomID, err)
		}
		r.last = last
		r.loaded = true
	}

	now := s.now().UTC()
	msg := domain.Message{
		ID:                ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		RoomID:            roomID,
		Sequence:          r.last + 1,
		AuthorID:          authorID,
		AuthorDisplayName: authorDisplayName,
		Body:              body,
		CreatedAt:         now,
	}
	if err := s.log.Insert(ctx, msg); err != nil {
		metrics.RoomSequenceFailures.WithLabelValues(roomID).Inc()
		if errors.Is(err, repository.ErrDuplicateSequence) {
			// another process wrote to this log; resync on the next append
			r.loaded = false
			commonlog.Exceptionf("event=chat_message_append action=insert status=conflict room_id=%s seq=%d error=%v", roomID, msg.Sequence, err)
		}
		return domain.Message{}, fmt.Errorf("append to %s: %w", roomID, err)
	}
	r.last = msg.Sequence
	metrics.MessagesAppended.WithLabelValues(roomID).Inc()
	return msg, nil
}

// History returns the latest limit messages, oldest first.
func (s *MessageStore) History(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	items, err := s.log.Latest(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", roomID, err)
	}
	return items, nil
}
