package service

import (
	"context"
	"errors"
	"slices"
	"strings"

	"ops_chat/server/chat/domain"
	"ops_chat/server/chat/notify"
	"ops_chat/server/chat/rooms"
	"ops_chat/server/chat/unread"
	commonlog "ops_chat/server/common/log"
)

var (
	ErrUnknownCategory = errors.New("unknown unread category")
	ErrNotFeedCategory = errors.New("category is not fed by external events")
)

// MentionQueue accepts stored messages for the asynchronous mention pass.
type MentionQueue interface {
	Submit(room domain.Room, msg domain.Message) error
}

// ChatService ties stored messages to unread counters and mention
// notifications, and serves the REST side of the chat.
type ChatService struct {
	registry  *rooms.Registry
	store     *MessageStore
	unread    *unread.Aggregator
	directory notify.Directory
	mentions  MentionQueue
}

func NewChatService(registry *rooms.Registry, store *MessageStore, aggregator *unread.Aggregator, directory notify.Directory, mentions MentionQueue) *ChatService {
	return &ChatService{
		registry:  registry,
		store:     store,
		unread:    aggregator,
		directory: directory,
		mentions:  mentions,
	}
}

func (s *ChatService) Rooms() []domain.Room {
	return s.registry.List()
}

func (s *ChatService) History(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if _, err := s.registry.Get(roomID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, roomID, limit)
}

// MessageStored increments the room category for every member who is
// neither the author nor currently joined, then queues the mention pass.
func (s *ChatService) MessageStored(ctx context.Context, room domain.Room, msg domain.Message, present []string) {
	recipients, err := s.roomAudience(ctx, room)
	if err != nil {
		commonlog.Warnf("event=chat_unread_fanout action=resolve_members status=skipped room_id=%s message_id=%s error=%v", room.ID, msg.ID, err)
	} else {
		absent := slices.DeleteFunc(recipients, func(id string) bool {
			return slices.Contains(present, id)
		})
		if _, err := s.unread.Fanout(ctx, room.ID, msg.AuthorID, absent); err != nil {
			commonlog.Errorf("event=chat_unread_fanout action=increment status=partial room_id=%s message_id=%s error=%v", room.ID, msg.ID, err)
		}
	}

	if s.mentions != nil {
		if err := s.mentions.Submit(room, msg); err != nil {
			commonlog.Warnf("event=mention_notification action=enqueue status=failed room_id=%s message_id=%s error=%v", room.ID, msg.ID, err)
		}
	}
}

// roomAudience lists the users who can read room: its members, or every
// directory user for an open room.
func (s *ChatService) roomAudience(ctx context.Context, room domain.Room) ([]string, error) {
	if !room.Open() {
		return slices.Clone(room.Members), nil
	}
	if s.directory == nil {
		return nil, notify.ErrDirectoryUnavailable
	}
	users, err := s.directory.Users(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID != "" {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

// UnreadCounts returns the snapshot with every known category present.
func (s *ChatService) UnreadCounts(ctx context.Context, userID string) (domain.UnreadSnapshot, error) {
	snap, err := s.unread.Snapshot(ctx, userID)
	if err != nil {
		return domain.UnreadSnapshot{}, err
	}
	return snap.WithCategories(s.registry.Categories()), nil
}

func (s *ChatService) MarkRead(ctx context.Context, userID, category string) (domain.UnreadSnapshot, error) {
	category = strings.TrimSpace(category)
	if !slices.Contains(s.registry.Categories(), category) {
		return domain.UnreadSnapshot{}, ErrUnknownCategory
	}
	snap, err := s.unread.MarkRead(ctx, userID, category)
	if err != nil {
		return domain.UnreadSnapshot{}, err
	}
	return snap.WithCategories(s.registry.Categories()), nil
}

func (s *ChatService) MarkAllRead(ctx context.Context, userID string) (domain.UnreadSnapshot, error) {
	snap, err := s.unread.MarkAllRead(ctx, userID)
	if err != nil {
		return domain.UnreadSnapshot{}, err
	}
	return snap.WithCategories(s.registry.Categories()), nil
}

// RecordFeedEvent counts a direct or group message sent by actorID.
func (s *ChatService) RecordFeedEvent(ctx context.Context, category, actorID string, recipients []string) (int, error) {
	if category != domain.CategoryDirect && category != domain.CategoryGroups {
		return 0, ErrNotFeedCategory
	}
	return s.unread.Fanout(ctx, category, actorID, recipients)
}

func (s *ChatService) RecordKudos(ctx context.Context, event domain.KudosEvent) (bool, error) {
	return s.unread.Kudos(ctx, event)
}
