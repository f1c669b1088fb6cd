package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"ops_chat/server/chat/domain"
	"ops_chat/server/chat/protocol"
	"ops_chat/server/chat/rooms"
	"ops_chat/server/chat/unread"
	commonlog "ops_chat/server/common/log"
	"ops_chat/server/common/metrics"
)

var (
	ErrNoIdentity = errors.New("identify before using the chat")
	ErrNotMember  = errors.New("not a member of this channel")
	ErrNotJoined  = errors.New("not joined to this channel")
)

// MessageSink receives every stored message after it has been broadcast.
// present lists the users with a session joined to the room at broadcast
// time.
type MessageSink interface {
	MessageStored(ctx context.Context, room domain.Room, msg domain.Message, present []string)
}

// Hub routes client events to rooms. Each room has one dispatch lock that
// covers append and broadcast enqueue, so every member sees new-message
// frames in sequence order.
type Hub struct {
	registry     *rooms.Registry
	store        *MessageStore
	unread       *unread.Aggregator
	sink         MessageSink
	historyLimit int

	// one entry per catalog room, never modified after NewHub
	roomLocks map[string]*sync.Mutex

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	members  map[string]map[*Session]struct{}
	byUser   map[string]map[*Session]struct{}

	unsubscribe func()
}

func NewHub(registry *rooms.Registry, store *MessageStore, aggregator *unread.Aggregator, sink MessageSink, historyLimit int) *Hub {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	h := &Hub{
		registry:     registry,
		store:        store,
		unread:       aggregator,
		sink:         sink,
		historyLimit: historyLimit,
		roomLocks:    map[string]*sync.Mutex{},
		sessions:     map[*Session]struct{}{},
		members:      map[string]map[*Session]struct{}{},
		byUser:       map[string]map[*Session]struct{}{},
	}
	for _, room := range registry.List() {
		h.roomLocks[room.ID] = &sync.Mutex{}
	}
	if aggregator != nil {
		h.unsubscribe = aggregator.Subscribe(h.pushUnread)
	}
	return h
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	if uid, _ := s.Identity(); uid != "" {
		h.indexUserLocked(s, uid)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
}

// Disconnect removes s and tells the rest of its room that it left.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	uid, _ := s.Identity()
	h.unindexUserLocked(s, uid)
	n := len(h.sessions)
	h.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))

	if room := s.setRoom(""); room != "" {
		h.leaveRoom(s, room, uid, false)
	}
	s.Close(websocket.CloseNormalClosure, "")
}

// Handle applies one decoded client event. Protocol violations are
// answered with an error event to s only.
func (h *Hub) Handle(ctx context.Context, s *Session, ev protocol.Event) {
	var err error
	switch e := ev.(type) {
	case protocol.Identify:
		h.Identify(s, e.UserID, e.DisplayName)
		s.send(protocol.Rooms{Available: h.registry.List()})
	case protocol.GetRooms:
		s.send(protocol.Rooms{Available: h.registry.List()})
	case protocol.JoinChannel:
		err = h.Join(ctx, s, e.Channel, e.UserID, e.UserName)
	case protocol.SendMessage:
		_, err = h.Send(ctx, s, e.Channel, e.Content)
	default:
		err = fmt.Errorf("%w: %s is not accepted from clients", protocol.ErrUnknownEvent, ev.Kind())
	}
	if err != nil {
		h.Reject(s, ev.Kind(), err)
	}
}

// Reject reports a protocol violation to s.
func (h *Hub) Reject(s *Session, kind protocol.Kind, err error) {
	metrics.ProtocolErrors.WithLabelValues(string(kind)).Inc()
	uid, _ := s.Identity()
	commonlog.Warnf("event=ws_protocol action=%s status=rejected session_id=%s user_id=%s error=%v", kind, s.ID(), uid, err)
	s.sendError(clientMessage(err))
}

func (h *Hub) Identify(s *Session, userID, displayName string) {
	before, _ := s.Identity()
	uid, _ := s.bindIdentity(userID, displayName)
	if uid == before {
		return
	}
	h.mu.Lock()
	h.unindexUserLocked(s, before)
	h.indexUserLocked(s, uid)
	h.mu.Unlock()
}

// Join binds s to roomID. The old room hears user_left first, then the new
// room (joiner included) hears user_joined; the joiner then receives
// joined-channel and the room history. A join that fails leaves the
// session where it was.
func (h *Hub) Join(ctx context.Context, s *Session, roomID, userID, userName string) error {
	room, err := h.registry.Get(roomID)
	if err != nil {
		return err
	}
	// the old room knows the session by the identity it joined with
	leavingAs, _ := s.Identity()
	h.Identify(s, userID, userName)
	uid, name := s.Identity()
	if uid == "" {
		return ErrNoIdentity
	}
	if !room.HasMember(uid) {
		return fmt.Errorf("%w: %s", ErrNotMember, room.ID)
	}

	previous := s.Room()
	if previous == room.ID {
		previous = ""
	}
	unlock := h.lockRooms(room.ID, previous)
	history, err := h.store.History(ctx, room.ID, h.historyLimit)
	if err != nil {
		unlock()
		commonlog.Errorf("event=chat_join action=history status=failed room_id=%s user_id=%s error=%v", room.ID, uid, err)
		return fmt.Errorf("load history: %w", err)
	}

	if previous != "" {
		h.leaveRoomLocked(s, previous, leavingAs, true)
	}
	s.setRoom(room.ID)
	h.mu.Lock()
	members := h.members[room.ID]
	if members == nil {
		members = map[*Session]struct{}{}
		h.members[room.ID] = members
	}
	members[s] = struct{}{}
	recipients := sessionsOf(members)
	h.mu.Unlock()

	joined := protocol.MustEncode(protocol.UserJoined{UserID: uid, Username: name, Room: room.ID})
	for _, member := range recipients {
		member.enqueue(joined)
	}
	s.send(protocol.JoinedChannel{Channel: room.ID})
	s.send(protocol.MessageHistory(history))
	unlock()

	commonlog.Infof("event=chat_join action=join status=ok room_id=%s user_id=%s session_id=%s history=%d", room.ID, uid, s.ID(), len(history))

	if h.unread != nil {
		if _, err := h.unread.MarkRead(ctx, uid, room.ID); err != nil {
			commonlog.Warnf("event=chat_join action=mark_read status=failed room_id=%s user_id=%s error=%v", room.ID, uid, err)
		}
	}
	return nil
}

// lockRooms takes the dispatch locks of the given rooms in id order, so two
// switches in opposite directions cannot deadlock. Empty ids are skipped.
func (h *Hub) lockRooms(ids ...string) (unlock func()) {
	ids = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == "" })
	slices.Sort(ids)
	ids = slices.Compact(ids)
	locks := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		if l, ok := h.roomLocks[id]; ok {
			l.Lock()
			locks = append(locks, l)
		}
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (h *Hub) leaveRoom(s *Session, roomID, userID string, notifySelf bool) {
	unlock := h.lockRooms(roomID)
	defer unlock()
	h.leaveRoomLocked(s, roomID, userID, notifySelf)
}

// leaveRoomLocked emits user_left to the room, then drops the membership.
// The caller holds the room's dispatch lock.
func (h *Hub) leaveRoomLocked(s *Session, roomID, userID string, notifySelf bool) {
	h.mu.Lock()
	members := h.members[roomID]
	recipients := sessionsOf(members)
	delete(members, s)
	if len(members) == 0 {
		delete(h.members, roomID)
	}
	h.mu.Unlock()

	left := protocol.MustEncode(protocol.UserLeft{UserID: userID, Room: roomID})
	for _, member := range recipients {
		if member == s && !notifySelf {
			continue
		}
		member.enqueue(left)
	}
}

// Send appends content to roomID and broadcasts it to every joined session,
// the sender included.
func (h *Hub) Send(ctx context.Context, s *Session, roomID, content string) (domain.Message, error) {
	uid, name := s.Identity()
	if uid == "" {
		return domain.Message{}, ErrNoIdentity
	}
	if s.Room() != roomID {
		return domain.Message{}, fmt.Errorf("%w: %s", ErrNotJoined, roomID)
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	room, err := h.registry.Get(roomID)
	if err != nil {
		return domain.Message{}, err
	}

	lock := h.roomLocks[room.ID]
	lock.Lock()
	msg, err := h.store.Append(ctx, room.ID, uid, name, content)
	if err != nil {
		lock.Unlock()
		commonlog.Exceptionf("event=chat_message_persist action=append status=failed room_id=%s user_id=%s error=%v", room.ID, uid, err)
		return domain.Message{}, fmt.Errorf("%w: %v", errAppendFailed, err)
	}
	h.mu.RLock()
	recipients := sessionsOf(h.members[room.ID])
	h.mu.RUnlock()

	frame := protocol.MustEncode(protocol.NewMessage{Message: msg})
	present := make([]string, 0, len(recipients))
	seen := map[string]struct{}{}
	delivered := 0
	for _, member := range recipients {
		if member.enqueue(frame) {
			delivered++
		}
		if member.isClosed() {
			continue
		}
		if id, _ := member.Identity(); id != "" {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				present = append(present, id)
			}
		}
	}
	lock.Unlock()

	metrics.BroadcastFanout.Observe(float64(delivered))
	commonlog.Infof("event=chat_message_persist action=append status=ok room_id=%s user_id=%s message_id=%s seq=%d delivered=%d", room.ID, uid, msg.ID, msg.Sequence, delivered)

	if h.sink != nil {
		h.sink.MessageStored(ctx, room, msg, present)
	}
	return msg, nil
}

// Presence lists the identities currently joined to roomID.
func (h *Hub) Presence(roomID string) []domain.Presence {
	h.mu.RLock()
	members := sessionsOf(h.members[roomID])
	h.mu.RUnlock()
	out := make([]domain.Presence, 0, len(members))
	for _, s := range members {
		uid, name := s.Identity()
		out = append(out, domain.Presence{UserID: uid, DisplayName: name, RoomID: roomID})
	}
	return out
}

// Close disconnects every session with going-away so clients reconnect.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) pushUnread(c unread.Changed) {
	h.mu.RLock()
	targets := sessionsOf(h.byUser[c.Snapshot.UserID])
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	frame := protocol.MustEncode(protocol.UnreadCounts{UnreadSnapshot: c.Snapshot.WithCategories(h.registry.Categories())})
	for _, s := range targets {
		s.enqueue(frame)
	}
}

func (h *Hub) indexUserLocked(s *Session, userID string) {
	if userID == "" {
		return
	}
	set := h.byUser[userID]
	if set == nil {
		set = map[*Session]struct{}{}
		h.byUser[userID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unindexUserLocked(s *Session, userID string) {
	if set, ok := h.byUser[userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, userID)
		}
	}
}

var errAppendFailed = errors.New("message could not be stored")

func sessionsOf(set map[*Session]struct{}) []*Session {
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, rooms.ErrUnknownRoom):
		return "Channel does not exist"
	case errors.Is(err, ErrNoIdentity):
		return "Identify before using the chat"
	case errors.Is(err, ErrNotMember):
		return "You are not a member of this channel"
	case errors.Is(err, ErrNotJoined):
		return "Join the channel before sending messages"
	case errors.Is(err, ErrEmptyMessage):
		return "Message content is empty"
	case errors.Is(err, errAppendFailed):
		return "Failed to store message"
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrInvalidPayload):
		return "Invalid event payload"
	case errors.Is(err, protocol.ErrUnknownEvent):
		return "Unsupported event type"
	}
	return "Request failed"
}
