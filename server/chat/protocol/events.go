// Package protocol defines the closed set of websocket events exchanged
// between chat clients and the server. Every frame is a JSON envelope
// {"type": <kind>, "data": <payload>} and every payload has a fixed schema.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ops_chat/server/chat/domain"
)

var (
	ErrMalformed      = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid event payload")
)

type Kind string

const (
	KindIdentify       Kind = "identify"
	KindGetRooms       Kind = "get-rooms"
	KindRooms          Kind = "rooms"
	KindJoinChannel    Kind = "join-channel"
	KindJoinedChannel  Kind = "joined-channel"
	KindMessageHistory Kind = "message-history"
	KindSendMessage    Kind = "send-message"
	KindNewMessage     Kind = "new-message"
	KindUserJoined     Kind = "user_joined"
	KindUserLeft       Kind = "user_left"
	KindError          Kind = "error"
	KindUnreadCounts   Kind = "unread-counts"
)

type Event interface {
	Kind() Kind
	Validate() error
}

type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client -> server

type Identify struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (Identify) Kind() Kind { return KindIdentify }

func (e Identify) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidPayload)
	}
	return nil
}

type GetRooms struct{}

func (GetRooms) Kind() Kind      { return KindGetRooms }
func (GetRooms) Validate() error { return nil }

type JoinChannel struct {
	Channel  string `json:"channel"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func (JoinChannel) Kind() Kind { return KindJoinChannel }

func (e JoinChannel) Validate() error {
	if strings.TrimSpace(e.Channel) == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidPayload)
	}
	return nil
}

// SendMessage content is checked by the session layer, which owns the
// empty-message rule.
type SendMessage struct {
	Channel string `json:"channel"`
	Content string `json:"content"`
}

func (SendMessage) Kind() Kind { return KindSendMessage }

func (e SendMessage) Validate() error {
	if strings.TrimSpace(e.Channel) == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidPayload)
	}
	return nil
}

// Server -> client

type Rooms struct {
	Available []domain.Room `json:"available"`
}

func (Rooms) Kind() Kind      { return KindRooms }
func (Rooms) Validate() error { return nil }

type JoinedChannel struct {
	Channel string `json:"channel"`
}

func (JoinedChannel) Kind() Kind { return KindJoinedChannel }

func (e JoinedChannel) Validate() error {
	if e.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidPayload)
	}
	return nil
}

type MessageHistory []domain.Message

func (MessageHistory) Kind() Kind { return KindMessageHistory }

func (e MessageHistory) Validate() error {
	for _, m := range e {
		if err := validateMessage(m); err != nil {
			return err
		}
	}
	return nil
}

type NewMessage struct {
	domain.Message
}

func (NewMessage) Kind() Kind { return KindNewMessage }

func (e NewMessage) Validate() error { return validateMessage(e.Message) }

type UserJoined struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

func (UserJoined) Kind() Kind { return KindUserJoined }

func (e UserJoined) Validate() error {
	if e.UserID == "" || e.Room == "" {
		return fmt.Errorf("%w: userId and room are required", ErrInvalidPayload)
	}
	return nil
}

type UserLeft struct {
	UserID string `json:"userId"`
	Room   string `json:"room"`
}

func (UserLeft) Kind() Kind { return KindUserLeft }

func (e UserLeft) Validate() error {
	if e.UserID == "" || e.Room == "" {
		return fmt.Errorf("%w: userId and room are required", ErrInvalidPayload)
	}
	return nil
}

type Error struct {
	Message string `json:"message"`
}

func (Error) Kind() Kind      { return KindError }
func (Error) Validate() error { return nil }

type UnreadCounts struct {
	domain.UnreadSnapshot
}

func (UnreadCounts) Kind() Kind      { return KindUnreadCounts }
func (UnreadCounts) Validate() error { return nil }

func validateMessage(m domain.Message) error {
	if m.ID == "" || m.RoomID == "" {
		return fmt.Errorf("%w: message id and roomId are required", ErrInvalidPayload)
	}
	return nil
}

var decoders = map[Kind]func(json.RawMessage) (Event, error){
	KindIdentify:       decodeAs[Identify],
	KindGetRooms:       decodeAs[GetRooms],
	KindJoinChannel:    decodeAs[JoinChannel],
	KindSendMessage:    decodeAs[SendMessage],
	KindRooms:          decodeAs[Rooms],
	KindJoinedChannel:  decodeAs[JoinedChannel],
	KindMessageHistory: decodeAs[MessageHistory],
	KindNewMessage:     decodeAs[NewMessage],
	KindUserJoined:     decodeAs[UserJoined],
	KindUserLeft:       decodeAs[UserLeft],
	KindError:          decodeAs[Error],
	KindUnreadCounts:   decodeAs[UnreadCounts],
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Decode parses one frame into its typed event.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: type is missing", ErrMalformed)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	ev, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	return ev, nil
}

func Encode(e Event) ([]byte, error) {
	if h, ok := e.(MessageHistory); ok && h == nil {
		e = MessageHistory{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{Type: e.Kind(), Data: data})
}

// MustEncode is for server-built events whose payloads always marshal.
func MustEncode(e Event) []byte {
	b, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return b
}
