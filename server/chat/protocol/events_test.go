package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops_chat/server/chat/domain"
)

func TestDecode(t *testing.T) {
	t.Run("join-channel", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"join-channel","data":{"channel":"general","userId":"u1","userName":"Alice"}}`))
		require.NoError(t, err)
		assert.Equal(t, JoinChannel{Channel: "general", UserID: "u1", UserName: "Alice"}, ev)
	})

	t.Run("get-rooms without data", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"get-rooms"}`))
		require.NoError(t, err)
		assert.Equal(t, GetRooms{}, ev)
	})

	t.Run("send-message keeps blank content for the session layer", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"send-message","data":{"channel":"general","content":"   "}}`))
		require.NoError(t, err)
		assert.Equal(t, SendMessage{Channel: "general", Content: "   "}, ev)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := Decode([]byte(`hello`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"data":{}}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"typing","data":{}}`))
		assert.ErrorIs(t, err, ErrUnknownEvent)
	})

	t.Run("wrong payload shape", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"join-channel","data":{"channel":42}}`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("identify without user", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"identify","data":{"displayName":"x"}}`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("new-message without id", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"new-message","data":{"roomId":"general","body":"hi"}}`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestEncode(t *testing.T) {
	t.Run("new-message flattens the message", func(t *testing.T) {
		msg := domain.Message{
			ID:                "01J0",
			RoomID:            "general",
			Sequence:          3,
			AuthorID:          "alice",
			AuthorDisplayName: "Alice",
			Body:              "hello team",
			CreatedAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}
		raw, err := Encode(NewMessage{Message: msg})
		require.NoError(t, err)

		var env struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, "new-message", env.Type)
		assert.Equal(t, "alice", env.Data["authorId"])
		assert.Equal(t, "hello team", env.Data["body"])
		assert.EqualValues(t, 3, env.Data["sequence"])

		back, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, NewMessage{Message: msg}, back)
	})

	t.Run("empty history is an empty array", func(t *testing.T) {
		raw, err := Encode(MessageHistory(nil))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"message-history","data":[]}`, string(raw))
	})

	t.Run("presence uses wire field names", func(t *testing.T) {
		raw := MustEncode(UserJoined{UserID: "u1", Username: "Alice", Room: "general"})
		assert.JSONEq(t, `{"type":"user_joined","data":{"userId":"u1","username":"Alice","room":"general"}}`, string(raw))
	})
}
