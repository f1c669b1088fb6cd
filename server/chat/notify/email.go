package notify

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"ops_chat/server/chat/domain"
)

// ChatLink deep-links into the dashboard chat section for room.
func ChatLink(baseURL, roomID string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return base + "/dashboard?section=chat&channel=" + url.QueryEscape(roomID)
}

func MentionSubject(roomName string) string {
	return fmt.Sprintf("You were mentioned in %s chat", roomName)
}

func mentionText(recipientName, senderName, roomName, body, link string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s!\n\n", recipientName)
	fmt.Fprintf(&b, "%s mentioned you in the #%s chat room:\n\n", senderName, roomName)
	fmt.Fprintf(&b, "\"%s\"\n\n", body)
	fmt.Fprintf(&b, "Join the conversation: %s\n\n", link)
	b.WriteString("This notification was sent because you were mentioned in a chat message.\n")
	return b.String()
}

// BuildMention renders the notification for one recipient of msg.
func BuildMention(baseURL string, room domain.Room, msg domain.Message, recipient domain.DirectoryUser, now time.Time) domain.MentionNotification {
	roomName := room.DisplayName
	if roomName == "" {
		roomName = msg.RoomID
	}
	sender := strings.TrimSpace(msg.AuthorDisplayName)
	if sender == "" {
		sender = "Someone"
	}
	link := ChatLink(baseURL, msg.RoomID)
	name := recipient.Name()
	return domain.MentionNotification{
		MessageID:      msg.ID,
		RoomID:         msg.RoomID,
		RoomName:       roomName,
		RecipientID:    recipient.ID,
		RecipientEmail: recipient.Email,
		RecipientName:  name,
		SenderID:       msg.AuthorID,
		SenderName:     sender,
		Body:           msg.Body,
		Subject:        MentionSubject(roomName),
		Text:           mentionText(name, sender, roomName, msg.Body, link),
		Link:           link,
		CreatedAt:      now.UTC(),
	}
}
