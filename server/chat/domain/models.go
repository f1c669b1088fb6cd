package domain

import (
	"strings"
	"time"
)

// Fixed unread categories fed by collaborators outside the chat rooms.
const (
	CategoryDirect = "direct"
	CategoryGroups = "groups"
	CategoryKudos  = "kudos"
)

type Room struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Members     []string `json:"-"`
}

// Open reports whether every directory user is a member.
func (r Room) Open() bool {
	return len(r.Members) == 0
}

func (r Room) HasMember(userID string) bool {
	if r.Open() {
		return true
	}
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID                string    `json:"id"`
	RoomID            string    `json:"roomId"`
	Sequence          int64     `json:"sequence"`
	AuthorID          string    `json:"authorId"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"createdAt"`
}

type Presence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"username"`
	RoomID      string `json:"room"`
}

type UnreadSnapshot struct {
	UserID      string           `json:"userId"`
	PerCategory map[string]int64 `json:"perCategory"`
	Total       int64            `json:"total"`
}

func NewUnreadSnapshot(userID string, counts map[string]int64) UnreadSnapshot {
	per := make(map[string]int64, len(counts))
	var total int64
	for category, n := range counts {
		if n <= 0 {
			continue
		}
		per[category] = n
		total += n
	}
	return UnreadSnapshot{UserID: userID, PerCategory: per, Total: total}
}

// WithCategories returns a copy where every listed category is present,
// zero-filled when it has no unread items.
func (s UnreadSnapshot) WithCategories(categories []string) UnreadSnapshot {
	per := make(map[string]int64, len(s.PerCategory)+len(categories))
	for k, v := range s.PerCategory {
		per[k] = v
	}
	for _, c := range categories {
		if _, ok := per[c]; !ok {
			per[c] = 0
		}
	}
	return UnreadSnapshot{UserID: s.UserID, PerCategory: per, Total: s.Total}
}

type DirectoryUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DisplayName string `json:"displayName"`
}

// Name picks the friendliest label available for greetings.
func (u DirectoryUser) Name() string {
	if v := strings.TrimSpace(u.DisplayName); v != "" {
		return v
	}
	if v := strings.TrimSpace(u.FirstName); v != "" {
		return v
	}
	if local, _, ok := strings.Cut(u.Email, "@"); ok && strings.TrimSpace(local) != "" {
		return strings.TrimSpace(local)
	}
	return "User"
}

type MentionCandidate struct {
	RawToken       string
	ResolvedUserID string
}

// MentionNotification is one out-of-band delivery to one mentioned user.
type MentionNotification struct {
	MessageID      string    `json:"messageId"`
	RoomID         string    `json:"roomId"`
	RoomName       string    `json:"roomName"`
	RecipientID    string    `json:"recipientId"`
	RecipientEmail string    `json:"recipientEmail"`
	RecipientName  string    `json:"recipientName"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Body           string    `json:"body"`
	Subject        string    `json:"subject"`
	Text           string    `json:"text"`
	Link           string    `json:"link"`
	CreatedAt      time.Time `json:"createdAt"`
}

type KudosEvent struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	ContextType string `json:"contextType"`
	ContextID   string `json:"contextId"`
}

func (k KudosEvent) Key() string {
	return strings.Join([]string{k.SenderID, k.RecipientID, k.ContextType, k.ContextID}, "|")
}
