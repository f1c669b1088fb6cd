package rooms

import (
	"errors"
	"fmt"
	"strings"

	"ops_chat/server/chat/domain"
)

var (
	ErrUnknownRoom   = errors.New("room not found")
	ErrDuplicateRoom = errors.New("duplicate room id")
	ErrEmptyCatalog  = errors.New("room catalog is empty")
)

// DefaultCatalog mirrors the dashboard's standing channels.
var DefaultCatalog = []domain.Room{
	{ID: "general", DisplayName: "General Chat"},
	{ID: "core-team", DisplayName: "Core Team"},
	{ID: "committee", DisplayName: "Committee Chat"},
	{ID: "hosts", DisplayName: "Host Chat"},
	{ID: "drivers", DisplayName: "Driver Chat"},
	{ID: "recipients", DisplayName: "Recipient Chat"},
}

// Registry is the immutable room catalog. It is built once at start and
// only read afterwards, so it needs no locking.
type Registry struct {
	order []string
	rooms map[string]domain.Room
}

func NewRegistry(catalog []domain.Room) (*Registry, error) {
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}
	r := &Registry{
		order: make([]string, 0, len(catalog)),
		rooms: make(map[string]domain.Room, len(catalog)),
	}
	for _, room := range catalog {
		id := strings.TrimSpace(room.ID)
		if id == "" {
			return nil, fmt.Errorf("room id is empty")
		}
		if _, ok := r.rooms[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoom, id)
		}
		name := strings.TrimSpace(room.DisplayName)
		if name == "" {
			name = id
		}
		r.order = append(r.order, id)
		r.rooms[id] = domain.Room{ID: id, DisplayName: name, Members: dedupe(room.Members)}
	}
	return r, nil
}

// List returns the catalog in configuration order.
func (r *Registry) List() []domain.Room {
	out := make([]domain.Room, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rooms[id])
	}
	return out
}

func (r *Registry) Get(id string) (domain.Room, error) {
	room, ok := r.rooms[id]
	if !ok {
		return domain.Room{}, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	return room, nil
}

func (r *Registry) Has(id string) bool {
	_, ok := r.rooms[id]
	return ok
}

// Categories lists every unread category known to the core: one per room
// plus the collaborator-fed ones.
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.order)+3)
	out = append(out, r.order...)
	return append(out, domain.CategoryDirect, domain.CategoryGroups, domain.CategoryKudos)
}

// ParseCatalog builds room entries from "id=Display Name" pairs and
// "id=user1|user2" membership pairs.
func ParseCatalog(roomPairs, memberPairs [][2]string) []domain.Room {
	members := map[string][]string{}
	for _, p := range memberPairs {
		members[p[0]] = strings.Split(p[1], "|")
	}
	out := make([]domain.Room, 0, len(roomPairs))
	for _, p := range roomPairs {
		out = append(out, domain.Room{ID: p[0], DisplayName: p[1], Members: members[p[0]]})
	}
	return out
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	result := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
