package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"ops_chat/client/connmgr"
	"ops_chat/server/chat/protocol"
	commonauth "ops_chat/server/common/auth"
	cmnenv "ops_chat/server/common/env"
	commonlog "ops_chat/server/common/log"
)

// chatclient is a line-oriented client for manual testing:
//
//	/rooms          list rooms
//	/join <room>    switch room
//	/quit           disconnect
//	anything else   send to the current room
func main() {
	if err := cmnenv.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	commonlog.SetLevel(cmnenv.String("LOG_LEVEL", "warn"))

	id := connmgr.Identity{
		UserID:      cmnenv.String("CHAT_USER_ID", ""),
		DisplayName: cmnenv.String("CHAT_DISPLAY_NAME", ""),
		Token:       cmnenv.String("CHAT_TOKEN", ""),
	}
	if id.UserID == "" {
		log.Fatal("CHAT_USER_ID is required")
	}
	if id.Token == "" {
		if secret := cmnenv.String("JWT_SECRET", ""); secret != "" {
			token, err := commonauth.NewService(secret, cmnenv.Int("JWT_TTL_MINUTES", 60)).
				GenerateToken(commonauth.Identity{UserID: id.UserID, DisplayName: id.DisplayName})
			if err != nil {
				log.Fatalf("sign token: %v", err)
			}
			id.Token = token
		}
	}

	m := connmgr.New(connmgr.Options{
		Origin:   cmnenv.String("CHAT_ORIGIN", "http://localhost:8080"),
		Identity: func() (connmgr.Identity, bool) { return id, true },
	})
	cur := &currentRoom{name: cmnenv.String("CHAT_CHANNEL", "general")}

	// rejoin after every (re)connect
	m.OnStatus(func(s connmgr.Status) {
		fmt.Printf("* %s\n", s)
		if room := cur.get(); s == connmgr.StatusConnected && room != "" {
			if err := m.JoinChannel(room); err != nil {
				fmt.Printf("! join %s: %v\n", room, err)
			}
		}
	})
	m.OnEvent(printEvent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m.Connect()
	defer m.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			err := handleLine(m, cur, strings.TrimSpace(line))
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

type currentRoom struct {
	mu   sync.Mutex
	name string
}

func (r *currentRoom) get() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

func (r *currentRoom) set(name string) {
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
}

func handleLine(m *connmgr.Manager, cur *currentRoom, line string) error {
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/rooms":
		return m.GetRooms()
	case strings.HasPrefix(line, "/join "):
		next := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
		if err := m.JoinChannel(next); err != nil {
			return err
		}
		cur.set(next)
		return nil
	default:
		return m.SendMessage(cur.get(), line)
	}
}

func printEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.Rooms:
		for _, r := range e.Available {
			fmt.Printf("  #%s  %s\n", r.ID, r.DisplayName)
		}
	case protocol.JoinedChannel:
		fmt.Printf("* joined #%s\n", e.Channel)
	case protocol.MessageHistory:
		for _, msg := range e {
			fmt.Printf("[%d] %s: %s\n", msg.Sequence, msg.AuthorDisplayName, msg.Body)
		}
	case protocol.NewMessage:
		fmt.Printf("[%d] %s: %s\n", e.Sequence, e.AuthorDisplayName, e.Body)
	case protocol.UserJoined:
		fmt.Printf("* %s joined #%s\n", e.Username, e.Room)
	case protocol.UserLeft:
		fmt.Printf("* %s left #%s\n", e.UserID, e.Room)
	case protocol.UnreadCounts:
		fmt.Printf("* unread %v\n", e.PerCategory)
	case protocol.Error:
		fmt.Printf("! %s\n", e.Message)
	}
}
