package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops_chat/server/chat/domain"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	sent  []domain.MentionNotification
	fail  map[string]bool
	calls map[string]int
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{fail: map[string]bool{}, calls: map[string]int{}}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n domain.MentionNotification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[n.RecipientID]++
	if d.fail[n.RecipientID] {
		return errors.New("smtp unavailable")
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) recipients() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, n := range d.sent {
		out = append(out, n.RecipientID)
	}
	return out
}

type failingDirectory struct{ calls int }

func (d *failingDirectory) Users(context.Context) ([]domain.DirectoryUser, error) {
	d.calls++
	return nil, ErrDirectoryUnavailable
}

var (
	users = StaticDirectory{
		{ID: "u-katie", Email: "katie@example.org", FirstName: "Katie", LastName: "Long", DisplayName: "Katie Long"},
		{ID: "u-bob", Email: "bob@example.org", FirstName: "Robert"},
		{ID: "u-noemail", FirstName: "Ghost"},
	}
	coreTeam = domain.Room{ID: "core-team", DisplayName: "Core Team"}
)

func msg(author, body string) domain.Message {
	return domain.Message{
		ID:                "01J0000000000000000000000",
		RoomID:            coreTeam.ID,
		Sequence:          7,
		AuthorID:          author,
		AuthorDisplayName: "Alice",
		Body:              body,
		CreatedAt:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("no mentions means no dispatch", func(t *testing.T) {
		d := newRecordingDispatcher()
		dir := &failingDirectory{}
		n := NewNotifier(dir, d, Options{})
		assert.Zero(t, n.Process(ctx, coreTeam, msg("u-alice", "plain message")))
		assert.Empty(t, d.calls)
		assert.Zero(t, dir.calls, "directory is not consulted without a mention token")
	})

	t.Run("quoted display name", func(t *testing.T) {
		d := newRecordingDispatcher()
		n := NewNotifier(users, d, Options{BaseURL: "https://ops.example.org/"})
		sent := n.Process(ctx, coreTeam, msg("u-alice", `@"Katie Long" can you review this?`))
		require.Equal(t, 1, sent)

		note := d.sent[0]
		assert.Equal(t, "u-katie", note.RecipientID)
		assert.Equal(t, "katie@example.org", note.RecipientEmail)
		assert.Equal(t, "You were mentioned in Core Team chat", note.Subject)
		assert.Equal(t, "https://ops.example.org/dashboard?section=chat&channel=core-team", note.Link)
		assert.Contains(t, note.Text, "Hello Katie Long!")
		assert.Contains(t, note.Text, "Alice mentioned you in the #Core Team chat room")
		assert.Contains(t, note.Text, `"@"Katie Long" can you review this?"`)
	})

	t.Run("self mention is never dispatched", func(t *testing.T) {
		d := newRecordingDispatcher()
		n := NewNotifier(users, d, Options{})
		assert.Zero(t, n.Process(ctx, coreTeam, msg("u-katie", "reminder for @katie")))
		assert.Empty(t, d.calls)
	})

	t.Run("one dispatch per user and message", func(t *testing.T) {
		d := newRecordingDispatcher()
		n := NewNotifier(users, d, Options{})
		sent := n.Process(ctx, coreTeam, msg("u-alice", "@bob @Robert @katie @bob"))
		assert.Equal(t, 2, sent)
		assert.Equal(t, []string{"u-bob", "u-katie"}, d.recipients())
	})

	t.Run("recipients without email are skipped", func(t *testing.T) {
		d := newRecordingDispatcher()
		n := NewNotifier(users, d, Options{})
		assert.Zero(t, n.Process(ctx, coreTeam, msg("u-alice", "@ghost")))
		assert.Empty(t, d.calls)
	})

	t.Run("directory failure skips the pass", func(t *testing.T) {
		d := newRecordingDispatcher()
		dir := &failingDirectory{}
		n := NewNotifier(dir, d, Options{})
		assert.Zero(t, n.Process(ctx, coreTeam, msg("u-alice", "@bob")))
		assert.Equal(t, 1, dir.calls)
		assert.Empty(t, d.calls)
	})

	t.Run("dispatch failure is attempted once and does not stop others", func(t *testing.T) {
		d := newRecordingDispatcher()
		d.fail["u-bob"] = true
		n := NewNotifier(users, d, Options{})
		sent := n.Process(ctx, coreTeam, msg("u-alice", "@bob @katie"))
		assert.Equal(t, 1, sent)
		assert.Equal(t, 1, d.calls["u-bob"])
		assert.Equal(t, []string{"u-katie"}, d.recipients())
	})
}

func TestSubmitRunsOnWorkers(t *testing.T) {
	d := newRecordingDispatcher()
	n := NewNotifier(users, d, Options{Workers: 2, QueueSize: 8})
	n.Start()

	require.NoError(t, n.Submit(coreTeam, msg("u-alice", "@bob")))
	require.NoError(t, n.Submit(coreTeam, msg("u-alice", "@katie")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Close(ctx))

	assert.ElementsMatch(t, []string{"u-bob", "u-katie"}, d.recipients())
	assert.ErrorIs(t, n.Submit(coreTeam, msg("u-alice", "@bob")), ErrClosed)
	assert.NoError(t, n.Close(ctx), "close is idempotent")
}

func TestSubmitDropsWhenQueueIsFull(t *testing.T) {
	d := newRecordingDispatcher()
	n := NewNotifier(users, d, Options{Workers: 1, QueueSize: 1})

	// Workers not started: the single slot fills and the rest are dropped.
	require.NoError(t, n.Submit(coreTeam, msg("u-alice", "@bob")))
	require.NoError(t, n.Submit(coreTeam, msg("u-alice", "@katie")))
	assert.Len(t, n.queue, 1)
	require.NoError(t, n.Close(context.Background()))
	assert.Empty(t, d.calls)
}
