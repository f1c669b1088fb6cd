package connmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops_chat/server/chat/domain"
	"ops_chat/server/chat/protocol"
)

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the only pending timer and returns its delay.
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	pending := c.pending()
	require.Len(t, pending, 1)
	c.mu.Lock()
	pending[0].fired = true
	c.mu.Unlock()
	pending[0].f()
	return pending[0].d
}

type fakeTransport struct {
	incoming chan []byte
	ended    chan error
	done     chan struct{}
	once     sync.Once

	mu        sync.Mutex
	sent      []protocol.Event
	closeCode int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		ended:    make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (t *fakeTransport) Send(frame []byte) error {
	ev, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, ev)
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case f := <-t.incoming:
		return f, nil
	case err := <-t.ended:
		return nil, err
	case <-t.done:
		return nil, &CloseError{Code: CloseNormal}
	}
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

func (t *fakeTransport) peerClose(code int) {
	t.ended <- &CloseError{Code: code}
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) sentEvents() []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Event(nil), t.sent...)
}

type fakeDialer struct {
	mu         sync.Mutex
	endpoints  []string
	failures   []error
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = append(d.endpoints, endpoint)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.transports {
		if !t.isClosed() {
			n++
		}
	}
	return n
}

type identitySource struct {
	mu sync.Mutex
	id *Identity
}

func (s *identitySource) set(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = &id
}

func (s *identitySource) get() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		return Identity{}, false
	}
	return *s.id, true
}

type statusLog struct {
	mu  sync.Mutex
	got []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, s)
}

func (l *statusLog) list() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.got...)
}

type fixture struct {
	m        *Manager
	dialer   *fakeDialer
	clock    *fakeClock
	identity *identitySource
	statuses *statusLog
}

func newFixture(t *testing.T, signedIn bool) *fixture {
	t.Helper()
	f := &fixture{
		dialer:   &fakeDialer{},
		clock:    &fakeClock{},
		identity: &identitySource{},
		statuses: &statusLog{},
	}
	if signedIn {
		f.identity.set(Identity{UserID: "alice", DisplayName: "Alice", Token: "tok"})
	}
	f.m = New(Options{
		Origin:   "https://chat.example.com",
		Identity: f.identity.get,
		Dialer:   f.dialer,
		Clock:    f.clock,
	})
	f.m.OnStatus(f.statuses.record)
	t.Cleanup(f.m.Close)
	return f
}

func TestEndpoint(t *testing.T) {
	cases := []struct {
		origin string
		want   string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://chat.example.com", "wss://chat.example.com/ws"},
		{"https://chat.example.com/app/?x=1", "wss://chat.example.com/ws"},
		{"ws://10.0.0.5:9000", "ws://10.0.0.5:9000/ws"},
	}
	for _, tc := range cases {
		t.Run(tc.origin, func(t *testing.T) {
			got, err := Endpoint(tc.origin)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("rejects missing origin", func(t *testing.T) {
		_, err := Endpoint("  ")
		assert.ErrorIs(t, err, ErrNoOrigin)
	})

	t.Run("rejects other schemes", func(t *testing.T) {
		_, err := Endpoint("ftp://chat.example.com")
		assert.Error(t, err)
	})

	t.Run("adds the access token", func(t *testing.T) {
		got, err := endpointFor("http://localhost:8080", Identity{UserID: "alice", Token: "a b"})
		require.NoError(t, err)
		assert.Equal(t, "ws://localhost:8080/ws?access_token=a+b", got)
	})
}

func TestConnect(t *testing.T) {
	t.Run("identifies on open and ignores connect while live", func(t *testing.T) {
		f := newFixture(t, true)

		f.m.Connect()
		f.m.Connect()

		assert.Equal(t, 1, f.dialer.dials())
		assert.Equal(t, []string{"wss://chat.example.com/ws?access_token=tok"}, f.dialer.endpoints)
		assert.Equal(t, StatusConnected, f.m.Status())
		assert.Equal(t, []Status{StatusConnecting, StatusConnected}, f.statuses.list())
		assert.Equal(t, []protocol.Event{protocol.Identify{UserID: "alice", DisplayName: "Alice"}}, f.dialer.last().sentEvents())
	})

	t.Run("without identity it retries silently after ten seconds", func(t *testing.T) {
		f := newFixture(t, false)

		f.m.Connect()

		assert.Zero(t, f.dialer.dials())
		assert.Equal(t, StatusDisconnected, f.m.Status())
		require.Len(t, f.clock.pending(), 1)

		f.identity.set(Identity{UserID: "alice"})
		assert.Equal(t, DefaultRetryDelay, f.clock.fire(t))
		assert.Equal(t, 1, f.dialer.dials())
		assert.Equal(t, StatusConnected, f.m.Status())
	})

	t.Run("failed dial retries after ten seconds", func(t *testing.T) {
		f := newFixture(t, true)
		f.dialer.failures = []error{errors.New("connection refused")}

		f.m.Connect()
		assert.Equal(t, StatusDisconnected, f.m.Status())

		assert.Equal(t, DefaultRetryDelay, f.clock.fire(t))
		assert.Equal(t, 2, f.dialer.dials())
		assert.Equal(t, StatusConnected, f.m.Status())
		assert.Empty(t, f.clock.pending())
	})

	t.Run("send while disconnected", func(t *testing.T) {
		f := newFixture(t, true)
		assert.ErrorIs(t, f.m.SendMessage("general", "hi"), ErrNotConnected)
	})
}

func TestReconnect(t *testing.T) {
	t.Run("abnormal close reconnects once after five seconds", func(t *testing.T) {
		f := newFixture(t, true)
		f.m.Connect()
		first := f.dialer.last()

		first.peerClose(CloseAbnormal)

		require.Eventually(t, func() bool { return len(f.clock.pending()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, StatusDisconnected, f.m.Status())
		assert.Equal(t, DefaultReconnectDelay, f.clock.fire(t))
		assert.Equal(t, 2, f.dialer.dials())
		assert.NotSame(t, first, f.dialer.last())
		assert.Equal(t, StatusConnected, f.m.Status())
	})

	t.Run("normal close does not reconnect", func(t *testing.T) {
		f := newFixture(t, true)
		f.m.Connect()

		f.dialer.last().peerClose(CloseNormal)

		require.Eventually(t, func() bool { return f.m.Status() == StatusDisconnected }, time.Second, 5*time.Millisecond)
		assert.Empty(t, f.clock.pending())
		assert.Equal(t, 1, f.dialer.dials())
	})
}

func TestClose(t *testing.T) {
	t.Run("closes the transport normally and is idempotent", func(t *testing.T) {
		f := newFixture(t, true)
		f.m.Connect()
		tr := f.dialer.last()

		f.m.Close()
		f.m.Close()

		assert.True(t, tr.isClosed())
		assert.Equal(t, CloseNormal, tr.closeCode)
		assert.Equal(t, StatusDisconnected, f.m.Status())
		assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, f.statuses.list())
		assert.ErrorIs(t, f.m.GetRooms(), ErrNotConnected)
		assert.Empty(t, f.clock.pending())
	})

	t.Run("cancels a pending reconnect", func(t *testing.T) {
		f := newFixture(t, true)
		f.dialer.failures = []error{errors.New("refused")}
		f.m.Connect()
		pending := f.clock.pending()
		require.Len(t, pending, 1)

		f.m.Close()
		assert.Empty(t, f.clock.pending())

		// A callback that raced with Stop must not dial.
		pending[0].f()
		assert.Equal(t, 1, f.dialer.dials())
	})

	t.Run("connect and close cycles keep one live transport", func(t *testing.T) {
		f := newFixture(t, true)
		for range 5 {
			f.m.Connect()
			assert.Equal(t, 1, f.dialer.live())
			f.m.Close()
			assert.Zero(t, f.dialer.live())
		}
		f.m.Connect()
		assert.Equal(t, 1, f.dialer.live())
		assert.LessOrEqual(t, len(f.clock.pending()), 1)
	})
}

func TestEvents(t *testing.T) {
	f := newFixture(t, true)
	got := make(chan protocol.NewMessage, 4)
	Subscribe(f.m, func(ev protocol.NewMessage) { got <- ev })
	var rooms int
	var mu sync.Mutex
	Subscribe(f.m, func(protocol.Rooms) {
		mu.Lock()
		rooms++
		mu.Unlock()
	})
	f.m.Connect()
	tr := f.dialer.last()

	msg := domain.Message{ID: "m1", RoomID: "general", Sequence: 1, AuthorID: "bob", Body: "hi"}
	tr.incoming <- []byte(`not json`)
	tr.incoming <- []byte(`{"type":"mystery","data":{}}`)
	tr.incoming <- protocol.MustEncode(protocol.NewMessage{Message: msg})

	select {
	case ev := <-got:
		assert.Equal(t, "m1", ev.ID)
		assert.Equal(t, "hi", ev.Body)
	case <-time.After(time.Second):
		t.Fatal("new-message was not delivered")
	}
	mu.Lock()
	assert.Zero(t, rooms)
	mu.Unlock()
	assert.Equal(t, StatusConnected, f.m.Status())
}
