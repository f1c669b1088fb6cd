package connmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"ops_chat/server/chat/protocol"
	commonlog "ops_chat/server/common/log"
	"ops_chat/server/common/pubsub"
)

var ErrNotConnected = errors.New("not connected")

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRetryDelay     = 10 * time.Second
	defaultDialTimeout    = 15 * time.Second
)

type Options struct {
	// Origin is the http(s) address of the chat server.
	Origin string
	// Identity returns the authenticated user, or false when nobody is
	// signed in yet.
	Identity func() (Identity, bool)

	Dialer Dialer
	Clock  Clock

	// ReconnectDelay applies after an abnormal close, RetryDelay after a
	// failed dial or a missing endpoint.
	ReconnectDelay time.Duration
	RetryDelay     time.Duration
	DialTimeout    time.Duration
}

// Manager keeps at most one live transport to the chat server and at most
// one pending reconnect timer.
type Manager struct {
	opts Options

	mu        sync.Mutex
	status    Status
	transport Transport
	dialing   bool
	closed    bool
	timer     Timer
	// gen invalidates in-flight dials and timers scheduled before the last
	// Connect or Close.
	gen uint64

	events   *pubsub.Bus[protocol.Event]
	statuses *pubsub.Bus[Status]
}

func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Identity == nil {
		opts.Identity = func() (Identity, bool) { return Identity{}, false }
	}
	return &Manager{
		opts:     opts,
		status:   StatusDisconnected,
		events:   pubsub.NewBus[protocol.Event](),
		statuses: pubsub.NewBus[Status](),
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus subscribes to status transitions.
func (m *Manager) OnStatus(fn func(Status)) (unsubscribe func()) {
	return m.statuses.Subscribe(fn)
}

// OnEvent subscribes to every decoded server event.
func (m *Manager) OnEvent(fn func(protocol.Event)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// Subscribe registers fn for server events of type T only.
func Subscribe[T protocol.Event](m *Manager, fn func(T)) (unsubscribe func()) {
	return m.events.Subscribe(func(ev protocol.Event) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	})
}

// Connect starts connecting unless a transport is live or a dial is in
// flight. A previous Close is undone.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	m.start()
}

func (m *Manager) start() {
	m.mu.Lock()
	if m.closed || m.transport != nil || m.dialing {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.dialing = true
	changed := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	m.notifyStatus(changed, StatusConnecting)
	m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	id, ok := m.opts.Identity()
	if !ok {
		id = Identity{}
	}
	endpoint, err := endpointFor(m.opts.Origin, id)
	if err != nil {
		commonlog.Debugf("event=chat_client action=dial status=skipped reason=%q", err.Error())
		m.scheduleRetry(gen, m.opts.RetryDelay)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	t, err := m.opts.Dialer.Dial(ctx, endpoint)
	cancel()
	if err != nil {
		commonlog.Warnf("event=chat_client action=dial status=failed retry_in=%s err=%q", m.opts.RetryDelay, err.Error())
		m.scheduleRetry(gen, m.opts.RetryDelay)
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		_ = t.Close(CloseNormal, "superseded")
		return
	}
	m.transport = t
	m.dialing = false
	changed := m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	// identify goes out before anyone observes the connected status
	if err := m.Send(protocol.Identify{UserID: id.UserID, DisplayName: id.DisplayName}); err != nil {
		commonlog.Warnf("event=chat_client action=identify status=failed err=%q", err.Error())
	}
	go m.readLoop(gen, t)

	commonlog.Infof("event=chat_client action=connect status=success user_id=%s", id.UserID)
	m.notifyStatus(changed, StatusConnected)
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		frame, err := t.Receive()
		if err != nil {
			m.dropped(gen, t, err)
			return
		}
		ev, err := protocol.Decode(frame)
		if err != nil {
			commonlog.Warnf("event=chat_client action=receive status=dropped err=%q", err.Error())
			continue
		}
		m.events.Publish(ev)
	}
}

// dropped handles the end of a transport the manager did not close itself.
func (m *Manager) dropped(gen uint64, t Transport, err error) {
	m.mu.Lock()
	if m.transport != t || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	code := closeCode(err)
	if code == CloseNormal {
		changed := m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		commonlog.Infof("event=chat_client action=close status=normal")
		m.notifyStatus(changed, StatusDisconnected)
		return
	}
	m.mu.Unlock()

	commonlog.Warnf("event=chat_client action=close status=abnormal code=%d retry_in=%s", code, m.opts.ReconnectDelay)
	m.scheduleRetry(gen, m.opts.ReconnectDelay)
}

func (m *Manager) scheduleRetry(gen uint64, delay time.Duration) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.dialing = false
	m.transport = nil
	m.stopTimerLocked()
	m.timer = m.opts.Clock.AfterFunc(delay, func() { m.retry(gen) })
	changed := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	m.notifyStatus(changed, StatusDisconnected)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()
	m.start()
}

// Close cancels any pending reconnect and closes the live transport with
// a normal close. Calling it again is a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	t := m.transport
	m.transport = nil
	m.dialing = false
	changed := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(CloseNormal, "client closed"); err != nil {
			commonlog.Debugf("event=chat_client action=close status=failed err=%q", err.Error())
		}
	}
	m.notifyStatus(changed, StatusDisconnected)
}

func (m *Manager) Send(ev protocol.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(frame)
}

func (m *Manager) GetRooms() error {
	return m.Send(protocol.GetRooms{})
}

func (m *Manager) JoinChannel(channel string) error {
	id, _ := m.opts.Identity()
	return m.Send(protocol.JoinChannel{Channel: channel, UserID: id.UserID, UserName: id.DisplayName})
}

func (m *Manager) SendMessage(channel, content string) error {
	return m.Send(protocol.SendMessage{Channel: channel, Content: content})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStatusLocked(s Status) bool {
	if m.status == s {
		return false
	}
	m.status = s
	return true
}

func (m *Manager) notifyStatus(changed bool, s Status) {
	if changed {
		m.statuses.Publish(s)
	}
}
