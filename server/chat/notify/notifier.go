// Package notify sends out-of-band notifications for @mentions. Work is
// queued and handled by a fixed worker pool, away from message delivery.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"ops_chat/server/chat/domain"
	"ops_chat/server/chat/mention"
	commonlog "ops_chat/server/common/log"
	"ops_chat/server/common/metrics"
)

var ErrClosed = errors.New("notifier closed")

const (
	defaultWorkers   = 2
	defaultQueueSize = 256
	jobTimeout       = 15 * time.Second
)

type Options struct {
	Workers   int
	QueueSize int
	BaseURL   string
}

type job struct {
	room domain.Room
	msg  domain.Message
}

type Notifier struct {
	directory  Directory
	dispatcher Dispatcher
	baseURL    string
	workers    int
	now        func() time.Time

	queue chan job
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewNotifier(dir Directory, dispatcher Dispatcher, opts Options) *Notifier {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Notifier{
		directory:  dir,
		dispatcher: dispatcher,
		baseURL:    opts.BaseURL,
		workers:    opts.Workers,
		now:        time.Now,
		queue:      make(chan job, opts.QueueSize),
	}
}

// Start launches the workers. Calling it again is a no-op.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.closed {
		return
	}
	n.started = true
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
}

// Submit queues msg for the mention pass without blocking. A full queue
// drops the job.
func (n *Notifier) Submit(room domain.Room, msg domain.Message) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	select {
	case n.queue <- job{room: room, msg: msg}:
		return nil
	default:
		metrics.MentionDispatches.WithLabelValues("dropped").Inc()
		commonlog.Warnf("event=mention_notification action=enqueue status=dropped reason=queue_full message_id=%s room_id=%s", msg.ID, msg.RoomID)
		return nil
	}
}

// Close stops accepting jobs and waits until queued jobs are handled or
// ctx ends.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	started := n.started
	n.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for j := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		n.Process(ctx, j.room, j.msg)
		cancel()
	}
}

// Process runs the mention pass for one stored message and returns the
// number of notifications delivered. Every recipient gets at most one
// attempt.
func (n *Notifier) Process(ctx context.Context, room domain.Room, msg domain.Message) int {
	if len(mention.Extract(msg.Body)) == 0 {
		return 0
	}
	users, err := n.directory.Users(ctx)
	if err != nil {
		metrics.MentionDispatches.WithLabelValues("skipped").Inc()
		commonlog.Warnf("event=mention_notification action=resolve status=skipped message_id=%s room_id=%s error=%v", msg.ID, msg.RoomID, err)
		return 0
	}

	sent := 0
	for _, user := range mention.Resolve(msg.Body, msg.AuthorID, users) {
		if user.Email == "" {
			commonlog.Debugf("event=mention_notification action=dispatch status=skipped reason=no_email message_id=%s recipient_id=%s", msg.ID, user.ID)
			continue
		}
		note := BuildMention(n.baseURL, room, msg, user, n.now())
		if err := n.dispatcher.Dispatch(ctx, note); err != nil {
			metrics.MentionDispatches.WithLabelValues("failed").Inc()
			commonlog.Errorf("event=mention_notification action=dispatch status=failed message_id=%s recipient_id=%s error=%v", msg.ID, user.ID, err)
			continue
		}
		metrics.MentionDispatches.WithLabelValues("ok").Inc()
		sent++
	}
	return sent
}
