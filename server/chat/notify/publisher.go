package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ops_chat/server/chat/domain"
	"ops_chat/server/common/infra/mq"
	commonlog "ops_chat/server/common/log"
)

const (
	DefaultExchange   = "chat.events"
	MentionRoutingKey = "mention.created"
)

// Dispatcher hands one mention notification to the delivery channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n domain.MentionNotification) error
}

// AMQPDispatcher publishes notifications to a topic exchange; the mail
// sender consumes them from there.
type AMQPDispatcher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPDispatcher(conn *amqp.Connection, exchange string) (*AMQPDispatcher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := mq.OpenTopicChannel(conn, exchange)
	if err != nil {
		return nil, err
	}
	return &AMQPDispatcher{exchange: exchange, conn: conn, channel: ch}, nil
}

func (p *AMQPDispatcher) Dispatch(ctx context.Context, n domain.MentionNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return fmt.Errorf("amqp dispatcher closed")
	}
	return p.channel.PublishWithContext(ctx, p.exchange, MentionRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.MessageID + ":" + n.RecipientID,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (p *AMQPDispatcher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// LogDispatcher only writes the notification to the log. Used when no
// broker is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, n domain.MentionNotification) error {
	commonlog.Infof("event=mention_notification action=log status=ok message_id=%s room_id=%s recipient_id=%s subject=%q", n.MessageID, n.RoomID, n.RecipientID, n.Subject)
	return nil
}
