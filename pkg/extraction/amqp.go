package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures publishing to a RabbitMQ exchange.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Secret     string
}

// AMQPNotifier publishes requests to a durable topic exchange. The connection
// is opened lazily and reopened after it drops.
type AMQPNotifier struct {
	cfg AMQPConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errors.New("amqp url required")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = "invoice.extraction"
	}
	if strings.TrimSpace(cfg.RoutingKey) == "" {
		cfg.RoutingKey = EventFileUploaded
	}
	return &AMQPNotifier{cfg: cfg}, nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, req Request) error {
	msg, err := n.publishing(req)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, n.cfg.Exchange, n.cfg.RoutingKey, false, false, msg); err != nil {
		n.reset()
		return fmt.Errorf("publish extraction request: %w", err)
	}
	return nil
}

func (n *AMQPNotifier) publishing(req Request) (amqp.Publishing, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode extraction request: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.FileID,
		Timestamp:    time.Now().UTC(),
		Type:         EventFileUploaded,
		Body:         body,
	}
	if n.cfg.Secret != "" {
		msg.Headers = amqp.Table{SignatureHeader: Sign(body, n.cfg.Secret)}
	}
	return msg, nil
}

// Close shuts the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reset()
	return nil
}

func (n *AMQPNotifier) channel() (*amqp.Channel, error) {
	if n.ch != nil && !n.ch.IsClosed() && n.conn != nil && !n.conn.IsClosed() {
		return n.ch, nil
	}
	n.reset()
	conn, err := amqp.Dial(n.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", n.cfg.Exchange, err)
	}
	n.conn, n.ch = conn, ch
	return ch, nil
}

func (n *AMQPNotifier) reset() {
	if n.ch != nil {
		_ = n.ch.Close()
		n.ch = nil
	}
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
}
