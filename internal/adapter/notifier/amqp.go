package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// publisher is the part of *amqp.Channel the notifier uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes order events to a topic exchange, keyed by event
// name.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  publisher
	exchange string
	log      logrus.FieldLogger
	now      func() time.Time
}

// DialAMQP connects to the broker and declares the durable topic exchange.
func DialAMQP(url, exchange string, log logrus.FieldLogger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open rabbitmq channel")
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}

	log.WithField("exchange", exchange).Info("connected to rabbitmq")
	n := newAMQPNotifier(ch, exchange, log)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch publisher, exchange string, log logrus.FieldLogger) *AMQPNotifier {
	return &AMQPNotifier{
		channel:  ch,
		exchange: exchange,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (n *AMQPNotifier) SendOrderConfirmation(ctx context.Context, orderID string) error {
	return n.publish(ctx, confirmationEvent(orderID, n.now()))
}

func (n *AMQPNotifier) SendOrderStatusUpdate(ctx context.Context, orderID string, status domain.OrderStatus) error {
	return n.publish(ctx, statusEvent(orderID, status, n.now()))
}

func (n *AMQPNotifier) publish(ctx context.Context, event orderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode order event")
	}

	// amqp channels are not safe for concurrent publishes
	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.Publish(
		n.exchange,
		event.Event,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    event.OccurredAt,
			Headers: amqp.Table{
				"order_id":   event.OrderID,
				"event_type": event.Event,
			},
		},
	)
	if err != nil {
		return errors.Wrapf(err, "publish %s", event.Event)
	}

	n.log.WithFields(logrus.Fields{"routing_key": event.Event, "order_id": event.OrderID}).Debug("order event published")
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var closeErr error
	if err := n.channel.Close(); err != nil {
		closeErr = errors.Wrap(err, "close rabbitmq channel")
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil && closeErr == nil {
			closeErr = errors.Wrap(err, "close rabbitmq connection")
		}
	}
	return closeErr
}
