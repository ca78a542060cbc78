package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel used by AMQPNotifier.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// emailJob is the payload consumed by the mail worker.
type emailJob struct {
	To      string            `json:"to"`
	Kind    Kind              `json:"kind"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Vars    map[string]string `json:"vars"`
}

// AMQPNotifier publishes rendered email jobs to a RabbitMQ exchange.
type AMQPNotifier struct {
	publisher  Publisher
	exchange   string
	routingKey string
}

// NewAMQPNotifier creates a notifier publishing on the given exchange.
func NewAMQPNotifier(publisher Publisher, exchange, routingKey string) *AMQPNotifier {
	return &AMQPNotifier{
		publisher:  publisher,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

// Send implements Notifier.
func (n *AMQPNotifier) Send(ctx context.Context, msg Message) error {
	body, err := Render(msg)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(emailJob{
		To:      msg.To,
		Kind:    msg.Kind,
		Subject: Subject(msg.Kind),
		Body:    body,
		Vars:    msg.Vars,
	})
	if err != nil {
		return fmt.Errorf("marshal email job: %w", err)
	}

	err = n.publisher.PublishWithContext(
		ctx,
		n.exchange,
		n.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				"kind": string(msg.Kind),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s notification: %w", msg.Kind, err)
	}
	return nil
}

// Broker owns the RabbitMQ connection and channel used by AMQPNotifier.
type Broker struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel
	URL        string
}

// DialBroker connects to RabbitMQ and declares the exchange.
func DialBroker(url, exchange string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange %s: %w", exchange, err)
	}

	return &Broker{Connection: conn, Channel: ch, URL: url}, nil
}

// Close releases the channel and connection.
func (b *Broker) Close() {
	if b.Channel != nil {
		b.Channel.Close()
	}
	if b.Connection != nil {
		b.Connection.Close()
	}
}
