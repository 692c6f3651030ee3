package infra

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

type RabbitMQConfig struct {
	URL string
}

type RabbitMQ struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel

	publishMu sync.Mutex
}

func NewRabbitMQ(config RabbitMQConfig) (*RabbitMQ, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	r := &RabbitMQ{
		Connection: conn,
		Channel:    ch,
	}

	// 自動宣告所有隊列
	for _, queueName := range GetAllQueueNames() {
		if _, err := r.DeclareQueue(queueName.String()); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
		}
	}

	log.Info().Msg("Connected to RabbitMQ!")
	return r, nil
}

func (r *RabbitMQ) Close() error {
	if r.Channel != nil {
		r.Channel.Close()
	}
	if r.Connection != nil {
		return r.Connection.Close()
	}
	return nil
}

func (r *RabbitMQ) IsClosed() bool {
	return r.Connection == nil || r.Connection.IsClosed()
}

func (r *RabbitMQ) DeclareQueue(name string) (amqp.Queue, error) {
	return r.Channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
}

// PublishMessage 以持久化訊息發佈 JSON 到指定隊列
func (r *RabbitMQ) PublishMessage(queueName string, body []byte) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	return r.Channel.Publish(
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// Consume 在獨立 channel 上消費隊列（手動 ack）
func (r *RabbitMQ) Consume(queueName, consumer string, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := r.Connection.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, nil, fmt.Errorf("set qos: %w", err)
		}
	}

	deliveries, err := ch.Consume(
		queueName, // queue
		consumer,  // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queueName, err)
	}
	return ch, deliveries, nil
}
