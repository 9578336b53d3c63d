// Package amqpadapter carries scan job descriptors over a durable RabbitMQ queue.
package amqpadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"scanhub/internal/config"
	"scanhub/internal/logger"
)

// ErrUnavailable is returned once every connection attempt has failed.
var ErrUnavailable = errors.New("message broker unavailable")

type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// Broker opens connections with a fixed number of attempts spaced by a fixed
// delay.
type Broker struct {
	cfg   config.RabbitMQConfig
	queue string
	log   logger.Logger
	dial  dialFunc
}

func NewBroker(cfg config.RabbitMQConfig, log logger.Logger) *Broker {
	return &Broker{cfg: cfg, queue: config.QueueName, log: log, dial: amqp.DialConfig}
}

func (b *Broker) Queue() string { return b.queue }

// Connect dials the broker, retrying up to MaxRetries attempts in total.
func (b *Broker) Connect(ctx context.Context) (*amqp.Connection, error) {
	attempts := max(b.cfg.MaxRetries, 1)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.RetryDelay), uint64(attempts-1)),
		ctx)

	amqpCfg := amqp.Config{
		Heartbeat: b.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(b.cfg.DialTimeout),
	}
	attempt := 0
	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		attempt++
		c, err := b.dial(b.cfg.URL(), amqpCfg)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy, func(err error, wait time.Duration) {
		b.log.Warn("broker connection failed, retrying",
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", attempts),
			logger.Duration("retry_in", wait),
			logger.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, attempt, err)
	}
	b.log.Info("connected to broker", logger.String("host", b.cfg.Host), logger.Int("port", b.cfg.Port))
	return conn, nil
}

// declare makes sure the durable job queue exists on ch.
func (b *Broker) declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(b.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", b.queue, err)
	}
	return nil
}
