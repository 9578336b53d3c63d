package amqpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"scanhub/internal/logger"
	"scanhub/internal/metrics"
	"scanhub/internal/ports"
)

// Handler admits one job. A nil return acks the delivery. An error wrapping
// ports.ErrInvalidJob drops it; any other error puts it back on the queue.
type Handler func(ctx context.Context, msg ports.QueueMessage) error

// DefaultRequeueDelay is how long a delivery that could not be admitted is
// held before it goes back on the queue.
const DefaultRequeueDelay = time.Second

type Consumer struct {
	broker       *Broker
	handler      Handler
	prefetch     int
	requeueDelay time.Duration
	log          logger.Logger
	metrics      *metrics.Metrics
}

type ConsumerOption func(*Consumer)

// WithRequeueDelay sets the pause before a transient failure is requeued.
// Without it a job that keeps failing would spin between broker and consumer.
func WithRequeueDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.requeueDelay = max(d, 0) }
}

// NewConsumer reads with a prefetch of prefetch unacked deliveries, which
// should equal the number of queue lane workers.
func NewConsumer(b *Broker, handler Handler, prefetch int, log logger.Logger, m *metrics.Metrics, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		broker:       b,
		handler:      handler,
		prefetch:     max(prefetch, 1),
		requeueDelay: DefaultRequeueDelay,
		log:          log,
		metrics:      m,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx ends. A lost connection is reopened with the
// broker's bounded retry; running out of attempts returns the error.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		conn, err := c.broker.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("broker connection lost, reconnecting", logger.Error(err))
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := c.broker.declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.broker.Queue(), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.broker.Queue(), err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("waiting for scan jobs", logger.String("queue", c.broker.Queue()), logger.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg ports.QueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Error("dropping unreadable job", logger.Int("bytes", len(d.Body)), logger.Error(err))
		c.settle(d, "rejected", d.Nack(false, false))
		return
	}
	log := c.log.With(logger.String("report_id", msg.ReportID), logger.Int64("user_id", msg.UserID))

	err := c.handler(ctx, msg)
	switch {
	case err == nil:
		c.settle(d, "acked", d.Ack(false))
	case errors.Is(err, ports.ErrInvalidJob):
		log.Error("dropping invalid job", logger.Error(err))
		c.settle(d, "rejected", d.Nack(false, false))
	default:
		log.Warn("job not admitted, requeueing", logger.Error(err), logger.Duration("delay", c.requeueDelay))
		c.pause(ctx)
		c.settle(d, "requeued", d.Nack(false, true))
	}
}

// pause holds a failed delivery for the requeue delay or until ctx ends.
func (c *Consumer) pause(ctx context.Context) {
	if c.requeueDelay <= 0 {
		return
	}
	t := time.NewTimer(c.requeueDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) settle(d amqp.Delivery, outcome string, err error) {
	c.metrics.Deliveries.WithLabelValues(outcome).Inc()
	if err != nil {
		c.log.Error("could not settle delivery", logger.Int64("delivery_tag", int64(d.DeliveryTag)), logger.String("outcome", outcome), logger.Error(err))
	}
}
