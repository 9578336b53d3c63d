package amqpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"scanhub/internal/logger"
	"scanhub/internal/ports"
)

// Publisher sends job descriptors as persistent messages and waits for the
// broker to confirm each one. The connection is opened on first use and
// reopened after a failure.
type Publisher struct {
	broker *Broker
	log    logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ ports.JobPublisher = (*Publisher)(nil)

func NewPublisher(b *Broker, log logger.Logger) *Publisher {
	return &Publisher{broker: b, log: log}
}

func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	conn, err := p.broker.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := p.broker.declare(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

func (p *Publisher) Publish(ctx context.Context, msg ports.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", p.broker.Queue(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ReportID,
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish job %s: %w", msg.ReportID, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", msg.ReportID, err)
	}
	if !acked {
		return fmt.Errorf("broker refused job %s", msg.ReportID)
	}
	p.log.Debug("job published", logger.String("report_id", msg.ReportID), logger.String("queue", p.broker.Queue()))
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
