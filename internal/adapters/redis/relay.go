// Package redisadapter relays push payloads between processes over Redis pub/sub,
// so the consumer process can reach clients connected to the API process.
package redisadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scanhub/internal/config"
	"scanhub/internal/logger"
	"scanhub/internal/ports"
)

// Channel is the pub/sub channel carrying push envelopes.
const Channel = "scanhub:push"

type envelope struct {
	UserID  int64           `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

type Relay struct {
	rdb *redis.Client
	log logger.Logger
}

var _ ports.Pusher = (*Relay)(nil)

func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRelay(rdb *redis.Client, log logger.Logger) *Relay {
	return &Relay{rdb: rdb, log: log}
}

// Push publishes payload for userID. payload must be JSON.
func (r *Relay) Push(ctx context.Context, userID int64, payload []byte) error {
	msg, err := json.Marshal(envelope{UserID: userID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode push envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, Channel, msg).Err(); err != nil {
		return fmt.Errorf("publish push: %w", err)
	}
	return nil
}

// Run forwards every relayed payload to sink until ctx ends.
func (r *Relay) Run(ctx context.Context, sink ports.Pusher) error {
	sub := r.rdb.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	r.log.Info("push relay subscribed", logger.String("channel", Channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("dropping malformed push envelope", logger.Error(err))
				continue
			}
			if err := sink.Push(ctx, env.UserID, env.Payload); err != nil {
				r.log.Warn("relayed push failed", logger.Int64("user_id", env.UserID), logger.Error(err))
			}
		}
	}
}
