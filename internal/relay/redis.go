package relay

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/broadcast"
	"github.com/KKKKjl/pushkit/internal/metrics"
	"github.com/KKKKjl/pushkit/logger"
)

const DefaultRedisChannel = "pushkit:relay"

// RedisRelay publishes msgpack encoded messages on a Redis channel. Redis
// pub/sub keeps the best effort contract: nobody listening means dropped.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

func NewRedisRelay(client redis.UniversalClient, channel string, m *metrics.Metrics) *RedisRelay {
	if channel == "" {
		channel = DefaultRedisChannel
	}

	return &RedisRelay{
		client:  client,
		channel: channel,
		metrics: m,
		logger:  logger.Component("relay"),
	}
}

func (r *RedisRelay) Transport() string {
	return TransportRedis
}

func (r *RedisRelay) Relay(ctx context.Context, msg Message) (err error) {
	defer func() {
		r.metrics.Relayed(TransportRedis, err)
	}()

	if err = msg.Validate(); err != nil {
		return err
	}

	buf, err := Encode(msg)
	if err != nil {
		return err
	}

	if err = r.client.Publish(ctx, r.channel, buf).Err(); err != nil {
		r.logger.WithFields(logrus.Fields{"channel": msg.Channel, "event": msg.Event}).Errorf("Relay error, event dropped: %v", err)
		return fmt.Errorf("%w: %v", DroppedErr, err)
	}

	return nil
}

// RedisSubscriber runs on the stream host and feeds the broadcaster.
type RedisSubscriber struct {
	client      redis.UniversalClient
	channel     string
	broadcaster *broadcast.Broadcaster
	logger      *logrus.Entry
}

func NewRedisSubscriber(client redis.UniversalClient, channel string, b *broadcast.Broadcaster) *RedisSubscriber {
	if channel == "" {
		channel = DefaultRedisChannel
	}

	return &RedisSubscriber{
		client:      client,
		channel:     channel,
		broadcaster: b,
		logger:      logger.Component("relay"),
	}
}

// Run consumes the channel until ctx is done.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	s.logger.Infof("Listening for relay messages on redis channel %s.", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle([]byte(m.Payload))
		}
	}
}

func (s *RedisSubscriber) handle(buf []byte) {
	msg, err := Decode(buf)
	if err != nil {
		s.logger.Errorf("Decode relay message error: %v", err)
		return
	}

	if _, err := Deliver(s.broadcaster, msg); err != nil {
		s.logger.WithField("channel", msg.Channel).Errorf("Relay publish error: %v", err)
	}
}
