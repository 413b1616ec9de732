// Package messaging consumes order events from Kafka and hands them to the
// reconciler.
package messaging

import (
	"context"
	"errors"
	"log"

	"github.com/IBM/sarama"
)

type Consumer struct {
	name    string
	group   sarama.ConsumerGroup
	topics  []string
	handler sarama.ConsumerGroupHandler
}

func NewConsumer(name string, brokers []string, groupID string, topics []string, handler sarama.ConsumerGroupHandler) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		name:    name,
		group:   group,
		topics:  topics,
		handler: handler,
	}, nil
}

// Start consumes until ctx is cancelled, rejoining the group after each
// rebalance.
func (c *Consumer) Start(ctx context.Context) error {
	log.Println("starting consumer:", c.name, c.topics)
	for {
		if err := c.group.Consume(ctx, c.topics, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Println("consumer error:", c.name, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}
