package messaging

import (
	"context"

	"github.com/IBM/sarama"
)

type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type SaramaProducer struct {
	producer sarama.SyncProducer
}

func NewSaramaProducer(brokers []string) (*SaramaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducer(p), nil
}

func NewProducer(p sarama.SyncProducer) *SaramaProducer {
	return &SaramaProducer{producer: p}
}

func (p *SaramaProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
