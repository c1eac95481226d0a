// Package kafka streams trade records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client used by Publisher.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher implements store.TradeSink. Records are keyed by transaction id
// so a position's lifecycle lands on one partition in order.
type Publisher struct {
	client  Producer
	topic   string
	timeout time.Duration
	logger  *logrus.Logger

	produced atomic.Int64
	failed   atomic.Int64
}

func NewPublisher(brokers []string, topic string, logger *logrus.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Info("Trade publisher initialized")
	return NewPublisherWithClient(client, topic, logger), nil
}

func NewPublisherWithClient(client Producer, topic string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (p *Publisher) Record(ctx context.Context, r models.TradeRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to marshal trade record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(r.TransactionID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(r.Action)},
			{Key: "strategy", Value: []byte(r.Strategy)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to produce trade record %s: %w", r.RecordID, err)
	}
	p.produced.Add(1)
	return nil
}

// Stats returns the produced and failed counts.
func (p *Publisher) Stats() (produced, failed int64) {
	return p.produced.Load(), p.failed.Load()
}

func (p *Publisher) Close() {
	produced, failed := p.Stats()
	p.logger.WithFields(logrus.Fields{
		"produced": produced,
		"failed":   failed,
	}).Info("Trade publisher closing")
	p.client.Close()
}
