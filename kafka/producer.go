package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lukashes/outboxx/metrics"
)

// Config holds producer settings.
type Config struct {
	// Brokers is the bootstrap host:port list.
	Brokers []string
	// MaxBufferedRecords bounds the client's in-flight buffer. Zero keeps
	// the client default.
	MaxBufferedRecords int
	// AllowAutoTopicCreation lets the brokers create missing topics on
	// first produce.
	AllowAutoTopicCreation bool
}

// Producer is a thin blocking-flush wrapper over the franz-go client. Send
// enqueues without waiting for broker acknowledgment; Flush drains the
// buffer and surfaces any delivery error seen since the previous Flush.
type Producer struct {
	client *kgo.Client

	mu          sync.Mutex
	deliveryErr error
}

func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no bootstrap brokers configured")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.MaxBufferedRecords > 0 {
		opts = append(opts, kgo.MaxBufferedRecords(cfg.MaxBufferedRecords))
	}
	if cfg.AllowAutoTopicCreation {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return &Producer{client: client}, nil
}

// Send enqueues one record. It always returns nil: the client reports
// enqueue and delivery failures through the record callback, and they
// surface from the next Flush.
func (p *Producer) Send(topic string, key, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	p.client.Produce(context.Background(), record, p.onDelivery)
	return nil
}

func (p *Producer) onDelivery(record *kgo.Record, err error) {
	if err == nil {
		metrics.RecordsDelivered.Inc()
		return
	}
	logrus.WithError(err).WithField("topic", record.Topic).Warn("record delivery failed")
	p.mu.Lock()
	if p.deliveryErr == nil {
		p.deliveryErr = err
	}
	p.mu.Unlock()
}

// Flush blocks until every enqueued record is acknowledged by the brokers or
// the context expires. It returns an error if the drain did not complete or
// any record failed delivery since the previous Flush; in either case the
// caller must not acknowledge the batch's LSN.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("kafka: flush: %w", err)
	}
	p.mu.Lock()
	err := p.deliveryErr
	p.deliveryErr = nil
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("kafka: delivery: %w", err)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}
