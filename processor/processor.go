// Copyright 2025 the Outboxx authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"

	"github.com/lukashes/outboxx/cdc"
	"github.com/lukashes/outboxx/config"
	"github.com/lukashes/outboxx/metrics"
)

// Source is the streaming source the processor drains.
type Source interface {
	ReceiveBatch(ctx context.Context, targetSize int, deadline time.Duration) (*cdc.Batch, error)
	SendFeedback(ctx context.Context, lsn pglogrepl.LSN) error
}

// Producer is the message-bus client the processor publishes through.
type Producer interface {
	Send(topic string, key, value []byte) error
	Flush(ctx context.Context) error
}

// Config holds the processor's batching knobs.
type Config struct {
	// BatchSize is the target number of events per receive cycle.
	BatchSize int
	// BatchDeadline bounds how long a receive cycle waits for BatchSize.
	BatchDeadline time.Duration
	// FlushTimeout bounds the producer flush. A flush that misses it
	// withholds the LSN ack but does not stop the pipeline.
	FlushTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchDeadline <= 0 {
		c.BatchDeadline = time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
}

// route is one stream compiled for dispatch. Operations are keyed in their
// lowercase configuration form.
type route struct {
	name        string
	destination string
	routingKey  string
	ops         map[string]bool
}

// Processor matches change events to configured streams, serializes them,
// publishes to the broker, and advances the source LSN only after a
// successful flush. It is single-threaded: per-key ordering at the sink
// falls out of publishing sequentially.
type Processor struct {
	cfg      Config
	source   Source
	producer Producer
	routes   map[string][]route

	mu      sync.Mutex
	running bool
	stop    chan struct{}

	lastAcked pglogrepl.LSN
}

func New(cfg Config, source Source, producer Producer, streams []config.Stream) *Processor {
	cfg.applyDefaults()

	routes := make(map[string][]route)
	for _, s := range streams {
		r := route{
			name:        s.Name,
			destination: s.Sink.Destination,
			routingKey:  s.Sink.RoutingKey,
			ops:         make(map[string]bool, len(s.Source.Operations)),
		}
		for _, op := range s.Source.Operations {
			r.ops[op] = true
		}
		routes[s.Source.Resource] = append(routes[s.Source.Resource], r)
	}

	return &Processor{
		cfg:      cfg,
		source:   source,
		producer: producer,
		routes:   routes,
	}
}

// Run executes the receive, publish, flush, ack loop until the context is
// canceled or Stop is called. The batch in flight when shutdown begins still
// gets its flush-and-ack cycle. A source failure is returned to the caller;
// the replication slot makes a supervised restart lossless.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	logrus.WithFields(logrus.Fields{
		"batch_size":     p.cfg.BatchSize,
		"batch_deadline": p.cfg.BatchDeadline,
	}).Info("processor started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		if err := p.runOnce(ctx); err != nil {
			return err
		}
	}
}

// Stop requests shutdown from another goroutine. Run finishes its current
// cycle, including the final flush and ack, before returning.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) runOnce(ctx context.Context) error {
	batch, err := p.source.ReceiveBatch(ctx, p.cfg.BatchSize, p.cfg.BatchDeadline)
	if err != nil {
		return fmt.Errorf("processor: receive batch: %w", err)
	}

	if len(batch.Events) == 0 && batch.LastLSN == 0 {
		return nil
	}
	metrics.Batches.WithLabelValues(batch.Reason.String()).Inc()

	for _, ev := range batch.Events {
		p.dispatch(ev)
	}

	// The flush and the ack run on their own context so the last batch
	// still drains during shutdown, when the loop context is already
	// canceled.
	flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()
	if err := p.producer.Flush(flushCtx); err != nil {
		metrics.FlushFailures.Inc()
		logrus.WithError(err).WithField("last_lsn", batch.LastLSN.String()).
			Warn("flush failed, withholding LSN ack")
		return nil
	}

	if batch.LastLSN > p.lastAcked {
		if err := p.source.SendFeedback(flushCtx, batch.LastLSN); err != nil {
			logrus.WithError(err).WithField("lsn", batch.LastLSN.String()).
				Warn("failed to acknowledge LSN")
			return nil
		}
		p.lastAcked = batch.LastLSN
		metrics.LastAckedLSN.Set(float64(batch.LastLSN))
	}
	return nil
}

// dispatch routes one event to every matching stream. Events without a match
// are dropped silently; a serialization failure drops the single event and
// the batch continues.
func (p *Processor) dispatch(ev *cdc.Event) {
	var matched []route
	op := ev.Op.Lower()
	for _, r := range p.routes[ev.Meta.Resource] {
		if r.ops[op] {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		metrics.EventsDropped.WithLabelValues("unmatched").Inc()
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("serialization").Inc()
		logrus.WithError(err).WithFields(logrus.Fields{
			"resource": ev.Meta.Resource,
			"op":       ev.Op,
		}).Error("failed to serialize event, dropping")
		return
	}

	for _, r := range matched {
		key := p.routingKey(r, ev)
		if err := p.producer.Send(r.destination, []byte(key), payload); err != nil {
			// The subsequent flush fails too, so the LSN stays unacked
			// and the event is redelivered after restart.
			logrus.WithError(err).WithFields(logrus.Fields{
				"stream": r.name,
				"topic":  r.destination,
			}).Warn("failed to enqueue record")
			continue
		}
		metrics.EventsPublished.WithLabelValues(r.destination).Inc()
	}
}

// routingKey picks the partition key: the configured column's value from the
// event's primary row image, falling back to the resource name. Keying is
// deterministic per (column, value) so all changes of one entity land on one
// partition, in order.
func (p *Processor) routingKey(r route, ev *cdc.Event) string {
	if r.routingKey == "" {
		return ev.Meta.Resource
	}
	value, ok := ev.PrimaryRow().Get(r.routingKey)
	if !ok || value == nil {
		return ev.Meta.Resource
	}
	return stringifyKey(value)
}

func stringifyKey(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
