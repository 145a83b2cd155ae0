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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lukashes/outboxx/config"
	"github.com/lukashes/outboxx/kafka"
	"github.com/lukashes/outboxx/logrepl"
	"github.com/lukashes/outboxx/metrics"
	"github.com/lukashes/outboxx/processor"
)

var (
	configPath = "outboxx.toml"
	logLevel   = int(logrus.InfoLevel)

	batchSize     = 100
	batchDeadline = time.Second
	flushTimeout  = 5 * time.Second
)

func init() {
	flag.StringVar(&configPath, "config", configPath, "Path to the TOML configuration file.")
	flag.IntVar(&logLevel, "loglevel", logLevel, "The log level to use.")

	flag.IntVar(&batchSize, "batch-size", batchSize, "Target number of change events per batch.")
	flag.DurationVar(&batchDeadline, "batch-deadline", batchDeadline, "How long a receive cycle waits for a full batch.")
	flag.DurationVar(&flushTimeout, "flush-timeout", flushTimeout, "Upper bound on a producer flush before the LSN ack is withheld.")
}

func main() {
	flag.Parse()
	logrus.SetLevel(logrus.Level(logLevel))

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Listen); err != nil {
				logrus.WithError(err).Warnln("Metrics listener stopped")
			}
		}()
	}

	connString := cfg.Source.ConnString()
	err = logrepl.EnsureReplicationObjects(ctx, connString, cfg.Source.Slot, cfg.Source.Publication, cfg.Source.CreateMissing)
	if err != nil {
		logrus.WithError(err).Fatalln("Replication slot or publication not usable")
	}

	producer, err := kafka.NewProducer(kafka.Config{Brokers: cfg.Sink.Brokers})
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to create Kafka producer")
	}
	defer producer.Close()

	source := logrepl.NewSource(logrepl.Config{
		ConnString:  connString,
		Slot:        cfg.Source.Slot,
		Publication: cfg.Source.Publication,
		StartLSN:    cfg.Source.StartLSN,
	})
	if err := source.Connect(ctx); err != nil {
		logrus.WithError(err).Fatalln("Failed to start replication")
	}
	defer source.Close(context.Background())

	proc := processor.New(processor.Config{
		BatchSize:     batchSize,
		BatchDeadline: batchDeadline,
		FlushTimeout:  flushTimeout,
	}, source, producer, cfg.Streams)

	if err := proc.Run(ctx); err != nil {
		logrus.WithError(err).Fatalln("Pipeline failed")
	}

	logrus.Infoln("Shutdown complete")
}
