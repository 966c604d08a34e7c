//go:build !nokafka

// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package kafka provides a loader that publishes stream items to a Kafka
// topic.
package kafka

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/chunk"
)

func init() {
	streamcorpus.DefaultRegistry.RegisterLoader("to_kafka", func(cfg streamcorpus.StageConfig) (streamcorpus.Loader, error) {
		conf := Config{Hosts: []string{"localhost:9092"}, BatchSize: 100}
		if err := cfg.Decode(&conf); err != nil {
			return nil, err
		}
		if conf.Topic == "" {
			return nil, errors.Wrap(streamcorpus.ErrConfiguration, "to_kafka needs a topic")
		}
		sarama.Logger = log.New(ioutil.Discard, "", 0)
		sc := sarama.NewConfig()
		sc.Version = sarama.V0_10_0_0
		sc.Producer.Return.Successes = true
		sc.Producer.RequiredAcks = sarama.WaitForAll
		producer, err := sarama.NewSyncProducer(conf.Hosts, sc)
		if err != nil {
			return nil, errors.Wrap(err, "getting kafka producer")
		}
		return NewLoader(producer, conf), nil
	})
}

// Config configures to_kafka.
type Config struct {
	Hosts     []string `mapstructure:"hosts"`
	Topic     string   `mapstructure:"topic"`
	BatchSize int      `mapstructure:"batch_size"`
}

// Loader is the to_kafka stage. Each stream item becomes one message keyed
// by its stream id, holding the item serialized as avro binary.
type Loader struct {
	producer sarama.SyncProducer
	conf     Config
	log      streamcorpus.Logger
}

// NewLoader returns a Loader sending through producer.
func NewLoader(producer sarama.SyncProducer, conf Config) *Loader {
	if conf.BatchSize < 1 {
		conf.BatchSize = 1
	}
	return &Loader{producer: producer, conf: conf, log: streamcorpus.NopLogger{}}
}

// SetLogger implements streamcorpus.LoggerSetter.
func (l *Loader) SetLogger(log streamcorpus.Logger) { l.log = log }

// Load implements streamcorpus.Loader.
func (l *Loader) Load(ctx context.Context, chunkPath string, info streamcorpus.NameInfo, iStr string) (string, error) {
	r, err := chunk.Open(chunkPath, chunk.OptMaxRetries(1))
	if err != nil {
		return "", err
	}
	defer r.Close()
	batch := make([]*sarama.ProducerMessage, 0, l.conf.BatchSize)
	sent := 0
	send := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.producer.SendMessages(batch); err != nil {
			return errors.Wrapf(err, "sending %d messages to %s", len(batch), l.conf.Topic)
		}
		sent += len(batch)
		batch = batch[:0]
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		si, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", err
		}
		b, err := chunk.Serialize(si)
		if err != nil {
			return "", err
		}
		batch = append(batch, &sarama.ProducerMessage{
			Topic: l.conf.Topic,
			Key:   sarama.StringEncoder(si.StreamID),
			Value: sarama.ByteEncoder(b),
		})
		if len(batch) == l.conf.BatchSize {
			if err := send(); err != nil {
				return "", err
			}
		}
	}
	if err := send(); err != nil {
		return "", err
	}
	l.log.Debugf("to_kafka: sent %d items from %s to %s", sent, iStr, l.conf.Topic)
	return fmt.Sprintf("kafka:%s/%s", l.conf.Topic, info.MD5), nil
}

// Close closes the producer.
func (l *Loader) Close() error {
	return errors.Wrap(l.producer.Close(), "closing kafka producer")
}
