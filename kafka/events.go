// Copyright 2025 Rastermill Contributors.
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

// Package kafka consumes S3 bucket notification events and feeds them to
// the ingest pipeline. Both MinIO and AWS publish the same Records JSON
// shape, so one parser covers either deployment.
package kafka

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/url"
	"strings"

	"github.com/Shopify/sarama"
	cluster "github.com/bsm/sarama-cluster"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Event is one object-created notification pulled off the topic. Ack must
// be called after the object has been handled; offsets for unacked events
// are redelivered on restart and the ledger makes redelivery harmless.
type Event struct {
	Bucket string
	Key    string
	Size   int64

	msg *sarama.ConsumerMessage
}

// Source consumes bucket notification events from Kafka. Offsets are
// committed per message via Ack, after processing, never before.
type Source struct {
	Hosts  []string
	Topics []string
	Group  string
	Log    *logrus.Logger

	consumer *cluster.Consumer
	pending  []Event
}

// NewSource returns a Source with local-development defaults.
func NewSource() *Source {
	return &Source{
		Hosts:  []string{"localhost:9092"},
		Topics: []string{"rastermill-events"},
		Group:  "rastermill-workers",
	}
}

func (s *Source) log() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// Open initializes the consumer group.
func (s *Source) Open() error {
	sarama.Logger = log.New(ioutil.Discard, "", 0)
	config := cluster.NewConfig()
	config.Config.Version = sarama.V0_10_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Group.Return.Notifications = true

	var err error
	s.consumer, err = cluster.NewConsumer(s.Hosts, s.Group, s.Topics, config)
	if err != nil {
		return errors.Wrap(err, "getting new consumer")
	}

	go func() {
		for err := range s.consumer.Errors() {
			s.log().WithError(err).Error("kafka consumer error")
		}
	}()
	go func() {
		for ntf := range s.consumer.Notifications() {
			s.log().WithField("notification", ntf).Info("kafka rebalance")
		}
	}()
	return nil
}

// Next returns the next object-created event. Messages that do not parse
// or describe no created object are committed and skipped, not surfaced
// as errors; a poison message must never wedge the consumer.
func (s *Source) Next() (*Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return &ev, nil
		}
		msg, ok := <-s.consumer.Messages()
		if !ok {
			return nil, errors.New("messages channel closed")
		}
		events, err := ParseEvent(msg.Value)
		if err != nil {
			s.log().WithError(err).Warn("skipping unparseable bucket event")
			s.consumer.MarkOffset(msg, "")
			continue
		}
		if len(events) == 0 {
			s.consumer.MarkOffset(msg, "")
			continue
		}
		for i := range events {
			events[i].msg = msg
		}
		s.pending = events
	}
}

// Ack marks the event's message as processed.
func (s *Source) Ack(e *Event) {
	if e.msg != nil {
		s.consumer.MarkOffset(e.msg, "")
	}
}

// Close closes the underlying kafka consumer.
func (s *Source) Close() error {
	err := s.consumer.Close()
	return errors.Wrap(err, "closing kafka consumer")
}

type bucketNotification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseEvent extracts object-created events from one notification payload.
// Object keys arrive URL-encoded; removal and lifecycle events are dropped.
func ParseEvent(data []byte) ([]Event, error) {
	var n bucketNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, errors.Wrap(err, "unmarshaling bucket notification")
	}
	var events []Event
	for _, rec := range n.Records {
		if !strings.Contains(rec.EventName, "ObjectCreated") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "unescaping object key '%v'", rec.S3.Object.Key)
		}
		events = append(events, Event{
			Bucket: rec.S3.Bucket.Name,
			Key:    key,
			Size:   rec.S3.Object.Size,
		})
	}
	return events, nil
}
