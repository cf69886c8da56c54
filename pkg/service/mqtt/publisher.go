// Copyright 2025 Ewout Prangsma
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
//
// Author Ewout Prangsma
//

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqttapi "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

// Config of a Publisher.
type Config struct {
	// Address (host:port) of the MQTT broker
	BrokerAddress string
	// Client ID used to connect to the broker
	ClientID string
	// Topic prefix; readings are published to <prefix>/reading
	TopicPrefix string
}

// Publisher sends readings to an MQTT broker.
type Publisher struct {
	log    zerolog.Logger
	config Config
	topic  string
	queue  chan vmeter.Reading
}

const (
	queueSize         = 64
	publishTimeout    = time.Millisecond * 200
	disconnectWait    = 250
	connectTimeout    = time.Second * 5
	connectRetryDelay = time.Second * 2
	// QoS used for reading messages
	qosAtMostOnce = 0
)

// NewPublisher creates a new publisher.
// Nothing is sent until Run is called.
func NewPublisher(log zerolog.Logger, config Config) *Publisher {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "vmeter"
	}
	if config.ClientID == "" {
		config.ClientID = "vmeter-worker"
	}
	return &Publisher{
		log:    log.With().Str("component", "mqtt").Logger(),
		config: config,
		topic:  readingTopic(config.TopicPrefix),
		queue:  make(chan vmeter.Reading, queueSize),
	}
}

// readingTopic returns the topic readings are published to.
func readingTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/reading"
}

// Topic returns the topic readings are published to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish queues the given reading for delivery.
// When the queue is full, the oldest reading is dropped.
func (p *Publisher) Publish(r vmeter.Reading) error {
	for attempt := 0; attempt < 10; attempt++ {
		select {
		case p.queue <- r:
			return nil
		default:
			// Queue full; Take 1 out and try again
			select {
			case <-p.queue:
				droppedReadingsTotal.Inc()
			default:
				// Continue
			}
		}
	}
	droppedReadingsTotal.Inc()
	return nil
}

// Run connects to the broker and delivers queued readings until the
// given context is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	opts := mqttapi.NewClientOptions().
		AddBroker("tcp://" + p.config.BrokerAddress).
		SetClientID(p.config.ClientID)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqttapi.Client) {
		p.log.Info().Str("broker", p.config.BrokerAddress).Msg("Connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqttapi.Client, err error) {
		p.log.Warn().Err(err).Msg("Lost connection to MQTT broker")
	})

	client := mqttapi.NewClient(opts)
	for {
		err := connect(client)
		if err == nil {
			break
		}
		p.log.Warn().Err(err).Msg("Failed to connect to MQTT broker")
		select {
		case <-ctx.Done():
			// Context canceled
			return nil
		case <-time.After(connectRetryDelay):
			// Retry
		}
	}
	defer client.Disconnect(disconnectWait)

	for {
		select {
		case r := <-p.queue:
			p.send(client, r)
		case <-ctx.Done():
			// Context canceled
			return nil
		}
	}
}

// connect the client to the broker.
func connect(client mqttapi.Client) error {
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timeout connecting to mqtt")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt: %w", err)
	}
	return nil
}

// send a single reading.
func (p *Publisher) send(client mqttapi.Client, r vmeter.Reading) {
	payload, err := json.Marshal(r)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to encode reading")
		return
	}
	token := client.Publish(p.topic, qosAtMostOnce, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		publishFailuresTotal.Inc()
		p.log.Error().Str("topic", p.topic).Msg("failed to deliver MQTT reading in time")
		return
	}
	if err := token.Error(); err != nil {
		publishFailuresTotal.Inc()
		p.log.Error().Err(err).Str("topic", p.topic).Msg("failed to deliver MQTT reading")
		return
	}
	publishedReadingsTotal.Inc()
}
