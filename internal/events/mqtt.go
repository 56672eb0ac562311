package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

// MQTTOptions configure the broker connection.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes events on <prefix>/<eui>/<suffix>.
type MQTTPublisher struct {
	client mqttClient
	prefix string
	qos    byte
}

// ConnectMQTT connects to the broker. The client reconnects on its own
// after the first successful connection.
func ConnectMQTT(opts MQTTOptions) (*MQTTPublisher, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)

	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectTimeout(10 * time.Second)
	co.SetKeepAlive(30 * time.Second)

	co.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", opts.Broker).Msg("MQTT client connected")
	})

	co.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", opts.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect MQTT %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect MQTT %s: %w", opts.Broker, err)
	}
	return newMQTTPublisher(client, opts), nil
}

func newMQTTPublisher(client mqttClient, opts MQTTOptions) *MQTTPublisher {
	prefix := strings.Trim(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = "gateway"
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: opts.QoS}
}

// Topic returns the topic an event is published on.
func (p *MQTTPublisher) Topic(ev models.Event) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, ev.GatewayID, Suffix(ev.Type))
}

// Publish implements Publisher. It returns once the client has handled
// the message or ctx is done.
func (p *MQTTPublisher) Publish(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := p.Topic(ev)
	token := p.client.Publish(topic, p.qos, false, data)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
