package ingest

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Options configures the broker connection.
type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Ingest subscribes to the producer topics on an MQTT broker.
type Ingest struct {
	*router
	raw mqtt.Client
	qos byte
}

// Connect dials the broker and subscribes once connected.
func Connect(opts Options, sender Sender, logger zerolog.Logger) (*Ingest, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetUsername(opts.Username)
	o.SetPassword(opts.Password)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)

	in := newIngest(nil, sender, opts.TopicPrefix, opts.QoS, logger)
	// Subscriptions are not kept across a broker restart without a
	// persistent session, so resubscribe on every connect.
	o.SetOnConnectHandler(func(mqtt.Client) {
		if err := in.Start(); err != nil {
			in.logger.Error().Err(err).Msg("subscribe failed")
		}
	})

	in.raw = mqtt.NewClient(o)
	token := in.raw.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", opts.BrokerURL, token.Error())
	}
	return in, nil
}

func newIngest(raw mqtt.Client, sender Sender, prefix string, qos byte, logger zerolog.Logger) *Ingest {
	return &Ingest{
		router: newRouter(sender, prefix, logger.With().Str("component", "mqtt-ingest").Logger()),
		raw:    raw,
		qos:    qos,
	}
}

// Topics returns the subscription filters.
func (in *Ingest) Topics() []string {
	return in.filters("+")
}

// Start subscribes to every producer topic.
func (in *Ingest) Start() error {
	filters := make(map[string]byte)
	for _, t := range in.Topics() {
		filters[t] = in.qos
	}
	token := in.raw.SubscribeMultiple(filters, in.handle)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %v: %w", in.Topics(), err)
	}
	in.logger.Info().Strs("topics", in.Topics()).Msg("mqtt ingest subscribed")
	return nil
}

// Close disconnects from the broker.
func (in *Ingest) Close() {
	if in.raw != nil {
		in.raw.Disconnect(250)
	}
}

func (in *Ingest) handle(_ mqtt.Client, m mqtt.Message) {
	if err := in.Dispatch(context.Background(), m.Topic(), m.Payload()); err != nil {
		in.logger.Warn().Err(err).Str("topic", m.Topic()).Msg("mqtt message rejected")
	}
}
