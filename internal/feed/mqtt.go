package feed

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

// MQTTConfig describes the broker topic remote radio agents publish to.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      byte   `mapstructure:"qos"`
}

// MQTTSource subscribes to a topic carrying one JSON observation per
// message.
type MQTTSource struct {
	cfg       MQTTConfig
	clock     timeutil.Clock
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewMQTTSource returns a source backed by the paho client.
func NewMQTTSource(cfg MQTTConfig, clock timeutil.Clock) *MQTTSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MQTTSource{cfg: cfg, clock: clock, newClient: mqtt.NewClient}
}

func (s *MQTTSource) messageHandler(handle Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		obs, err := ParseLine(msg.Payload(), s.clock.Now())
		if err != nil {
			logf("mqtt %s: dropping message: %v", msg.Topic(), err)
			return
		}
		handle(obs)
	}
}

func (s *MQTTSource) clientOptions(handle Handler) *mqtt.ClientOptions {
	onMessage := s.messageHandler(handle)
	return mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		// clean sessions drop subscriptions, so subscribe on every connect
		SetOnConnectHandler(func(c mqtt.Client) {
			t := c.Subscribe(s.cfg.Topic, s.cfg.QoS, onMessage)
			if t.Wait() && t.Error() != nil {
				logf("mqtt subscribe %s: %v", s.cfg.Topic, t.Error())
				return
			}
			logf("subscribed to %s on %s", s.cfg.Topic, s.cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logf("mqtt connection lost: %v", err)
		})
}

// Run connects and blocks until ctx is cancelled.
func (s *MQTTSource) Run(ctx context.Context, handle Handler) error {
	client := s.newClient(s.clientOptions(handle))

	t := client.Connect()
	for !t.WaitTimeout(time.Second) {
		if ctx.Err() != nil {
			client.Disconnect(0)
			return ctx.Err()
		}
	}
	if t.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, t.Error())
	}
	defer client.Disconnect(250)

	<-ctx.Done()
	return ctx.Err()
}
