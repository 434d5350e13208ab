package pushbus

import (
	"context"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/metrics"
)

type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// Prefix is stripped from MQTT topics before they are mapped onto bus topics.
	// "sitewatch/event/door" with prefix "sitewatch/" becomes "event.door".
	Prefix string
	// Topics to subscribe; defaults to Prefix + "#".
	Topics []string
	QoS    byte
}

// MQTTSource subscribes to the broker and republishes every message on the bus.
type MQTTSource struct {
	log     zerolog.Logger
	bus     *Bus
	metrics *metrics.Metrics
	opts    MQTTOptions
	client  mqtt.Client
}

func NewMQTTSource(log zerolog.Logger, bus *Bus, m *metrics.Metrics, opts MQTTOptions) *MQTTSource {
	if opts.ClientID == "" {
		opts.ClientID = "map-go"
	}
	if len(opts.Topics) == 0 {
		opts.Topics = []string{opts.Prefix + "#"}
	}
	s := &MQTTSource{log: log, bus: bus, metrics: m, opts: opts}

	co := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.OnConnect = func(c mqtt.Client) {
		log.Info().Str("broker", opts.BrokerURL).Msg("mqtt connected")
		for _, t := range opts.Topics {
			if token := c.Subscribe(t, opts.QoS, s.onMessage); token.Wait() && token.Error() != nil {
				log.Error().Err(token.Error()).Str("topic", t).Msg("mqtt subscribe failed")
				continue
			}
			log.Info().Str("topic", t).Msg("mqtt subscribed")
		}
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	}
	s.client = mqtt.NewClient(co)
	return s
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.deliver(msg.Topic(), msg.Payload())
}

func (s *MQTTSource) deliver(topic string, payload []byte) {
	s.metrics.IncPushMessage("mqtt")
	s.bus.Publish(BusTopic(s.opts.Prefix, topic, "/"), "mqtt", payload)
}

// Run connects with exponential backoff and stays connected until ctx is done.
func (s *MQTTSource) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		token := s.client.Connect()
		if token.Wait() && token.Error() == nil {
			break
		}
		s.log.Warn().Err(token.Error()).Dur("retry_in", backoff).Msg("mqtt connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	<-ctx.Done()
	s.client.Disconnect(250)
	return nil
}

// BusTopic maps a transport topic onto a bus topic: the prefix is dropped and sep becomes ".".
func BusTopic(prefix, topic, sep string) string {
	t := strings.TrimPrefix(topic, prefix)
	if sep != "." {
		t = strings.ReplaceAll(t, sep, ".")
	}
	return strings.Trim(t, ".")
}
