// Package mqtt carries readings over an MQTT broker, one topic per channel
// under a common prefix.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/ericogr/probe-uploader/pkg/config"
	"github.com/ericogr/probe-uploader/pkg/queue"
)

const (
	// defaults
	DefaultServer   = "tcp://localhost:1883"
	DefaultClientID = "probe-uploader"

	statusOnline  = "online"
	statusOffline = "offline"
	disconnectMs  = 250
	closeTimeout  = 2 * time.Second

	// discovery payload keys/values
	keyName               = "name"
	keyStateTopic         = "state_topic"
	keyUnitOfMeasurement  = "unit_of_measurement"
	keyDeviceClass        = "device_class"
	keyStateClass         = "state_class"
	keyValueTemplate      = "value_template"
	keyAvailabilityTopic  = "availability_topic"
	keyUniqueID           = "unique_id"
	stateClassMeasurement = "measurement"
	valueTemplateReading  = "{{ value_json[2] }}"
)

// channelUnits maps a channel to its Home Assistant unit and device class.
var channelUnits = map[string][2]string{
	"pressure":    {"kPa", "pressure"},
	"temperature": {"°C", "temperature"},
	"humidity":    {"%", "humidity"},
	"cpu_percent": {"%", ""},
	"load_avg":    {"", ""},
}

type Options struct {
	Config config.MQTTConfig
	// ClientID overrides Config.ClientID; publisher and subscriber need
	// distinct ids on the same broker.
	ClientID string
	// Durable selects QoS 1 and a persistent broker session.
	Durable    bool
	RetryDelay time.Duration
	// Channels announced through Home Assistant discovery, if configured.
	Channels []string
	Logger   logrus.FieldLogger
}

func (o Options) clientID() string {
	if o.ClientID != "" {
		return o.ClientID
	}
	if o.Config.ClientID != "" {
		return o.Config.ClientID
	}
	return DefaultClientID
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

func qosFor(durable bool) byte {
	if durable {
		return 1
	}
	return 0
}

func channelTopic(prefix, channel string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + channel
}

func channelFromTopic(prefix, topic string) string {
	return strings.TrimPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
}

func clientOptions(o Options) *mqtt.ClientOptions {
	server := o.Config.Server
	if server == "" {
		server = DefaultServer
	}
	opts := mqtt.NewClientOptions().AddBroker(server).SetClientID(o.clientID())
	if o.Config.Username != "" {
		opts.SetUsername(o.Config.Username)
	}
	if o.Config.Password != "" {
		opts.SetPassword(o.Config.Password)
	}
	opts.SetAutoReconnect(true)
	// a persistent session makes the broker keep QoS 1 messages for us
	// while we are offline
	opts.SetCleanSession(!o.Durable)
	if o.Durable && o.Config.StoreDir != "" {
		opts.SetStore(mqtt.NewFileStore(o.Config.StoreDir))
	}
	log := o.logger()
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})
	return opts
}

func connect(opts *mqtt.ClientOptions) (mqtt.Client, error) {
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publisher publishes each reading to <prefix>/<channel>.
type Publisher struct {
	client         mqtt.Client
	prefix         string
	qos            byte
	retained       bool
	statusTopic    string
	discoveryTopic string
	clientID       string
	log            logrus.FieldLogger
}

// publisherOptions adds the retained offline will and the online birth
// message on the status topic, if one is configured.
func publisherOptions(o Options) *mqtt.ClientOptions {
	opts := clientOptions(o)
	status := o.Config.StatusTopic
	if status != "" {
		opts.SetWill(status, statusOffline, 2, true)
		opts.SetOnConnectHandler(func(c mqtt.Client) {
			c.Publish(status, 1, true, statusOnline)
		})
	}
	return opts
}

func NewPublisher(o Options) (*Publisher, error) {
	status := o.Config.StatusTopic
	client, err := connect(publisherOptions(o))
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		client:         client,
		prefix:         o.Config.TopicPrefix,
		qos:            qosFor(o.Durable),
		retained:       o.Config.Retained,
		statusTopic:    status,
		discoveryTopic: o.Config.DiscoveryTopic,
		clientID:       o.clientID(),
		log:            o.logger().WithField("queue", "mqtt"),
	}

	// Publish Home Assistant discovery payload(s) if requested
	if p.discoveryTopic != "" {
		for _, ch := range o.Channels {
			dTopic := formatDiscoveryTopic(p.discoveryTopic, ch)
			payload := baseDiscoveryPayload(discoveryName(p.clientID, ch), channelTopic(p.prefix, ch), status, discoveryUniqueID(p.clientID, ch), ch)
			if err := p.publishJSON(dTopic, true, payload); err != nil {
				p.log.WithError(err).WithField("channel", ch).Warn("mqtt discovery publish error")
			}
		}
	}

	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, msg queue.Message) error {
	token := p.client.Publish(channelTopic(p.prefix, msg.Channel), p.qos, p.retained, msg.Body)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", msg.Channel, err)
	}
	return nil
}

// Close marks the prober offline and disconnects. The will message covers
// the unclean case.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	if p.statusTopic != "" {
		token := p.client.Publish(p.statusTopic, 1, true, statusOffline)
		token.WaitTimeout(closeTimeout)
	}
	p.client.Disconnect(disconnectMs)
	return nil
}

func (p *Publisher) publishJSON(topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := p.client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}

// helper: a discovery topic may carry a %s formatter for the channel
func formatDiscoveryTopic(base, channel string) string {
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, channel)
	}
	return strings.TrimSuffix(base, "/") + "/" + channel + "/config"
}

func discoveryName(clientID, channel string) string {
	return fmt.Sprintf("%s %s", clientID, channel)
}

func discoveryUniqueID(clientID, channel string) string {
	return fmt.Sprintf("%s_%s", clientID, channel)
}

// helper: base discovery payload for one channel
func baseDiscoveryPayload(name, stateTopic, availabilityTopic, uniqueID, channel string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:          name,
		keyStateTopic:    stateTopic,
		keyStateClass:    stateClassMeasurement,
		keyValueTemplate: valueTemplateReading,
		keyUniqueID:      uniqueID,
	}
	if u, ok := channelUnits[channel]; ok {
		if u[0] != "" {
			payload[keyUnitOfMeasurement] = u[0]
		}
		if u[1] != "" {
			payload[keyDeviceClass] = u[1]
		}
	}
	if availabilityTopic != "" {
		payload[keyAvailabilityTopic] = availabilityTopic
	}
	return payload
}

var _ queue.Publisher = (*Publisher)(nil)
