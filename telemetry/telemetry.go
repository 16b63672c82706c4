// Package telemetry publishes alarm state and occupancy to the E-Ra MQTT broker.
//
// Topic layout, with root defaulting to "eoh/chip":
//
//	{root}/{token}/third_party/{device}/data   <- {"config_led": 0|1}, {"config_peoplecount": n}
//	{root}/{token}/third_party/{device}/down   -> control messages, logged
//	{root}/{token}/is_online                   <- {"ol": 1|0}, retained, also the last will
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/intrusion-warning/config"
)

// ErrNotConnected is returned by publishes while the broker connection is down.
var ErrNotConnected = errors.New("telemetry not connected")

const defaultRetryInterval = 10 * time.Second

// Topics holds the fully expanded topic names for one device.
type Topics struct {
	Data   string
	Down   string
	Online string
}

// NewTopics expands the topic layout for a token and device.
func NewTopics(root, token, deviceID string) Topics {
	base := fmt.Sprintf("%s/%s", root, token)
	return Topics{
		Data:   fmt.Sprintf("%s/third_party/%s/data", base, deviceID),
		Down:   fmt.Sprintf("%s/third_party/%s/down", base, deviceID),
		Online: base + "/is_online",
	}
}

type statePayload struct {
	LED int `json:"config_led"`
}

type countPayload struct {
	People int `json:"config_peoplecount"`
}

type onlinePayload struct {
	Online int `json:"ol"`
}

// Control is a decoded message from the down topic.
type Control map[string]interface{}

// Option configures a Client.
type Option func(*Client)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(factory func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(c *Client) { c.factory = factory }
}

// WithControlHandler registers a callback for down topic messages. It runs on
// a paho goroutine.
func WithControlHandler(handler func(Control)) Option {
	return func(c *Client) { c.onControl = handler }
}

// Client wraps a paho client with the E-Ra topic layout.
type Client struct {
	conf      config.TelemetryConfig
	topics    Topics
	client    mqtt.Client
	factory   func(*mqtt.ClientOptions) mqtt.Client
	onControl func(Control)
	connected atomic.Bool
	logger    *log.Entry
}

// New builds a client. It does not connect.
func New(conf config.TelemetryConfig, opts ...Option) *Client {
	c := &Client{
		conf:    conf,
		topics:  NewTopics(conf.TopicRoot, conf.Token, conf.DeviceID),
		factory: mqtt.NewClient,
		logger: log.WithFields(log.Fields{
			"broker": fmt.Sprintf("%s:%d", conf.Broker, conf.Port),
			"token":  config.Mask(conf.Token),
		}),
	}
	for _, opt := range opts {
		opt(c)
	}

	offline, _ := json.Marshal(onlinePayload{Online: 0})

	retry := conf.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}

	clientID := conf.ClientID
	if clientID == "" {
		clientID = "intrusion-warning-" + conf.DeviceID
	}

	options := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", conf.Broker, conf.Port)).
		SetClientID(clientID).
		SetUsername(conf.Token).
		SetPassword(conf.Token).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retry).
		SetConnectTimeout(conf.ConnectTimeout).
		SetBinaryWill(c.topics.Online, offline, conf.QoS, true).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(c.handleConnectionLost)

	c.client = c.factory(options)
	return c
}

// Topics returns the expanded topic names.
func (c *Client) Topics() Topics {
	return c.topics
}

// Connect dials the broker and waits for the connection, bounded by ctx and
// the configured connect timeout. When it gives up the client keeps retrying
// in the background and comes online on the first successful attempt.
func (c *Client) Connect(ctx context.Context) error {
	if c.conf.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.ConnectTimeout)
		defer cancel()
	}

	c.logger.Info("connecting to broker")
	if err := wait(ctx, c.client.Connect()); err != nil {
		return errors.Wrap(err, "connect to broker")
	}
	return nil
}

// Connected reports whether the broker connection is up.
func (c *Client) Connected() bool {
	return c.connected.Load() && c.client.IsConnected()
}

// PublishState publishes the alarm LED state.
func (c *Client) PublishState(ctx context.Context, state int) error {
	return c.publish(ctx, c.topics.Data, statePayload{LED: state}, false)
}

// PublishCount publishes the number of people inside the region.
func (c *Client) PublishCount(ctx context.Context, count int) error {
	return c.publish(ctx, c.topics.Data, countPayload{People: count}, false)
}

// Close announces the device offline and disconnects.
func (c *Client) Close() {
	if c.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.publish(ctx, c.topics.Online, onlinePayload{Online: 0}, true); err != nil {
			c.logger.WithError(err).Warn("failed to publish offline status")
		}
		cancel()
	}
	c.connected.Store(false)
	c.client.Disconnect(250)
	c.logger.Info("disconnected from broker")
}

func (c *Client) publish(ctx context.Context, topic string, payload interface{}, retained bool) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}

	if err := wait(ctx, c.client.Publish(topic, c.conf.QoS, retained, data)); err != nil {
		return errors.Wrapf(err, "publish %s", data)
	}
	c.logger.WithField("payload", string(data)).Debug("published")
	return nil
}

func (c *Client) handleConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.logger.Info("connected to broker")

	online, _ := json.Marshal(onlinePayload{Online: 1})
	if token := client.Publish(c.topics.Online, c.conf.QoS, true, online); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.WithError(token.Error()).Warn("failed to publish online status")
	}

	if token := client.Subscribe(c.topics.Down, c.conf.QoS, c.handleMessage); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.WithError(token.Error()).Warn("failed to subscribe to control topic")
	}
}

func (c *Client) handleConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.logger.WithError(err).Warn("broker connection lost")
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var control Control
	if err := json.Unmarshal(msg.Payload(), &control); err != nil {
		c.logger.WithField("topic", msg.Topic()).WithError(err).Warn("ignoring malformed control message")
		return
	}

	c.logger.WithFields(log.Fields{"topic": msg.Topic(), "control": control}).Info("control message")
	if c.onControl != nil {
		c.onControl(control)
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
