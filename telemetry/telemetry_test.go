package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/intrusion-warning/config"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	Topic    string
	Retained bool
	Payload  string
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type fakeClient struct {
	mqtt.Client
	opts *mqtt.ClientOptions

	mu         sync.Mutex
	connected  bool
	connectErr error
	// retrying leaves the connect token open, as paho does while it retries.
	retrying   bool
	publishErr error
	published  []published
	handlers   map[string]mqtt.MessageHandler
}

func (f *fakeClient) Connect() mqtt.Token {
	if f.retrying {
		return &fakeToken{done: make(chan struct{})}
	}
	if f.connectErr != nil {
		return newToken(f.connectErr)
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.opts.OnConnect(f)
	return newToken(nil)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return newToken(f.publishErr)
	}
	f.published = append(f.published, published{Topic: topic, Retained: retained, Payload: string(payload.([]byte))})
	return newToken(nil)
}

func (f *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]mqtt.MessageHandler{}
	}
	f.handlers[topic] = callback
	return newToken(nil)
}

func (f *fakeClient) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func testConfig() config.TelemetryConfig {
	conf := config.Default().Telemetry
	conf.Enabled = true
	conf.Token = "tok-123456789"
	conf.DeviceID = "dev-42"
	return conf
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeClient) {
	t.Helper()
	fake := &fakeClient{}
	opts = append(opts, WithClientFactory(func(o *mqtt.ClientOptions) mqtt.Client {
		fake.opts = o
		return fake
	}))
	return New(testConfig(), opts...), fake
}

func TestNewTopics(t *testing.T) {
	topics := NewTopics("eoh/chip", "tok", "dev")
	assert.Equal(t, "eoh/chip/tok/third_party/dev/data", topics.Data)
	assert.Equal(t, "eoh/chip/tok/third_party/dev/down", topics.Down)
	assert.Equal(t, "eoh/chip/tok/is_online", topics.Online)
}

func TestClientOptions(t *testing.T) {
	c, fake := newTestClient(t)

	assert.Equal(t, "tok-123456789", fake.opts.Username)
	assert.Equal(t, "tok-123456789", fake.opts.Password)
	assert.Equal(t, "tcp://mqtt1.eoh.io:1883", fake.opts.Servers[0].String())
	assert.Equal(t, c.Topics().Online, fake.opts.WillTopic)
	assert.True(t, fake.opts.WillRetained)
	assert.JSONEq(t, `{"ol":0}`, string(fake.opts.WillPayload))
	assert.True(t, fake.opts.AutoReconnect)
	assert.True(t, fake.opts.ConnectRetry)
	assert.Equal(t, 10*time.Second, fake.opts.ConnectRetryInterval)
}

func TestConnectAnnouncesOnlineAndSubscribes(t *testing.T) {
	c, fake := newTestClient(t)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	msgs := fake.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, c.Topics().Online, msgs[0].Topic)
	assert.True(t, msgs[0].Retained)
	assert.JSONEq(t, `{"ol":1}`, msgs[0].Payload)
	assert.Contains(t, fake.handlers, c.Topics().Down)
}

func TestConnectFailure(t *testing.T) {
	c, fake := newTestClient(t)
	fake.connectErr = errors.New("bad username or password")

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestConnectRetriesInBackground(t *testing.T) {
	c, fake := newTestClient(t)
	fake.retrying = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.False(t, c.Connected())
	assert.Equal(t, ErrNotConnected, c.PublishCount(context.Background(), 1))

	// A later retry succeeds.
	fake.mu.Lock()
	fake.connected = true
	fake.mu.Unlock()
	fake.opts.OnConnect(fake)

	assert.True(t, c.Connected())
	require.NoError(t, c.PublishCount(context.Background(), 1))
	msgs := fake.messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"ol":1}`, msgs[0].Payload)
}

func TestPublishStateAndCount(t *testing.T) {
	c, fake := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.PublishState(context.Background(), 1))
	require.NoError(t, c.PublishCount(context.Background(), 3))

	msgs := fake.messages()[1:]
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, c.Topics().Data, m.Topic)
		assert.False(t, m.Retained)
	}
	assert.JSONEq(t, `{"config_led":1}`, msgs[0].Payload)
	assert.JSONEq(t, `{"config_peoplecount":3}`, msgs[1].Payload)
}

func TestPublishWhileDisconnected(t *testing.T) {
	c, fake := newTestClient(t)

	assert.Equal(t, ErrNotConnected, c.PublishState(context.Background(), 1))
	assert.Empty(t, fake.messages())
}

func TestPublishError(t *testing.T) {
	c, fake := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	fake.publishErr = errors.New("not authorized")

	err := c.PublishCount(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestConnectionLost(t *testing.T) {
	c, fake := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))

	fake.opts.OnConnectionLost(fake, errors.New("EOF"))
	assert.False(t, c.Connected())
	assert.Equal(t, ErrNotConnected, c.PublishCount(context.Background(), 1))
}

func TestControlMessages(t *testing.T) {
	var got []Control
	c, fake := newTestClient(t, WithControlHandler(func(ctl Control) { got = append(got, ctl) }))
	require.NoError(t, c.Connect(context.Background()))

	handler := fake.handlers[c.Topics().Down]
	handler(fake, fakeMessage{topic: c.Topics().Down, payload: []byte(`{"config_led":0}`)})
	handler(fake, fakeMessage{topic: c.Topics().Down, payload: []byte(`not json`)})

	require.Len(t, got, 1)
	assert.Equal(t, float64(0), got[0]["config_led"])
}

func TestCloseAnnouncesOffline(t *testing.T) {
	c, fake := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))

	c.Close()
	assert.False(t, c.Connected())

	msgs := fake.messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, c.Topics().Online, last.Topic)
	assert.True(t, last.Retained)

	var payload map[string]int
	require.NoError(t, json.Unmarshal([]byte(last.Payload), &payload))
	assert.Equal(t, 0, payload["ol"])
}
