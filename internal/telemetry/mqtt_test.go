package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/ladderbot/internal/config"
	"github.com/energizer-project/ladderbot/internal/events"
	"github.com/energizer-project/ladderbot/internal/util"
)

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic string
	body  map[string]interface{}
}

type fakeBroker struct {
	connectErr error
	// onConnect runs once the fake connection is up.
	onConnect func()

	mu        sync.Mutex
	connected bool
	msgs      []published
}

func (f *fakeBroker) Connect() mqtt.Token {
	if f.connectErr != nil {
		return doneToken{err: f.connectErr}
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.onConnect != nil {
		f.onConnect()
	}
	return doneToken{}
}

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic: topic, body: body})
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeBroker) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func newTestHandler(client brokerClient) *MQTTHandler {
	return &MQTTHandler{
		cfg:      config.MQTTConfig{Enabled: true, TopicPrefix: "ladderbot"},
		client:   client,
		logger:   util.ComponentLogger("mqtt"),
		metadata: buildMetadata(util.SystemInfo{Hostname: "host"}, "test"),
	}
}

func TestMQTTHandler_RoutesEventsToTopics(t *testing.T) {
	pub := &fakeBroker{connected: true}
	h := newTestHandler(pub)
	bus := events.NewEventBus()
	h.Subscribe(bus)

	ctx := context.Background()
	bus.Emit(ctx, events.Event{Type: events.EventLoggedIn, Payload: events.SessionPayload{Identity: "bot"}})
	bus.Emit(ctx, events.Event{Type: events.EventBattleEnded, Payload: events.BattleEndedPayload{Room: "battle-1", Outcome: events.OutcomeWin}})
	bus.Emit(ctx, events.Event{Type: events.EventTurnChosen})
	bus.Wait()

	msgs := pub.messages()
	require.Len(t, msgs, 2)

	byTopic := map[string]map[string]interface{}{}
	for _, m := range msgs {
		byTopic[m.topic] = m.body
	}

	session := byTopic["ladderbot/session"]
	require.NotNil(t, session)
	assert.Equal(t, "logged_in", session["event"])
	assert.Equal(t, "host", session["hostname"])
	assert.Equal(t, "test", session["app_version"])
	assert.Equal(t, map[string]interface{}{"identity": "bot"}, session["payload"])

	battle := byTopic["ladderbot/battle"]
	require.NotNil(t, battle)
	assert.Equal(t, "battle_ended", battle["event"])
	payload, ok := battle["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "win", payload["outcome"])
}

func TestMQTTHandler_StartPublishesEventsFromConnect(t *testing.T) {
	bus := events.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The session logs in while the broker handshake completes.
	broker := &fakeBroker{}
	broker.onConnect = func() {
		bus.Emit(ctx, events.Event{Type: events.EventLoggedIn, Payload: events.SessionPayload{Identity: "bot"}})
	}
	h := newTestHandler(broker)

	require.NoError(t, h.Start(ctx, bus))
	bus.Wait()

	var got []string
	for _, m := range broker.messages() {
		got = append(got, m.topic+" "+m.body["event"].(string))
	}
	assert.Contains(t, got, "ladderbot/session logged_in")
	assert.False(t, broker.IsConnected())
}

func TestMQTTHandler_StartConnectFailure(t *testing.T) {
	broker := &fakeBroker{connectErr: errors.New("connection refused")}
	h := newTestHandler(broker)

	err := h.Start(context.Background(), events.NewEventBus())
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, broker.messages())
}

func TestMQTTHandler_SkipsWhenDisconnected(t *testing.T) {
	pub := &fakeBroker{connected: false}
	h := newTestHandler(pub)
	h.PublishShutdown()
	assert.Empty(t, pub.messages())
}

func TestMQTTHandler_TopicWithoutPrefix(t *testing.T) {
	h := newTestHandler(&fakeBroker{})
	h.cfg.TopicPrefix = ""
	assert.Equal(t, "battle", h.topic(TopicBattle))
}

func TestNewMQTTHandler_Disabled(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{Enabled: false}, "test")
	assert.Error(t, err)
}

func TestNewMQTTHandler_BadCAFile(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{
		Enabled:   true,
		BrokerURL: "localhost",
		Port:      8883,
		UseTLS:    true,
		CAFile:    "/nonexistent/ca.pem",
	}, "test")
	assert.Error(t, err)
}
