package sender

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	logx "medremind/pkg/logx"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeBroker struct {
	connected bool
	tok       *fakeToken
	topics    []string
	payloads  [][]byte
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, payload.([]byte))
	return b.tok
}
func (b *fakeBroker) IsConnected() bool { return b.connected }
func (b *fakeBroker) Disconnect(uint)   { b.connected = false }

func TestMQTTPublishes(t *testing.T) {
	b := &fakeBroker{connected: true, tok: &fakeToken{}}
	m := newMQTT(MQTTConfig{TopicPrefix: "medremind/"}, b, logx.Nop())

	if err := m.Send(context.Background(), "home/kitchen", "take it"); err != nil {
		t.Fatal(err)
	}
	if len(b.topics) != 1 || b.topics[0] != "medremind/home/kitchen" {
		t.Fatalf("topics = %v", b.topics)
	}
	var p mqttPayload
	if err := json.Unmarshal(b.payloads[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != "take it" || p.Contact != "home/kitchen" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestMQTTFailures(t *testing.T) {
	ctx := context.Background()

	m := newMQTT(MQTTConfig{}, &fakeBroker{connected: true, tok: &fakeToken{}}, logx.Nop())
	if err := m.Send(ctx, "a/#", "x"); !IsPermanent(err) {
		t.Fatalf("wildcard topic: want permanent, got %v", err)
	}

	m = newMQTT(MQTTConfig{}, &fakeBroker{connected: false, tok: &fakeToken{}}, logx.Nop())
	if err := m.Send(ctx, "a/b", "x"); err == nil || IsPermanent(err) {
		t.Fatalf("disconnected: want transient, got %v", err)
	}

	m = newMQTT(MQTTConfig{}, &fakeBroker{connected: true, tok: &fakeToken{timeout: true}}, logx.Nop())
	if err := m.Send(ctx, "a/b", "x"); err == nil || IsPermanent(err) {
		t.Fatalf("publish timeout: want transient, got %v", err)
	}

	m = newMQTT(MQTTConfig{}, &fakeBroker{connected: true, tok: &fakeToken{err: errors.New("nack")}}, logx.Nop())
	if err := m.Send(ctx, "a/b", "x"); err == nil || IsPermanent(err) {
		t.Fatalf("publish error: want transient, got %v", err)
	}
}
