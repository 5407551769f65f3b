package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

type fakeToken struct {
	paho.Token
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type fakeClient struct {
	paho.Client
	connectErr error
	handler    chan paho.MessageHandler
	topic      string
}

func (c *fakeClient) Connect() paho.Token { return fakeToken{err: c.connectErr} }
func (c *fakeClient) Disconnect(uint)     {}
func (c *fakeClient) Subscribe(topic string, _ byte, h paho.MessageHandler) paho.Token {
	c.topic = topic
	c.handler <- h
	return fakeToken{}
}

func TestNewDefaults(t *testing.T) {
	r := New(config.ReceiverCfg{Name: "phones", Brokers: []string{"tcp://broker:1883"}, Topic: "notes/#"})
	if r.broker != "tcp://broker:1883" || r.qos != 1 || r.kind != model.KindNoteJSON {
		t.Fatalf("unexpected defaults: %+v", r)
	}
	if r.clientID != "batterystatsd-phones" {
		t.Fatalf("client id %q", r.clientID)
	}
	r = New(config.ReceiverCfg{Endpoint: "tcp://b:1883", Extra: map[string]any{"qos": 7, "kind": "otlp_logs"}})
	if r.qos != 1 || r.kind != model.KindOTLPLogs {
		t.Fatalf("qos=%d kind=%s", r.qos, r.kind)
	}
}

func TestEnvelopeTopicCaller(t *testing.T) {
	r := New(config.ReceiverCfg{Extra: map[string]any{"topic_caller": true}})
	env := r.envelope("batterystats/notes/1000", []byte(`{}`))
	if env.Attrs[model.AttrCallerUID] != "1000" || env.Attrs["mqtt.topic"] != "batterystats/notes/1000" {
		t.Fatalf("attrs=%v", env.Attrs)
	}
	env = r.envelope("batterystats/notes/phone", nil)
	if _, ok := env.Attrs[model.AttrCallerUID]; ok {
		t.Fatalf("non-numeric segment should not set caller: %v", env.Attrs)
	}
}

func TestStartForwardsMessages(t *testing.T) {
	fc := &fakeClient{handler: make(chan paho.MessageHandler, 1)}
	r := New(config.ReceiverCfg{Endpoint: "tcp://b:1883", Topic: "notes/+"})
	r.newClient = func(*paho.ClientOptions) paho.Client { return fc }

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.Envelope, 1)
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx, out) }()

	h := <-fc.handler
	h(fc, fakeMessage{topic: "notes/x", payload: []byte(`{"kind":"gps_on"}`)})
	env := <-out
	if string(env.Bytes) != `{"kind":"gps_on"}` || fc.topic != "notes/+" {
		t.Fatalf("env=%+v topic=%q", env, fc.topic)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
}

func TestStartErrors(t *testing.T) {
	if err := New(config.ReceiverCfg{}).Start(context.Background(), nil); err == nil {
		t.Fatal("expected config error")
	}
	r := New(config.ReceiverCfg{Endpoint: "tcp://b:1883", Topic: "t"})
	r.newClient = func(*paho.ClientOptions) paho.Client {
		return &fakeClient{connectErr: errors.New("refused")}
	}
	if err := r.Start(context.Background(), nil); err == nil {
		t.Fatal("expected connect error")
	}
}
