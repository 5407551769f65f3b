// Package mqtt subscribes to note events published over MQTT.
//
// Topics may end in a caller UID segment, e.g. "batterystats/notes/1000";
// with topic_caller set, that trailing segment becomes the caller UID.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

type Receiver struct {
	broker      string
	topic       string
	clientID    string
	qos         byte
	kind        string
	topicCaller bool
	username    string
	password    string

	connectTimeout time.Duration
	// newClient is swapped in tests.
	newClient func(*paho.ClientOptions) paho.Client
	log       *slog.Logger
}

// New builds an MQTT receiver.
//
// Extras: client_id, qos (0..2, default 1), kind, topic_caller (bool),
// username, password, connect_timeout_ms.
func New(rc config.ReceiverCfg) *Receiver {
	broker := strings.TrimSpace(rc.Endpoint)
	if broker == "" && len(rc.Brokers) > 0 {
		broker = strings.TrimSpace(rc.Brokers[0])
	}
	qos := rc.ExtraInt("qos", 1)
	if qos < 0 || qos > 2 {
		qos = 1
	}
	kind := model.KindNoteJSON
	if strings.Contains(strings.ToLower(rc.ExtraString("kind", "")), "otlp") {
		kind = model.KindOTLPLogs
	}
	return &Receiver{
		broker:         broker,
		topic:          rc.Topic,
		clientID:       rc.ExtraString("client_id", "batterystatsd-"+rc.Name),
		qos:            byte(qos),
		kind:           kind,
		topicCaller:    rc.ExtraBool("topic_caller", false),
		username:       rc.ExtraString("username", ""),
		password:       rc.ExtraString("password", ""),
		connectTimeout: time.Duration(rc.ExtraInt("connect_timeout_ms", 10000)) * time.Millisecond,
		newClient:      paho.NewClient,
		log:            slog.Default().With("receiver", "mqtt"),
	}
}

func (r *Receiver) Start(ctx context.Context, out chan<- model.Envelope) error {
	if r.broker == "" || strings.TrimSpace(r.topic) == "" {
		return errors.New("mqtt receiver: missing broker or topic")
	}

	opts := paho.NewClientOptions().
		AddBroker(r.broker).
		SetClientID(r.clientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetConnectTimeout(r.connectTimeout)
	if r.username != "" {
		opts.SetUsername(r.username)
		opts.SetPassword(r.password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		r.log.Warn("[mqtt/"+r.kind+"] connection lost", "err", err)
	})

	client := r.newClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(r.connectTimeout) {
		return fmt.Errorf("mqtt receiver: connect to %s timed out", r.broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt receiver: connect: %w", err)
	}
	defer client.Disconnect(250)

	sub := client.Subscribe(r.topic, r.qos, func(_ paho.Client, msg paho.Message) {
		select {
		case out <- r.envelope(msg.Topic(), msg.Payload()):
		case <-ctx.Done():
		}
	})
	if !sub.WaitTimeout(r.connectTimeout) {
		return fmt.Errorf("mqtt receiver: subscribe to %s timed out", r.topic)
	}
	if err := sub.Error(); err != nil {
		return fmt.Errorf("mqtt receiver: subscribe: %w", err)
	}
	r.log.Info("[mqtt/"+r.kind+"] subscribed", "topic", r.topic, "broker", r.broker, "qos", r.qos)

	<-ctx.Done()
	return nil
}

func (r *Receiver) envelope(topic string, payload []byte) model.Envelope {
	attrs := map[string]string{"mqtt.topic": topic}
	if r.topicCaller {
		if uid, err := strconv.Atoi(path.Base(topic)); err == nil {
			attrs[model.AttrCallerUID] = strconv.Itoa(uid)
		}
	}
	return model.Envelope{
		Kind:   r.kind,
		Bytes:  payload,
		Attrs:  attrs,
		TSUnix: time.Now().Unix(),
	}
}
