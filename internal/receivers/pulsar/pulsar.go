package pulsar

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	ps "github.com/apache/pulsar-client-go/pulsar"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Receiver consumes note events from Apache Pulsar and forwards them as model.Envelope.
// Supported kinds are "note_json" and "otlp_logs"; message properties become
// envelope attributes.
//
// Config mapping (config.ReceiverCfg):
//   - Endpoint OR Brokers[0]  => Pulsar serviceURL (e.g., pulsar://host:6650, pulsar+ssl://host:6651)
//   - Topic                   => topic to subscribe
//   - Group                   => subscription name
//   - Extra:
//     subscription_type: string             // "exclusive" | "shared" | "failover" | "key_shared" (default "shared")
//     auth_token: string                    // static token
//     auth_token_file: string               // read token from file (if auth_token empty)
//     tls_allow_insecure: bool              // default false
//     tls_trust_certs_file: string          // path to CA bundle for TLS
//     message_chan_buffer: int              // consumer buffer (default 32)
//     receiver_queue_size: int              // prefetch queue per consumer (default 1000)
//     kind: string                          // override of constructor kind
type Receiver struct {
	serviceURL string
	topic      string
	subName    string
	kind       string

	subType           ps.SubscriptionType
	authToken         string
	authTokenFile     string
	tlsAllowInsecure  bool
	tlsTrustCertsPath string
	msgChanBuffer     int
	receiverQueueSize int

	log *slog.Logger
}

func New(rc config.ReceiverCfg, kind string) *Receiver {
	svc := strings.TrimSpace(rc.Endpoint)
	if svc == "" && len(rc.Brokers) > 0 {
		svc = strings.TrimSpace(rc.Brokers[0])
	}
	if v := rc.ExtraString("kind", ""); v != "" {
		kind = v
	}

	msgBuf := 32
	if v := rc.ExtraInt("message_chan_buffer", 0); v > 0 {
		msgBuf = v
	}
	recvQ := 1000
	if v := rc.ExtraInt("receiver_queue_size", 0); v > 0 {
		recvQ = v
	}

	return &Receiver{
		serviceURL:        svc,
		topic:             rc.Topic,
		subName:           rc.Group,
		kind:              normalizeKind(kind),
		subType:           subscriptionType(rc.ExtraString("subscription_type", "")),
		authToken:         rc.ExtraString("auth_token", ""),
		authTokenFile:     rc.ExtraString("auth_token_file", ""),
		tlsAllowInsecure:  rc.ExtraBool("tls_allow_insecure", false),
		tlsTrustCertsPath: rc.ExtraString("tls_trust_certs_file", ""),
		msgChanBuffer:     msgBuf,
		receiverQueueSize: recvQ,
		log:               slog.Default().With("receiver", "pulsar"),
	}
}

func (r *Receiver) Start(ctx context.Context, out chan<- model.Envelope) error {
	if r.serviceURL == "" || strings.TrimSpace(r.topic) == "" || strings.TrimSpace(r.subName) == "" {
		return errors.New("pulsar receiver: missing serviceURL, topic, or subscription name")
	}

	cliOpts := ps.ClientOptions{
		URL:                        r.serviceURL,
		TLSAllowInsecureConnection: r.tlsAllowInsecure,
		TLSTrustCertsFilePath:      r.tlsTrustCertsPath,
	}
	if r.authToken != "" {
		cliOpts.Authentication = ps.NewAuthenticationToken(r.authToken)
	} else if r.authTokenFile != "" {
		cliOpts.Authentication = ps.NewAuthenticationTokenFromFile(r.authTokenFile)
	}

	client, err := ps.NewClient(cliOpts)
	if err != nil {
		return err
	}
	defer client.Close()

	consumer, err := client.Subscribe(ps.ConsumerOptions{
		Topic:             r.topic,
		SubscriptionName:  r.subName,
		Type:              r.subType,
		MessageChannel:    make(chan ps.ConsumerMessage, r.msgChanBuffer),
		ReceiverQueueSize: r.receiverQueueSize,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	r.log.Info("[pulsar/"+r.kind+"] consuming", "topic", r.topic, "subscription", r.subName, "url", r.serviceURL)

	msgCh := consumer.Chan()
	for {
		select {
		case <-ctx.Done():
			return nil

		case cm, ok := <-msgCh:
			if !ok {
				return nil
			}
			msg := cm.Message
			env := model.Envelope{
				Kind:   r.kind,
				Bytes:  msg.Payload(),
				Attrs:  propsToMap(msg.Properties()),
				TSUnix: time.Now().Unix(),
			}
			// Only ack what was handed off; unacked messages are redelivered.
			select {
			case out <- env:
				consumer.Ack(msg)
			case <-ctx.Done():
				consumer.Nack(msg)
				return nil
			}
		}
	}
}

func subscriptionType(s string) ps.SubscriptionType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exclusive":
		return ps.Exclusive
	case "failover":
		return ps.Failover
	case "key_shared", "keyshared", "key-shared":
		return ps.KeyShared
	default:
		return ps.Shared
	}
}

func propsToMap(p map[string]string) map[string]string {
	if len(p) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func normalizeKind(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	switch k {
	case model.KindNoteJSON, model.KindOTLPLogs:
		return k
	case "otlp", "otlplogs", "logs", "protobuf":
		return model.KindOTLPLogs
	default:
		return model.KindNoteJSON
	}
}
