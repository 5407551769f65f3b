package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Receiver consumes note events from Kafka and forwards them as model.Envelope.
// Supported kinds:
//   - "note_json": JSON or NDJSON note events per message
//   - "otlp_logs": OTLP ExportLogsServiceRequest per message
//
// Message headers become envelope attributes, so producers set caller_uid /
// caller_pid headers to identify themselves.
type Receiver struct {
	brokers []string
	topic   string
	group   string
	kind    string

	maxBytes int // per message fetch cap
	log      *slog.Logger
}

// New builds a Kafka receiver. Extra["kind"] overrides kind.
func New(rc config.ReceiverCfg, kind string) *Receiver {
	maxBytes := 10 * 1024 * 1024
	if v := rc.ExtraInt("max_bytes", 0); v > 0 {
		maxBytes = v
	}
	if v := rc.ExtraString("kind", ""); v != "" {
		kind = v
	}
	return &Receiver{
		brokers:  rc.Brokers,
		topic:    rc.Topic,
		group:    rc.Group,
		kind:     normalizeKind(kind),
		maxBytes: maxBytes,
		log:      slog.Default().With("receiver", "kafka"),
	}
}

func (r *Receiver) Start(ctx context.Context, out chan<- model.Envelope) error {
	if len(r.brokers) == 0 || strings.TrimSpace(r.topic) == "" {
		return errors.New("kafka receiver: missing brokers or topic")
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  r.brokers,
		GroupID:  r.groupOrDefault(),
		Topic:    r.topic,
		MaxBytes: r.maxBytes,
	})
	defer func() { _ = reader.Close() }()

	r.log.Info("[kafka/"+r.kind+"] consuming", "topic", r.topic, "group", r.groupOrDefault(), "brokers", r.brokers)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			// graceful exit on context cancellation
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				r.log.Warn("[kafka/"+r.kind+"] read error", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}
		}

		env := model.Envelope{
			Kind:   r.kind,
			Bytes:  msg.Value,
			Attrs:  headersToMap(msg.Headers),
			TSUnix: time.Now().Unix(),
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Receiver) groupOrDefault() string {
	g := strings.TrimSpace(r.group)
	if g == "" {
		return "batterystatsd"
	}
	return g
}

func headersToMap(hdrs []kafkago.Header) map[string]string {
	if len(hdrs) == 0 {
		return map[string]string{}
	}
	m := make(map[string]string, len(hdrs))
	for _, h := range hdrs {
		m[h.Key] = string(h.Value)
	}
	return m
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
