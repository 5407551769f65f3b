package kafka

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Exporter publishes each checkin as one Kafka message keyed by checkin ID.
type Exporter struct {
	topic string
	w     messageWriter
}

// New builds a synchronous writer with acks from all in-sync replicas.
// Extras: required_acks ("one" | "all"), write_timeout_ms.
func New(cfg config.ExporterCfg) (*Exporter, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka exporter: missing brokers or topic")
	}
	acks := kafkago.RequireAll
	if strings.EqualFold(cfg.ExtraString("required_acks", "all"), "one") {
		acks = kafkago.RequireOne
	}
	timeout := 10 * time.Second
	if ms, err := strconv.Atoi(cfg.ExtraString("write_timeout_ms", "")); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return &Exporter{
		topic: cfg.Topic,
		w: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: acks,
			WriteTimeout: timeout,
			Async:        false,
		},
	}, nil
}

func (e *Exporter) Export(ctx context.Context, p model.CheckinPayload) error {
	return e.w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(p.ID),
		Value: p.Body,
		Headers: []kafkago.Header{
			{Key: "checkin_id", Value: []byte(p.ID)},
			{Key: "format", Value: []byte(p.Format)},
			{Key: "created_wall_ms", Value: []byte(strconv.FormatInt(p.CreatedWallMs, 10))},
		},
	})
}

func (e *Exporter) Close() error { return e.w.Close() }
