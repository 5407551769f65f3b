// Package exporters publishes checkins to external sinks on a schedule.
package exporters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/exporters/kafka"
	"github.com/platformbuilds/batterystatsd/internal/exporters/stdout"
	"github.com/platformbuilds/batterystatsd/internal/exporters/webhook"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/persist"
	"github.com/platformbuilds/batterystatsd/internal/report"
)

type Exporter interface {
	Export(ctx context.Context, p model.CheckinPayload) error
	Close() error
}

// Source creates and consumes checkins; the stats service implements it.
type Source interface {
	CreateCheckin(caller model.Caller) (*persist.Checkin, error)
	TakePendingCheckin(caller model.Caller) (*persist.Checkin, error)
}

// Build instantiates the named exporters.
func Build(cfg *config.Config, names []string) (map[string]Exporter, error) {
	out := make(map[string]Exporter, len(names))
	for _, key := range names {
		ec, ok := cfg.Exporters[key]
		if !ok {
			return nil, fmt.Errorf("exporter %q not defined", key)
		}
		var (
			e   Exporter
			err error
		)
		switch ec.Type {
		case "stdout":
			e = stdout.New(ec)
		case "kafka":
			e, err = kafka.New(ec)
		case "webhook":
			e, err = webhook.New(ec)
		default:
			err = fmt.Errorf("unknown exporter type %q (key=%s)", ec.Type, key)
		}
		if err != nil {
			for _, built := range out {
				_ = built.Close()
			}
			return nil, err
		}
		out[key] = e
	}
	return out, nil
}

// Render encodes a checkin in the given format ("checkin" or "proto").
func Render(c *persist.Checkin, format string) (model.CheckinPayload, error) {
	p := model.CheckinPayload{ID: c.ID, CreatedWallMs: c.CreatedWallMs, Format: format}
	o := report.Options{NowMs: c.Stats.Epoch.StartElapsedMs, WallMs: c.CreatedWallMs}
	switch format {
	case "proto":
		b, err := report.Proto(c.Stats, o)
		if err != nil {
			return p, err
		}
		p.Body = b
	case "checkin", "":
		p.Format = "checkin"
		var buf bytes.Buffer
		if err := report.Checkin(&buf, c.Stats, o); err != nil {
			return p, err
		}
		p.Body = buf.Bytes()
	default:
		return p, fmt.Errorf("unknown checkin format %q", format)
	}
	return p, nil
}

// Scheduler periodically creates a checkin and hands it to every exporter.
type Scheduler struct {
	src       Source
	exporters map[string]Exporter
	names     []string
	interval  time.Duration
	format    string
	caller    model.Caller
	log       *slog.Logger
	metrics   *metrics.Metrics
}

func NewScheduler(src Source, exps map[string]Exporter, interval time.Duration, format string, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	names := make([]string, 0, len(exps))
	for k := range exps {
		names = append(names, k)
	}
	sort.Strings(names)
	return &Scheduler{
		src:       src,
		exporters: exps,
		names:     names,
		interval:  interval,
		format:    format,
		caller:    model.Caller{UID: 1000},
		log:       logger.With("component", "checkin"),
		metrics:   m,
	}
}

// Run exports on every tick until ctx is done, then closes the exporters.
// A zero interval disables the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.close()
	if s.interval <= 0 || len(s.exporters) == 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Warn("checkin_export_failed", "err", err)
			}
		}
	}
}

// RunOnce creates one checkin and exports it. The pending artifact is
// consumed only when every exporter accepted it; otherwise it stays on disk
// for the next dump --checkin.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	c, err := s.src.CreateCheckin(s.caller)
	if err != nil {
		return fmt.Errorf("create checkin: %w", err)
	}
	if c == nil || c.Stats == nil {
		return errors.New("create checkin: empty checkin")
	}
	p, err := Render(c, s.format)
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range s.names {
		err := s.exporters[name].Export(ctx, p)
		s.metrics.CheckinExport(name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if _, err := s.src.TakePendingCheckin(s.caller); err != nil {
		return fmt.Errorf("consume pending checkin: %w", err)
	}
	s.log.Info("checkin_exported", "id", p.ID, "bytes", len(p.Body), "exporters", s.names)
	return nil
}

func (s *Scheduler) close() {
	for name, e := range s.exporters {
		if err := e.Close(); err != nil {
			s.log.Warn("exporter_close_failed", "exporter", name, "err", err)
		}
	}
}
