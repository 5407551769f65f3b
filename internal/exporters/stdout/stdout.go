package stdout

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Exporter prints each checkin as one JSON document.
type Exporter struct {
	logger *log.Logger
	pretty bool
	// rows splits CSV checkin bodies into a "rows" array instead of one string.
	rows bool
}

func New(cfg config.ExporterCfg) *Exporter {
	return &Exporter{
		logger: log.New(os.Stdout, "[stdout-exporter] ", log.LstdFlags),
		pretty: cfg.ExtraBool("pretty", false),
		rows:   cfg.ExtraBool("rows", true),
	}
}

func (e *Exporter) Export(_ context.Context, p model.CheckinPayload) error {
	payload := map[string]any{
		"id":              p.ID,
		"created_wall_ms": p.CreatedWallMs,
		"format":          p.Format,
	}
	switch {
	case p.Format == "proto":
		payload["body"] = p.Body
	case e.rows:
		payload["rows"] = strings.Split(strings.TrimRight(string(p.Body), "\n"), "\n")
	default:
		payload["body"] = string(p.Body)
	}

	b, err := e.marshal(payload)
	if err != nil {
		return err
	}
	e.logger.Printf("%s", b)
	return nil
}

func (e *Exporter) marshal(payload map[string]any) ([]byte, error) {
	if e.pretty {
		return json.MarshalIndent(payload, "", "  ")
	}
	return json.Marshal(payload)
}

func (e *Exporter) Close() error { return nil }
