package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Exporter POSTs each checkin to an HTTP endpoint.
type Exporter struct {
	endpoint   string
	idTemplate *template.Template
	authToken  string
	client     *http.Client
}

// New creates a webhook exporter from config.
//
// Extras: id_template (Go template over CheckinPayload, default "{{.ID}}",
// sent as Idempotency-Key), auth_token (bearer), timeout_ms.
func New(cfg config.ExporterCfg) (*Exporter, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("webhook exporter: missing endpoint")
	}
	tt, err := template.New("id").Parse(cfg.ExtraString("id_template", "{{.ID}}"))
	if err != nil {
		return nil, fmt.Errorf("webhook exporter: invalid id_template: %w", err)
	}
	timeout := 10 * time.Second
	if ms, err := strconv.Atoi(cfg.ExtraString("timeout_ms", "")); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return &Exporter{
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		idTemplate: tt,
		authToken:  cfg.ExtraString("auth_token", ""),
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func (e *Exporter) Export(ctx context.Context, p model.CheckinPayload) error {
	body := map[string]any{
		"id":              p.ID,
		"created_wall_ms": p.CreatedWallMs,
		"format":          p.Format,
	}
	if p.Format == "proto" {
		body["body"] = p.Body
	} else {
		body["body"] = string(p.Body)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.renderID(p))
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// Already delivered under this key.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d", resp.StatusCode)
	}
	return nil
}

func (e *Exporter) renderID(p model.CheckinPayload) string {
	var sb strings.Builder
	if err := e.idTemplate.Execute(&sb, p); err != nil {
		return p.ID
	}
	return sb.String()
}

func (e *Exporter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
