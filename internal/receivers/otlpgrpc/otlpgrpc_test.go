package otlpgrpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	colllog "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logs "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc/metadata"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

func TestLogsServiceExportForwardsEnvelope(t *testing.T) {
	ch := make(chan model.Envelope, 1)
	svc := &logsSvc{out: ch}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(mdCallerUID, "1000", mdCallerPID, "77"))
	req := &colllog.ExportLogsServiceRequest{ResourceLogs: []*logs.ResourceLogs{{}}}
	if _, err := svc.Export(ctx, req); err != nil {
		t.Fatalf("Export returned error: %v", err)
	}

	env := <-ch
	if env.Kind != model.KindOTLPLogs {
		t.Fatalf("unexpected kind %s", env.Kind)
	}
	if len(env.Bytes) == 0 {
		t.Fatalf("expected marshalled bytes")
	}
	if env.Attrs[model.AttrCallerUID] != "1000" || env.Attrs[model.AttrCallerPID] != "77" {
		t.Fatalf("caller attrs=%v", env.Attrs)
	}
}

func TestNewReadsExtras(t *testing.T) {
	r := New(config.ReceiverCfg{Extra: map[string]any{
		"max_recv_msg_bytes": 1024,
		"reflection":         false,
		"keepalive":          map[string]any{"time_ms": 1000, "permit_without_stream": false},
	}})
	if r.maxRecvMsgBytes != 1024 || r.enableReflection {
		t.Fatalf("extras not applied: %+v", r)
	}
	if r.kap.Time != time.Second || r.kep.PermitWithoutStream {
		t.Fatalf("keepalive not applied: %+v %+v", r.kap, r.kep)
	}
}

func TestReceiverStartTLSConfigError(t *testing.T) {
	r := New(config.ReceiverCfg{Endpoint: "127.0.0.1:0", Extra: map[string]any{
		"tls": map[string]any{"enabled": true},
	}})
	r.listen = func(network, addr string) (net.Listener, error) {
		return nopListener{}, nil
	}
	err := r.Start(context.Background(), make(chan model.Envelope))
	if err == nil || !strings.Contains(err.Error(), "cert_file") {
		t.Fatalf("expected tls config error, got %v", err)
	}
}

func TestReceiverStartFailsWhenPortInUse(t *testing.T) {
	r := New(config.ReceiverCfg{Endpoint: "127.0.0.1:4317"})
	r.listen = func(network, addr string) (net.Listener, error) {
		return nil, errors.New("in use")
	}
	if err := r.Start(context.Background(), make(chan model.Envelope)); err == nil {
		t.Fatal("expected error when port already in use")
	}
}

type nopListener struct{}

func (nopListener) Accept() (net.Conn, error) { return nil, errors.New("not implemented") }
func (nopListener) Close() error              { return nil }
func (nopListener) Addr() net.Addr            { return &net.TCPAddr{} }

func TestExportBackpressureRespectsContext(t *testing.T) {
	ch := make(chan model.Envelope)
	svc := &logsSvc{out: ch}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Export(ctx, &colllog.ExportLogsServiceRequest{})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("export should block before cancel")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("export did not unblock after cancel")
	}

	select {
	case <-ch:
		t.Fatal("no envelope expected when context canceled")
	default:
	}
}
