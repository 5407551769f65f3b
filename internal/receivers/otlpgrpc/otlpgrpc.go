package otlpgrpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	colllog "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"

	// Enable gzip-encoded requests per OTLP spec (gRPC-level content-coding)
	_ "google.golang.org/grpc/encoding/gzip"
)

// Metadata keys carrying caller credentials on Export calls.
const (
	mdCallerUID = "x-caller-uid"
	mdCallerPID = "x-caller-pid"
)

// Receiver implements the OTLP gRPC logs service and forwards raw
// ExportLogsServiceRequest bytes as otlp_logs envelopes.
type Receiver struct {
	endpoint         string
	maxRecvMsgBytes  int
	maxSendMsgBytes  int
	maxConcurrent    uint32
	enableReflection bool

	// TLS
	tlsEnabled        bool
	tlsCertFile       string
	tlsKeyFile        string
	tlsClientCAFile   string
	requireClientCert bool

	// Keepalive
	kap keepalive.ServerParameters
	kep keepalive.EnforcementPolicy

	listen func(network, addr string) (net.Listener, error)
	log    *slog.Logger
}

// New builds a new OTLP gRPC receiver.
//
// Supported extras in rc.Extra (collector-style):
//
//	# Core
//	- max_recv_msg_bytes: int (default 16 MiB)
//	- max_send_msg_bytes: int (default 16 MiB)
//	- max_concurrent_streams: int (default 0 => unlimited)
//
//	# Reflection
//	- reflection: bool (default true)
//
//	# TLS / mTLS
//	- tls.enabled: bool (default false)
//	- tls.cert_file: string
//	- tls.key_file: string
//	- tls.client_ca_file: string (enables mTLS if provided)
//	- tls.require_client_cert: bool (default false; useful when client_ca_file is set)
//
//	# Keepalive
//	- keepalive.max_connection_idle_ms: int (default 0 = disabled)
//	- keepalive.max_connection_age_ms: int (default 0 = disabled)
//	- keepalive.max_connection_age_grace_ms: int (default 0 = disabled)
//	- keepalive.time_ms: int (ping interval; default 2m)
//	- keepalive.timeout_ms: int (ping ack timeout; default 20s)
//	- keepalive.permit_without_stream: bool (default true)
func New(rc config.ReceiverCfg) *Receiver {
	maxRecv := 16 * 1024 * 1024
	maxSend := 16 * 1024 * 1024
	if v := rc.ExtraInt("max_recv_msg_bytes", 0); v > 0 {
		maxRecv = v
	}
	if v := rc.ExtraInt("max_send_msg_bytes", 0); v > 0 {
		maxSend = v
	}
	maxConc := uint32(0)
	if v := rc.ExtraInt("max_concurrent_streams", 0); v > 0 {
		maxConc = uint32(v)
	}

	tlsEnabled, _ := nestedBool(rc.Extra, "tls", "enabled")
	requireClientCert, _ := nestedBool(rc.Extra, "tls", "require_client_cert")

	kap := keepalive.ServerParameters{
		Time:    120 * time.Second,
		Timeout: 20 * time.Second,
	}
	kep := keepalive.EnforcementPolicy{
		MinTime:             60 * time.Second,
		PermitWithoutStream: true,
	}
	if v, ok := nestedInt(rc.Extra, "keepalive", "max_connection_idle_ms"); ok && v > 0 {
		kap.MaxConnectionIdle = time.Duration(v) * time.Millisecond
	}
	if v, ok := nestedInt(rc.Extra, "keepalive", "max_connection_age_ms"); ok && v > 0 {
		kap.MaxConnectionAge = time.Duration(v) * time.Millisecond
	}
	if v, ok := nestedInt(rc.Extra, "keepalive", "max_connection_age_grace_ms"); ok && v > 0 {
		kap.MaxConnectionAgeGrace = time.Duration(v) * time.Millisecond
	}
	if v, ok := nestedInt(rc.Extra, "keepalive", "time_ms"); ok && v > 0 {
		kap.Time = time.Duration(v) * time.Millisecond
	}
	if v, ok := nestedInt(rc.Extra, "keepalive", "timeout_ms"); ok && v > 0 {
		kap.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := nestedBool(rc.Extra, "keepalive", "permit_without_stream"); ok {
		kep.PermitWithoutStream = v
	}

	return &Receiver{
		endpoint:          rc.Endpoint,
		maxRecvMsgBytes:   maxRecv,
		maxSendMsgBytes:   maxSend,
		maxConcurrent:     maxConc,
		enableReflection:  rc.ExtraBool("reflection", true),
		tlsEnabled:        tlsEnabled,
		tlsCertFile:       nestedString(rc.Extra, "tls", "cert_file"),
		tlsKeyFile:        nestedString(rc.Extra, "tls", "key_file"),
		tlsClientCAFile:   nestedString(rc.Extra, "tls", "client_ca_file"),
		requireClientCert: requireClientCert,
		kap:               kap,
		kep:               kep,
		listen:            net.Listen,
		log:               slog.Default().With("receiver", "otlpgrpc"),
	}
}

func (r *Receiver) Start(ctx context.Context, out chan<- model.Envelope) error {
	addr := r.endpoint
	if addr == "" {
		addr = ":4317"
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(r.maxRecvMsgBytes),
		grpc.MaxSendMsgSize(r.maxSendMsgBytes),
		grpc.KeepaliveParams(r.kap),
		grpc.KeepaliveEnforcementPolicy(r.kep),
	}
	if r.maxConcurrent > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(r.maxConcurrent))
	}
	if r.tlsEnabled {
		creds, err := r.buildTLS()
		if err != nil {
			return fmt.Errorf("otlpgrpc: tls: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	lis, err := r.listen("tcp", addr)
	if err != nil {
		return err
	}
	r.log.Info("[otlpgrpc] listening", "addr", addr, "tls", r.tlsEnabled)

	srv := grpc.NewServer(opts...)
	colllog.RegisterLogsServiceServer(srv, &logsSvc{out: out})
	if r.enableReflection {
		reflection.Register(srv)
	}

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.Serve(lis); serveErr != nil {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			srv.Stop()
		}
		return nil
	case e := <-errCh:
		return e
	}
}

func (r *Receiver) buildTLS() (credentials.TransportCredentials, error) {
	if r.tlsCertFile == "" || r.tlsKeyFile == "" {
		return nil, errors.New("cert_file and key_file are required when tls.enabled=true")
	}
	cert, err := tls.LoadX509KeyPair(r.tlsCertFile, r.tlsKeyFile)
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if r.tlsClientCAFile != "" {
		ca, err := os.ReadFile(r.tlsClientCAFile)
		if err != nil {
			return nil, err
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(ca) {
			return nil, errors.New("failed to append client CA")
		}
		tlsCfg.ClientCAs = cp
		if r.requireClientCert {
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return credentials.NewTLS(tlsCfg), nil
}

type logsSvc struct {
	colllog.UnimplementedLogsServiceServer
	out chan<- model.Envelope
}

func (s *logsSvc) Export(ctx context.Context, req *colllog.ExportLogsServiceRequest) (*colllog.ExportLogsServiceResponse, error) {
	b, err := proto.Marshal(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "marshal: %v", err)
	}
	select {
	case s.out <- model.Envelope{
		Kind:   model.KindOTLPLogs,
		Bytes:  b,
		Attrs:  callerAttrs(ctx),
		TSUnix: time.Now().Unix(),
	}:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	return &colllog.ExportLogsServiceResponse{}, nil
}

func callerAttrs(ctx context.Context) map[string]string {
	attrs := map[string]string{}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return attrs
	}
	if v := md.Get(mdCallerUID); len(v) > 0 {
		attrs[model.AttrCallerUID] = v[0]
	}
	if v := md.Get(mdCallerPID); len(v) > 0 {
		attrs[model.AttrCallerPID] = v[0]
	}
	return attrs
}

func nestedString(m map[string]any, k1, k2 string) string {
	if m == nil {
		return ""
	}
	if n1, ok := m[k1].(map[string]any); ok {
		if s, ok := n1[k2].(string); ok {
			return s
		}
	}
	return ""
}

func nestedBool(m map[string]any, k1, k2 string) (bool, bool) {
	if m == nil {
		return false, false
	}
	if n1, ok := m[k1].(map[string]any); ok {
		if b, ok := n1[k2].(bool); ok {
			return b, true
		}
	}
	return false, false
}

func nestedInt(m map[string]any, k1, k2 string) (int, bool) {
	if m == nil {
		return 0, false
	}
	if n1, ok := m[k1].(map[string]any); ok {
		switch t := n1[k2].(type) {
		case int:
			return t, true
		case int64:
			return int(t), true
		case float64:
			return int(t), true
		}
	}
	return 0, false
}
