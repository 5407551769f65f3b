package otlphttp

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	colllog "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Receiver serves the OTLP/HTTP logs endpoint:
//
//	POST /v1/logs   (ExportLogsServiceRequest)
//
// Content-Type: application/x-protobuf (default) or application/json
// Content-Encoding: gzip (optional)
//
// JSON bodies are converted to protobuf so downstream decoding sees one
// payload kind. Caller credentials come from X-Caller-Uid / X-Caller-Pid.
type Receiver struct {
	endpoint string

	maxBodyBytes int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	tlsEnabled        bool
	tlsCertFile       string
	tlsKeyFile        string
	tlsClientCAFile   string
	requireClientCert bool

	pathLogs string
	log      *slog.Logger
}

// New constructs an OTLP/HTTP logs receiver.
// Supported extras in rc.Extra:
//
// Core:
//   - max_body_bytes: int (default 16*1024*1024)
//   - read_timeout_ms, write_timeout_ms, idle_timeout_ms: int
//   - paths.logs: string (default "/v1/logs")
//
// TLS:
//   - tls.enabled: bool (default false)
//   - tls.cert_file, tls.key_file: string
//   - tls.client_ca_file: string (enables mTLS if provided)
//   - tls.require_client_cert: bool (default false)
func New(rc config.ReceiverCfg) *Receiver {
	pLo := "/v1/logs"
	if s := nestedString(rc.Extra, "paths", "logs"); s != "" {
		pLo = s
	}
	tlsEnabled, _ := nestedBool(rc.Extra, "tls", "enabled")
	requireClientCert, _ := nestedBool(rc.Extra, "tls", "require_client_cert")

	return &Receiver{
		endpoint:          rc.Endpoint,
		maxBodyBytes:      int64(rc.ExtraInt("max_body_bytes", 16*1024*1024)),
		readTimeout:       time.Duration(rc.ExtraInt("read_timeout_ms", 30000)) * time.Millisecond,
		writeTimeout:      time.Duration(rc.ExtraInt("write_timeout_ms", 30000)) * time.Millisecond,
		idleTimeout:       time.Duration(rc.ExtraInt("idle_timeout_ms", 120000)) * time.Millisecond,
		tlsEnabled:        tlsEnabled,
		tlsCertFile:       nestedString(rc.Extra, "tls", "cert_file"),
		tlsKeyFile:        nestedString(rc.Extra, "tls", "key_file"),
		tlsClientCAFile:   nestedString(rc.Extra, "tls", "client_ca_file"),
		requireClientCert: requireClientCert,
		pathLogs:          pLo,
		log:               slog.Default().With("receiver", "otlphttp"),
	}
}

// Start launches the HTTP server and forwards each request as a
// model.Envelope. Shutdown is graceful on ctx cancel.
func (r *Receiver) Start(ctx context.Context, out chan<- model.Envelope) error {
	addr := r.endpoint
	if strings.TrimSpace(addr) == "" {
		addr = ":4318"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(r.pathLogs, func(w http.ResponseWriter, req *http.Request) {
		r.handleLogs(w, req, out)
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  r.readTimeout,
		WriteTimeout: r.writeTimeout,
		IdleTimeout:  r.idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var tlsCfg *tls.Config
	if r.tlsEnabled {
		var err error
		if tlsCfg, err = r.buildTLS(); err != nil {
			return fmt.Errorf("otlphttp tls: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}
	r.log.Info("[otlphttp] listening", "url", scheme+"://"+ln.Addr().String()+r.pathLogs)

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if tlsCfg != nil {
			serveErr = srv.ServeTLS(ln, "", "")
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
		return nil
	case e := <-errCh:
		return e
	}
}

// handleLogs validates method, decodes gzip, bounds body size, normalizes
// JSON to protobuf and forwards the request. It blocks while the pipeline is
// full rather than dropping notes.
func (r *Receiver) handleLogs(w http.ResponseWriter, req *http.Request, out chan<- model.Envelope) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer req.Body.Close()

	var reader io.Reader = http.MaxBytesReader(w, req.Body, r.maxBodyBytes)
	if strings.Contains(strings.ToLower(req.Header.Get("Content-Encoding")), "gzip") {
		gr, err := gzip.NewReader(reader)
		if err != nil {
			http.Error(w, "invalid gzip", http.StatusBadRequest)
			return
		}
		defer gr.Close()
		reader = gr
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	isJSON := strings.HasPrefix(strings.ToLower(req.Header.Get("Content-Type")), "application/json")
	if isJSON {
		body, err = jsonToProto(body)
		if err != nil {
			http.Error(w, "invalid OTLP JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	env := model.Envelope{
		Kind:   model.KindOTLPLogs,
		Bytes:  body,
		Attrs:  callerAttrs(req.Header),
		TSUnix: time.Now().Unix(),
	}
	select {
	case out <- env:
	case <-req.Context().Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	// A successful export answers with an empty ExportLogsServiceResponse.
	resp := &colllog.ExportLogsServiceResponse{}
	var b []byte
	if isJSON {
		w.Header().Set("Content-Type", "application/json")
		b, _ = protojson.Marshal(resp)
	} else {
		w.Header().Set("Content-Type", "application/x-protobuf")
		b, _ = proto.Marshal(resp)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func jsonToProto(b []byte) ([]byte, error) {
	var req colllog.ExportLogsServiceRequest
	if err := protojson.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	return proto.Marshal(&req)
}

func callerAttrs(h http.Header) map[string]string {
	attrs := map[string]string{}
	if v := strings.TrimSpace(h.Get("X-Caller-Uid")); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			attrs[model.AttrCallerUID] = v
		}
	}
	if v := strings.TrimSpace(h.Get("X-Caller-Pid")); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			attrs[model.AttrCallerPID] = v
		}
	}
	return attrs
}

// buildTLS builds server TLS (and optional mTLS) config.
func (r *Receiver) buildTLS() (*tls.Config, error) {
	if r.tlsCertFile == "" || r.tlsKeyFile == "" {
		return nil, errors.New("cert_file and key_file are required when tls.enabled=true")
	}
	cert, err := tls.LoadX509KeyPair(r.tlsCertFile, r.tlsKeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if r.tlsClientCAFile != "" {
		pem, err := os.ReadFile(r.tlsClientCAFile)
		if err != nil {
			return nil, err
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to append client CA")
		}
		cfg.ClientCAs = cp
		if r.requireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return cfg, nil
}

func nestedString(m map[string]any, k1, k2 string) string {
	n1, ok := m[k1].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := n1[k2].(string)
	return s
}

func nestedBool(m map[string]any, k1, k2 string) (bool, bool) {
	n1, ok := m[k1].(map[string]any)
	if !ok {
		return false, false
	}
	b, ok := n1[k2].(bool)
	return b, ok
}
