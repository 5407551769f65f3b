// Package jsonhttp accepts note events over HTTP: one JSON event, a JSON
// array or NDJSON per POST. Protobuf bodies are taken as OTLP log requests.
package jsonhttp

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

const (
	defaultPath    = "/v1/notes"
	defaultAddr    = "0.0.0.0:9428"
	defaultMaxBody = 10 * 1024 * 1024

	headerCallerUID = "X-Caller-Uid"
	headerCallerPID = "X-Caller-Pid"
)

type Receiver struct {
	addr    string
	path    string
	maxBody int64
	log     *slog.Logger
}

func New(rc config.ReceiverCfg) *Receiver {
	path := rc.ExtraString("path", defaultPath)
	if strings.TrimSpace(path) == "" {
		path = defaultPath
	}
	addr := rc.Endpoint
	if addr == "" {
		addr = defaultAddr
	}
	return &Receiver{
		addr:    addr,
		path:    path,
		maxBody: int64(rc.ExtraInt("max_body_bytes", defaultMaxBody)),
		log:     slog.Default().With("receiver", "jsonhttp"),
	}
}

// Handler returns the POST handler that feeds out.
func (r *Receiver) Handler(out chan<- model.Envelope) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		defer req.Body.Close()

		var reader io.Reader = http.MaxBytesReader(w, req.Body, r.maxBody)
		if enc := req.Header.Get("Content-Encoding"); strings.Contains(strings.ToLower(enc), "gzip") {
			gr, err := gzip.NewReader(reader)
			if err != nil {
				http.Error(w, "bad gzip", http.StatusBadRequest)
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
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			http.Error(w, "empty body", http.StatusBadRequest)
			return
		}

		env := model.Envelope{
			Kind:   kindFor(req.Header.Get("Content-Type")),
			Bytes:  body,
			Attrs:  callerAttrs(req.Header),
			TSUnix: time.Now().Unix(),
		}
		select {
		case out <- env:
		case <-req.Context().Done():
			http.Error(w, "canceled", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})
}

func (r *Receiver) Start(ctx context.Context, out chan<- model.Envelope) error {
	mux := http.NewServeMux()
	mux.Handle(r.path, r.Handler(out))

	srv := &http.Server{
		Addr:              r.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log.Info("[jsonhttp] listening", "addr", ln.Addr().String(), "path", r.path)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
		return nil
	case e := <-errCh:
		return e
	}
}

func kindFor(contentType string) string {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "protobuf") {
		return model.KindOTLPLogs
	}
	return model.KindNoteJSON
}

func callerAttrs(h http.Header) map[string]string {
	attrs := map[string]string{}
	if v := h.Get(headerCallerUID); v != "" {
		attrs[model.AttrCallerUID] = v
	}
	if v := h.Get(headerCallerPID); v != "" {
		attrs[model.AttrCallerPID] = v
	}
	return attrs
}
