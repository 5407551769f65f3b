// Package api serves the stats service over HTTP.
//
// The calling identity comes from the X-Caller-Uid and X-Caller-Pid headers;
// the listener is expected to sit behind something that sets them honestly.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/platformbuilds/batterystatsd/internal/access"
	"github.com/platformbuilds/batterystatsd/internal/codec"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/recorder"
	"github.com/platformbuilds/batterystatsd/internal/service"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

const (
	HeaderCallerUID = "X-Caller-Uid"
	HeaderCallerPID = "X-Caller-Pid"

	maxBody = 4 << 20
)

// Stats is the slice of the service the API exposes.
type Stats interface {
	GetStatistics(caller model.Caller) ([]byte, error)
	GetStatisticsStream(caller model.Caller) (*os.File, error)
	TakeUidSnapshot(caller model.Caller, uid int) (stats.HealthStats, error)
	TakeUidSnapshots(caller model.Caller, uids []int) ([]stats.HealthStats, error)
	Dump(w io.Writer, caller model.Caller, args []string) error
	Note(caller model.Caller, ev model.Event) error
	SetBatteryState(caller model.Caller, b model.BatteryState) error
	OnUserRemoved(caller model.Caller, userID int) error
	IsOnBattery() bool
	IsCharging() bool
	ComputeBatteryTimeRemaining() time.Duration
	ComputeChargeTimeRemaining() time.Duration
}

type Server struct {
	svc          Stats
	endpoint     string
	writeTimeout time.Duration
	accessLog    io.Writer
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// New builds the API server. accessLog receives combined-format request
// lines; nil disables them.
func New(svc Stats, endpoint string, writeTimeout time.Duration, accessLog io.Writer, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:          svc,
		endpoint:     endpoint,
		writeTimeout: writeTimeout,
		accessLog:    accessLog,
		log:          logger.With("component", "api"),
		metrics:      m,
	}
}

// Handler returns the routed handler with recovery and access logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	route := func(path, name string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, s.metrics.WrapHandler(name, h)).Methods(methods...)
	}
	route("/healthz", "healthz", s.healthz, http.MethodGet)
	route("/v1/statistics", "statistics", s.statistics, http.MethodGet)
	route("/v1/statistics/stream", "statistics_stream", s.statisticsStream, http.MethodGet)
	route("/v1/uids/{uid:[0-9]+}/health", "uid_health", s.uidHealth, http.MethodGet)
	route("/v1/uids/health", "uids_health", s.uidsHealth, http.MethodPost)
	route("/v1/dump", "dump", s.dump, http.MethodPost, http.MethodGet)
	route("/v1/notes", "notes", s.notes, http.MethodPost)
	route("/v1/battery", "battery_get", s.batteryGet, http.MethodGet)
	route("/v1/battery", "battery_set", s.batterySet, http.MethodPost)
	route("/v1/users/{user:[0-9]+}", "user_removed", s.userRemoved, http.MethodDelete)

	var h http.Handler = r
	if s.accessLog != nil {
		h = handlers.LoggingHandler(s.accessLog, h)
	}
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.endpoint,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.writeTimeout,
	}
	ln, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return err
	}
	s.log.Info("api_listening", "addr", ln.Addr().String())

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
		return srv.Shutdown(shctx)
	case e := <-errCh:
		return e
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	b, err := s.svc.GetStatistics(caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (s *Server) statisticsStream(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	f, err := s.svc.GetStatisticsStream(caller)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/json")
	if _, err := io.Copy(w, f); err != nil {
		s.log.Debug("stream_copy_failed", "err", err)
	}
}

func (s *Server) uidHealth(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	uid, err := strconv.Atoi(mux.Vars(r)["uid"])
	if err != nil {
		http.Error(w, "bad uid", http.StatusBadRequest)
		return
	}
	hs, err := s.svc.TakeUidSnapshot(caller, uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

type uidsRequest struct {
	UIDs []int `json:"uids"`
}

func (s *Server) uidsHealth(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req uidsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "bad body: "+err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.svc.TakeUidSnapshots(caller, req.UIDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type dumpRequest struct {
	Args []string `json:"args"`
}

// dump takes its arguments from a JSON body {"args": [...]} or from
// repeated ?arg= query parameters.
func (s *Server) dump(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	args := r.URL.Query()["arg"]
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		var req dumpRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad body: "+err.Error(), http.StatusBadRequest)
			return
		}
		args = append(args, req.Args...)
	}

	var buf bytes.Buffer
	err := s.svc.Dump(&buf, caller, args)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, service.ErrBadArgs):
		w.WriteHeader(http.StatusBadRequest)
	default:
		s.fail(w, err)
		return
	}
	_, _ = w.Write(buf.Bytes())
}

type notesResponse struct {
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
	Dropped  int `json:"dropped"`
}

// notes applies one JSON event, a JSON array or NDJSON. Every note is
// attributed to the header caller.
func (s *Server) notes(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	res, err := codec.Decode(model.Envelope{Kind: model.KindNoteJSON, Bytes: body}, caller, "api")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := notesResponse{Dropped: res.Dropped}
	var firstErr error
	for _, n := range res.Notes {
		if err := s.svc.Note(caller, n.Event); err != nil {
			resp.Rejected++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.Applied++
	}
	if resp.Applied == 0 && firstErr != nil {
		s.fail(w, firstErr)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type batteryResponse struct {
	OnBattery              bool  `json:"on_battery"`
	Charging               bool  `json:"charging"`
	BatteryTimeRemainingMs int64 `json:"battery_time_remaining_ms"`
	ChargeTimeRemainingMs  int64 `json:"charge_time_remaining_ms"`
}

func (s *Server) batteryGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, batteryResponse{
		OnBattery:              s.svc.IsOnBattery(),
		Charging:               s.svc.IsCharging(),
		BatteryTimeRemainingMs: remainingMs(s.svc.ComputeBatteryTimeRemaining()),
		ChargeTimeRemainingMs:  remainingMs(s.svc.ComputeChargeTimeRemaining()),
	})
}

func (s *Server) batterySet(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var b model.BatteryState
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&b); err != nil {
		http.Error(w, "bad body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.SetBatteryState(caller, b); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) userRemoved(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	user, err := strconv.Atoi(mux.Vars(r)["user"])
	if err != nil {
		http.Error(w, "bad user", http.StatusBadRequest)
		return
	}
	if err := s.svc.OnUserRemoved(caller, user); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// caller reads the identity headers, answering 400 when the UID is absent.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (model.Caller, bool) {
	uidText := strings.TrimSpace(r.Header.Get(HeaderCallerUID))
	uid, err := strconv.Atoi(uidText)
	if err != nil || uid < 0 {
		http.Error(w, "missing or bad "+HeaderCallerUID, http.StatusBadRequest)
		return model.Caller{}, false
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(r.Header.Get(HeaderCallerPID)))
	return model.Caller{UID: uid, PID: pid}, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, access.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrBadArgs), errors.Is(err, recorder.ErrUnknownKind):
		status = http.StatusBadRequest
	default:
		s.log.Error("request_failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}

func remainingMs(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
