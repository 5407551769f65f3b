package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Note("wakelock_start")
	m.PermissionDenied("DUMP")
	m.Sync(0, errors.New("boom"))
	m.InvalidSnapshot("wifi")
	m.FoldedEnergy("wifi", 10)
	m.CheckpointWrite(nil)
	m.PipelineNote("applied")
	m.CheckinExport("stdout", nil)

	rr := httptest.NewRecorder()
	m.WrapHandler("/x", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rr, httptest.NewRequest("GET", "/x", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("wrapped handler status = %d", rr.Code)
	}
}

func TestCountersIncrement(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Note("screen_state")
	m.Note("screen_state")
	m.FoldedEnergy("bluetooth", 250)
	m.FoldedEnergy("bluetooth", -5)

	if got := testutil.ToFloat64(m.notesTotal.WithLabelValues("screen_state")); got != 2 {
		t.Fatalf("notes counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.foldedEnergy.WithLabelValues("bluetooth")); got != 250 {
		t.Fatalf("folded energy = %v, want 250", got)
	}
}
