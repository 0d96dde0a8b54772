package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/engine"
	"rbs.io/buffer/internal/service"
)

var (
	_ engine.Observer         = (*Metrics)(nil)
	_ service.HandoutObserver = (*Metrics)(nil)
)

func TestRecordPoolSnapshot(t *testing.T) {
	m := New(Config{Enabled: true, Namespace: "test"})

	m.RecordPoolSnapshot(domain.PoolAndResourceStates{
		Pool: domain.Pool{ID: "p1", Size: 4, Status: domain.PoolStatusActive},
		Counts: map[domain.ResourceState]int{
			domain.ResourceStateReady:     2,
			domain.ResourceStateHandedOut: 5,
		},
		PendingCreates: 1,
	})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"ready", testutil.ToFloat64(m.resources.WithLabelValues("p1", "READY")), 2},
		{"handed out", testutil.ToFloat64(m.resources.WithLabelValues("p1", "HANDED_OUT")), 5},
		{"creating reported as zero", testutil.ToFloat64(m.resources.WithLabelValues("p1", "CREATING")), 0},
		{"target", testutil.ToFloat64(m.poolTarget.WithLabelValues("p1")), 4},
		{"ratio", testutil.ToFloat64(m.readyRatio.WithLabelValues("p1")), 0.5},
		{"active", testutil.ToFloat64(m.poolActive.WithLabelValues("p1")), 1},
		{"pending creates", testutil.ToFloat64(m.pendingWork.WithLabelValues("p1", domain.FlightTypeCreateResource)), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	m := New(Config{Enabled: true, Namespace: "test"})

	m.HandoutRequested("p1", service.HandoutOutcomeClaimed)
	m.HandoutRequested("p1", service.HandoutOutcomeClaimed)
	m.HandoutRequested("p1", service.HandoutOutcomeExhausted)
	m.StepFinished("create-resource", "create-resource", domain.FlightDirectionDo, engine.OutcomeRetry, 20*time.Millisecond)
	m.FlightFinished("create-resource", domain.FlightStatusSuccess)
	m.FlightRecovered("delete-resource")
	m.FlightsSubmitted("p1", domain.FlightTypeCreateResource, 3)
	m.FlightsSubmitted("p1", domain.FlightTypeCreateResource, 0)
	m.JobRun("reconciler", "ran")
	m.CleanupPublished(4, true)

	if got := testutil.ToFloat64(m.handouts.WithLabelValues("p1", service.HandoutOutcomeClaimed)); got != 2 {
		t.Errorf("claimed handouts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("create-resource", "create-resource", "DO", "retry")); got != 1 {
		t.Errorf("retry steps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.flightsFinished.WithLabelValues("create-resource", "SUCCESS")); got != 1 {
		t.Errorf("finished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.flightsRecovered.WithLabelValues("delete-resource")); got != 1 {
		t.Errorf("recovered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.flightsSubmitted.WithLabelValues("p1", domain.FlightTypeCreateResource)); got != 3 {
		t.Errorf("submitted = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.cleanupPublished.WithLabelValues("published")); got != 4 {
		t.Errorf("published = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.cleanupPublished.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	m := New(Config{Enabled: false})
	if m.Enabled() {
		t.Fatal("Enabled() = true for disabled config")
	}

	m.RecordPoolSnapshot(domain.PoolAndResourceStates{Pool: domain.Pool{ID: "p1"}})
	m.HandoutRequested("p1", service.HandoutOutcomeClaimed)
	m.StepFinished("t", "s", domain.FlightDirectionUndo, engine.OutcomeFatal, time.Second)
	m.FlightFinished("t", domain.FlightStatusFatal)
	m.FlightRecovered("t")
	m.FlightsSubmitted("p1", "t", 1)
	m.JobRun("j", "ran")
	m.CleanupPublished(1, false)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandler(t *testing.T) {
	m := New(Config{Enabled: true, Namespace: "test"})
	m.HandoutRequested("p1", service.HandoutOutcomeClaimed)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `test_handout_requests_total{outcome="claimed",pool_id="p1"} 1`) {
		t.Errorf("handout counter missing from exposition:\n%s", w.Body.String())
	}
}
