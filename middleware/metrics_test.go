package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/devstarkedge/conveyor/id"
	"github.com/devstarkedge/conveyor/job"
	mw "github.com/devstarkedge/conveyor/middleware"
)

// executedJob builds a job record the way the executor hands one to the
// middleware chain.
func executedJob(jobType, queue string) *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		Type:     jobType,
		Queue:    queue,
		Attempts: 1,
	}
}

// meterHarness returns a manual-reader meter provider and a collect
// function that snapshots everything recorded so far.
func meterHarness(t *testing.T) (*sdkmetric.MeterProvider, func() metricdata.ResourceMetrics) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	collect := func() metricdata.ResourceMetrics {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("collect metrics: %v", err)
		}
		return rm
	}
	return mp, collect
}

// attrsOf flattens a datapoint attribute set into a plain map.
func attrsOf(set attribute.Set) map[string]string {
	out := make(map[string]string, set.Len())
	for _, a := range set.ToSlice() {
		if a.Value.Type() == attribute.STRING {
			out[string(a.Key)] = a.Value.AsString()
		}
	}
	return out
}

// executionPoints returns the datapoints of the executions counter.
func executionPoints(t *testing.T, rm metricdata.ResourceMetrics) []metricdata.DataPoint[int64] {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "conveyor.job.executions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("conveyor.job.executions is %T, want Sum[int64]", m.Data)
			}
			return sum.DataPoints
		}
	}
	t.Fatal("conveyor.job.executions not recorded")
	return nil
}

func TestMetrics_CountsExecutionsPerOutcome(t *testing.T) {
	t.Parallel()

	executions := []struct {
		jobType string
		queue   string
		fail    bool
	}{
		{"push:deliver", "push", false},
		{"push:deliver", "push", false},
		{"email:send", "email", true},
		{"notification:create", "notification", false},
	}

	mp, collect := meterHarness(t)
	m := mw.MetricsWithMeter(mp.Meter("test"))

	for _, e := range executions {
		err := m(context.Background(), executedJob(e.jobType, e.queue), func(_ context.Context) error {
			if e.fail {
				return errors.New("collaborator down")
			}
			return nil
		})
		if e.fail != (err != nil) {
			t.Fatalf("%s: middleware error = %v, want failure %v", e.jobType, err, e.fail)
		}
	}

	want := map[string]int64{
		"push:deliver/push/ok":                2,
		"email:send/email/error":              1,
		"notification:create/notification/ok": 1,
	}
	got := make(map[string]int64)
	for _, dp := range executionPoints(t, collect()) {
		attrs := attrsOf(dp.Attributes)
		got[attrs["job_type"]+"/"+attrs["queue"]+"/"+attrs["status"]] = dp.Value
	}
	for key, n := range want {
		if got[key] != n {
			t.Errorf("executions[%s] = %d, want %d", key, got[key], n)
		}
	}
}

func TestMetrics_RecordsDurationWithAttributes(t *testing.T) {
	t.Parallel()

	mp, collect := meterHarness(t)
	m := mw.MetricsWithMeter(mp.Meter("test"))

	if err := m(context.Background(), executedJob("activity:record", "activity"), func(_ context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("middleware: %v", err)
	}

	rm := collect()
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "conveyor.job.duration" {
				continue
			}
			hist, ok := metric.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("conveyor.job.duration is %T, want Histogram[float64]", metric.Data)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("duration datapoints = %d, want 1", len(hist.DataPoints))
			}
			dp := hist.DataPoints[0]
			if dp.Count != 1 {
				t.Errorf("duration count = %d, want 1", dp.Count)
			}
			attrs := attrsOf(dp.Attributes)
			if attrs["job_type"] != "activity:record" || attrs["queue"] != "activity" || attrs["status"] != "ok" {
				t.Errorf("duration attributes = %v", attrs)
			}
			return
		}
	}
	t.Fatal("conveyor.job.duration not recorded")
}

func TestMetrics_DefaultNoopSafe(t *testing.T) {
	t.Parallel()

	// Without a global MeterProvider the instruments are noops and the
	// chain still runs the handler.
	m := mw.Metrics()
	called := false
	if err := m(context.Background(), executedJob("email:send", "email"), func(_ context.Context) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
}
