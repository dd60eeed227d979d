package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engined/internal/engine"
)

type recordingSink struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return s.err
}

func (s *recordingSink) reports() []CrashReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CrashReport
	for _, e := range s.envs {
		out = append(out, e.Reports...)
	}
	return out
}

func (s *recordingSink) envelopes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func newReporter(t *testing.T, cfg Config, sink Sink) *Reporter {
	t.Helper()
	r, err := NewReporter(cfg, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestImmediateDeliveryAttachesResource(t *testing.T) {
	sink := &recordingSink{}
	r := newReporter(t, Config{Resource: Resource{AppVersion: "1.2.3", OSName: "linux"}}, sink)

	r.Report(CrashReport{ModelID: "model-a", Operation: "infer", ContextLength: 4096, Error: "process crashed"})

	require.Eventually(t, func() bool { return len(sink.reports()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	env := sink.envs[0]
	sink.mu.Unlock()
	assert.Equal(t, "1.2.3", env.Resource.AppVersion)
	assert.False(t, env.Resource.Timestamp.IsZero())
	rep := env.Reports[0]
	assert.Equal(t, "model-a", rep.ModelID)
	assert.Equal(t, 4096, rep.ContextLength)
	assert.NotEmpty(t, rep.ID)
	assert.False(t, rep.Timestamp.IsZero())
}

func TestDuplicateReportsAreDropped(t *testing.T) {
	sink := &recordingSink{}
	r := newReporter(t, Config{DedupWindow: 2}, sink)

	a := CrashReport{ModelID: "a", Operation: "load", Error: "oom"}
	r.Report(a)
	r.Report(a)
	r.Report(CrashReport{ModelID: "b", Operation: "load", Error: "oom"})
	r.Report(CrashReport{ModelID: "c", Operation: "load", Error: "oom"})
	// "a" has left the window of two.
	r.Report(a)

	require.Eventually(t, func() bool { return len(sink.reports()) == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.reports(), 4)
}

func TestBatchedDeliveryGroupsReports(t *testing.T) {
	sink := &recordingSink{}
	r := newReporter(t, Config{Policy: PolicyBatched, BatchSize: 3, FlushInterval: time.Hour}, sink)
	for _, id := range []string{"a", "b", "c"} {
		r.Report(CrashReport{ModelID: id, Operation: "infer"})
	}
	require.Eventually(t, func() bool { return sink.envelopes() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, sink.reports(), 3)
}

func TestBatchedDeliveryFlushesOnInterval(t *testing.T) {
	sink := &recordingSink{}
	r := newReporter(t, Config{Policy: PolicyBatched, BatchSize: 100, FlushInterval: 20 * time.Millisecond}, sink)
	r.Report(CrashReport{ModelID: "a", Operation: "infer"})
	require.Eventually(t, func() bool { return len(sink.reports()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("telemetry server down")}
	before := testutil.ToFloat64(deliveryFailuresTotal.WithLabelValues("recording"))
	r := newReporter(t, Config{}, sink)

	r.Report(CrashReport{ModelID: "a", Operation: "infer"})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(deliveryFailuresTotal.WithLabelValues("recording")) == before+1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReportAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{}
	r, err := NewReporter(Config{}, sink)
	require.NoError(t, err)
	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))
	r.Report(CrashReport{ModelID: "a"})
	assert.Empty(t, sink.reports())
}

func TestUnknownPolicy(t *testing.T) {
	_, err := NewReporter(Config{Policy: "hourly"}, nil)
	assert.Error(t, err)
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir)
	res := Resource{AppVersion: "0.1.0"}
	require.NoError(t, s.Deliver(context.Background(), Envelope{Resource: res, Reports: []CrashReport{{ModelID: "a"}, {ModelID: "b"}}}))
	require.NoError(t, s.Deliver(context.Background(), Envelope{Resource: res, Reports: []CrashReport{{ModelID: "c"}}}))

	recs, err := ReadFileRecords(s.Path)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[2].Report.ModelID)
	assert.Equal(t, "0.1.0", recs[0].Resource.AppVersion)

	missing, err := ReadFileRecords(dir + "/none.jsonl")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestHTTPSink(t *testing.T) {
	var got Envelope
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := &HTTPSink{URL: srv.URL, Headers: map[string]string{"X-Api-Key": "k"}}
	require.NoError(t, s.Deliver(context.Background(), Envelope{Reports: []CrashReport{{ModelID: "a"}}}))
	assert.Equal(t, "k", auth)
	require.Len(t, got.Reports, 1)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	err := (&HTTPSink{URL: failing.URL}).Deliver(context.Background(), Envelope{})
	assert.ErrorContains(t, err, "500")
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("nope")}
	err := MultiSink{ok, bad, NopSink{}}.Deliver(context.Background(), Envelope{Reports: []CrashReport{{ModelID: "a"}}})
	assert.ErrorContains(t, err, "nope")
	assert.Len(t, ok.reports(), 1)
	assert.Len(t, bad.reports(), 1)
}

func TestDeliveryErrorIsClassified(t *testing.T) {
	err := engine.ErrTelemetryDelivery("http", errors.New("timeout"))
	assert.True(t, engine.IsTelemetryDelivery(err))
}

func TestDetectResource(t *testing.T) {
	r := DetectResource(context.Background(), "9.9.9")
	assert.Equal(t, "9.9.9", r.AppVersion)
	assert.NotEmpty(t, r.OSName)
	assert.NotEmpty(t, r.Architecture)
	if runtime.GOOS == "linux" {
		assert.NotEmpty(t, r.OSVersion)
	}
}
