package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engined/internal/engine"
	"engined/internal/enginetest"
	"engined/internal/monitor"
	"engined/internal/registry"
	"engined/internal/telemetry"
)

type recordingTracker struct {
	mu         sync.Mutex
	tracked    map[string]monitor.Source
	throughput map[string]int
}

func (t *recordingTracker) Track(id string, src monitor.Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[id] = src
}

func (t *recordingTracker) Untrack(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, id)
}

func (t *recordingTracker) RecordThroughput(id string, tokens int, _ time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.throughput[id] = tokens
}

func (t *recordingTracker) Throughput(string) float64 { return 12.5 }

func (t *recordingTracker) isTracked(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tracked[id]
	return ok
}

func (t *recordingTracker) tokens(id string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.throughput[id]
	return n, ok
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []telemetry.CrashReport
}

func (r *recordingReporter) Report(rep telemetry.CrashReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recordingReporter) all() []telemetry.CrashReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.CrashReport(nil), r.reports...)
}

type harness struct {
	router   *Router
	reg      *registry.Registry
	fake     *enginetest.Fake
	tracker  *recordingTracker
	reporter *recordingReporter
}

func newHarness(t *testing.T, timeouts Timeouts) *harness {
	t.Helper()
	fake := enginetest.NewFake("llama-cpp")
	reg := registry.New(func(engine.Descriptor) (engine.Extension, error) { return fake, nil }, zerolog.Nop())
	require.NoError(t, reg.Register(context.Background(), engine.Descriptor{
		Provider: "llama-cpp",
		Kind:     engine.KindLocal,
		Local:    &engine.LocalConfig{Host: "127.0.0.1", Port: 3928, ExecutablePath: "/opt/engines/llama-server"},
	}))
	h := &harness{
		reg:      reg,
		fake:     fake,
		tracker:  &recordingTracker{tracked: map[string]monitor.Source{}, throughput: map[string]int{}},
		reporter: &recordingReporter{},
	}
	h.router = New(Config{Registry: reg, Monitor: h.tracker, Reporter: h.reporter, Timeouts: timeouts})
	return h
}

func (h *harness) load(t *testing.T, id string) {
	t.Helper()
	resp, err := h.router.Dispatch(context.Background(), Request{ModelID: id, Op: OpLoad, ProviderHint: "llama-cpp"})
	require.NoError(t, err)
	require.NotNil(t, resp.Session)
	require.Equal(t, engine.StatusReady, resp.Session.Status)
}

func chunkStream(n int) func(ctx context.Context, id string, req json.RawMessage) (*engine.Stream, error) {
	return func(ctx context.Context, _ string, _ json.RawMessage) (*engine.Stream, error) {
		return engine.NewStream(ctx, func(ctx context.Context, emit engine.Emit) error {
			for i := 0; i < n; i++ {
				if err := emit([]byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
					return err
				}
			}
			return nil
		}), nil
	}
}

func TestLoadBindsAndTracks(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.load(t, "llama3")

	owner, ok := h.reg.Owner("llama3")
	require.True(t, ok)
	assert.Equal(t, "llama-cpp", owner)
	assert.True(t, h.tracker.isTracked("llama3"))

	// Loaded models resolve without a hint.
	resp, err := h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpInfer})
	require.NoError(t, err)
	chunks, err := resp.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	_, err = h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpUnload})
	require.NoError(t, err)
	_, ok = h.reg.Owner("llama3")
	assert.False(t, ok)
	assert.False(t, h.tracker.isTracked("llama3"))
	assert.Empty(t, h.reporter.all())
}

func TestInferForwardsChunksInOrder(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.fake.InferFn = chunkStream(20)
	h.load(t, "llama3")

	resp, err := h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpInfer, Payload: json.RawMessage(`{"stream":true}`)})
	require.NoError(t, err)
	i := 0
	for c := range resp.Chunks() {
		assert.JSONEq(t, fmt.Sprintf(`{"i":%d}`, i), string(c))
		i++
	}
	require.NoError(t, resp.Err())
	assert.Equal(t, 20, i)
	n, ok := h.tracker.tokens("llama3")
	require.True(t, ok)
	assert.Equal(t, 20, n)
}

func TestInferUsesReportedTokenCount(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.fake.InferFn = func(ctx context.Context, _ string, _ json.RawMessage) (*engine.Stream, error) {
		return engine.Single(ctx, []byte(`{"usage":{"completion_tokens":42}}`)), nil
	}
	h.load(t, "llama3")
	resp, err := h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpInfer})
	require.NoError(t, err)
	_, err = resp.Collect(context.Background())
	require.NoError(t, err)
	n, _ := h.tracker.tokens("llama3")
	assert.Equal(t, 42, n)
}

func TestCloseStopsDelivery(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.fake.InferFn = chunkStream(1000)
	h.load(t, "llama3")

	resp, err := h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpInfer})
	require.NoError(t, err)
	<-resp.Chunks()
	<-resp.Chunks()
	resp.Close()

	rest := 0
	for range resp.Chunks() {
		rest++
	}
	assert.Zero(t, rest)
	assert.Equal(t, KindCanceled, KindOf(resp.Err()))
	assert.Empty(t, h.reporter.all(), "cancellation is not a crash")
	assert.Zero(t, h.fake.ProbeFails.Load())
}

func TestCallerCancellationMidStream(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.fake.InferFn = chunkStream(1000)
	h.load(t, "llama3")

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := h.router.Dispatch(ctx, Request{ModelID: "llama3", Op: OpInfer})
	require.NoError(t, err)
	<-resp.Chunks()
	cancel()
	for range resp.Chunks() {
	}
	assert.Equal(t, KindCanceled, KindOf(resp.Err()))
	assert.Empty(t, h.reporter.all())
}

func TestInferOnNeverLoadedModel(t *testing.T) {
	h := newHarness(t, Timeouts{})

	_, err := h.router.Dispatch(context.Background(), Request{ModelID: "ghost", Op: OpInfer})
	require.Error(t, err)
	assert.Equal(t, KindUnknownProvider, KindOf(err))
	assert.True(t, engine.IsUnknownProvider(err))

	_, err = h.router.Dispatch(context.Background(), Request{ModelID: "ghost", Op: OpInfer, ProviderHint: "llama-cpp"})
	require.Error(t, err)
	assert.Equal(t, KindLoad, KindOf(err))
	assert.True(t, engine.IsLoad(err))
	assert.Zero(t, h.fake.Loads.Load(), "infer must never load")
	assert.Empty(t, h.reporter.all(), "using an unloaded model is not a crash")
}

func TestInferAfterFatalProcessLossIsFatal(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.fake.InferFn = func(context.Context, string, json.RawMessage) (*engine.Stream, error) {
		return nil, engine.ErrInference("llama-cpp", "llama3", fmt.Errorf("session failed: %w", engine.ErrRestartBudgetExhausted))
	}
	h.load(t, "llama3")

	_, err := h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpInfer})
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestLoadFailureFilesOneCrashReport(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.fake.LoadFn = func(context.Context, string, json.RawMessage) error { return errors.New("out of memory") }

	_, err := h.router.Dispatch(context.Background(), Request{
		ModelID:      "llama3",
		Op:           OpLoad,
		ProviderHint: "llama-cpp",
		Payload:      json.RawMessage(`{"ctx_len":8192}`),
	})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindLoad, rerr.Kind)
	assert.Equal(t, OpLoad, rerr.Op)

	reports := h.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, "llama3", reports[0].ModelID)
	assert.Equal(t, "llama-cpp", reports[0].Provider)
	assert.Equal(t, "load", reports[0].Operation)
	assert.Equal(t, 8192, reports[0].ContextLength)
	assert.Equal(t, 12.5, reports[0].TokensPerSecond)
	assert.Contains(t, reports[0].Error, "out of memory")
	_, bound := h.reg.Owner("llama3")
	assert.False(t, bound)
}

func TestInferenceFailureMidStream(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.fake.InferFn = func(ctx context.Context, id string, _ json.RawMessage) (*engine.Stream, error) {
		return engine.NewStream(ctx, func(ctx context.Context, emit engine.Emit) error {
			if err := emit([]byte(`{"i":0}`)); err != nil {
				return err
			}
			return engine.ErrInference("llama-cpp", id, errors.New("connection reset by peer"))
		}), nil
	}
	h.load(t, "llama3")

	resp, err := h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpInfer})
	require.NoError(t, err)
	chunks, err := resp.Collect(context.Background())
	assert.Len(t, chunks, 1)
	assert.Equal(t, KindInference, KindOf(err))
	assert.EqualValues(t, 1, h.fake.ProbeFails.Load())
	require.Len(t, h.reporter.all(), 1)
	assert.Equal(t, "infer", h.reporter.all()[0].Operation)
	_, recorded := h.tracker.tokens("llama3")
	assert.False(t, recorded)
}

func TestInferTimeoutBoundsStream(t *testing.T) {
	h := newHarness(t, Timeouts{Infer: 50 * time.Millisecond})
	h.fake.InferFn = func(ctx context.Context, _ string, _ json.RawMessage) (*engine.Stream, error) {
		return engine.NewStream(ctx, func(ctx context.Context, _ engine.Emit) error {
			<-ctx.Done()
			return ctx.Err()
		}), nil
	}
	h.load(t, "llama3")

	resp, err := h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpInfer})
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, KindOf(resp.Err()))
	assert.Len(t, h.reporter.all(), 1)
}

func TestRestartBudgetExhaustedIsFatal(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.fake.LoadFn = func(context.Context, string, json.RawMessage) error {
		return fmt.Errorf("start engine: %w", engine.ErrRestartBudgetExhausted)
	}
	_, err := h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: OpLoad, ProviderHint: "llama-cpp"})
	assert.Equal(t, KindFatal, KindOf(err))
	assert.True(t, engine.IsFatal(err))
}

func TestUnloadUnknownModel(t *testing.T) {
	h := newHarness(t, Timeouts{})
	_, err := h.router.Dispatch(context.Background(), Request{ModelID: "ghost", Op: OpUnload, ProviderHint: "llama-cpp"})
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Empty(t, h.reporter.all())
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	h := newHarness(t, Timeouts{})
	_, err := h.router.Dispatch(context.Background(), Request{Op: OpLoad})
	assert.Equal(t, KindInternal, KindOf(err))

	_, err = h.router.Dispatch(context.Background(), Request{ModelID: "llama3", Op: "train", ProviderHint: "llama-cpp"})
	assert.Equal(t, KindInternal, KindOf(err))

	_, err = ParseOp("train")
	assert.Error(t, err)
	op, err := ParseOp("infer")
	require.NoError(t, err)
	assert.Equal(t, OpInfer, op)
}

func TestKindOfClassifiesEngineErrors(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindNotFound, KindOf(engine.ErrNotFound("p", "m")))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}
