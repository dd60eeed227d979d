// Package router dispatches load, unload and infer requests to the engine
// that serves a model and classifies what goes wrong.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"engined/internal/engine"
	"engined/internal/monitor"
	"engined/internal/telemetry"
)

// Op is a dispatchable operation.
type Op string

const (
	OpLoad   Op = "load"
	OpUnload Op = "unload"
	OpInfer  Op = "infer"
)

// ParseOp parses an operation name.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpLoad, OpUnload, OpInfer:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Request is one caller request. Payload is opaque except for a few fields
// inspected by path (stream, ctx_len).
type Request struct {
	ModelID      string          `json:"model"`
	Op           Op              `json:"op"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ProviderHint string          `json:"engine,omitempty"`
}

// Resolver finds and records the engine serving a model.
type Resolver interface {
	Resolve(modelID, hint string) (engine.Extension, error)
	Bind(modelID, provider string) error
	Unbind(modelID, provider string)
}

// Tracker is the resource monitor as seen by the router.
type Tracker interface {
	Track(modelID string, src monitor.Source)
	Untrack(modelID string)
	RecordThroughput(modelID string, tokens int, elapsed time.Duration)
	Throughput(modelID string) float64
}

// Reporter receives crash reports. It must not block.
type Reporter interface {
	Report(telemetry.CrashReport)
}

// Timeouts bound each operation. Infer bounds the whole stream.
type Timeouts struct {
	Load   time.Duration
	Unload time.Duration
	Infer  time.Duration
}

// Config wires the router to its collaborators. Monitor and Reporter may be
// nil.
type Config struct {
	Registry Resolver
	Monitor  Tracker
	Reporter Reporter
	Timeouts Timeouts
	Logger   zerolog.Logger
}

// Router is safe for concurrent use.
type Router struct {
	reg      Resolver
	mon      Tracker
	reporter Reporter
	timeouts Timeouts
	log      zerolog.Logger
}

// New returns a Router. Zero timeouts take defaults.
func New(cfg Config) *Router {
	t := cfg.Timeouts
	if t.Load <= 0 {
		t.Load = 10 * time.Minute
	}
	if t.Unload <= 0 {
		t.Unload = time.Minute
	}
	if t.Infer <= 0 {
		t.Infer = 10 * time.Minute
	}
	return &Router{
		reg:      cfg.Registry,
		mon:      cfg.Monitor,
		reporter: cfg.Reporter,
		timeouts: t,
		log:      cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Dispatch runs req on the engine that serves req.ModelID. For infer the
// returned Response streams chunks until the engine is done, the infer
// timeout expires or ctx is canceled; the other operations complete before
// Dispatch returns. Failures are *Error.
func (r *Router) Dispatch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.ModelID == "" {
		return nil, r.fail(ctx, req, nil, start, fmt.Errorf("model id is required"))
	}
	ext, err := r.reg.Resolve(req.ModelID, req.ProviderHint)
	if err != nil {
		return nil, r.fail(ctx, req, nil, start, err)
	}
	switch req.Op {
	case OpLoad:
		return r.load(ctx, ext, req, start)
	case OpUnload:
		return r.unload(ctx, ext, req, start)
	case OpInfer:
		return r.infer(ctx, ext, req, start)
	default:
		return nil, r.fail(ctx, req, ext, start, fmt.Errorf("unknown operation %q", req.Op))
	}
}

func (r *Router) load(ctx context.Context, ext engine.Extension, req Request, start time.Time) (*Response, error) {
	lctx, cancel := context.WithTimeout(ctx, r.timeouts.Load)
	defer cancel()
	sess, err := ext.LoadModel(lctx, req.ModelID, req.Payload)
	if err != nil {
		return nil, r.fail(ctx, req, ext, start, ctxCause(lctx, err))
	}
	if err := r.reg.Bind(req.ModelID, ext.Provider()); err != nil {
		return nil, r.fail(ctx, req, ext, start, err)
	}
	if r.mon != nil {
		r.mon.Track(req.ModelID, ext)
	}
	r.done(req.Op, start)
	r.log.Info().Str("model", req.ModelID).Str("provider", ext.Provider()).Dur("elapsed", time.Since(start)).Msg("model loaded")
	return finished(req, ext.Provider(), &sess), nil
}

func (r *Router) unload(ctx context.Context, ext engine.Extension, req Request, start time.Time) (*Response, error) {
	uctx, cancel := context.WithTimeout(ctx, r.timeouts.Unload)
	defer cancel()
	err := ext.UnloadModel(uctx, req.ModelID)
	if err == nil || engine.IsNotFound(err) {
		r.reg.Unbind(req.ModelID, ext.Provider())
		if r.mon != nil {
			r.mon.Untrack(req.ModelID)
		}
	}
	if err != nil {
		return nil, r.fail(ctx, req, ext, start, ctxCause(uctx, err))
	}
	r.done(req.Op, start)
	r.log.Info().Str("model", req.ModelID).Str("provider", ext.Provider()).Msg("model unloaded")
	return finished(req, ext.Provider(), nil), nil
}

func (r *Router) infer(ctx context.Context, ext engine.Extension, req Request, start time.Time) (*Response, error) {
	ictx, cancel := context.WithTimeout(ctx, r.timeouts.Infer)
	stream, err := ext.Infer(ictx, req.ModelID, req.Payload)
	if err != nil {
		err = ctxCause(ictx, err)
		cancel()
		return nil, r.fail(ctx, req, ext, start, err)
	}
	resp := &Response{
		ModelID:  req.ModelID,
		Provider: ext.Provider(),
		Op:       req.Op,
		chunks:   make(chan []byte),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	streamsActive.Inc()
	go r.forward(ctx, ictx, ext, req, stream, resp, start)
	return resp, nil
}

// forward pulls chunks from the engine stream and hands them to the caller
// one at a time.
func (r *Router) forward(parent, ctx context.Context, ext engine.Extension, req Request, stream *engine.Stream, resp *Response, start time.Time) {
	var (
		chunks int
		usage  int64
		err    error
	)
	for {
		var chunk []byte
		chunk, err = stream.Recv(ctx)
		if err != nil {
			break
		}
		chunks++
		if n := gjson.GetBytes(chunk, "usage.completion_tokens"); n.Exists() {
			usage = n.Int()
		}
		select {
		case resp.chunks <- chunk:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	stream.Close()
	streamsActive.Dec()

	if errors.Is(err, io.EOF) {
		err = nil
		tokens := chunks
		if usage > 0 {
			tokens = int(usage)
		}
		if r.mon != nil {
			r.mon.RecordThroughput(req.ModelID, tokens, time.Since(start))
		}
		r.done(req.Op, start)
	} else {
		err = ctxCause(ctx, err)
		if classify(parent, err) == KindInference {
			if n, ok := ext.(engine.ProbeFailureNoter); ok {
				n.NoteProbeFailure(err)
			}
		}
		err = r.fail(parent, req, ext, start, err)
	}
	resp.cancel()
	resp.err = err
	close(resp.chunks)
	close(resp.done)
}

// fail classifies err, records it and files a crash report for engine
// faults. It returns the *Error handed to the caller.
func (r *Router) fail(parent context.Context, req Request, ext engine.Extension, start time.Time, err error) error {
	kind := classify(parent, err)
	var provider string
	if ext != nil {
		provider = ext.Provider()
	}
	dispatchTotal.WithLabelValues(string(req.Op), string(kind)).Inc()
	dispatchDuration.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())
	ev := r.log.Warn()
	if kind == KindCanceled {
		ev = r.log.Debug()
	}
	ev.Err(err).Str("model", req.ModelID).Str("provider", provider).Str("op", string(req.Op)).Str("kind", string(kind)).Msg("dispatch failed")
	if r.reporter != nil && ext != nil && reportable(kind) && !engine.IsNotLoaded(err) && (req.Op == OpLoad || req.Op == OpInfer) {
		r.reporter.Report(r.crashReport(req, ext, err))
	}
	return &Error{ModelID: req.ModelID, Op: req.Op, Kind: kind, Err: err}
}

func (r *Router) crashReport(req Request, ext engine.Extension, err error) telemetry.CrashReport {
	rep := telemetry.CrashReport{
		ModelID:       req.ModelID,
		Provider:      ext.Provider(),
		Operation:     string(req.Op),
		Params:        req.Payload,
		ContextLength: int(gjson.GetBytes(req.Payload, "ctx_len").Int()),
		Error:         err.Error(),
	}
	if rep.ContextLength == 0 {
		if s, ok := ext.Session(req.ModelID); ok {
			rep.ContextLength = int(gjson.GetBytes(s.Params, "ctx_len").Int())
		}
	}
	if r.mon != nil {
		rep.TokensPerSecond = r.mon.Throughput(req.ModelID)
	}
	return rep
}

// ctxCause keeps the context error in the chain once ctx is done, so the
// transport error of an aborted request classifies as timeout or canceled.
func ctxCause(ctx context.Context, err error) error {
	cerr := ctx.Err()
	if cerr == nil || errors.Is(err, cerr) || engine.IsFatal(err) {
		return err
	}
	return fmt.Errorf("%w: %w", cerr, err)
}

func (r *Router) done(op Op, start time.Time) {
	dispatchTotal.WithLabelValues(string(op), "ok").Inc()
	dispatchDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
}

// Response is the outcome of a dispatched request. For infer, chunks arrive
// on Chunks in engine order; Err reports how the stream ended.
type Response struct {
	ModelID  string
	Provider string
	Op       Op
	// Session is set for load.
	Session *engine.Session

	chunks chan []byte
	done   chan struct{}
	err    error
	cancel context.CancelFunc
	once   sync.Once
}

func finished(req Request, provider string, sess *engine.Session) *Response {
	done := make(chan struct{})
	close(done)
	return &Response{ModelID: req.ModelID, Provider: provider, Op: req.Op, Session: sess, done: done, cancel: func() {}}
}

// Chunks yields inference chunks and is closed when the stream ends. It is
// nil for load and unload.
func (r *Response) Chunks() <-chan []byte { return r.chunks }

// Err waits for the stream to end and returns its failure, if any.
func (r *Response) Err() error {
	<-r.done
	return r.err
}

// Close abandons the stream; no further chunks are delivered. Safe to call
// more than once.
func (r *Response) Close() {
	r.once.Do(r.cancel)
	<-r.done
}

// Collect drains a response into memory. Use it only for small non-streamed
// replies.
func (r *Response) Collect(ctx context.Context) ([][]byte, error) {
	if r.chunks == nil {
		return nil, nil
	}
	var out [][]byte
	for {
		select {
		case c, ok := <-r.chunks:
			if !ok {
				return out, r.Err()
			}
			out = append(out, c)
		case <-ctx.Done():
			r.Close()
			return out, ctx.Err()
		}
	}
}
