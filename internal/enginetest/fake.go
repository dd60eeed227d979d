package enginetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"engined/internal/engine"
)

// Fake is an in-memory engine.Extension. Hooks left nil succeed.
type Fake struct {
	Name       string
	KindOf     engine.Kind
	HealthOf   engine.HealthState
	LoadFn     func(ctx context.Context, modelID string, params json.RawMessage) error
	InferFn    func(ctx context.Context, modelID string, req json.RawMessage) (*engine.Stream, error)
	UsageFn    func(ctx context.Context, modelID string) (engine.Usage, error)
	OnClose    func()
	Loads      atomic.Int32
	Unloads    atomic.Int32
	Infers     atomic.Int32
	Closes     atomic.Int32
	ProbeFails atomic.Int32

	mu       sync.Mutex
	sessions map[string]engine.Session
}

// NewFake returns a healthy local-kind fake.
func NewFake(name string) *Fake {
	return &Fake{Name: name, KindOf: engine.KindLocal, HealthOf: engine.HealthReady, sessions: map[string]engine.Session{}}
}

func (f *Fake) Provider() string  { return f.Name }
func (f *Fake) Kind() engine.Kind { return f.KindOf }

func (f *Fake) LoadModel(ctx context.Context, modelID string, params json.RawMessage) (engine.Session, error) {
	f.Loads.Add(1)
	if f.LoadFn != nil {
		if err := f.LoadFn(ctx, modelID, params); err != nil {
			f.set(engine.Session{ModelID: modelID, Provider: f.Name, Status: engine.StatusFailed, Params: params, Err: err.Error()})
			return engine.Session{}, engine.ErrLoad(f.Name, modelID, err)
		}
	}
	s := engine.Session{ModelID: modelID, Provider: f.Name, LoadedAt: time.Now(), Status: engine.StatusReady, Params: params}
	f.set(s)
	return s, nil
}

func (f *Fake) UnloadModel(_ context.Context, modelID string) error {
	f.Unloads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[modelID]; !ok {
		return engine.ErrNotFound(f.Name, modelID)
	}
	delete(f.sessions, modelID)
	return nil
}

func (f *Fake) Infer(ctx context.Context, modelID string, req json.RawMessage) (*engine.Stream, error) {
	f.Infers.Add(1)
	s, ok := f.Session(modelID)
	if !ok {
		return nil, engine.ErrLoad(f.Name, modelID, engine.ErrModelNotLoaded)
	}
	if s.Status != engine.StatusReady {
		return nil, engine.ErrInference(f.Name, modelID, engine.ErrModelNotLoaded)
	}
	if f.InferFn != nil {
		return f.InferFn(ctx, modelID, req)
	}
	return engine.Single(ctx, []byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{"completion_tokens":1}}`)), nil
}

func (f *Fake) Status(context.Context) engine.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := engine.Health{Provider: f.Name, Kind: f.KindOf, State: f.HealthOf, CheckedAt: time.Now()}
	for _, s := range f.sessions {
		h.Models = append(h.Models, engine.ModelInfo{ID: s.ModelID, Status: s.Status, LoadedAt: s.LoadedAt})
	}
	return h
}

func (f *Fake) Session(modelID string) (engine.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[modelID]
	return s, ok
}

func (f *Fake) Usage(ctx context.Context, modelID string) (engine.Usage, error) {
	if _, ok := f.Session(modelID); !ok {
		return engine.Usage{}, engine.ErrNotFound(f.Name, modelID)
	}
	if f.UsageFn != nil {
		return f.UsageFn(ctx, modelID)
	}
	return engine.Usage{VRAMBytes: 1 << 30, RAMBytes: 512 << 20}, nil
}

func (f *Fake) NoteProbeFailure(error) { f.ProbeFails.Add(1) }

func (f *Fake) Close(context.Context) error {
	f.Closes.Add(1)
	if f.OnClose != nil {
		f.OnClose()
	}
	return nil
}

// SetStatus overrides the status of a session, creating it if needed.
func (f *Fake) SetStatus(modelID string, status engine.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[modelID]
	s.ModelID, s.Provider, s.Status = modelID, f.Name, status
	f.sessions[modelID] = s
}

func (f *Fake) set(s engine.Session) {
	f.mu.Lock()
	f.sessions[s.ModelID] = s
	f.mu.Unlock()
}
