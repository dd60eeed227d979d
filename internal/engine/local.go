package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"engined/internal/procstat"
	"engined/internal/supervisor"
)

// Local serves models from a natively spawned engine process. The process is
// started lazily by the first load and kept alive by its supervisor.
type Local struct {
	desc     Descriptor
	sup      *supervisor.Supervisor
	sessions *sessionTable
	client   *http.Client
	catalog  ModelPathResolver
	stat     procstat.Reader
	log      zerolog.Logger

	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewLocal builds a local engine and starts its health loop. No process is
// spawned until a model is loaded.
func NewLocal(d Descriptor, opts Options) (*Local, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Kind != KindLocal {
		return nil, fmt.Errorf("engine %s: not a local descriptor", d.Provider)
	}
	log := opts.Logger.With().Str("component", "engine").Str("provider", d.Provider).Logger()
	l := &Local{
		desc:     d,
		sessions: newSessionTable(d.Provider, opts.LoadTimeout, opts.OnSessionLost, log),
		client:   opts.httpClient(),
		catalog:  opts.Catalog,
		stat:     opts.ProcStat,
		log:      log,
		loopDone: make(chan struct{}),
	}

	scfg := opts.Supervisor
	scfg.Provider = d.Provider
	scfg.Host = d.Local.Host
	scfg.Port = d.Local.Port
	scfg.ExecutablePath = d.Local.ExecutablePath
	scfg.AcceleratorDevices = d.Local.AcceleratorDevices
	scfg.ExtraArgs = d.Local.ExtraArgs
	scfg.Logger = opts.Logger
	scfg.Publisher = opts.Publisher
	scfg.OnRestart = l.processLost
	scfg.OnFatal = l.processLost
	sup, err := supervisor.New(scfg)
	if err != nil {
		return nil, err
	}
	l.sup = sup

	ctx, cancel := context.WithCancel(context.Background())
	l.stopLoop = cancel
	go func() {
		defer close(l.loopDone)
		sup.Run(ctx)
	}()
	return l, nil
}

func (l *Local) Provider() string { return l.desc.Provider }
func (l *Local) Kind() Kind       { return KindLocal }

// Process returns the handle of the engine process, if one is running.
func (l *Local) Process() (supervisor.Handle, bool) { return l.sup.Handle() }

// LoadModel starts the process if needed and loads modelID into it.
func (l *Local) LoadModel(ctx context.Context, modelID string, params json.RawMessage) (Session, error) {
	return l.sessions.load(ctx, modelID, params, func(ctx context.Context) error {
		if _, err := l.sup.Start(ctx); err != nil {
			return err
		}
		body, err := l.loadBody(modelID, params)
		if err != nil {
			return err
		}
		if _, err := postJSON(ctx, l.client, l.sup.BaseURL()+"/v1/models/load", "", body); err != nil {
			return err
		}
		l.log.Info().Str("model", modelID).Msg("model loaded")
		return nil
	})
}

// loadBody merges the model id and, when known, the model path into params.
func (l *Local) loadBody(modelID string, params json.RawMessage) ([]byte, error) {
	body := []byte(params)
	if len(body) == 0 || !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		if len(body) > 0 {
			return nil, errors.New("load params must be a JSON object")
		}
		body = []byte(`{}`)
	}
	body, err := sjson.SetBytes(body, "model", modelID)
	if err != nil {
		return nil, err
	}
	if l.catalog != nil && !gjson.GetBytes(body, "model_path").Exists() {
		if path, ok := l.catalog.Path(modelID); ok {
			if body, err = sjson.SetBytes(body, "model_path", path); err != nil {
				return nil, err
			}
		}
	}
	return body, nil
}

// UnloadModel removes modelID from the process.
func (l *Local) UnloadModel(ctx context.Context, modelID string) error {
	return l.sessions.unload(ctx, modelID, func(ctx context.Context) error {
		body, err := sjson.SetBytes([]byte(`{}`), "model", modelID)
		if err != nil {
			return err
		}
		code, err := postJSON(ctx, l.client, l.sup.BaseURL()+"/v1/models/unload", "", body)
		if code == http.StatusNotFound {
			return ErrNotFound(l.desc.Provider, modelID)
		}
		return err
	})
}

// Infer forwards req to the process. It never spawns a process: the model
// must have been loaded.
func (l *Local) Infer(ctx context.Context, modelID string, req json.RawMessage) (*Stream, error) {
	if _, err := l.sessions.awaitReady(ctx, modelID); err != nil {
		return nil, err
	}
	if len(req) > 0 && !gjson.ValidBytes(req) {
		return nil, ErrInference(l.desc.Provider, modelID, errInvalidPayload)
	}
	body, err := sjson.SetBytes(req, "model", modelID)
	if err != nil {
		return nil, ErrInference(l.desc.Provider, modelID, err)
	}
	wrap := func(err error) error { return ErrInference(l.desc.Provider, modelID, err) }
	streaming := gjson.GetBytes(body, "stream").Bool()
	return openStream(ctx, l.client, l.sup.BaseURL()+"/v1/chat/completions", "", body, streaming, wrap)
}

// Status reports the supervisor view of the process. It never touches the
// network.
func (l *Local) Status(context.Context) Health {
	snap := l.sup.Snapshot()
	h := Health{
		Provider:  l.desc.Provider,
		Kind:      KindLocal,
		Process:   &snap,
		Error:     snap.LastError,
		Models:    modelInfos(l.sessions.list()),
		CheckedAt: time.Now(),
	}
	switch snap.State {
	case supervisor.StateReady:
		h.State = HealthReady
	case supervisor.StateStarting:
		h.State = HealthStarting
	case supervisor.StateUnhealthy:
		h.State = HealthUnhealthy
	case supervisor.StateStopped:
		h.State = HealthStopped
	}
	return h
}

func (l *Local) Session(modelID string) (Session, bool) { return l.sessions.get(modelID) }

// Usage samples the process hosting modelID. All models share one process,
// so each reports the process footprint.
func (l *Local) Usage(ctx context.Context, modelID string) (Usage, error) {
	s, ok := l.sessions.get(modelID)
	if !ok {
		return Usage{}, ErrNotFound(l.desc.Provider, modelID)
	}
	if s.Status != StatusReady {
		return Usage{}, fmt.Errorf("model %s is %s", modelID, s.Status)
	}
	pid := l.sup.PID()
	if pid == 0 {
		return Usage{}, errors.New("engine process not running")
	}
	u, err := l.stat.Sample(ctx, pid)
	if err != nil {
		return Usage{}, err
	}
	return Usage{VRAMBytes: u.VRAMBytes, RAMBytes: u.RAMBytes}, nil
}

// NoteProbeFailure forwards an external probe failure to the health loop.
func (l *Local) NoteProbeFailure(err error) { l.sup.NoteProbeFailure(err) }

// Close stops the health loop and the process and drops all sessions. A
// load still starting the process is aborted. The process is gone when Close
// returns, even if ctx expired first.
func (l *Local) Close(ctx context.Context) error {
	l.stopLoop()
	err := l.sup.Close(ctx)
	<-l.loopDone
	l.sessions.clear()
	return err
}

// processLost runs when the supervisor restarts or gives up on the process.
func (l *Local) processLost(cause error) {
	l.sessions.failAll(cause)
}

func modelInfos(sessions []Session) []ModelInfo {
	out := make([]ModelInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ModelInfo{ID: s.ModelID, Status: s.Status, LoadedAt: s.LoadedAt})
	}
	return out
}
