package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const remoteStatusTimeout = 5 * time.Second

// Remote serves models through an OpenAI compatible API. Loading a model is
// bookkeeping only; the provider hosts the weights.
type Remote struct {
	desc     Descriptor
	base     string
	sessions *sessionTable
	client   *http.Client
	api      *openai.Client
	log      zerolog.Logger
}

// NewRemote builds a remote engine.
func NewRemote(d Descriptor, opts Options) (*Remote, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Kind != KindRemote {
		return nil, fmt.Errorf("engine %s: not a remote descriptor", d.Provider)
	}
	log := opts.Logger.With().Str("component", "engine").Str("provider", d.Provider).Logger()
	base := strings.TrimRight(d.Remote.APIBaseURL, "/")
	cfg := openai.DefaultConfig(d.Remote.APIKey)
	cfg.BaseURL = base
	return &Remote{
		desc:     d,
		base:     base,
		sessions: newSessionTable(d.Provider, opts.LoadTimeout, opts.OnSessionLost, log),
		client:   opts.httpClient(),
		api:      openai.NewClientWithConfig(cfg),
		log:      log,
	}, nil
}

func (r *Remote) Provider() string { return r.desc.Provider }
func (r *Remote) Kind() Kind       { return KindRemote }

func (r *Remote) LoadModel(ctx context.Context, modelID string, params json.RawMessage) (Session, error) {
	return r.sessions.load(ctx, modelID, params, func(context.Context) error { return nil })
}

func (r *Remote) UnloadModel(ctx context.Context, modelID string) error {
	return r.sessions.unload(ctx, modelID, func(context.Context) error { return nil })
}

// Infer posts req to {base}/chat/completions. The payload is forwarded as is
// apart from the model field, which is filled in when absent.
func (r *Remote) Infer(ctx context.Context, modelID string, req json.RawMessage) (*Stream, error) {
	if _, err := r.sessions.awaitReady(ctx, modelID); err != nil {
		return nil, err
	}
	body := []byte(req)
	if len(body) > 0 && !gjson.ValidBytes(body) {
		return nil, ErrInference(r.desc.Provider, modelID, errInvalidPayload)
	}
	if !gjson.GetBytes(body, "model").Exists() {
		var err error
		if body, err = sjson.SetBytes(body, "model", modelID); err != nil {
			return nil, ErrInference(r.desc.Provider, modelID, err)
		}
	}
	cancel := context.CancelFunc(func() {})
	if r.desc.Remote.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.desc.Remote.Timeout)
	}
	streaming := gjson.GetBytes(body, "stream").Bool()
	s, err := openStream(ctx, r.client, r.base+"/chat/completions", r.desc.Remote.APIKey, body, streaming, r.wrapInference(modelID))
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		<-s.done
		cancel()
	}()
	return s, nil
}

func (r *Remote) wrapInference(modelID string) func(error) error {
	return func(err error) error { return ErrInference(r.desc.Provider, modelID, err) }
}

// Status lists models at the provider; any failure reports Unhealthy.
func (r *Remote) Status(ctx context.Context) Health {
	h := Health{
		Provider:  r.desc.Provider,
		Kind:      KindRemote,
		State:     HealthReady,
		Models:    modelInfos(r.sessions.list()),
		CheckedAt: time.Now(),
	}
	ctx, cancel := context.WithTimeout(ctx, remoteStatusTimeout)
	defer cancel()
	if _, err := r.api.ListModels(ctx); err != nil {
		h.State = HealthUnhealthy
		h.Error = err.Error()
	}
	return h
}

func (r *Remote) Session(modelID string) (Session, bool) { return r.sessions.get(modelID) }

// Usage is zero: remote models use no local memory.
func (r *Remote) Usage(_ context.Context, modelID string) (Usage, error) {
	if _, ok := r.sessions.get(modelID); !ok {
		return Usage{}, ErrNotFound(r.desc.Provider, modelID)
	}
	return Usage{}, nil
}

func (r *Remote) Close(context.Context) error {
	r.sessions.clear()
	return nil
}
