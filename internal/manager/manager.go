package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"engined/internal/engine"
	"engined/internal/events"
	"engined/internal/monitor"
	"engined/internal/registry"
	"engined/internal/router"
	"engined/internal/telemetry"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("manager closed")

// Manager owns the engines and everything that watches them.
type Manager struct {
	cfg      Config
	log      zerolog.Logger
	pub      events.Publisher
	catalog  *registry.Catalog
	registry *registry.Registry
	monitor  *monitor.Monitor
	reporter *telemetry.Reporter
	router   *router.Router
	closed   atomic.Bool
}

// NewWithConfig builds every component and registers cfg.Engines. On error
// whatever was already started is shut down.
func NewWithConfig(ctx context.Context, cfg Config) (*Manager, error) {
	m := &Manager{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "manager").Logger(),
		pub: events.OrNoop(cfg.Publisher),
	}

	var models []registry.Model
	if dir := cfg.modelsDir(); dir != "" {
		var err error
		if models, err = registry.ScanModels(dir); err != nil {
			m.log.Warn().Err(err).Str("dir", dir).Msg("scan models")
		}
	}
	m.catalog = registry.NewCatalog(models)

	tcfg := cfg.Telemetry
	tcfg.Logger = cfg.Logger
	if tcfg.Resource.AppVersion == "" {
		tcfg.Resource = telemetry.DetectResource(ctx, cfg.AppVersion)
	}
	var err error
	if m.reporter, err = telemetry.NewReporter(tcfg, cfg.Sink); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	mcfg := cfg.Monitor
	mcfg.Logger = cfg.Logger
	m.monitor = monitor.New(mcfg)

	opts := engine.Options{
		Logger:        cfg.Logger,
		Publisher:     m.pub,
		HTTPClient:    cfg.HTTPClient,
		LoadTimeout:   cfg.LoadTimeout,
		Catalog:       m.catalog,
		OnSessionLost: m.sessionLost,
		Supervisor:    cfg.Supervisor,
	}
	newFactory := cfg.NewFactory
	if newFactory == nil {
		newFactory = registry.NewFactory
	}
	m.registry = registry.New(newFactory(opts), cfg.Logger)
	m.router = router.New(router.Config{
		Registry: m.registry,
		Monitor:  m.monitor,
		Reporter: m.reporter,
		Timeouts: cfg.Timeouts,
		Logger:   cfg.Logger,
	})

	for _, d := range cfg.Engines {
		if err := m.Register(ctx, d); err != nil {
			_ = m.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	m.log.Info().Int("engines", len(cfg.Engines)).Int("models", len(models)).Msg("manager ready")
	return m, nil
}

// sessionLost turns a session lost with its process into a crash report.
func (m *Manager) sessionLost(s engine.Session, cause error) {
	msg := "process lost"
	if cause != nil {
		msg = cause.Error()
	}
	m.pub.Publish(events.Event{Name: "session_lost", Provider: s.Provider, ModelID: s.ModelID, Fields: map[string]any{"error": msg}})
	m.reporter.Report(telemetry.CrashReport{
		ModelID:         s.ModelID,
		Provider:        s.Provider,
		Operation:       "process",
		Params:          s.Params,
		ContextLength:   int(gjson.GetBytes(s.Params, "ctx_len").Int()),
		TokensPerSecond: m.monitor.Throughput(s.ModelID),
		Error:           msg,
	})
}

// Register adds or replaces an engine. Models served by a replaced engine
// stop being tracked.
func (m *Manager) Register(ctx context.Context, d engine.Descriptor) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.untrackProvider(d.Provider)
	if err := m.registry.Register(ctx, d); err != nil {
		return err
	}
	m.pub.Publish(events.Event{Name: "engine_registered", Provider: d.Provider, Fields: map[string]any{"kind": d.Kind.String()}})
	return nil
}

// Unregister closes and removes an engine.
func (m *Manager) Unregister(ctx context.Context, provider string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.untrackProvider(provider)
	return m.registry.Unregister(ctx, provider)
}

func (m *Manager) untrackProvider(provider string) {
	for _, id := range m.monitor.Tracked() {
		if owner, ok := m.registry.Owner(id); ok && owner == provider {
			m.monitor.Untrack(id)
		}
	}
}

// Dispatch routes one request. See router.Router.Dispatch.
func (m *Manager) Dispatch(ctx context.Context, req router.Request) (*router.Response, error) {
	if m.closed.Load() {
		return nil, &router.Error{ModelID: req.ModelID, Op: req.Op, Kind: router.KindInternal, Err: ErrClosed}
	}
	return m.router.Dispatch(ctx, req)
}

// Models lists the model files found in the models directory.
func (m *Manager) Models() []registry.Model { return m.catalog.Models() }

// Providers lists registered engine names.
func (m *Manager) Providers() []string { return m.registry.Providers() }

// Ready reports whether the manager accepts requests and has an engine.
func (m *Manager) Ready() bool {
	return !m.closed.Load() && len(m.registry.Providers()) > 0
}

// Close stops sampling, shuts every engine down and flushes telemetry last
// so reports from the shutdown itself are delivered.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.monitor.Close()
	var errs []error
	if m.registry != nil {
		errs = append(errs, m.registry.Close(ctx))
	}
	errs = append(errs, m.reporter.Close(ctx))
	return errors.Join(errs...)
}
