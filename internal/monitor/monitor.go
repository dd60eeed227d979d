// Package monitor samples resource usage of every loaded model on its own
// schedule and keeps a bounded history per model.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/engine"
)

// ErrNotTracked is returned for models the monitor does not sample.
var ErrNotTracked = errors.New("model not tracked")

// Sample is an immutable point-in-time usage record.
type Sample struct {
	ModelID         string    `json:"model_id"`
	Timestamp       time.Time `json:"timestamp"`
	VRAMBytes       uint64    `json:"vram"`
	RAMBytes        uint64    `json:"ram"`
	TokensPerSecond float64   `json:"tokens_per_second"`
}

// ModelStat combines the latest sample with session metadata.
type ModelStat struct {
	ModelID         string        `json:"model_id"`
	Engine          string        `json:"engine"`
	Duration        time.Duration `json:"-"`
	DurationSeconds float64       `json:"duration_seconds"`
	Status          string        `json:"status"`
	VRAM            uint64        `json:"vram"`
	RAM             uint64        `json:"ram"`
	TokensPerSecond float64       `json:"tokens_per_second"`
	SampledAt       time.Time     `json:"sampled_at"`
	Gaps            int64         `json:"gaps"`
}

// Source is the engine side of a tracked model.
type Source interface {
	Provider() string
	Session(modelID string) (engine.Session, bool)
	Usage(ctx context.Context, modelID string) (engine.Usage, error)
}

// Config tunes sampling.
type Config struct {
	Interval     time.Duration
	HistorySize  int
	ProbeTimeout time.Duration
	Logger       zerolog.Logger
}

// Monitor runs one sampling goroutine per tracked model.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	mu      sync.RWMutex
	tracked map[string]*tracker
	closed  bool
}

type tracker struct {
	modelID string
	source  Source
	history *ring
	latest  atomic.Pointer[Sample]
	tps     atomic.Uint64 // float64 bits
	gaps    atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Monitor; zero config fields take defaults.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = cfg.Interval
	}
	return &Monitor{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "monitor").Logger(),
		tracked: make(map[string]*tracker),
	}
}

// Track starts sampling modelID from src. Tracking an already tracked model
// from the same source is a no-op; a different source replaces the old loop.
func (m *Monitor) Track(modelID string, src Source) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	old := m.tracked[modelID]
	if old != nil && old.source == src {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &tracker{
		modelID: modelID,
		source:  src,
		history: newRing(m.cfg.HistorySize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.tracked[modelID] = t
	m.mu.Unlock()

	if old != nil {
		m.stop(old)
	}
	go m.loop(ctx, t)
}

// Untrack stops sampling modelID and drops its history.
func (m *Monitor) Untrack(modelID string) {
	m.mu.Lock()
	t := m.tracked[modelID]
	delete(m.tracked, modelID)
	m.mu.Unlock()
	if t != nil {
		m.stop(t)
	}
}

func (m *Monitor) stop(t *tracker) {
	t.cancel()
	<-t.done
	modelVRAMBytes.DeleteLabelValues(t.source.Provider(), t.modelID)
	modelRAMBytes.DeleteLabelValues(t.source.Provider(), t.modelID)
}

// Close stops every sampling loop.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*tracker, 0, len(m.tracked))
	for _, t := range m.tracked {
		all = append(all, t)
	}
	m.tracked = make(map[string]*tracker)
	m.mu.Unlock()
	for _, t := range all {
		m.stop(t)
	}
}

func (m *Monitor) loop(ctx context.Context, t *tracker) {
	defer close(t.done)
	log := m.log.With().Str("model", t.modelID).Str("provider", t.source.Provider()).Logger()
	log.Debug().Msg("sampler started")

	m.sample(ctx, t, log)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("sampler stopping")
			return
		case <-ticker.C:
			m.sample(ctx, t, log)
		}
	}
}

// sample takes one reading. Sessions that are not Ready are skipped; a failed
// reading is a gap and is reported to engines that own a process.
func (m *Monitor) sample(ctx context.Context, t *tracker, log zerolog.Logger) {
	s, ok := t.source.Session(t.modelID)
	if !ok || s.Status != engine.StatusReady {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	u, err := t.source.Usage(pctx, t.modelID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.gaps.Add(1)
		sampleGapsTotal.WithLabelValues(t.source.Provider()).Inc()
		log.Debug().Err(err).Msg("sample gap")
		if n, ok := t.source.(engine.ProbeFailureNoter); ok {
			n.NoteProbeFailure(err)
		}
		return
	}
	smp := Sample{
		ModelID:         t.modelID,
		Timestamp:       time.Now(),
		VRAMBytes:       u.VRAMBytes,
		RAMBytes:        u.RAMBytes,
		TokensPerSecond: t.throughput(),
	}
	t.latest.Store(&smp)
	t.history.push(smp)
	modelVRAMBytes.WithLabelValues(t.source.Provider(), t.modelID).Set(float64(u.VRAMBytes))
	modelRAMBytes.WithLabelValues(t.source.Provider(), t.modelID).Set(float64(u.RAMBytes))
}

func (m *Monitor) get(modelID string) (*tracker, error) {
	m.mu.RLock()
	t := m.tracked[modelID]
	m.mu.RUnlock()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, modelID)
	}
	return t, nil
}

// Stats reports the latest view of modelID.
func (m *Monitor) Stats(modelID string) (ModelStat, error) {
	t, err := m.get(modelID)
	if err != nil {
		return ModelStat{}, err
	}
	st := ModelStat{
		ModelID:         modelID,
		Engine:          t.source.Provider(),
		Status:          "stopped",
		TokensPerSecond: t.throughput(),
		Gaps:            t.gaps.Load(),
	}
	if s, ok := t.source.Session(modelID); ok {
		st.Status = statusName(s.Status)
		if !s.LoadedAt.IsZero() {
			st.Duration = time.Since(s.LoadedAt)
			st.DurationSeconds = st.Duration.Seconds()
		}
	}
	if smp := t.latest.Load(); smp != nil {
		st.VRAM = smp.VRAMBytes
		st.RAM = smp.RAMBytes
		st.SampledAt = smp.Timestamp
	}
	return st, nil
}

// History returns the retained samples of modelID, oldest first.
func (m *Monitor) History(modelID string) ([]Sample, error) {
	t, err := m.get(modelID)
	if err != nil {
		return nil, err
	}
	return t.history.snapshot(), nil
}

// Latest returns the most recent sample without locking.
func (m *Monitor) Latest(modelID string) (Sample, bool) {
	t, err := m.get(modelID)
	if err != nil {
		return Sample{}, false
	}
	if smp := t.latest.Load(); smp != nil {
		return *smp, true
	}
	return Sample{}, false
}

// RecordThroughput stores the token rate of a finished inference.
func (m *Monitor) RecordThroughput(modelID string, tokens int, elapsed time.Duration) {
	if tokens <= 0 || elapsed <= 0 {
		return
	}
	t, err := m.get(modelID)
	if err != nil {
		return
	}
	t.tps.Store(math.Float64bits(float64(tokens) / elapsed.Seconds()))
}

// Throughput returns the last recorded tokens per second of modelID.
func (m *Monitor) Throughput(modelID string) float64 {
	t, err := m.get(modelID)
	if err != nil {
		return 0
	}
	return t.throughput()
}

// Tracked lists tracked model ids.
func (m *Monitor) Tracked() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		out = append(out, id)
	}
	return out
}

func (t *tracker) throughput() float64 { return math.Float64frombits(t.tps.Load()) }

func statusName(s engine.SessionStatus) string {
	switch s {
	case engine.StatusReady:
		return "running"
	case engine.StatusLoading:
		return "loading"
	case engine.StatusFailed:
		return "failed"
	case engine.StatusUnloading:
		return "stopping"
	default:
		return string(s)
	}
}
