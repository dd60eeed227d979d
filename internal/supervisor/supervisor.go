// Package supervisor owns the lifecycle of one locally spawned native engine
// process: port validation, spawn, readiness polling, periodic health checks,
// bounded automatic restarts and graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/events"
)

// Config describes the process a Supervisor manages.
type Config struct {
	Provider           string
	Host               string
	Port               int
	ExecutablePath     string
	AcceleratorDevices []string
	ExtraArgs          []string
	Env                []string
	WorkDir            string

	HealthPath         string
	HealthInterval     time.Duration
	HealthTimeout      time.Duration
	StartTimeout       time.Duration
	StopTimeout        time.Duration
	UnhealthyThreshold int
	RestartThreshold   int
	// MaxRestarts caps automatic restarts within RestartWindow. Negative
	// disables automatic restarts.
	MaxRestarts   int
	RestartWindow time.Duration

	Logger     zerolog.Logger
	Publisher  events.Publisher
	HTTPClient *http.Client

	// OnRestart runs before an automatic restart stops the process.
	OnRestart func(cause error)
	// OnFatal runs once the restart budget is exhausted and the process stopped.
	OnFatal func(err error)
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 60 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = 5
	}
	if c.RestartThreshold < c.UnhealthyThreshold {
		c.RestartThreshold = c.UnhealthyThreshold
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 3
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 10 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}

// Supervisor manages exactly one native process. At most one process exists at
// a time; start, stop and restart transitions are serialized.
type Supervisor struct {
	cfg  Config
	log  zerolog.Logger
	pub  events.Publisher
	addr string

	// op serializes lifecycle transitions; a channel so waiters honour ctx.
	op   chan struct{}
	kick chan struct{}
	// closing is closed by Close; starts in flight abort on it.
	closing   chan struct{}
	closeOnce sync.Once

	mu          sync.RWMutex
	state       State
	proc        *process
	failures    int
	restarts    []time.Time
	wantRunning bool
	fatal       error
	lastErr     error
}

// New validates cfg and returns a stopped Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.ExecutablePath == "" {
		return nil, errors.New("supervisor: executable path is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("supervisor: invalid port %d", cfg.Port)
	}
	cfg.applyDefaults()
	return &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "supervisor").Str("provider", cfg.Provider).Int("port", cfg.Port).Logger(),
		pub:     events.OrNoop(cfg.Publisher),
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		op:      make(chan struct{}, 1),
		kick:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		state:   StateStopped,
	}, nil
}

// BaseURL is the loopback URL of the managed process.
func (s *Supervisor) BaseURL() string { return "http://" + s.addr }

// Start ensures the process is running and healthy. It is a no-op returning
// the live handle when a process already exists.
func (s *Supervisor) Start(ctx context.Context) (Handle, error) {
	if err := s.acquire(ctx); err != nil {
		return Handle{}, err
	}
	defer s.release()
	return s.startLocked(ctx)
}

// Stop terminates the process. The handle is cleared on every path.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.mu.Lock()
	s.wantRunning = false
	s.mu.Unlock()
	s.stopLocked("requested")
	return nil
}

// Close stops the process for good. Any start in flight is aborted and its
// process discarded; later starts fail with ErrClosed. The teardown finishes
// even when ctx ends first, in which case ctx.Err() is returned.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	s.wantRunning = false
	s.mu.Unlock()
	_ = s.acquire(context.WithoutCancel(ctx))
	defer s.release()
	s.stopLocked("closed")
	return ctx.Err()
}

func (s *Supervisor) closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Reset clears a latched restart-budget failure so Start may be attempted again.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.fatal = nil
	s.restarts = nil
	s.lastErr = nil
	s.mu.Unlock()
}

// Handle returns the current process handle; false when no process exists.
func (s *Supervisor) Handle() (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return Handle{Port: s.cfg.Port, State: s.state}, false
	}
	return s.handleLocked(), true
}

// PID returns the pid of the live process, or 0.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.pid
}

// Snapshot reports state for status endpoints. It never blocks on the process.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		State:               s.state,
		Port:                s.cfg.Port,
		ConsecutiveFailures: s.failures,
		RestartsInWindow:    countSince(s.restarts, time.Now().Add(-s.cfg.RestartWindow)),
		Fatal:               s.fatal != nil,
	}
	if s.proc != nil {
		snap.PID = s.proc.pid
		snap.StartedAt = s.proc.startedAt
	}
	switch {
	case s.fatal != nil:
		snap.LastError = s.fatal.Error()
	case s.lastErr != nil:
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Err returns the latched fatal error, if any.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal
}

func (s *Supervisor) handleLocked() Handle {
	return Handle{PID: s.proc.pid, Port: s.cfg.Port, State: s.state, StartedAt: s.proc.startedAt}
}

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() { <-s.op }

func (s *Supervisor) startLocked(ctx context.Context) (Handle, error) {
	if s.closed() {
		return Handle{}, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.mu.Lock()
	if s.fatal != nil {
		err := s.fatal
		s.mu.Unlock()
		return Handle{}, err
	}
	if s.proc != nil {
		h := s.handleLocked()
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	if err := checkPort(s.addr); err != nil {
		err = ErrPortUnavailable(s.cfg.Host, s.cfg.Port, err)
		s.setLastErr(err)
		return Handle{}, err
	}

	s.publish("spawn_start", nil)
	p, err := s.spawn()
	if err != nil {
		err = fmt.Errorf("spawn %s: %w", s.cfg.ExecutablePath, err)
		s.setLastErr(err)
		return Handle{}, err
	}

	s.mu.Lock()
	s.proc = p
	s.state = StateStarting
	s.failures = 0
	s.mu.Unlock()

	err = s.waitReady(ctx, p)
	if s.closed() {
		s.discard(p)
		return Handle{}, ErrClosed
	}
	if err != nil {
		s.discard(p)
		s.setLastErr(err)
		if IsStartTimeout(err) {
			s.publish("spawn_timeout", map[string]any{"timeout": s.cfg.StartTimeout.String()})
		}
		return Handle{}, err
	}

	s.mu.Lock()
	s.state = StateReady
	s.lastErr = nil
	// From here on the health loop keeps the process alive.
	s.wantRunning = true
	h := s.handleLocked()
	s.mu.Unlock()
	processUp.WithLabelValues(s.cfg.Provider).Set(1)
	s.log.Info().Str("event", "spawn_ready").Int("pid", h.PID).Msg("engine process ready")
	s.publish("spawn_ready", map[string]any{"pid": h.PID})
	return h, nil
}

// stopLocked terminates the current process, if any, and always leaves the
// supervisor Stopped with no handle.
func (s *Supervisor) stopLocked(reason string) {
	s.mu.RLock()
	p := s.proc
	s.mu.RUnlock()
	defer func() {
		s.mu.Lock()
		s.proc = nil
		s.state = StateStopped
		s.failures = 0
		s.mu.Unlock()
		processUp.WithLabelValues(s.cfg.Provider).Set(0)
	}()
	if p == nil {
		return
	}
	p.terminate(s.cfg.StopTimeout)
	s.log.Info().Str("event", "spawn_stop").Int("pid", p.pid).Str("reason", reason).Msg("engine process stopped")
	s.publish("spawn_stop", map[string]any{"pid": p.pid, "reason": reason})
}

// discard kills a process that never became ready.
func (s *Supervisor) discard(p *process) {
	p.kill()
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
		s.state = StateStopped
	}
	s.mu.Unlock()
}

func (s *Supervisor) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.log.Warn().Err(err).Msg("engine process start failed")
}

func (s *Supervisor) publish(name string, fields map[string]any) {
	s.pub.Publish(events.Event{Name: name, Provider: s.cfg.Provider, Fields: fields})
}

func checkPort(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return l.Close()
}

func countSince(ts []time.Time, since time.Time) int {
	n := 0
	for _, t := range ts {
		if t.After(since) {
			n++
		}
	}
	return n
}
