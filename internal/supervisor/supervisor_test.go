package supervisor_test

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"engined/internal/enginetest"
	"engined/internal/events"
	"engined/internal/supervisor"
)

func testConfig(t *testing.T, extra ...string) (supervisor.Config, *events.Memory) {
	t.Helper()
	pub := events.NewMemory()
	return supervisor.Config{
		Provider:           "llama-cpp",
		Host:               "127.0.0.1",
		Port:               enginetest.FreePort(t),
		ExecutablePath:     enginetest.BuildFakeEngine(t),
		ExtraArgs:          extra,
		HealthInterval:     50 * time.Millisecond,
		HealthTimeout:      200 * time.Millisecond,
		StartTimeout:       5 * time.Second,
		StopTimeout:        time.Second,
		UnhealthyThreshold: 3,
		RestartThreshold:   3,
		MaxRestarts:        3,
		RestartWindow:      time.Minute,
		Publisher:          pub,
	}, pub
}

func newSupervisor(t *testing.T, cfg supervisor.Config) *supervisor.Supervisor {
	t.Helper()
	s, err := supervisor.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func killOutOfBand(t *testing.T, pid int) {
	t.Helper()
	p, err := os.FindProcess(pid)
	if err != nil {
		t.Fatalf("find process %d: %v", pid, err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill %d: %v", pid, err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := supervisor.New(supervisor.Config{Port: 3928}); err == nil {
		t.Fatalf("expected error for missing executable")
	}
	if _, err := supervisor.New(supervisor.Config{ExecutablePath: "/bin/true", Port: 70000}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func TestArgsIncludePortAndDevices(t *testing.T) {
	s, err := supervisor.New(supervisor.Config{ExecutablePath: "engine", Host: "127.0.0.1", Port: 3928, AcceleratorDevices: []string{"0", "2"}, ExtraArgs: []string{"--threads", "4"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := strings.Join(s.Args(), " ")
	want := "--host 127.0.0.1 --port 3928 --devices 0,2 --threads 4"
	if got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg, pub := testConfig(t)
	cfg.AcceleratorDevices = []string{"1"}
	s := newSupervisor(t, cfg)

	if _, ok := s.Handle(); ok {
		t.Fatalf("expected no handle before start")
	}
	h, err := s.Start(testCtx(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.State != supervisor.StateReady || h.PID <= 0 || h.Port != cfg.Port {
		t.Fatalf("unexpected handle: %+v", h)
	}
	again, err := s.Start(testCtx(t))
	if err != nil || again.PID != h.PID {
		t.Fatalf("second Start should return existing handle, got %+v err=%v", again, err)
	}

	if err := s.Stop(testCtx(t)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := s.Handle(); ok {
		t.Fatalf("handle should be cleared after Stop")
	}
	if snap := s.Snapshot(); snap.State != supervisor.StateStopped || snap.PID != 0 {
		t.Fatalf("unexpected snapshot after stop: %+v", snap)
	}
	if !portFree(cfg.Port) {
		t.Fatalf("port %d still bound after Stop", cfg.Port)
	}
	names := strings.Join(pub.Names("llama-cpp"), ",")
	if names != "spawn_start,spawn_ready,spawn_stop" {
		t.Fatalf("events = %s", names)
	}
}

func TestStartFailsWhenPortBound(t *testing.T) {
	cfg, pub := testConfig(t)
	l, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	s := newSupervisor(t, cfg)
	_, err = s.Start(testCtx(t))
	if !supervisor.IsPortUnavailable(err) {
		t.Fatalf("expected port unavailable, got %v", err)
	}
	if pub.Count("spawn_start") != 0 {
		t.Fatalf("no process should be spawned on port conflict")
	}
}

func TestStartTimeoutKillsProcess(t *testing.T) {
	cfg, pub := testConfig(t, "--ready-after", "1m")
	cfg.StartTimeout = 300 * time.Millisecond
	s := newSupervisor(t, cfg)

	_, err := s.Start(testCtx(t))
	if !supervisor.IsStartTimeout(err) {
		t.Fatalf("expected start timeout, got %v", err)
	}
	if _, ok := s.Handle(); ok {
		t.Fatalf("handle should be discarded after timeout")
	}
	if pub.Count("spawn_timeout") != 1 {
		t.Fatalf("expected spawn_timeout event")
	}
	waitFor(t, "port release", func() bool { return portFree(cfg.Port) })
}

func TestStartReportsEarlyExit(t *testing.T) {
	cfg, _ := testConfig(t, "--exit-immediately", "3")
	s := newSupervisor(t, cfg)
	_, err := s.Start(testCtx(t))
	if err == nil {
		t.Fatalf("expected error for exiting process")
	}
	if supervisor.IsStartTimeout(err) {
		t.Fatalf("early exit should not be reported as timeout: %v", err)
	}
	if !strings.Contains(err.Error(), "cannot initialize backend") {
		t.Fatalf("error should carry stderr tail: %v", err)
	}
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	cfg, pub := testConfig(t, "--ready-after", "200ms")
	s := newSupervisor(t, cfg)

	var wg sync.WaitGroup
	pids := make([]int, 6)
	errs := make([]error, 6)
	for i := range pids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Start(testCtx(t))
			pids[i], errs[i] = h.PID, err
		}(i)
	}
	wg.Wait()
	for i := range pids {
		if errs[i] != nil {
			t.Fatalf("Start %d: %v", i, errs[i])
		}
		if pids[i] != pids[0] {
			t.Fatalf("expected identical pids, got %v", pids)
		}
	}
	if n := pub.Count("spawn_start"); n != 1 {
		t.Fatalf("expected one spawn, got %d", n)
	}
}

func TestStopForceKillsUnresponsiveProcess(t *testing.T) {
	cfg, _ := testConfig(t, "--ignore-term")
	cfg.StopTimeout = 200 * time.Millisecond
	s := newSupervisor(t, cfg)
	if _, err := s.Start(testCtx(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	if err := s.Stop(testCtx(t)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Stop took too long")
	}
	if _, ok := s.Handle(); ok {
		t.Fatalf("handle should be cleared")
	}
	waitFor(t, "port release", func() bool { return portFree(cfg.Port) })
}

func TestHealthLoopRestartsKilledProcess(t *testing.T) {
	cfg, pub := testConfig(t)
	var restarts atomic.Int32
	cfg.OnRestart = func(error) { restarts.Add(1) }
	s := newSupervisor(t, cfg)
	h, err := s.Start(testCtx(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	killOutOfBand(t, h.PID)
	waitFor(t, "restart", func() bool {
		cur, ok := s.Handle()
		return ok && cur.PID != h.PID && cur.State == supervisor.StateReady
	})
	if restarts.Load() != 1 {
		t.Fatalf("OnRestart calls = %d, want 1", restarts.Load())
	}
	if pub.Count("health_unhealthy") != 1 || pub.Count("restart") != 1 {
		t.Fatalf("events = %v", pub.Names("llama-cpp"))
	}
	if snap := s.Snapshot(); snap.RestartsInWindow != 1 || snap.Fatal {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRestartBudgetExhaustedStopsForGood(t *testing.T) {
	cfg, pub := testConfig(t)
	cfg.MaxRestarts = 1
	var fatal atomic.Value
	cfg.OnFatal = func(err error) { fatal.Store(err) }
	s := newSupervisor(t, cfg)
	h, err := s.Start(testCtx(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	killOutOfBand(t, h.PID)
	var second supervisor.Handle
	waitFor(t, "first restart", func() bool {
		cur, ok := s.Handle()
		second = cur
		return ok && cur.PID != h.PID && cur.State == supervisor.StateReady
	})
	killOutOfBand(t, second.PID)
	waitFor(t, "fatal", func() bool { return s.Err() != nil })

	if !errors.Is(s.Err(), supervisor.ErrRestartBudgetExhausted) || !supervisor.IsFatal(s.Err()) {
		t.Fatalf("unexpected fatal error: %v", s.Err())
	}
	if fatal.Load() == nil {
		t.Fatalf("OnFatal not called")
	}
	if _, ok := s.Handle(); ok {
		t.Fatalf("handle should be cleared after giving up")
	}
	if snap := s.Snapshot(); snap.RestartsInWindow > cfg.MaxRestarts || !snap.Fatal || snap.State != supervisor.StateStopped {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if _, err := s.Start(testCtx(t)); !errors.Is(err, supervisor.ErrRestartBudgetExhausted) {
		t.Fatalf("Start after exhaustion should fail, got %v", err)
	}
	if pub.Count("restart_budget_exhausted") != 1 {
		t.Fatalf("events = %v", pub.Names("llama-cpp"))
	}

	s.Reset()
	if _, err := s.Start(testCtx(t)); err != nil {
		t.Fatalf("Start after Reset: %v", err)
	}
}

func TestNoteProbeFailureTriggersImmediateCheck(t *testing.T) {
	cfg, pub := testConfig(t)
	cfg.HealthInterval = time.Hour
	cfg.UnhealthyThreshold = 1
	cfg.RestartThreshold = 10
	s := newSupervisor(t, cfg)
	h, err := s.Start(testCtx(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	killOutOfBand(t, h.PID)
	waitFor(t, "unhealthy", func() bool { return pub.Count("health_unhealthy") == 1 })
	if cur, _ := s.Handle(); cur.State != supervisor.StateUnhealthy {
		t.Fatalf("state = %s, want unhealthy", cur.State)
	}
}

func TestCloseAbortsStartInFlight(t *testing.T) {
	cfg, _ := testConfig(t, "--ready-after", "2s")
	s := newSupervisor(t, cfg)

	startErr := make(chan error, 1)
	go func() {
		_, err := s.Start(testCtx(t))
		startErr <- err
	}()
	waitFor(t, "spawn", func() bool { _, ok := s.Handle(); return ok })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Close(ctx)

	if _, ok := s.Handle(); ok {
		t.Fatalf("handle should be cleared after Close")
	}
	select {
	case err := <-startErr:
		if !errors.Is(err, supervisor.ErrClosed) {
			t.Fatalf("Start err = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Start did not return after Close")
	}
	waitFor(t, "port release", func() bool { return portFree(cfg.Port) })

	if _, err := s.Start(testCtx(t)); !errors.Is(err, supervisor.ErrClosed) {
		t.Fatalf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestHealthRecoversWithoutRestart(t *testing.T) {
	cfg, pub := testConfig(t, "--unhealthy-after", "1s", "--unhealthy-for", "700ms")
	cfg.UnhealthyThreshold = 2
	cfg.RestartThreshold = 100
	var restarts atomic.Int32
	cfg.OnRestart = func(error) { restarts.Add(1) }
	s := newSupervisor(t, cfg)
	h, err := s.Start(testCtx(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, "unhealthy", func() bool {
		cur, _ := s.Handle()
		return cur.State == supervisor.StateUnhealthy
	})
	waitFor(t, "recovery", func() bool { return pub.Count("health_recovered") == 1 })

	cur, ok := s.Handle()
	if !ok || cur.State != supervisor.StateReady {
		t.Fatalf("handle = %+v ok=%v, want ready", cur, ok)
	}
	if cur.PID != h.PID {
		t.Fatalf("pid changed from %d to %d", h.PID, cur.PID)
	}
	time.Sleep(300 * time.Millisecond)
	if n := pub.Count("health_recovered"); n != 1 {
		t.Fatalf("health_recovered = %d, want 1", n)
	}
	if n := pub.Count("health_unhealthy"); n != 1 {
		t.Fatalf("health_unhealthy = %d, want 1", n)
	}
	if restarts.Load() != 0 || pub.Count("spawn_start") != 1 {
		t.Fatalf("process restarted: restarts=%d spawns=%d", restarts.Load(), pub.Count("spawn_start"))
	}
}
