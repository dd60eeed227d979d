package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const stderrTailBytes = 4096

type process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stderr    *tailBuffer
	stopping  atomic.Bool

	exited  chan struct{}
	waitErr error // valid once exited is closed
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) exitError() error {
	msg := "process exited"
	if p.waitErr != nil {
		msg = "process exited: " + p.waitErr.Error()
	}
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		msg += "; stderr: " + tail
	}
	return errors.New(msg)
}

// terminate asks the process to exit and kills it after grace.
func (p *process) terminate(grace time.Duration) {
	p.stopping.Store(true)
	if !p.alive() {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.kill()
		return
	}
	select {
	case <-p.exited:
	case <-time.After(grace):
		p.kill()
	}
}

func (p *process) kill() {
	p.stopping.Store(true)
	if p.alive() {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

func (s *Supervisor) args() []string {
	args := []string{"--host", s.cfg.Host, "--port", strconv.Itoa(s.cfg.Port)}
	if len(s.cfg.AcceleratorDevices) > 0 {
		args = append(args, "--devices", strings.Join(s.cfg.AcceleratorDevices, ","))
	}
	return append(args, s.cfg.ExtraArgs...)
}

func (s *Supervisor) spawn() (*process, error) {
	cmd := exec.Command(s.cfg.ExecutablePath, s.args()...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	if len(s.cfg.AcceleratorDevices) > 0 {
		cmd.Env = append(cmd.Env, "CUDA_VISIBLE_DEVICES="+strings.Join(s.cfg.AcceleratorDevices, ","))
	}
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stdout = &lineLogger{log: s.log, stream: "stdout"}
	cmd.Stderr = io.MultiWriter(&lineLogger{log: s.log, stream: "stderr"}, tail)
	cmd.WaitDelay = s.cfg.StopTimeout

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stderr:    tail,
		exited:    make(chan struct{}),
	}
	s.log.Info().Str("event", "spawn_start").Int("pid", p.pid).Strs("args", cmd.Args[1:]).Msg("engine process spawned")
	go s.wait(p)
	return p, nil
}

// wait reaps the process and reports exits the supervisor did not initiate.
func (s *Supervisor) wait(p *process) {
	p.waitErr = p.cmd.Wait()
	close(p.exited)

	s.mu.RLock()
	current := s.proc == p
	s.mu.RUnlock()
	if !current || p.stopping.Load() {
		return
	}
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	s.log.Warn().Str("event", "spawn_exit").Int("pid", p.pid).Int("code", code).Msg("engine process exited")
	s.publish("spawn_exit", map[string]any{"pid": p.pid, "code": code})
	s.NoteProbeFailure(p.exitError())
}

// waitReady polls the health endpoint with exponential backoff until the
// process answers, exits, or the start timeout elapses.
func (s *Supervisor) waitReady(ctx context.Context, p *process) error {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if !p.alive() {
			return backoff.Permanent(p.exitError())
		}
		return s.probe(tctx)
	}, backoff.WithContext(b, tctx))
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return ErrStartTimeout(s.addr, s.cfg.StartTimeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// probe issues one health request bounded by HealthTimeout.
func (s *Supervisor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL()+s.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}
