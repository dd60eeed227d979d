package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// keyedMutex serializes load and unload transitions per model id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	done := func() {
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch; done() }, nil
	case <-ctx.Done():
		done()
		return nil, ctx.Err()
	}
}

type sessionEntry struct {
	s       Session
	err     error // cause of a Failed status
	settled chan struct{} // closed when a loading or unloading transition ends
}

// sessionTable tracks the sessions of one engine. At most one entry exists
// per model id, so at most one session per id can be Ready.
type sessionTable struct {
	provider    string
	loadTimeout time.Duration
	onLost      func(Session, error)
	log         zerolog.Logger

	group singleflight.Group
	locks keyedMutex

	mu      sync.RWMutex
	entries map[string]*sessionEntry
}

func newSessionTable(provider string, loadTimeout time.Duration, onLost func(Session, error), log zerolog.Logger) *sessionTable {
	if loadTimeout <= 0 {
		loadTimeout = 5 * time.Minute
	}
	return &sessionTable{
		provider:    provider,
		loadTimeout: loadTimeout,
		onLost:      onLost,
		log:         log,
		entries:     make(map[string]*sessionEntry),
	}
}

func (t *sessionTable) get(id string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Session{}, false
	}
	return e.s, true
}

func (t *sessionTable) list() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// transition moves id into a transient status.
func (t *sessionTable) transition(id string, status SessionStatus, params json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	if e == nil {
		e = &sessionEntry{s: Session{ModelID: id, Provider: t.provider}}
		t.entries[id] = e
	}
	e.s.Status = status
	e.s.Err = ""
	e.err = nil
	if params != nil {
		e.s.Params = params
	}
	e.settled = make(chan struct{})
}

// settle ends a transient status. A nil status removes the entry.
func (t *sessionTable) settle(id string, status SessionStatus, err error) Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	if e == nil {
		return Session{}
	}
	if e.settled != nil {
		close(e.settled)
		e.settled = nil
	}
	if status == "" {
		delete(t.entries, id)
		return Session{}
	}
	if status == StatusReady && e.s.Status == StatusLoading {
		e.s.LoadedAt = time.Now()
	}
	e.s.Status = status
	if err != nil {
		e.s.Err = err.Error()
		e.err = err
	}
	return e.s
}

// load returns the Ready session for id or runs do exactly once for all
// concurrent callers. do runs detached from any single caller and is bounded
// by the load timeout; each caller still honours its own ctx while waiting.
func (t *sessionTable) load(ctx context.Context, id string, params json.RawMessage, do func(context.Context) error) (Session, error) {
	if s, ok := t.get(id); ok && s.Status == StatusReady {
		return s, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := t.group.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(detached, t.loadTimeout)
		defer cancel()
		unlock, err := t.locks.lock(lctx, id)
		if err != nil {
			return Session{}, ErrLoad(t.provider, id, err)
		}
		defer unlock()
		if s, ok := t.get(id); ok && s.Status == StatusReady {
			return s, nil
		}
		t.transition(id, StatusLoading, params)
		if err := do(lctx); err != nil {
			t.settle(id, StatusFailed, err)
			return Session{}, ErrLoad(t.provider, id, err)
		}
		return t.settle(id, StatusReady, nil), nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Session{}, r.Err
		}
		return r.Val.(Session), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// unload waits for any in-flight transition of id, then runs do. A session
// lost with its process is dropped without calling do.
func (t *sessionTable) unload(ctx context.Context, id string, do func(context.Context) error) error {
	unlock, err := t.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	s, ok := t.get(id)
	if !ok {
		return ErrNotFound(t.provider, id)
	}
	if s.Status == StatusFailed {
		t.settle(id, "", nil)
		return nil
	}
	t.transition(id, StatusUnloading, nil)
	if err := do(ctx); err != nil && !IsNotFound(err) {
		t.settle(id, StatusReady, nil)
		return err
	}
	t.settle(id, "", nil)
	return nil
}

// awaitReady blocks while id is loading or unloading and returns the settled
// session. Missing sessions are a LoadError, failed ones an InferenceError.
func (t *sessionTable) awaitReady(ctx context.Context, id string) (Session, error) {
	for {
		t.mu.RLock()
		e, ok := t.entries[id]
		var s Session
		var cause error
		var settled chan struct{}
		if ok {
			s, cause, settled = e.s, e.err, e.settled
		}
		t.mu.RUnlock()

		switch {
		case !ok:
			return Session{}, ErrLoad(t.provider, id, ErrModelNotLoaded)
		case s.Status == StatusReady:
			return s, nil
		case s.Status == StatusFailed:
			return Session{}, ErrInference(t.provider, id, sessionErr(s, cause))
		case settled != nil:
			select {
			case <-settled:
			case <-ctx.Done():
				return Session{}, ctx.Err()
			}
		default:
			return Session{}, ErrInference(t.provider, id, ErrModelNotLoaded)
		}
	}
}

// failAll marks every Ready session Failed and reports each once.
func (t *sessionTable) failAll(cause error) {
	t.mu.Lock()
	var lost []Session
	for _, e := range t.entries {
		if e.s.Status != StatusReady {
			continue
		}
		e.s.Status = StatusFailed
		e.s.Err = cause.Error()
		e.err = cause
		lost = append(lost, e.s)
	}
	t.mu.Unlock()
	sort.Slice(lost, func(i, j int) bool { return lost[i].ModelID < lost[j].ModelID })
	for _, s := range lost {
		t.log.Warn().Str("model", s.ModelID).Err(cause).Msg("session lost with engine process")
		if t.onLost != nil {
			t.onLost(s, cause)
		}
	}
}

// clear drops every session without reporting, used on Close.
func (t *sessionTable) clear() {
	t.mu.Lock()
	for id, e := range t.entries {
		if e.settled != nil {
			close(e.settled)
		}
		delete(t.entries, id)
	}
	t.mu.Unlock()
}

func sessionErr(s Session, cause error) error {
	switch {
	case cause != nil:
		return sessionFailure{err: cause}
	case s.Err == "":
		return errSessionFailed
	}
	return sessionFailure{err: errors.New(s.Err)}
}

type sessionFailure struct{ err error }

func (e sessionFailure) Error() string { return "session failed: " + e.err.Error() }

func (e sessionFailure) Unwrap() error { return e.err }
