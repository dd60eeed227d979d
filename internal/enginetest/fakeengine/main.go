// Command fakeengine is a stand-in for a native inference server used by
// tests. It speaks the same loopback protocol as the real engine binaries.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

type server struct {
	readyAt   time.Time
	sickFrom  time.Time
	sickUntil time.Time
	loadDelay time.Duration
	failLoad  map[string]bool
	chunks    int
	devices   string

	mu     sync.Mutex
	loaded map[string]time.Time
	loads  map[string]int
}

func main() {
	var (
		host       = flag.String("host", "127.0.0.1", "listen host")
		port       = flag.String("port", "0", "listen port")
		devices    = flag.String("devices", "", "comma separated accelerator ids")
		readyAfter = flag.Duration("ready-after", 0, "report unhealthy until this much time has passed")
		loadDelay  = flag.Duration("load-delay", 0, "delay for each model load")
		failLoad   = flag.String("fail-load", "", "comma separated model ids whose load fails")
		chunks     = flag.Int("chunks", 3, "chunks per streamed completion")
		exitCode   = flag.Int("exit-immediately", -1, "exit with this code before listening")
		ignoreTerm = flag.Bool("ignore-term", false, "ignore SIGTERM")
		sickAfter  = flag.Duration("unhealthy-after", 0, "start failing health checks after this long")
		sickFor    = flag.Duration("unhealthy-for", 0, "how long health checks fail")
	)
	flag.Parse()

	if *exitCode >= 0 {
		fmt.Fprintln(os.Stderr, "fatal: cannot initialize backend")
		os.Exit(*exitCode)
	}

	now := time.Now()
	s := &server{
		readyAt:   now.Add(*readyAfter),
		sickFrom:  now.Add(*sickAfter),
		sickUntil: now.Add(*sickAfter + *sickFor),
		loadDelay: *loadDelay,
		failLoad:  map[string]bool{},
		chunks:    *chunks,
		devices:   *devices,
		loaded:    map[string]time.Time{},
		loads:     map[string]int{},
	}
	for _, id := range strings.Split(*failLoad, ",") {
		if id != "" {
			s.failLoad[id] = true
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/v1/models/load", s.load)
	mux.HandleFunc("/v1/models/unload", s.unload)
	mux.HandleFunc("/v1/models", s.models)
	mux.HandleFunc("/v1/chat/completions", s.completions)
	mux.HandleFunc("/debug/loads", s.debugLoads)
	mux.HandleFunc("/debug/env", s.debugEnv)

	ln, err := net.Listen("tcp", net.JoinHostPort(*host, *port))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	fmt.Println("listening on", ln.Addr().String())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	for sig := range sigCh {
		if *ignoreTerm && sig == syscall.SIGTERM {
			continue
		}
		break
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if time.Now().Before(s.readyAt) {
		http.Error(w, "warming up", http.StatusServiceUnavailable)
		return
	}
	if now := time.Now(); !now.Before(s.sickFrom) && now.Before(s.sickUntil) {
		http.Error(w, "backend stalled", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) load(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, _ := body["model"].(string)
	if id == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.loads[id]++
	s.mu.Unlock()
	if s.loadDelay > 0 {
		time.Sleep(s.loadDelay)
	}
	if s.failLoad[id] {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "failed to load " + id})
		return
	}
	s.mu.Lock()
	s.loaded[id] = time.Now()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"message": "model loaded", "model": id, "model_path": body["model_path"]})
}

func (s *server) unload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	_, ok := s.loaded[body.Model]
	delete(s.loaded, body.Model)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "model not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "model unloaded"})
}

func (s *server) models(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]map[string]any, 0, len(s.loaded))
	for id, at := range s.loaded {
		data = append(data, map[string]any{"id": id, "object": "model", "start_time": at.Unix()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *server) completions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	_, ok := s.loaded[body.Model]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "model not loaded: " + body.Model})
		return
	}
	if !body.Stream {
		writeJSON(w, http.StatusOK, map[string]any{
			"model":   body.Model,
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": "hello"}}},
			"usage":   map[string]any{"completion_tokens": s.chunks},
		})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for i := 0; i < s.chunks; i++ {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		b, _ := json.Marshal(map[string]any{
			"model":   body.Model,
			"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": fmt.Sprintf("tok-%d", i)}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(5 * time.Millisecond)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *server) debugLoads(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.loads)
}

func (s *server) debugEnv(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"devices":              s.devices,
		"CUDA_VISIBLE_DEVICES": os.Getenv("CUDA_VISIBLE_DEVICES"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
