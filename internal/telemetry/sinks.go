package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// NopSink discards envelopes.
type NopSink struct{}

func (NopSink) Name() string                           { return "nop" }
func (NopSink) Deliver(context.Context, Envelope) error { return nil }

// HTTPSink posts envelopes as JSON to a telemetry server.
type HTTPSink struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Deliver(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "build telemetry request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post %s", s.URL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("telemetry server returned %d", resp.StatusCode)
	}
	return nil
}

// FileRecord is one line of the crash report file.
type FileRecord struct {
	Resource Resource    `json:"resource"`
	Report   CrashReport `json:"report"`
}

// FileSink appends one JSON line per report to Path.
type FileSink struct {
	Path string
	mu   sync.Mutex
}

// NewFileSink stores reports under <dataFolder>/telemetry/crash-report.jsonl.
func NewFileSink(dataFolder string) *FileSink {
	return &FileSink{Path: filepath.Join(dataFolder, "telemetry", "crash-report.jsonl")}
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Deliver(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return errors.Wrap(err, "create telemetry dir")
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open crash report file")
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rep := range env.Reports {
		if err := enc.Encode(FileRecord{Resource: env.Resource, Report: rep}); err != nil {
			_ = f.Close()
			return errors.Wrap(err, "write crash report")
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "flush crash report file")
	}
	return errors.Wrap(f.Close(), "close crash report file")
}

// ReadFileRecords reads every record of a crash report file. A missing file
// has no records.
func ReadFileRecords(path string) ([]FileRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open crash report file")
	}
	defer f.Close()
	var out []FileRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec FileRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, errors.Wrap(err, "decode crash report line")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(sc.Err(), "read crash report file")
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Deliver(ctx context.Context, env Envelope) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, env); err != nil {
			errs = append(errs, errors.Wrap(err, s.Name()))
		}
	}
	return stderrors.Join(errs...)
}
