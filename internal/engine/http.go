package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// statusError carries a non-2xx engine response.
type statusError struct {
	code int
	msg  string
}

func (e statusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("engine returned status %d", e.code)
	}
	return fmt.Sprintf("engine returned status %d: %s", e.code, e.msg)
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(b))
	if gjson.ValidBytes(b) {
		for _, path := range []string{"message", "error.message", "error"} {
			if v := gjson.GetBytes(b, path); v.Exists() && v.Type == gjson.String {
				msg = v.String()
				break
			}
		}
	}
	return statusError{code: resp.StatusCode, msg: msg}
}

// postJSON sends body and discards a successful response.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body []byte) (int, error) {
	req, err := newJSONRequest(ctx, url, apiKey, body)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, readStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func newJSONRequest(ctx context.Context, url, apiKey string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// openStream issues a completion request and returns its response as a
// Stream. Non-2xx responses fail before any chunk is produced. When
// streaming, each SSE data payload becomes one chunk; otherwise the whole
// body is a single chunk. Closing the stream aborts the request.
func openStream(ctx context.Context, client *http.Client, url, apiKey string, body []byte, streaming bool, wrap func(error) error) (*Stream, error) {
	rctx, cancel := context.WithCancel(ctx)
	req, err := newJSONRequest(rctx, url, apiKey, body)
	if err != nil {
		cancel()
		return nil, wrap(err)
	}
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, wrap(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := readStatusError(resp)
		resp.Body.Close()
		cancel()
		return nil, wrap(err)
	}
	return NewStream(rctx, func(ctx context.Context, emit Emit) error {
		defer cancel()
		defer resp.Body.Close()
		stop := context.AfterFunc(ctx, func() { _ = resp.Body.Close() })
		defer stop()
		if !streaming {
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return streamErr(ctx, err, wrap)
			}
			return emit(b)
		}
		if err := readSSE(resp.Body, emit); err != nil {
			return streamErr(ctx, err, wrap)
		}
		return nil
	}), nil
}

func streamErr(ctx context.Context, err error, wrap func(error) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return wrap(err)
}

// readSSE forwards "data:" payloads until [DONE] or EOF.
func readSSE(r io.Reader, emit Emit) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}
		if err := emit([]byte(payload)); err != nil {
			return err
		}
	}
	return sc.Err()
}
