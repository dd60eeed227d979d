package supervisor

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// lineLogger forwards complete output lines of the native process to the logger.
type lineLogger struct {
	log    zerolog.Logger
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (lw *lineLogger) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(lw.buf[:idx], "\r")
		if len(line) > 0 {
			lw.log.Debug().Str("stream", lw.stream).Msg(string(line))
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
