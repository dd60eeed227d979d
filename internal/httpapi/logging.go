package httpapi

import (
	"bytes"
	"net/http"

	"github.com/rs/zerolog"
)

// loggingLineWriter logs complete response lines of a stream.
type loggingLineWriter struct {
	log zerolog.Logger
	buf []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if line := lw.buf[:idx]; len(line) > 0 {
			lw.log.Debug().Bytes("line", line).Msg("infer>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

// ParseLogLevel maps a level name; unknown names mean info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// requestLogLevel applies the per-request overrides: ?log=<level> (or
// ?log=1 for debug), then the X-Log-Level header.
func requestLogLevel(r *http.Request, def LogLevel) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return ParseLogLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return ParseLogLevel(v)
	}
	return def
}
