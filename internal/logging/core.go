package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// CoreWriter is an io.Writer that turns the proxy core's line-oriented
// output into structured records. Lines in the core's logfmt style
// (`time="..." level=warning msg="..."`) keep their level and message;
// anything else is logged at info.
type CoreWriter struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

// NewCoreWriter creates a writer that logs through logger.
func NewCoreWriter(logger *slog.Logger) *CoreWriter {
	if logger == nil {
		logger = WithComponent("core")
	}
	return &CoreWriter{logger: logger}
}

// Write buffers p and emits one record per complete line.
func (w *CoreWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line stays buffered until the rest arrives.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *CoreWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *CoreWriter) emit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	lvl, msg := parseCoreLine(line)
	w.logger.Log(context.Background(), lvl, msg)
}

func parseCoreLine(line string) (slog.Level, string) {
	lvlName := logfmtValue(line, "level")
	msg := logfmtValue(line, "msg")
	if lvlName == "" || msg == "" {
		return slog.LevelInfo, line
	}
	lvl, err := ParseLevel(lvlName)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return lvl, msg
}

// logfmtValue extracts key=value or key="quoted value" from a logfmt line.
func logfmtValue(line, key string) string {
	idx := strings.Index(line, key+"=")
	for idx > 0 && line[idx-1] != ' ' {
		next := strings.Index(line[idx+1:], key+"=")
		if next < 0 {
			return ""
		}
		idx += next + 1
	}
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(key)+1:]
	if strings.HasPrefix(rest, `"`) {
		rest = rest[1:]
		var b strings.Builder
		for i := 0; i < len(rest); i++ {
			switch rest[i] {
			case '\\':
				if i+1 < len(rest) {
					i++
					b.WriteByte(rest[i])
				}
			case '"':
				return b.String()
			default:
				b.WriteByte(rest[i])
			}
		}
		return b.String()
	}
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		return rest[:end]
	}
	return rest
}
