package adamboot

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// lineLogger is an io.Writer that logs each complete line it receives.
// Python's stdout and stderr are attached to it.
type lineLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	level  zerolog.Level
	buf    []byte
}

func newLineLogger(logger zerolog.Logger, level zerolog.Level) *lineLogger {
	return &lineLogger{logger: logger, level: level}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	// very long lines are flushed in pieces
	if len(l.buf) >= 64*1024 {
		l.emit(l.buf)
		l.buf = nil
	}
	return len(p), nil
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.WithLevel(l.level).Msg(string(line))
}
