package supervisor

import (
	"bytes"

	"go.uber.org/zap"
)

// maxLineLength caps how much output is buffered while waiting for a newline.
const maxLineLength = 64 * 1024

// lineWriter logs everything written to it one line at a time.
// It is not safe for concurrent writes.
type lineWriter struct {
	log *zap.SugaredLogger
	buf []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineLength {
		w.emit(w.buf[:maxLineLength])
		w.buf = w.buf[maxLineLength:]
	}
	return len(b), nil
}

// Close flushes a trailing partial line.
func (w *lineWriter) Close() error {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	return nil
}

func (w *lineWriter) emit(line []byte) {
	w.log.Info(string(bytes.TrimRight(line, "\r")))
}
