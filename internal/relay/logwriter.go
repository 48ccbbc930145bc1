package relay

import (
	"bytes"
	"log/slog"
	"regexp"
	"sync"
)

const maxLogLine = 4096

// rtmpPathPattern matches the path of any RTMP URL. The path of an egress
// URL is the destination stream key.
var rtmpPathPattern = regexp.MustCompile(`(rtmps?://[^/\s'"]+)/[^\s'"]*`)

// redactURLs masks everything after the host of any RTMP URL in line.
func redactURLs(line []byte) []byte {
	return rtmpPathPattern.ReplaceAll(line, []byte("$1/[redacted]"))
}

// tokenBreaks end the run of bytes an RTMP URL can span.
const tokenBreaks = " \t'\""

// logWriter turns subprocess output into debug records, one per line. Lines
// split across writes are reassembled; carriage returns end a line because
// ffmpeg redraws its progress output with them. A line reaching maxLogLine is
// cut between tokens so no URL is split across records.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	pending []byte
	// skipping drops the rest of a token that alone exceeded maxLogLine.
	skipping bool
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(p) > 0 {
		if w.skipping {
			idx := bytes.IndexAny(p, tokenBreaks+"\r\n")
			if idx == -1 {
				break
			}
			w.skipping = false
			p = p[idx:]
		}
		idx := bytes.IndexAny(p, "\r\n")
		if idx == -1 {
			w.pending = append(w.pending, p...)
			if len(w.pending) >= maxLogLine {
				w.flushLong()
			}
			break
		}
		w.pending = append(w.pending, p[:idx]...)
		w.emit(w.pending)
		w.pending = w.pending[:0]
		p = p[idx+1:]
	}
	return total, nil
}

// flushLong emits the complete tokens of an overlong line and keeps the
// trailing token pending. A single token longer than maxLogLine is emitted
// on its own and the remainder of it is dropped.
func (w *logWriter) flushLong() {
	if cut := bytes.LastIndexAny(w.pending, tokenBreaks) + 1; cut > 0 {
		w.emit(w.pending[:cut])
		w.pending = append(w.pending[:0], w.pending[cut:]...)
		if len(w.pending) < maxLogLine {
			return
		}
	}
	w.emit(w.pending)
	w.pending = w.pending[:0]
	w.skipping = true
}

// Flush logs any trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.pending)
	w.pending = w.pending[:0]
	w.skipping = false
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || w.logger == nil {
		return
	}
	w.logger.Debug("relay output", "output", w.stream, "line", string(redactURLs(line)))
}
