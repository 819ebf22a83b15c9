// Package engine supervises agent CLI subprocesses: spawn, stream
// normalization, timeout enforcement and outcome classification.
package engine

import (
	"bytes"
	"io"
	"sync"
	"unicode/utf16"
)

// utf16Threshold is the NUL-byte ratio above which a chunk is treated as
// UTF-16LE output. Windows console tools emit it without a BOM.
const utf16Threshold = 0.25

func nulRatio(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	n := 0
	for _, c := range b {
		if c == 0 {
			n++
		}
	}
	return float64(n) / float64(len(b))
}

// decodeChunk turns one raw output chunk into UTF-8 text. Chunks whose NUL
// ratio reaches the threshold are decoded as UTF-16LE; anything else passes
// through with stray NUL bytes stripped.
func decodeChunk(b []byte) []byte {
	if nulRatio(b) >= utf16Threshold {
		pairs := len(b) / 2
		us := make([]uint16, pairs)
		for i := 0; i < pairs; i++ {
			us[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
		}
		return []byte(string(utf16.Decode(us)))
	}
	return bytes.ReplaceAll(b, []byte{0}, nil)
}

// normalizeCR rewrites bare CR to LF while leaving CRLF pairs intact.
func normalizeCR(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == '\r' {
			if i+1 < len(b) && b[i+1] == '\n' {
				out = append(out, '\r', '\n')
				i++
				continue
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, b[i])
	}
	return out
}

// normalizeChunk is the full per-chunk pipeline: decode, strip NUL, fix CR.
func normalizeChunk(b []byte) []byte {
	return normalizeCR(decodeChunk(b))
}

// tailBuffer keeps the most recent max bytes written to it, for post-exit
// payload parsing and failure classification.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// lineWriter buffers normalized output and forwards whole lines to the
// underlying writer with a tag prefix. The tag is omitted when empty.
type lineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	tag string
	buf []byte
}

func newLineWriter(w io.Writer, tag string) *lineWriter {
	return &lineWriter{w: w, tag: tag}
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := l.buf[:i+1]
		if err := l.emit(line); err != nil {
			return len(p), err
		}
		l.buf = l.buf[i+1:]
	}
}

// Flush writes any trailing partial line.
func (l *lineWriter) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) == 0 {
		return nil
	}
	line := append(l.buf, '\n')
	l.buf = nil
	return l.emit(line)
}

func (l *lineWriter) emit(line []byte) error {
	if l.tag != "" {
		if _, err := io.WriteString(l.w, "["+l.tag+"] "); err != nil {
			return err
		}
	}
	_, err := l.w.Write(line)
	return err
}
