package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func utf16le(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return out
}

func TestDecodeChunkUTF16(t *testing.T) {
	raw := utf16le("hello agent\n")
	require.GreaterOrEqual(t, nulRatio(raw), 0.25)
	require.Equal(t, "hello agent\n", string(decodeChunk(raw)))
}

func TestDecodeChunkUTF8StripsNUL(t *testing.T) {
	raw := []byte("plain\x00 text")
	require.Less(t, nulRatio(raw), 0.25)
	require.Equal(t, "plain text", string(decodeChunk(raw)))
}

func TestNormalizeCR(t *testing.T) {
	require.Equal(t, "a\nb\r\nc\n", string(normalizeCR([]byte("a\rb\r\nc\r"))))
	require.Equal(t, "no newlines", string(normalizeCR([]byte("no newlines"))))
}

func TestLineWriterTagsWholeLines(t *testing.T) {
	var out bytes.Buffer
	lw := newLineWriter(&out, "codex#12")

	_, err := lw.Write([]byte("first li"))
	require.NoError(t, err)
	require.Empty(t, out.String(), "partial lines are held back")

	_, err = lw.Write([]byte("ne\nsecond\npart"))
	require.NoError(t, err)
	require.Equal(t, "[codex#12] first line\n[codex#12] second\n", out.String())

	require.NoError(t, lw.Flush())
	require.Equal(t, "[codex#12] first line\n[codex#12] second\n[codex#12] part\n", out.String())
}

func TestLineWriterNoTag(t *testing.T) {
	var out bytes.Buffer
	lw := newLineWriter(&out, "")
	_, err := lw.Write([]byte("bare\n"))
	require.NoError(t, err)
	require.Equal(t, "bare\n", out.String())
}

func TestTailBufferKeepsRecent(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("0123456789"))
	require.Equal(t, "23456789", tb.String())
	_, _ = tb.Write([]byte("ab"))
	require.Equal(t, "456789ab", tb.String())
}
