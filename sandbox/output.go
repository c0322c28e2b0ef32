package sandbox

import (
	"bytes"
	"unicode/utf8"
)

// cappedBuffer accumulates at most limit bytes and silently discards the
// rest. Write never fails, so a reader copying into it keeps draining its
// source after the limit is hit. A cut never leaves half a UTF-8 sequence
// at the end of the kept text.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	if b.truncated || len(p) == 0 {
		return len(p), nil
	}
	room := b.limit - b.buf.Len()
	if len(p) <= room {
		return b.buf.Write(p)
	}

	b.buf.Write(p[:room])
	b.truncated = true
	b.trimPartialRune()
	return len(p), nil
}

// trimPartialRune drops an incomplete multi-byte sequence from the tail.
func (b *cappedBuffer) trimPartialRune() {
	data := b.buf.Bytes()
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				b.buf.Truncate(i)
			}
			return
		}
	}
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func (b *cappedBuffer) Truncated() bool { return b.truncated }
