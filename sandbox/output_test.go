package sandbox

import (
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCappedBuffer(t *testing.T) {
	t.Run("Unlimited", func(t *testing.T) {
		b := newCappedBuffer(0)
		n, err := b.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello", b.String())
		assert.False(t, b.Truncated())
	})

	t.Run("ExactLimit", func(t *testing.T) {
		b := newCappedBuffer(5)
		_, _ = b.Write([]byte("hello"))
		assert.Equal(t, "hello", b.String())
		assert.False(t, b.Truncated())
	})

	t.Run("SplitWrite", func(t *testing.T) {
		b := newCappedBuffer(4)
		n, err := b.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n, "the whole chunk is reported consumed")
		assert.Equal(t, "hell", b.String())
		assert.True(t, b.Truncated())
	})

	t.Run("KeepsDraining", func(t *testing.T) {
		b := newCappedBuffer(10)
		n, err := io.Copy(b, strings.NewReader(strings.Repeat("y", 1<<20)))
		require.NoError(t, err)
		assert.Equal(t, int64(1<<20), n)
		assert.Equal(t, strings.Repeat("y", 10), b.String())
		assert.True(t, b.Truncated())
	})

	t.Run("CutNeverSplitsARune", func(t *testing.T) {
		tests := []struct {
			name   string
			limit  int
			writes []string
			want   string
		}{
			{"InsideRune", 4, []string{"abc✓def"}, "abc"},
			{"AfterRune", 6, []string{"abc✓def"}, "abc✓"},
			{"RuneSpansWrites", 4, []string{"ab\xe2\x9c", "\x93d"}, "ab"},
			{"FourByteRune", 5, []string{"a😀b"}, "a😀"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b := newCappedBuffer(tt.limit)
				for _, w := range tt.writes {
					n, err := b.Write([]byte(w))
					require.NoError(t, err)
					assert.Equal(t, len(w), n)
				}
				assert.Equal(t, tt.want, b.String())
				assert.True(t, utf8.ValidString(b.String()))
				assert.True(t, b.Truncated())
			})
		}
	})
}
