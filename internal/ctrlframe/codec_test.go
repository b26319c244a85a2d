package ctrlframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_LiteralExample(t *testing.T) {
	got := Encode([]byte{0x02, 0x03, 0x1B, 0x00})
	want := []byte{0x02, 0x1B, 0x82, 0x1B, 0x83, 0x1B, 0x9B, 0x00, 0x03}
	assert.Equal(t, want, got)
}

func TestDecode_RoundTrip(t *testing.T) {
	bodies := [][]byte{
		{},
		{0x00},
		{0x02, 0x03, 0x1B, 0x00},
		[]byte("hello world"),
		{0xFF, 0x02, 0x1B, 0x03, 0x1B, 0x02},
	}

	for _, body := range bodies {
		d := NewDecoder()
		frames := d.Feed(Encode(body))
		require.Len(t, frames, 1)
		assert.Equal(t, body, frames[0])
	}
}

func TestDecoder_IgnoresStrayBytesOutsideFrame(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte{0xAA, 0xBB, 0x02, 0x01, 0x9B, 0x03, 0xCC})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x01, 0x9B}, frames[0])
}

func TestDecoder_NewSTXDiscardsPending(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte{0x02, 0xAA, 0xBB, 0x02, 0x01, 0x03})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x01}, frames[0])
}

func TestDecoder_BadEscapeDiscardsFrameAndResyncs(t *testing.T) {
	d := NewDecoder()
	// 0x1B 0x41 is an invalid escape sequence; frame must be discarded and
	// resync must succeed on the following STX/ETX pair.
	frames := d.Feed([]byte{0x02, 0x01, 0x1B, 0x41, 0x03, 0x02, 0x05, 0x03})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x05}, frames[0])
}

func TestDecoder_RawDelimiterAfterEscapeIsProtocolError(t *testing.T) {
	d := NewDecoder()
	// 0x1B 0x03 is ESC followed by a raw ETX octet, not the stuffed-ETX
	// encoding (0x1B 0x83): this must be treated as the "byte after ESC
	// not in {0x82,0x83,0x9B}" protocol error (spec.md §4.2), discarding
	// the frame, rather than being read as an ETX that finalizes it.
	frames := d.Feed([]byte{0x02, 0x01, 0x1B, 0x03, 0x02, 0x05, 0x03})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x05}, frames[0])
}

func TestDecoder_RawSTXAfterEscapeIsProtocolError(t *testing.T) {
	d := NewDecoder()
	// 0x1B 0x02 is ESC followed by a raw STX octet: also a protocol
	// error, not a fresh frame start.
	frames := d.Feed([]byte{0x02, 0x01, 0x1B, 0x02, 0x02, 0x05, 0x03})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x05}, frames[0])
}

func TestDecoder_FeedAcrossMultipleChunks(t *testing.T) {
	d := NewDecoder()
	encoded := Encode([]byte{0xAA, 0xBB, 0xCC, 0xDD})

	var frames [][]byte
	for _, b := range encoded {
		frames = append(frames, d.Feed([]byte{b})...)
	}
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, frames[0])
}

func TestDecoder_MultipleFramesInOneFeed(t *testing.T) {
	d := NewDecoder()
	input := append(Encode([]byte{0x01}), Encode([]byte{0x02, 0x03})...)

	frames := d.Feed(input)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{0x01}, frames[0])
	assert.Equal(t, []byte{0x02, 0x03}, frames[1])
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x02, 0xAA, 0xBB})
	d.Reset()

	frames := d.Feed([]byte{0x02, 0x01, 0x03})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x01}, frames[0])
}

func TestEncode_EmptyBody(t *testing.T) {
	assert.Equal(t, []byte{stx, etx}, Encode(nil))
}
