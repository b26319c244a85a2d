// Package hqvframe implements the HQV Linked Layer framing engine: it
// reassembles BLE notification fragments into whole LwM2M datagrams and
// segments outbound LwM2M datagrams back into BLE fragments (spec.md §4.1).
package hqvframe

import (
	"errors"
	"fmt"

	"github.com/smallnest/ringbuffer"
)

const (
	// MessageType is the one constant octet value of a payload frame.
	MessageType = 0x01

	// MaxPayload is the largest LwM2M datagram this layer will carry.
	MaxPayload = 1152

	// minHeaderBytes is the number of prefix octets (type, length_hi,
	// length_lo, header) that must be buffered before a frame can be
	// validated.
	minHeaderBytes = 4

	// maxFrameSize is the largest on-wire frame, prefix included.
	maxFrameSize = MaxPayload + 4

	// receiveBufferCapacity bounds the ring buffer backing Ingest. It is
	// sized generously above maxFrameSize so a burst of several queued
	// fragments never forces an eager purge before validation runs.
	receiveBufferCapacity = maxFrameSize * 4

	// defaultMTU is the ATT MTU assumed absent other configuration
	// (spec.md §6): 23 octets, so outbound fragments carry 20 payload
	// octets each.
	defaultMTU = 23
)

// Frame is one fully assembled HQV payload, ready to be forwarded to UDP,
// or one fragment's worth of bytes ready to be written to BLE.
type Frame struct {
	Header  uint8
	Payload []byte
}

// Options configures a Codec, mirroring the teacher's *Options /
// Default*Options() construction idiom.
type Options struct {
	MTU         int
	SplitPolicy CompoundSplitPolicy
}

// DefaultOptions returns sensible defaults for a Codec.
func DefaultOptions() *Options {
	return &Options{
		MTU:         defaultMTU,
		SplitPolicy: DefaultCompoundSplitPolicy,
	}
}

// Codec implements the HqvCodec component (spec.md §4.1): one Codec is
// owned exclusively by the GatewaySession that drives it.
type Codec struct {
	buf         *ringbuffer.RingBuffer
	mtu         int
	splitPolicy CompoundSplitPolicy
}

// NewCodec creates a Codec with the given options, or the defaults if opts
// is nil.
func NewCodec(opts *Options) *Codec {
	if opts == nil {
		opts = DefaultOptions()
	}
	mtu := opts.MTU
	if mtu <= 0 {
		mtu = defaultMTU
	}
	policy := opts.SplitPolicy
	if policy == nil {
		policy = DefaultCompoundSplitPolicy
	}
	return &Codec{
		buf:         ringbuffer.New(receiveBufferCapacity),
		mtu:         mtu,
		splitPolicy: policy,
	}
}

// Ingest appends fragment to the internal receive buffer and drives the
// frame state machine, returning zero or more fully assembled frames. It
// never panics or returns an error on malformed input: a bad prefix purges
// the buffer and ingest simply returns whatever frames were already
// delivered.
func (c *Codec) Ingest(fragment []byte) []Frame {
	if len(fragment) > 0 {
		if _, err := c.buf.Write(fragment); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
			// Write only reports ErrIsFull for a non-blocking ring buffer;
			// anything else indicates the buffer is unusable, so reset and
			// drop this fragment rather than propagate a framing error.
			c.buf.Reset()
			return nil
		}
	}

	var frames []Frame
	for {
		data := c.buf.Bytes()
		if len(data) < minHeaderBytes {
			return frames
		}

		pktType := data[0]
		length := int(data[1])<<8 | int(data[2])
		header := data[3]

		if pktType != MessageType || header > 3 || length < 1 || length > maxFrameSize-3 {
			c.buf.Reset()
			return frames
		}

		total := length + 3
		if len(data) < total {
			return frames // awaiting-body: wait for more fragments
		}

		payload := append([]byte(nil), data[4:total]...)
		frames = append(frames, Frame{Header: header, Payload: payload})

		if len(data) > total {
			if first, second, ok := c.splitPolicy.Split(payload); ok {
				frames = append(frames,
					Frame{Header: header, Payload: append([]byte(nil), first...)},
					Frame{Header: header, Payload: append([]byte(nil), second...)},
				)
			}
		}

		consumed := make([]byte, total)
		if _, err := c.buf.TryRead(consumed); err != nil {
			c.buf.Reset()
			return frames
		}
		// Residual bytes, if any, are the start of the next frame; loop
		// restarts the state machine at awaiting-headers.
	}
}

// Wrap produces the sequence of BLE fragments for one outbound datagram.
// It fails precondition if payload exceeds MaxPayload or header is not in
// 0..3 — both are caller bugs, never wire-driven.
func (c *Codec) Wrap(payload []byte, header uint8) ([][]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("hqvframe: payload of %d octets exceeds max %d", len(payload), MaxPayload)
	}
	if header > 3 {
		return nil, fmt.Errorf("hqvframe: invalid header %d", header)
	}

	length := len(payload) + 1
	frame := make([]byte, 0, length+3)
	frame = append(frame, MessageType, byte(length>>8), byte(length&0xff), header)
	frame = append(frame, payload...)

	fragSize := c.mtu - 3
	if fragSize <= 0 {
		return nil, fmt.Errorf("hqvframe: mtu %d leaves no room for payload", c.mtu)
	}

	var frags [][]byte
	for i := 0; i < len(frame); i += fragSize {
		end := min(i+fragSize, len(frame))
		frags = append(frags, append([]byte(nil), frame[i:end]...))
	}
	return frags, nil
}
