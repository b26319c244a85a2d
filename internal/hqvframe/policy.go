package hqvframe

// CompoundSplitPolicy decides whether a just-assembled frame payload carries
// extra logical messages packed in by newer peripherals (spec.md §4.1,
// "Compound-notification rule"), and if so, how to carve them out.
//
// The offsets observed on the wire are hard-coded by the peripheral
// firmware and unverified by its authors (spec.md §9); isolating them
// behind this interface lets a future version replace the heuristic with
// real parsing of the inner container without touching the Codec state
// machine.
type CompoundSplitPolicy interface {
	// Split returns the two inner payload slices carved out of payload, or
	// ok=false if payload is too short for this policy's offsets.
	Split(payload []byte) (first, second []byte, ok bool)
}

// FixedOffsetPolicy reproduces the observed compound-notification layout:
// the first inner message occupies [0:FirstEnd), the second starts at
// SecondStart and runs to the end of payload.
type FixedOffsetPolicy struct {
	FirstEnd    int
	SecondStart int
}

// Split implements CompoundSplitPolicy.
func (p FixedOffsetPolicy) Split(payload []byte) (first, second []byte, ok bool) {
	if len(payload) < p.SecondStart || p.FirstEnd > p.SecondStart {
		return nil, nil, false
	}
	return payload[:p.FirstEnd], payload[p.SecondStart:], true
}

// DefaultCompoundSplitPolicy is the fixed [0:14] / [18:] layout observed on
// the newer HAPP peripherals (spec.md §4.1, §9).
var DefaultCompoundSplitPolicy CompoundSplitPolicy = FixedOffsetPolicy{FirstEnd: 14, SecondStart: 18}
