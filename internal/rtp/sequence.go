package rtp

// sequenceTracker tracks inbound RTP sequence numbers with rollover
// handling. Sequence numbers are 16-bit and wrap at 65535; the tracker
// maintains a cycle count so loss can be computed across rollovers.
type sequenceTracker struct {
	initialized bool
	baseSeq     uint16
	lastSeq     uint16
	cycles      uint32 // rollover count (upper 16 bits of extended seq)
	received    uint64

	// Snapshot at the last report interval, for fraction lost.
	expectedPrior uint64
	receivedPrior uint64
}

// update records a received sequence number and returns the extended
// 32-bit sequence number.
func (s *sequenceTracker) update(seq uint16) uint32 {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.baseSeq = seq
		s.lastSeq = seq
		return uint32(seq)
	}

	// Forward distance in uint16 arithmetic, then signed for direction.
	// diff <= 0 is an out-of-order or duplicate packet.
	diff := int16(seq - s.lastSeq)

	// Rollover: previous sequence near the top, new one near the bottom.
	if s.lastSeq > 0xF000 && seq < 0x1000 {
		s.cycles++
	}

	if diff > 0 {
		s.lastSeq = seq
	}
	return s.cycles<<16 | uint32(s.lastSeq)
}

// extendedHighest returns the extended highest sequence number received.
func (s *sequenceTracker) extendedHighest() uint32 {
	return s.cycles<<16 | uint32(s.lastSeq)
}

// expected returns the number of packets expected so far.
func (s *sequenceTracker) expected() uint64 {
	if !s.initialized {
		return 0
	}
	return uint64(s.extendedHighest()) - uint64(s.baseSeq) + 1
}

// fractionLost computes the 8-bit fixed-point fraction of packets lost
// since the previous call, per RFC 3550 A.3, and advances the interval
// snapshot.
func (s *sequenceTracker) fractionLost() uint8 {
	expected := s.expected()
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.received

	if expectedInterval == 0 || expectedInterval <= receivedInterval {
		return 0
	}
	lostInterval := expectedInterval - receivedInterval
	return uint8((lostInterval << 8) / expectedInterval)
}

// packetsLost derives total loss as expected minus received, per
// RFC 3550 A.3. A reordered packet that arrives late counts as
// received again, so transient gaps are credited back.
func (s *sequenceTracker) packetsLost() uint64 {
	expected := s.expected()
	if expected <= s.received {
		return 0
	}
	return expected - s.received
}

// cumulativeLost returns total packets lost, clamped to the 24-bit
// field carried in report blocks.
func (s *sequenceTracker) cumulativeLost() uint32 {
	lost := s.packetsLost()
	if lost > maxCumulativeLost {
		return maxCumulativeLost
	}
	return uint32(lost)
}
