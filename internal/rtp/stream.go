package rtp

import (
	"sync"
	"time"

	"github.com/sebas/rtcbridge/internal/media"
)

// StreamStats is a point-in-time snapshot of a stream's counters.
type StreamStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	BytesSent       uint64
	BytesReceived   uint64
	Jitter          float64 // interarrival jitter in timestamp units
	CumulativeLost  uint32
}

// Stream is a single media stream identified by one immutable SSRC.
// It builds outbound packets and tracks reception statistics for
// inbound ones. A stream is owned by exactly one Session; all methods
// are safe for concurrent use, and updates for one stream are
// serialized by the stream's own mutex.
type Stream struct {
	ssrc      uint32
	mediaType media.Type
	codec     media.Codec

	mu sync.Mutex

	// Outbound state
	outSeq      uint16
	outTS       uint32
	packetsSent uint64
	bytesSent   uint64

	// Inbound state
	seq             sequenceTracker
	packetsReceived uint64
	bytesReceived   uint64
	jitter          float64
	lastTransit     int64
	hasTransit      bool

	// Last sender report received from the remote sender, for the
	// LSR/DLSR fields of our report blocks.
	lastSRNTP  uint32
	lastSRTime time.Time
}

// NewStream creates a stream for the given SSRC.
func NewStream(ssrc uint32, mediaType media.Type, codec media.Codec) *Stream {
	return &Stream{
		ssrc:      ssrc,
		mediaType: mediaType,
		codec:     codec,
		outSeq:    GenerateSequenceStart(),
		outTS:     GenerateTimestampStart(),
	}
}

// NewSendStream creates a stream with a freshly generated random SSRC.
func NewSendStream(mediaType media.Type, codec media.Codec) *Stream {
	return NewStream(GenerateSSRC(), mediaType, codec)
}

// SSRC returns the stream's immutable synchronization source identifier.
func (s *Stream) SSRC() uint32 { return s.ssrc }

// MediaType returns the stream's media type.
func (s *Stream) MediaType() media.Type { return s.mediaType }

// Codec returns the codec the stream was created with.
func (s *Stream) Codec() media.Codec { return s.codec }

// NextPacket builds the next outbound packet for a payload, advancing
// the sequence number and media timestamp and updating send counters.
func (s *Stream) NextPacket(payload []byte, marker bool) *Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkt := &Packet{
		Header: Header{
			Version:        rtpVersion,
			Marker:         marker,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.outSeq,
			Timestamp:      s.outTS,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	s.outSeq++
	s.outTS += s.codec.TimestampIncrement()
	s.packetsSent++
	s.bytesSent += uint64(len(payload))

	return pkt
}

// Receive records an inbound packet: counters, extended sequence
// tracking, and interarrival jitter per RFC 3550 A.8.
func (s *Stream) Receive(pkt *Packet, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packetsReceived++
	s.bytesReceived += uint64(len(pkt.Payload))
	s.seq.update(pkt.SequenceNumber)

	if s.codec.SampleRate > 0 {
		arrivalTS := int64(arrival.UnixNano()) * int64(s.codec.SampleRate) / int64(time.Second)
		transit := arrivalTS - int64(pkt.Timestamp)
		if s.hasTransit {
			d := transit - s.lastTransit
			if d < 0 {
				d = -d
			}
			s.jitter += (float64(d) - s.jitter) / 16
		}
		s.lastTransit = transit
		s.hasTransit = true
	}
}

// RecordSenderReport notes a sender report received from the remote
// sender of this stream, for later LSR/DLSR computation.
func (s *Stream) RecordSenderReport(sr *SenderReport, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Middle 32 bits of the 64-bit NTP timestamp.
	s.lastSRNTP = uint32(sr.NTPTime >> 16)
	s.lastSRTime = arrival
}

// ReportBlock builds a reception report block describing this stream,
// advancing the loss-interval snapshot.
func (s *Stream) ReportBlock(now time.Time) ReportBlock {
	s.mu.Lock()
	defer s.mu.Unlock()

	var delay uint32
	if !s.lastSRTime.IsZero() {
		// DLSR is expressed in 1/65536 seconds.
		delay = uint32(now.Sub(s.lastSRTime).Seconds() * 65536)
	}

	return ReportBlock{
		SSRC:             s.ssrc,
		FractionLost:     s.seq.fractionLost(),
		CumulativeLost:   s.seq.cumulativeLost(),
		ExtendedHighSeq:  s.seq.extendedHighest(),
		Jitter:           uint32(s.jitter),
		LastSR:           s.lastSRNTP,
		DelaySinceLastSR: delay,
	}
}

// SenderReport builds an RTCP SR describing this stream's send side.
func (s *Stream) SenderReport(now time.Time) *SenderReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     s.outTS,
		PacketCount: uint32(s.packetsSent),
		OctetCount:  uint32(s.bytesSent),
	}
}

// Sending reports whether this stream has sent any packets.
func (s *Stream) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetsSent > 0
}

// Receiving reports whether this stream has received any packets.
func (s *Stream) Receiving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetsReceived > 0
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StreamStats{
		PacketsSent:     s.packetsSent,
		PacketsReceived: s.packetsReceived,
		PacketsLost:     s.seq.packetsLost(),
		BytesSent:       s.bytesSent,
		BytesReceived:   s.bytesReceived,
		Jitter:          s.jitter,
		CumulativeLost:  s.seq.cumulativeLost(),
	}
}

// ntpTime converts a time to the 64-bit NTP format used in sender
// reports (seconds since 1900 in the high 32 bits, fraction below).
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}
