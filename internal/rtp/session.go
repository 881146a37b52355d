package rtp

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sebas/rtcbridge/internal/media"
	"github.com/sebas/rtcbridge/internal/transport"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrStreamNotFound indicates a stream id or SSRC with no stream.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrDuplicateSSRC indicates an SSRC already owned by another stream.
	ErrDuplicateSSRC = errors.New("duplicate SSRC")

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// DefaultRTCPInterval is the nominal report interval when the session
// config leaves it zero. Actual send times are jittered by +/-50%.
const DefaultRTCPInterval = 5 * time.Second

// Receive buffers are MTU-sized and pooled; one datagram per Get/Put.
const (
	readBufferSize  = 1500
	readBufferCount = 32
)

// PacketHandler receives each valid inbound RTP packet after the
// owning stream's statistics have been updated.
type PacketHandler func(stream *Stream, pkt *Packet)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Socket carries both RTP and RTCP (rtcp-mux).
	Socket transport.Socket

	// RemoteAddr is the default destination for outbound packets.
	RemoteAddr net.Addr

	// AutoLearn adopts unknown inbound SSRCs as new receive streams.
	// When false, packets with unknown SSRCs are dropped and logged.
	AutoLearn bool

	// RTCPInterval is the nominal report interval (0 = default).
	RTCPInterval time.Duration
}

// Session owns a set of streams sharing one transport endpoint. It
// routes inbound packets to streams by SSRC and schedules periodic
// RTCP reports. Per-packet errors never tear down the session.
type Session struct {
	cfg  SessionConfig
	pool *media.BufferPool

	mu      sync.Mutex
	byID    map[int]*Stream
	bySSRC  map[uint32]*Stream
	nextID  int
	handler PacketHandler
	started bool
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSession creates a session over the given socket.
func NewSession(cfg SessionConfig) *Session {
	if cfg.RTCPInterval <= 0 {
		cfg.RTCPInterval = DefaultRTCPInterval
	}
	return &Session{
		cfg:    cfg,
		pool:   media.NewBufferPool(readBufferSize, readBufferCount),
		byID:   make(map[int]*Stream),
		bySSRC: make(map[uint32]*Stream),
		nextID: 1,
		stopCh: make(chan struct{}),
	}
}

// SetPacketHandler registers the callback invoked for each valid
// inbound RTP packet. Must be set before Start.
func (s *Session) SetPacketHandler(h PacketHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// AddStream registers a stream and returns its session-local id.
// The stream's SSRC must be unique within the session.
func (s *Session) AddStream(st *Stream) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}
	if _, exists := s.bySSRC[st.SSRC()]; exists {
		return 0, fmt.Errorf("%w: 0x%08X", ErrDuplicateSSRC, st.SSRC())
	}

	id := s.nextID
	s.nextID++
	s.byID[id] = st
	s.bySSRC[st.SSRC()] = st

	slog.Debug("[RTPSession] Stream added", "stream_id", id, "ssrc", fmt.Sprintf("0x%08X", st.SSRC()))
	return id, nil
}

// Stream returns the stream with the given session-local id.
func (s *Session) Stream(id int) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[id]
	return st, ok
}

// StreamBySSRC returns the stream owning the given SSRC.
func (s *Session) StreamBySSRC(ssrc uint32) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.bySSRC[ssrc]
	return st, ok
}

// RemoveStream removes a stream from the session.
func (s *Session) RemoveStream(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrStreamNotFound, id)
	}
	delete(s.byID, id)
	delete(s.bySSRC, st.SSRC())

	slog.Debug("[RTPSession] Stream removed", "stream_id", id, "ssrc", fmt.Sprintf("0x%08X", st.SSRC()))
	return nil
}

// StreamCount returns the number of registered streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Start launches the receive loop and the RTCP scheduler.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	s.wg.Add(2)
	go s.readLoop()
	go s.rtcpLoop()

	slog.Info("[RTPSession] Started", "local", s.cfg.Socket.LocalAddr().String())
	return nil
}

// SendFrame packs a payload on the given stream and writes it to the
// session's remote endpoint.
func (s *Session) SendFrame(streamID int, payload []byte, marker bool) error {
	st, ok := s.Stream(streamID)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrStreamNotFound, streamID)
	}

	pkt := st.NextPacket(payload, marker)
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}

	if _, err := s.cfg.Socket.WriteTo(data, s.cfg.RemoteAddr); err != nil {
		return fmt.Errorf("send packet: %w", err)
	}
	return nil
}

// Close stops the loops, closes the socket and clears the stream maps.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	_ = s.cfg.Socket.Close()
	if started {
		s.wg.Wait()
	}

	s.mu.Lock()
	s.byID = make(map[int]*Stream)
	s.bySSRC = make(map[uint32]*Stream)
	s.mu.Unlock()

	slog.Info("[RTPSession] Closed")
	return nil
}

// readLoop receives datagrams and dispatches them to streams. All
// per-packet failures are logged and dropped; only a closed socket
// ends the loop. Receive buffers come from the session's pool; packet
// unmarshalling copies, so the buffer is returned after dispatch.
func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		buf := s.pool.Get()
		n, from, err := s.cfg.Socket.ReadFrom(buf)
		if err != nil {
			s.pool.Put(buf)
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("[RTPSession] Read error", "error", err)
			continue
		}

		data := buf[:n]
		if IsRTCP(data) {
			s.handleRTCP(data)
		} else {
			s.handleRTP(data, from)
		}
		s.pool.Put(buf)
	}
}

func (s *Session) handleRTP(data []byte, from net.Addr) {
	var pkt Packet
	if err := pkt.Unmarshal(data); err != nil {
		slog.Debug("[RTPSession] Dropping malformed RTP packet", "error", err, "from", from.String())
		return
	}

	st, ok := s.StreamBySSRC(pkt.SSRC)
	if !ok {
		if !s.cfg.AutoLearn {
			slog.Debug("[RTPSession] Dropping packet from unknown SSRC",
				"ssrc", fmt.Sprintf("0x%08X", pkt.SSRC), "from", from.String())
			return
		}
		st = s.adoptStream(&pkt)
		if st == nil {
			return
		}
	}

	st.Receive(&pkt, time.Now())

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(st, &pkt)
	}
}

// adoptStream creates a receive stream for a newly observed SSRC.
// Codec defaults from the packet's payload type; unmapped payload
// types get an opaque zero-rate codec so statistics still accrue.
func (s *Session) adoptStream(pkt *Packet) *Stream {
	codec, err := media.CodecByPayloadType(pkt.PayloadType)
	if err != nil {
		codec = media.Codec{Name: "unknown", PayloadType: pkt.PayloadType}
	}
	st := NewStream(pkt.SSRC, media.TypeAudio, codec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	// Another packet may have adopted the SSRC first.
	if existing, ok := s.bySSRC[pkt.SSRC]; ok {
		return existing
	}
	id := s.nextID
	s.nextID++
	s.byID[id] = st
	s.bySSRC[pkt.SSRC] = st

	slog.Info("[RTPSession] Adopted new inbound stream",
		"stream_id", id,
		"ssrc", fmt.Sprintf("0x%08X", pkt.SSRC),
		"payload_type", pkt.PayloadType)
	return st
}

func (s *Session) handleRTCP(data []byte) {
	report, err := UnmarshalRTCP(data)
	if err != nil {
		slog.Debug("[RTPSession] Dropping RTCP packet", "error", err)
		return
	}

	switch r := report.(type) {
	case *SenderReport:
		if st, ok := s.StreamBySSRC(r.SSRC); ok {
			st.RecordSenderReport(r, time.Now())
		}
	case *ReceiverReport:
		slog.Debug("[RTPSession] Receiver report",
			"ssrc", fmt.Sprintf("0x%08X", r.SSRC), "blocks", len(r.Reports))
	}
}

// rtcpLoop sends periodic reports. Each wait is the nominal interval
// jittered by +/-50% so many sessions never burst in lockstep.
func (s *Session) rtcpLoop() {
	defer s.wg.Done()

	for {
		interval := time.Duration(float64(s.cfg.RTCPInterval) * (0.5 + rand.Float64()))
		select {
		case <-s.stopCh:
			return
		case <-time.After(interval):
			s.sendReports()
		}
	}
}

// sendReports emits an SR for each sending stream and an RR for each
// receiving one. Transient send failures are logged and skipped.
func (s *Session) sendReports() {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.byID))
	for _, st := range s.byID {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, st := range streams {
		var data []byte
		var err error

		switch {
		case st.Sending():
			data, err = st.SenderReport(now).Marshal()
		case st.Receiving():
			rr := &ReceiverReport{
				SSRC:    st.SSRC(),
				Reports: []ReportBlock{st.ReportBlock(now)},
			}
			data, err = rr.Marshal()
		default:
			continue
		}

		if err != nil {
			slog.Warn("[RTPSession] Failed to build report", "error", err)
			continue
		}
		if _, err := s.cfg.Socket.WriteTo(data, s.cfg.RemoteAddr); err != nil {
			slog.Debug("[RTPSession] Failed to send report", "error", err)
		}
	}
}
