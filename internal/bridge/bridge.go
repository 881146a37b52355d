// Package bridge composes the SIP agent, per-call RTP sessions and
// media pipelines into one call-bridging service. Each bridged call is
// a SIP leg and a WebRTC leg with a pipeline relaying frames between
// them.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/sebas/rtcbridge/internal/media"
	"github.com/sebas/rtcbridge/internal/pipeline"
	"github.com/sebas/rtcbridge/internal/rtp"
	"github.com/sebas/rtcbridge/internal/sdp"
	"github.com/sebas/rtcbridge/internal/sip"
	"github.com/sebas/rtcbridge/internal/transport"
)

// WebRTCSessionFactory creates the WebRTC leg for a call. A nil
// factory makes the bridge run SIP-only: media terminates at the
// pipeline's null sink.
type WebRTCSessionFactory func(callID string) (WebRTCSession, error)

// Config configures a Bridge.
type Config struct {
	// Agent is the SIP user agent the bridge answers calls on.
	Agent *sip.Agent

	// BindAddr is the local address media sockets bind to.
	BindAddr string

	// AdvertiseAddr is the address placed in SDP answers.
	AdvertiseAddr string

	// RTPPortMin and RTPPortMax bound the media port range.
	RTPPortMin int
	RTPPortMax int

	// RTCPInterval is the nominal RTCP report interval (0 = default).
	RTCPInterval time.Duration

	// NewWebRTCSession creates the WebRTC leg per call. Optional.
	NewWebRTCSession WebRTCSessionFactory
}

// callLeg is everything the bridge holds for one active call.
type callLeg struct {
	call     *sip.Call
	session  *rtp.Session
	pipe     *pipeline.Pipeline
	webrtc   WebRTCSession
	source   *pipeline.SourceNode
	rtpPort  int
	streamID int
	codec    media.Codec
}

// Bridge anchors SIP calls to WebRTC peers, owning the media plumbing
// in between.
type Bridge struct {
	cfg   Config
	ports *portPool

	mu   sync.Mutex
	legs map[string]*callLeg
}

// New creates a bridge on the given agent.
func New(cfg Config) (*Bridge, error) {
	if cfg.Agent == nil {
		return nil, errors.New("bridge requires a SIP agent")
	}
	if cfg.RTPPortMin <= 0 || cfg.RTPPortMax <= cfg.RTPPortMin {
		return nil, fmt.Errorf("invalid RTP port range %d-%d", cfg.RTPPortMin, cfg.RTPPortMax)
	}

	b := &Bridge{
		cfg:   cfg,
		ports: newPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
		legs:  make(map[string]*callLeg),
	}
	cfg.Agent.OnIncomingCall(b.handleIncomingCall)
	return b, nil
}

// Start brings the SIP agent up.
func (b *Bridge) Start() error {
	return b.cfg.Agent.Start()
}

// Stop hangs up all calls and shuts the agent down.
func (b *Bridge) Stop() error {
	err := b.cfg.Agent.Stop()

	b.mu.Lock()
	legs := make([]*callLeg, 0, len(b.legs))
	for _, leg := range b.legs {
		legs = append(legs, leg)
	}
	b.legs = make(map[string]*callLeg)
	b.mu.Unlock()

	for _, leg := range legs {
		b.teardownLeg(leg)
	}
	return err
}

// ActiveCalls returns the number of bridged calls.
func (b *Bridge) ActiveCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.legs)
}

// Dial places an outbound SIP call and bridges its media once it
// connects.
func (b *Bridge) Dial(remote *sip.URI) (*sip.Call, error) {
	port, err := b.ports.allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate media port: %w", err)
	}

	offer := &sdp.Session{
		ConnectionAddress: b.cfg.AdvertiseAddr,
		SessionName:       "call",
		AudioPort:         port,
		AudioPayloadTypes: []uint8{media.CodecPCMU.PayloadType, media.CodecPCMA.PayloadType},
	}

	// Registered through Dial so a fast final response cannot beat the
	// listener and leak the allocated port.
	onState := func(c *sip.Call, _, to sip.CallState) {
		switch to {
		case sip.CallConnected:
			if err := b.setupMedia(c, port); err != nil {
				slog.Error("[Bridge] Media setup failed, hanging up",
					"call_id", c.ID(), "error", err)
				_ = c.Hangup()
			}
		case sip.CallDisconnected:
			b.teardown(c.ID())
			b.ports.release(port)
		}
	}

	call, err := b.cfg.Agent.Dial(remote, offer, onState)
	if err != nil {
		b.ports.release(port)
		return nil, err
	}
	return call, nil
}

// handleIncomingCall answers an inbound call: ring, pick a codec from
// the offer, answer with our media port, and bridge once connected.
func (b *Bridge) handleIncomingCall(call *sip.Call) {
	if err := call.Ring(); err != nil {
		slog.Warn("[Bridge] Failed to ring", "call_id", call.ID(), "error", err)
	}

	offer := call.RemoteSDP()
	if offer == nil || !offer.HasAudio() {
		slog.Info("[Bridge] Rejecting call without audio", "call_id", call.ID())
		_ = call.Reject(488, "Not Acceptable Here")
		return
	}
	if _, err := pickCodec(offer.AudioPayloadTypes); err != nil {
		slog.Info("[Bridge] Rejecting call with no shared codec",
			"call_id", call.ID(), "offered", offer.AudioPayloadTypes)
		_ = call.Reject(488, "Not Acceptable Here")
		return
	}

	port, err := b.ports.allocate()
	if err != nil {
		slog.Warn("[Bridge] Rejecting call, media ports exhausted", "call_id", call.ID())
		_ = call.Reject(486, "Busy Here")
		return
	}

	call.OnStateChange(func(c *sip.Call, _, to sip.CallState) {
		switch to {
		case sip.CallConnected:
			if err := b.setupMedia(c, port); err != nil {
				slog.Error("[Bridge] Media setup failed, hanging up",
					"call_id", c.ID(), "error", err)
				_ = c.Hangup()
			}
		case sip.CallDisconnected:
			b.teardown(c.ID())
			b.ports.release(port)
		}
	})

	codec, _ := pickCodec(offer.AudioPayloadTypes)
	answer := &sdp.Session{
		ConnectionAddress: b.cfg.AdvertiseAddr,
		SessionName:       "call",
		AudioPort:         port,
		AudioPayloadTypes: []uint8{codec.PayloadType},
	}

	if err := call.Accept(answer); err != nil {
		slog.Warn("[Bridge] Failed to accept call", "call_id", call.ID(), "error", err)
		b.ports.release(port)
	}
}

// pickCodec chooses the first offered payload type we can bridge.
func pickCodec(payloadTypes []uint8) (media.Codec, error) {
	for _, pt := range payloadTypes {
		codec, err := media.CodecByPayloadType(pt)
		if err != nil {
			continue
		}
		if codec.Name == "PCMU" || codec.Name == "PCMA" {
			return codec, nil
		}
	}
	return media.Codec{}, fmt.Errorf("no supported codec among %v", payloadTypes)
}

// setupMedia builds the media plumbing for a connected call: an RTP
// session on our allocated port, a pipeline relaying its frames, and
// the WebRTC leg when a factory is configured.
func (b *Bridge) setupMedia(call *sip.Call, port int) error {
	remoteSDP := call.RemoteSDP()
	if remoteSDP == nil || !remoteSDP.HasAudio() {
		return errors.New("peer answered without audio")
	}

	codec, err := pickCodec(remoteSDP.AudioPayloadTypes)
	if err != nil {
		return err
	}

	sock, err := transport.Listen(b.cfg.BindAddr, port)
	if err != nil {
		return fmt.Errorf("bind media port %d: %w", port, err)
	}

	remoteAddr, err := transport.Resolve(
		fmt.Sprintf("%s:%d", remoteSDP.ConnectionAddress, remoteSDP.AudioPort))
	if err != nil {
		_ = sock.Close()
		return fmt.Errorf("resolve peer media address: %w", err)
	}

	session := rtp.NewSession(rtp.SessionConfig{
		Socket:       sock,
		RemoteAddr:   remoteAddr,
		AutoLearn:    true,
		RTCPInterval: b.cfg.RTCPInterval,
	})

	sendStream := rtp.NewSendStream(media.TypeAudio, codec)
	streamID, err := session.AddStream(sendStream)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("add send stream: %w", err)
	}

	leg := &callLeg{
		call:     call,
		session:  session,
		rtpPort:  port,
		streamID: streamID,
		codec:    codec,
	}

	if err := b.buildPipeline(leg); err != nil {
		_ = session.Close()
		return err
	}

	// Inbound RTP feeds the pipeline's source node.
	session.SetPacketHandler(func(st *rtp.Stream, pkt *rtp.Packet) {
		frame := &media.Frame{
			Type:      media.TypeAudio,
			Format:    st.Codec().Name,
			Data:      pkt.Payload,
			Timestamp: pkt.Timestamp,
			Marker:    pkt.Marker,
		}
		if err := leg.source.Deliver(frame); err != nil {
			slog.Debug("[Bridge] Dropping inbound frame", "call_id", call.ID(), "error", err)
		}
	})

	if err := leg.pipe.Start(); err != nil {
		_ = session.Close()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := session.Start(); err != nil {
		_ = leg.pipe.Stop()
		_ = session.Close()
		return fmt.Errorf("start RTP session: %w", err)
	}

	b.mu.Lock()
	b.legs[call.ID()] = leg
	b.mu.Unlock()

	slog.Info("[Bridge] Media established",
		"call_id", call.ID(), "codec", codec.Name, "port", port)
	return nil
}

// buildPipeline wires the call's node graph: SIP RTP in through a
// source, out to the WebRTC leg (or a null sink when there is none),
// and the WebRTC leg's packets back onto the SIP RTP stream.
func (b *Bridge) buildPipeline(leg *callLeg) error {
	callID := leg.call.ID()
	pipe := pipeline.New("call-" + callID)

	source := pipeline.NewNetworkSource("sip-in", leg.codec.Name)

	var webrtcSession WebRTCSession
	if b.cfg.NewWebRTCSession != nil {
		s, err := b.cfg.NewWebRTCSession(callID)
		if err != nil {
			return fmt.Errorf("create WebRTC leg: %w", err)
		}
		webrtcSession = s
	}

	var sink *pipeline.SinkNode
	if webrtcSession != nil {
		stream := rtp.NewSendStream(media.TypeAudio, leg.codec)
		if err := webrtcSession.AddLocalStream(stream.SSRC(), leg.codec.PayloadType); err != nil {
			_ = webrtcSession.Close()
			return fmt.Errorf("attach WebRTC stream: %w", err)
		}
		sink = pipeline.NewNetworkSink("webrtc-out", leg.codec.Name, func(frame *media.Frame) error {
			pkt := stream.NextPacket(frame.Data, frame.Marker)
			return webrtcSession.WritePacket(toPionPacket(pkt))
		})

		// Reverse direction: WebRTC packets go out the SIP leg.
		webrtcSession.OnPacket(func(pkt *pionrtp.Packet) {
			inbound := fromPionPacket(pkt)
			if err := leg.session.SendFrame(leg.streamID, inbound.Payload, inbound.Marker); err != nil {
				slog.Debug("[Bridge] Dropping WebRTC frame", "call_id", callID, "error", err)
			}
		})
	} else {
		sink = pipeline.NewNullSink("null-out", leg.codec.Name)
	}

	if err := pipe.AddNode(source); err != nil {
		return err
	}
	if err := pipe.AddNode(sink); err != nil {
		return err
	}
	if err := pipe.Connect(source.Name(), "out", sink.Name(), "in"); err != nil {
		return err
	}

	leg.pipe = pipe
	leg.source = source
	leg.webrtc = webrtcSession
	return nil
}

// teardown releases everything held for a finished call.
func (b *Bridge) teardown(callID string) {
	b.mu.Lock()
	leg, ok := b.legs[callID]
	delete(b.legs, callID)
	b.mu.Unlock()

	if !ok {
		return
	}
	b.teardownLeg(leg)
	slog.Info("[Bridge] Call torn down", "call_id", callID)
}

func (b *Bridge) teardownLeg(leg *callLeg) {
	if leg.pipe != nil {
		if err := leg.pipe.Stop(); err != nil {
			slog.Warn("[Bridge] Pipeline stop failed",
				"call_id", leg.call.ID(), "error", err)
		}
	}
	if leg.session != nil {
		_ = leg.session.Close()
	}
	if leg.webrtc != nil {
		_ = leg.webrtc.Close()
	}
}
