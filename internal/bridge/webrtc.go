package bridge

import (
	pionrtp "github.com/pion/rtp"

	"github.com/sebas/rtcbridge/internal/rtp"
)

// PeerEvent signals a WebRTC peer joining or leaving.
type PeerEvent struct {
	PeerID    string
	Connected bool
}

// PeerEventHandler observes peer connectivity changes.
type PeerEventHandler func(ev PeerEvent)

// WebRTCSession is the WebRTC leg of a bridged call. The ICE/DTLS
// machinery lives behind this interface; the bridge only attaches
// streams, connects to a peer and exchanges packets.
type WebRTCSession interface {
	// AddLocalStream attaches an outbound media stream identified by
	// SSRC and payload type.
	AddLocalStream(ssrc uint32, payloadType uint8) error

	// Connect establishes the session toward a peer.
	Connect(peerID string) error

	// CreateDataChannel opens a labeled data channel.
	CreateDataChannel(label string) error

	// WritePacket sends one media packet to the peer.
	WritePacket(pkt *pionrtp.Packet) error

	// OnPacket registers the inbound packet callback.
	OnPacket(fn func(pkt *pionrtp.Packet))

	// OnPeerEvent registers the connectivity callback.
	OnPeerEvent(fn PeerEventHandler)

	// Close tears the session down.
	Close() error
}

// toPionPacket converts an internal packet into the wire type the
// WebRTC stack consumes.
func toPionPacket(pkt *rtp.Packet) *pionrtp.Packet {
	return &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        pkt.Version,
			Padding:        pkt.Padding,
			Extension:      pkt.Extension,
			Marker:         pkt.Marker,
			PayloadType:    pkt.PayloadType,
			SequenceNumber: pkt.SequenceNumber,
			Timestamp:      pkt.Timestamp,
			SSRC:           pkt.SSRC,
			CSRC:           pkt.CSRC,
		},
		Payload: pkt.Payload,
	}
}

// fromPionPacket converts a packet arriving from the WebRTC stack.
func fromPionPacket(pkt *pionrtp.Packet) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        pkt.Version,
			Padding:        pkt.Padding,
			Extension:      pkt.Extension,
			Marker:         pkt.Marker,
			PayloadType:    pkt.PayloadType,
			SequenceNumber: pkt.SequenceNumber,
			Timestamp:      pkt.Timestamp,
			SSRC:           pkt.SSRC,
			CSRC:           pkt.CSRC,
		},
		Payload: pkt.Payload,
	}
}
