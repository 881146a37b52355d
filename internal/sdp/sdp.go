// Package sdp provides the session description value type exchanged in
// SIP offer/answer. Parsing and generation are delegated to pion's SDP
// implementation; this package reduces a full description to the fields
// the bridge negotiates on.
package sdp

import (
	"errors"
	"fmt"
	"strconv"

	pionsdp "github.com/pion/sdp/v3"
)

// ErrMalformedSDP indicates a body that could not be parsed as SDP.
var ErrMalformedSDP = errors.New("malformed SDP")

// rtpmap entries emitted for known payload types.
var rtpmapByPayloadType = map[uint8]string{
	0:   "PCMU/8000",
	8:   "PCMA/8000",
	18:  "G729/8000",
	96:  "opus/48000/2",
	101: "telephone-event/8000",
}

// Session is an immutable-by-convention session description. A media
// port is only meaningful when its payload type list is non-empty;
// Marshal omits the media section otherwise.
type Session struct {
	Username          string
	SessionID         uint64
	ConnectionAddress string
	SessionName       string

	AudioPort         int
	VideoPort         int
	AudioPayloadTypes []uint8
	VideoPayloadTypes []uint8
}

// HasAudio reports whether the description carries a usable audio section.
func (s *Session) HasAudio() bool {
	return s.AudioPort > 0 && len(s.AudioPayloadTypes) > 0
}

// HasVideo reports whether the description carries a usable video section.
func (s *Session) HasVideo() bool {
	return s.VideoPort > 0 && len(s.VideoPayloadTypes) > 0
}

// Parse extracts a Session from an SDP body. Unknown line types are
// tolerated by the underlying parser; only structural failures error.
func Parse(body []byte) (*Session, error) {
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}

	s := &Session{
		Username:    desc.Origin.Username,
		SessionID:   desc.Origin.SessionID,
		SessionName: string(desc.SessionName),
	}

	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		s.ConnectionAddress = desc.ConnectionInformation.Address.Address
	}

	for _, md := range desc.MediaDescriptions {
		payloadTypes := parseFormats(md.MediaName.Formats)

		// A media-level c= line overrides the session-level address.
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			s.ConnectionAddress = md.ConnectionInformation.Address.Address
		}

		switch md.MediaName.Media {
		case "audio":
			s.AudioPort = md.MediaName.Port.Value
			s.AudioPayloadTypes = payloadTypes
		case "video":
			s.VideoPort = md.MediaName.Port.Value
			s.VideoPayloadTypes = payloadTypes
		}
	}

	return s, nil
}

func parseFormats(formats []string) []uint8 {
	out := make([]uint8, 0, len(formats))
	for _, f := range formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		out = append(out, uint8(pt))
	}
	return out
}

// Marshal generates the SDP body for this session description.
func (s *Session) Marshal() ([]byte, error) {
	username := s.Username
	if username == "" {
		username = "rtcbridge"
	}

	desc := &pionsdp.SessionDescription{
		Origin: pionsdp.Origin{
			Username:       username,
			SessionID:      s.SessionID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: s.ConnectionAddress,
		},
		SessionName: pionsdp.SessionName(s.SessionName),
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &pionsdp.Address{
				Address: s.ConnectionAddress,
			},
		},
		TimeDescriptions: []pionsdp.TimeDescription{
			{
				Timing: pionsdp.Timing{StartTime: 0, StopTime: 0},
			},
		},
	}

	if s.HasAudio() {
		desc.MediaDescriptions = append(desc.MediaDescriptions,
			mediaDescription("audio", s.AudioPort, s.AudioPayloadTypes))
	}
	if s.HasVideo() {
		desc.MediaDescriptions = append(desc.MediaDescriptions,
			mediaDescription("video", s.VideoPort, s.VideoPayloadTypes))
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP: %w", err)
	}
	return body, nil
}

func mediaDescription(mediaType string, port int, payloadTypes []uint8) *pionsdp.MediaDescription {
	formats := make([]string, 0, len(payloadTypes))
	for _, pt := range payloadTypes {
		formats = append(formats, strconv.Itoa(int(pt)))
	}

	return &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   mediaType,
			Port:    pionsdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		Attributes: codecAttributes(payloadTypes),
	}
}

// codecAttributes returns rtpmap/fmtp attributes for known payload
// types, plus the standard ptime and direction attributes.
func codecAttributes(payloadTypes []uint8) []pionsdp.Attribute {
	attrs := []pionsdp.Attribute{}

	for _, pt := range payloadTypes {
		if rtpmap, ok := rtpmapByPayloadType[pt]; ok {
			attrs = append(attrs, pionsdp.Attribute{
				Key:   "rtpmap",
				Value: strconv.Itoa(int(pt)) + " " + rtpmap,
			})
		}
	}

	for _, pt := range payloadTypes {
		if pt == 101 {
			attrs = append(attrs, pionsdp.Attribute{
				Key:   "fmtp",
				Value: "101 0-15",
			})
		}
	}

	attrs = append(attrs, pionsdp.Attribute{Key: "ptime", Value: "20"})
	attrs = append(attrs, pionsdp.Attribute{Key: "sendrecv"})

	return attrs
}
