// Package rtc models RTP capabilities and parameters and implements the
// matching and synthesis rules the router applies when binding producers
// and consumers. Payload types, SSRCs and codec parameters produced here
// round-trip into the media worker verbatim, so all functions are
// deterministic on their inputs.
package rtc

import "encoding/json"

// MediaKind is the media type of a track.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// / RtpCapabilities describes what a router or an endpoint can receive:
// the supported codecs with their preferred payload types and the
// supported RTP header extensions.
type RtpCapabilities struct {
	Codecs           []*RtpCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []*RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// RtpCodecCapability describes one codec an endpoint can receive.
type RtpCodecCapability struct {
	Kind                 MediaKind                  `json:"kind"`
	MimeType             string                     `json:"mimeType"`
	PreferredPayloadType uint8                      `json:"preferredPayloadType,omitempty"`
	ClockRate            int                        `json:"clockRate"`
	Channels             int                        `json:"channels,omitempty"`
	Parameters           RtpCodecSpecificParameters `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback             `json:"rtcpFeedback,omitempty"`
}

// RtpCodecSpecificParameters carries the codec-specific fmtp-style settings that
// participate in codec matching.
type RtpCodecSpecificParameters struct {
	Apt                   uint8  `json:"apt,omitempty"`
	PacketizationMode     uint8  `json:"packetization-mode,omitempty"`
	ProfileLevelID        string `json:"profile-level-id,omitempty"`
	LevelAsymmetryAllowed uint8  `json:"level-asymmetry-allowed,omitempty"`
	ProfileID             int    `json:"profile-id,omitempty"`
	SpropStereo           uint8  `json:"sprop-stereo,omitempty"`
	UseInbandFec          uint8  `json:"useinbandfec,omitempty"`
	UseDtx                uint8  `json:"usedtx,omitempty"`
	MinPtime              int    `json:"minptime,omitempty"`
	XGoogleStartBitrate   int    `json:"x-google-start-bitrate,omitempty"`
}

// RtcpFeedback is one RTCP feedback mechanism supported for a codec.
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpHeaderExtension describes a header extension an endpoint supports.
type RtpHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
	Direction        string    `json:"direction,omitempty"`
}

// RtpParameters describes one concrete sending of media: the negotiated
// codecs with their actual payload types, the header extensions in use,
// the encodings (SSRCs, simulcast layers) and the RTCP settings.
type RtpParameters struct {
	Mid              string                          `json:"mid,omitempty"`
	Codecs           []*RtpCodec                     `json:"codecs"`
	HeaderExtensions []*RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []*RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                  `json:"rtcp,omitempty"`
}

// RtpCodec is one codec entry inside RtpParameters.
type RtpCodec struct {
	MimeType     string                     `json:"mimeType"`
	PayloadType  uint8                      `json:"payloadType"`
	ClockRate    int                        `json:"clockRate"`
	Channels     int                        `json:"channels,omitempty"`
	Parameters   RtpCodecSpecificParameters `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback             `json:"rtcpFeedback,omitempty"`
}

// RtpHeaderExtensionParameters is a header extension actually in use.
type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

// RtpEncodingParameters describes one RTP stream of an RtpParameters set.
type RtpEncodingParameters struct {
	Ssrc                  uint32          `json:"ssrc,omitempty"`
	Rid                   string          `json:"rid,omitempty"`
	CodecPayloadType      uint8           `json:"codecPayloadType,omitempty"`
	Rtx                   *RtpEncodingRtx `json:"rtx,omitempty"`
	Dtx                   bool            `json:"dtx,omitempty"`
	ScalabilityMode       string          `json:"scalabilityMode,omitempty"`
	ScaleResolutionDownBy float64         `json:"scaleResolutionDownBy,omitempty"`
	MaxBitrate            int             `json:"maxBitrate,omitempty"`
}

// RtpEncodingRtx carries the retransmission SSRC of an encoding.
type RtpEncodingRtx struct {
	Ssrc uint32 `json:"ssrc"`
}

// RtcpParameters holds the RTCP settings of an RtpParameters set.
type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize *bool  `json:"reducedSize,omitempty"`
	Mux         *bool  `json:"mux,omitempty"`
}

// RtpMapping translates a producer's payload types and SSRCs into the
// router-side ones carried by the consumable parameters. The worker applies
// it on every inbound packet.
type RtpMapping struct {
	Codecs    []RtpMappingCodec    `json:"codecs"`
	Encodings []RtpMappingEncoding `json:"encodings"`
}

type RtpMappingCodec struct {
	PayloadType       uint8 `json:"payloadType"`
	MappedPayloadType uint8 `json:"mappedPayloadType"`
}

type RtpMappingEncoding struct {
	Ssrc            uint32 `json:"ssrc,omitempty"`
	Rid             string `json:"rid,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
	MappedSsrc      uint32 `json:"mappedSsrc"`
}

// Bool is a helper for the optional RTCP flags.
func Bool(v bool) *bool { return &v }

// clone deep-copies any of the JSON-shaped structures above.
func clone[T any](v T) T {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}
