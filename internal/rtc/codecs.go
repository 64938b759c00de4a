package rtc

import (
	"fmt"
	"strings"
)

// Dynamic payload types handed out to router codecs, in assignment order.
var dynamicPayloadTypes = []uint8{
	100, 101, 102, 103, 104, 105, 106, 107, 108, 109,
	110, 111, 112, 113, 114, 115, 116, 117, 118, 119,
	120, 121, 122, 123, 124, 125, 126, 127, 96, 97, 98, 99,
}

var videoRtcpFeedback = []RtcpFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
	{Type: "transport-cc"},
}

// supportedCodecs is the full codec set the media worker can route.
// Router capabilities are the configured subset of this table.
var supportedCodecs = []*RtpCodecCapability{
	{
		Kind:         MediaKindAudio,
		MimeType:     "audio/opus",
		ClockRate:    48000,
		Channels:     2,
		RtcpFeedback: []RtcpFeedback{{Type: "transport-cc"}},
	},
	{
		Kind:         MediaKindVideo,
		MimeType:     "video/VP8",
		ClockRate:    90000,
		RtcpFeedback: videoRtcpFeedback,
	},
	{
		Kind:         MediaKindVideo,
		MimeType:     "video/VP9",
		ClockRate:    90000,
		RtcpFeedback: videoRtcpFeedback,
	},
	{
		Kind:      MediaKindVideo,
		MimeType:  "video/H264",
		ClockRate: 90000,
		Parameters: RtpCodecSpecificParameters{
			PacketizationMode:     1,
			ProfileLevelID:        "42e01f",
			LevelAsymmetryAllowed: 1,
		},
		RtcpFeedback: videoRtcpFeedback,
	},
}

// supportedHeaderExtensions the worker understands, with the preferred ids
// it expects the controlling side to advertise.
var supportedHeaderExtensions = []*RtpHeaderExtension{
	{Kind: MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id", PreferredID: 2, Direction: "recvonly"},
	{Kind: MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id", PreferredID: 3, Direction: "recvonly"},
	{Kind: MediaKindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: MediaKindAudio, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 5, Direction: "recvonly"},
	{Kind: MediaKindVideo, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 5, Direction: "sendrecv"},
	{Kind: MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
	{Kind: MediaKindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 11, Direction: "sendrecv"},
	{Kind: MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:toffset", PreferredID: 12, Direction: "sendrecv"},
}

// MediaCodecsByName resolves configured codec names ("opus", "VP8", …)
// against the supported table. The result feeds router creation.
func MediaCodecsByName(names []string) ([]*RtpCodecCapability, error) {
	out := make([]*RtpCodecCapability, 0, len(names))
	for _, name := range names {
		found := false
		for _, c := range supportedCodecs {
			// "VP8" matches "video/VP8", "opus" matches "audio/opus".
			if strings.EqualFold(subtypeOf(c.MimeType), name) {
				out = append(out, clone(c))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown media codec %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty media codec list")
	}
	return out, nil
}

func subtypeOf(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return mimeType[i+1:]
	}
	return mimeType
}

// GenerateRouterRtpCapabilities builds the router capability descriptor for
// the given media codecs: every codec is validated against the supported
// table, gets a preferred payload type from the dynamic range and, for
// video, a paired RTX codec.
func GenerateRouterRtpCapabilities(mediaCodecs []*RtpCodecCapability) (RtpCapabilities, error) {
	caps := RtpCapabilities{
		HeaderExtensions: clone(supportedHeaderExtensions),
	}
	if len(mediaCodecs) == 0 {
		return caps, fmt.Errorf("no media codecs configured")
	}

	used := map[uint8]bool{}
	nextPT := 0
	takePT := func() (uint8, error) {
		for nextPT < len(dynamicPayloadTypes) {
			pt := dynamicPayloadTypes[nextPT]
			nextPT++
			if !used[pt] {
				used[pt] = true
				return pt, nil
			}
		}
		return 0, fmt.Errorf("dynamic payload types exhausted")
	}

	for _, mediaCodec := range mediaCodecs {
		if err := validateCodecCapability(mediaCodec); err != nil {
			return caps, err
		}
		var matched *RtpCodecCapability
		for _, s := range supportedCodecs {
			if matchCodecCapabilities(mediaCodec, s, false) {
				matched = s
				break
			}
		}
		if matched == nil {
			return caps, fmt.Errorf("media codec not supported [mimeType:%s]", mediaCodec.MimeType)
		}

		codec := clone(matched)
		// Settings the caller declared win over the table defaults.
		mergeCodecParameters(&codec.Parameters, &mediaCodec.Parameters)

		switch {
		case mediaCodec.PreferredPayloadType != 0:
			if used[mediaCodec.PreferredPayloadType] {
				return caps, fmt.Errorf("duplicated preferred payload type %d", mediaCodec.PreferredPayloadType)
			}
			used[mediaCodec.PreferredPayloadType] = true
			codec.PreferredPayloadType = mediaCodec.PreferredPayloadType
		default:
			pt, err := takePT()
			if err != nil {
				return caps, err
			}
			codec.PreferredPayloadType = pt
		}
		caps.Codecs = append(caps.Codecs, codec)

		if codec.Kind == MediaKindVideo {
			pt, err := takePT()
			if err != nil {
				return caps, err
			}
			caps.Codecs = append(caps.Codecs, &RtpCodecCapability{
				Kind:                 MediaKindVideo,
				MimeType:             "video/rtx",
				PreferredPayloadType: pt,
				ClockRate:            codec.ClockRate,
				Parameters:           RtpCodecSpecificParameters{Apt: codec.PreferredPayloadType},
			})
		}
	}
	return caps, nil
}

// mergeCodecParameters overlays the non-zero fields of src onto dst.
func mergeCodecParameters(dst, src *RtpCodecSpecificParameters) {
	if src.Apt != 0 {
		dst.Apt = src.Apt
	}
	if src.PacketizationMode != 0 {
		dst.PacketizationMode = src.PacketizationMode
	}
	if src.ProfileLevelID != "" {
		dst.ProfileLevelID = src.ProfileLevelID
	}
	if src.LevelAsymmetryAllowed != 0 {
		dst.LevelAsymmetryAllowed = src.LevelAsymmetryAllowed
	}
	if src.ProfileID != 0 {
		dst.ProfileID = src.ProfileID
	}
	if src.SpropStereo != 0 {
		dst.SpropStereo = src.SpropStereo
	}
	if src.UseInbandFec != 0 {
		dst.UseInbandFec = src.UseInbandFec
	}
	if src.UseDtx != 0 {
		dst.UseDtx = src.UseDtx
	}
	if src.MinPtime != 0 {
		dst.MinPtime = src.MinPtime
	}
	if src.XGoogleStartBitrate != 0 {
		dst.XGoogleStartBitrate = src.XGoogleStartBitrate
	}
}
