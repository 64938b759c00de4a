package rtc

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnsupported marks capability sets that cannot decode a producer.
// Callers map it to the UnsupportedCapabilities wire error.
var ErrUnsupported = errors.New("unsupported capabilities")

var mimeTypeRe = regexp.MustCompile(`^(audio|video)/(.+)`)

func isRtxMime(mimeType string) bool {
	return strings.EqualFold(subtypeOf(mimeType), "rtx")
}

func kindOfMime(mimeType string) MediaKind {
	m := mimeTypeRe.FindStringSubmatch(mimeType)
	if m == nil {
		return ""
	}
	return MediaKind(m[1])
}

func validateCodecCapability(c *RtpCodecCapability) error {
	kind := kindOfMime(c.MimeType)
	if kind == "" {
		return fmt.Errorf("invalid codec mimeType %q", c.MimeType)
	}
	if c.Kind == "" {
		c.Kind = kind
	} else if c.Kind != kind {
		return fmt.Errorf("codec kind %q does not match mimeType %q", c.Kind, c.MimeType)
	}
	if c.ClockRate <= 0 {
		return fmt.Errorf("codec %s missing clockRate", c.MimeType)
	}
	if kind == MediaKindAudio && c.Channels == 0 {
		c.Channels = 1
	}
	return nil
}

// ValidateRtpCapabilities checks an endpoint capability set before it is
// used to synthesize consumer parameters.
func ValidateRtpCapabilities(caps *RtpCapabilities) error {
	for _, c := range caps.Codecs {
		if err := validateCodecCapability(c); err != nil {
			return err
		}
	}
	for _, ext := range caps.HeaderExtensions {
		if ext.URI == "" {
			return fmt.Errorf("header extension with empty uri")
		}
	}
	return nil
}

// ValidateRtpParameters checks producer parameters before mapping them.
func ValidateRtpParameters(params *RtpParameters) error {
	if len(params.Codecs) == 0 {
		return fmt.Errorf("rtpParameters without codecs")
	}
	pts := map[uint8]bool{}
	for _, c := range params.Codecs {
		if kindOfMime(c.MimeType) == "" {
			return fmt.Errorf("invalid codec mimeType %q", c.MimeType)
		}
		if c.ClockRate <= 0 {
			return fmt.Errorf("codec %s missing clockRate", c.MimeType)
		}
		if pts[c.PayloadType] {
			return fmt.Errorf("duplicated payloadType %d", c.PayloadType)
		}
		pts[c.PayloadType] = true
		if isRtxMime(c.MimeType) && c.Parameters.Apt == 0 {
			return fmt.Errorf("rtx codec %d missing apt", c.PayloadType)
		}
	}
	for _, enc := range params.Encodings {
		if enc.CodecPayloadType != 0 && !pts[enc.CodecPayloadType] {
			return fmt.Errorf("encoding codecPayloadType %d has no codec", enc.CodecPayloadType)
		}
	}
	return nil
}

// GetProducerRtpParametersMapping maps the producer's payload types onto the
// router's preferred ones and assigns a router-side SSRC per encoding. The
// worker applies the mapping to every inbound packet. When an H264 profile
// answer is selected the producer codec parameters are updated in place.
func GetProducerRtpParametersMapping(params *RtpParameters, caps RtpCapabilities) (RtpMapping, error) {
	var mapping RtpMapping
	codecToCap := map[*RtpCodec]*RtpCodecCapability{}

	for _, codec := range params.Codecs {
		if isRtxMime(codec.MimeType) {
			continue
		}
		var capCodec *RtpCodecCapability
		for _, cc := range caps.Codecs {
			if matchParamCodec(codec, cc, true, true) {
				capCodec = cc
				break
			}
		}
		if capCodec == nil {
			return mapping, fmt.Errorf("%w: codec [mimeType:%s, payloadType:%d]",
				ErrUnsupported, codec.MimeType, codec.PayloadType)
		}
		codecToCap[codec] = capCodec
	}

	for _, codec := range params.Codecs {
		if !isRtxMime(codec.MimeType) {
			continue
		}
		var media *RtpCodec
		for _, m := range params.Codecs {
			if !isRtxMime(m.MimeType) && m.PayloadType == codec.Parameters.Apt {
				media = m
				break
			}
		}
		if media == nil {
			return mapping, fmt.Errorf("%w: rtx codec %d has no media codec (apt %d)",
				ErrUnsupported, codec.PayloadType, codec.Parameters.Apt)
		}
		capMedia := codecToCap[media]
		var capRtx *RtpCodecCapability
		for _, cc := range caps.Codecs {
			if isRtxMime(cc.MimeType) && cc.Parameters.Apt == capMedia.PreferredPayloadType {
				capRtx = cc
				break
			}
		}
		if capRtx == nil {
			return mapping, fmt.Errorf("%w: no rtx capability for media codec %d",
				ErrUnsupported, capMedia.PreferredPayloadType)
		}
		codecToCap[codec] = capRtx
	}

	for _, codec := range params.Codecs {
		mapping.Codecs = append(mapping.Codecs, RtpMappingCodec{
			PayloadType:       codec.PayloadType,
			MappedPayloadType: codecToCap[codec].PreferredPayloadType,
		})
	}
	for _, enc := range params.Encodings {
		mapping.Encodings = append(mapping.Encodings, RtpMappingEncoding{
			Ssrc:            enc.Ssrc,
			Rid:             enc.Rid,
			ScalabilityMode: enc.ScalabilityMode,
			MappedSsrc:      generateSsrc(),
		})
	}
	return mapping, nil
}

// GetConsumableRtpParameters converts producer parameters into the
// router-side form consumers are synthesized from: router payload types,
// mapped SSRCs, the full receivable extension set and transport-wide RTCP.
func GetConsumableRtpParameters(kind MediaKind, params *RtpParameters, caps RtpCapabilities, mapping RtpMapping) RtpParameters {
	out := RtpParameters{
		Rtcp: RtcpParameters{Cname: params.Rtcp.Cname, ReducedSize: Bool(true), Mux: Bool(true)},
	}

	for _, codec := range params.Codecs {
		if isRtxMime(codec.MimeType) {
			continue
		}
		mappedPT, ok := mappedPayloadType(mapping, codec.PayloadType)
		if !ok {
			continue
		}
		var capCodec *RtpCodecCapability
		for _, cc := range caps.Codecs {
			if cc.PreferredPayloadType == mappedPT {
				capCodec = cc
				break
			}
		}
		if capCodec == nil {
			continue
		}
		// Producer-declared parameters survive; feedback comes from the router.
		out.Codecs = append(out.Codecs, &RtpCodec{
			MimeType:     capCodec.MimeType,
			PayloadType:  mappedPT,
			ClockRate:    capCodec.ClockRate,
			Channels:     capCodec.Channels,
			Parameters:   clone(codec.Parameters),
			RtcpFeedback: clone(capCodec.RtcpFeedback),
		})
		for _, cc := range caps.Codecs {
			if isRtxMime(cc.MimeType) && cc.Parameters.Apt == mappedPT {
				out.Codecs = append(out.Codecs, &RtpCodec{
					MimeType:     cc.MimeType,
					PayloadType:  cc.PreferredPayloadType,
					ClockRate:    cc.ClockRate,
					Parameters:   clone(cc.Parameters),
					RtcpFeedback: clone(cc.RtcpFeedback),
				})
				break
			}
		}
	}

	for _, ext := range caps.HeaderExtensions {
		if ext.Kind != kind {
			continue
		}
		if ext.Direction != "sendrecv" && ext.Direction != "sendonly" {
			continue
		}
		out.HeaderExtensions = append(out.HeaderExtensions, &RtpHeaderExtensionParameters{
			URI:     ext.URI,
			ID:      ext.PreferredID,
			Encrypt: ext.PreferredEncrypt,
		})
	}

	for i, enc := range params.Encodings {
		if i >= len(mapping.Encodings) {
			break
		}
		c := clone(enc)
		c.Rid = ""
		c.Rtx = nil
		c.CodecPayloadType = 0
		c.Ssrc = mapping.Encodings[i].MappedSsrc
		out.Encodings = append(out.Encodings, c)
	}
	return out
}

func mappedPayloadType(mapping RtpMapping, pt uint8) (uint8, bool) {
	for _, mc := range mapping.Codecs {
		if mc.PayloadType == pt {
			return mc.MappedPayloadType, true
		}
	}
	return 0, false
}

// CanConsume reports whether the capability set can decode at least one
// media codec of the consumable parameters.
func CanConsume(consumableParams *RtpParameters, caps *RtpCapabilities) bool {
	if err := ValidateRtpCapabilities(caps); err != nil {
		return false
	}
	for _, codec := range consumableParams.Codecs {
		if isRtxMime(codec.MimeType) {
			continue
		}
		for _, capCodec := range caps.Codecs {
			if matchParamCodec(codec, capCodec, true, false) {
				return true
			}
		}
	}
	return false
}

// GetConsumerRtpParameters synthesizes the parameters for one consumer of a
// producer: the intersection of the consumable codecs with the consumer's
// capability set, a single consolidated encoding with a fresh SSRC, and the
// header extensions both sides understand.
func GetConsumerRtpParameters(consumableParams *RtpParameters, caps *RtpCapabilities) (RtpParameters, error) {
	out := RtpParameters{Rtcp: clone(consumableParams.Rtcp)}

	for _, capCodec := range caps.Codecs {
		if err := validateCodecCapability(capCodec); err != nil {
			return out, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
	}

	for _, c := range consumableParams.Codecs {
		codec := clone(c)
		var matched *RtpCodecCapability
		for _, capCodec := range caps.Codecs {
			if matchParamCodec(codec, capCodec, true, false) {
				matched = capCodec
				break
			}
		}
		if matched == nil {
			continue
		}
		codec.RtcpFeedback = clone(matched.RtcpFeedback)
		out.Codecs = append(out.Codecs, codec)
	}

	// Drop RTX entries whose media codec did not survive the intersection.
	rtxSupported := false
	kept := out.Codecs[:0]
	for _, codec := range out.Codecs {
		if !isRtxMime(codec.MimeType) {
			kept = append(kept, codec)
			continue
		}
		for _, media := range out.Codecs {
			if !isRtxMime(media.MimeType) && media.PayloadType == codec.Parameters.Apt {
				kept = append(kept, codec)
				rtxSupported = true
				break
			}
		}
	}
	out.Codecs = kept
	if len(out.Codecs) == 0 || isRtxMime(out.Codecs[0].MimeType) {
		return out, fmt.Errorf("%w: no compatible media codecs", ErrUnsupported)
	}

	for _, ext := range consumableParams.HeaderExtensions {
		for _, capExt := range caps.HeaderExtensions {
			if capExt.PreferredID == ext.ID && capExt.URI == ext.URI {
				out.HeaderExtensions = append(out.HeaderExtensions, clone(ext))
				break
			}
		}
	}

	// Feedback depends on which bandwidth-estimation extension survived.
	switch {
	case hasExtension(out.HeaderExtensions, "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"):
		filterFeedback(out.Codecs, "goog-remb")
	case hasExtension(out.HeaderExtensions, "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"):
		filterFeedback(out.Codecs, "transport-cc")
	default:
		filterFeedback(out.Codecs, "goog-remb", "transport-cc")
	}

	encoding := &RtpEncodingParameters{Ssrc: generateSsrc()}
	if rtxSupported {
		encoding.Rtx = &RtpEncodingRtx{Ssrc: encoding.Ssrc + 1}
	}
	var scalabilityMode string
	for _, enc := range consumableParams.Encodings {
		if enc.ScalabilityMode != "" {
			scalabilityMode = enc.ScalabilityMode
			break
		}
	}
	if len(consumableParams.Encodings) > 1 {
		_, temporal := parseScalabilityMode(scalabilityMode)
		scalabilityMode = fmt.Sprintf("S%dT%d", len(consumableParams.Encodings), temporal)
	}
	if scalabilityMode != "" {
		encoding.ScalabilityMode = scalabilityMode
	}
	maxBitrate := 0
	for _, enc := range consumableParams.Encodings {
		if enc.MaxBitrate > maxBitrate {
			maxBitrate = enc.MaxBitrate
		}
	}
	if maxBitrate > 0 {
		encoding.MaxBitrate = maxBitrate
	}
	out.Encodings = append(out.Encodings, encoding)
	return out, nil
}

func hasExtension(exts []*RtpHeaderExtensionParameters, uri string) bool {
	for _, ext := range exts {
		if ext.URI == uri {
			return true
		}
	}
	return false
}

func filterFeedback(codecs []*RtpCodec, drop ...string) {
	for _, codec := range codecs {
		kept := codec.RtcpFeedback[:0]
	next:
		for _, fb := range codec.RtcpFeedback {
			for _, d := range drop {
				if fb.Type == d {
					continue next
				}
			}
			kept = append(kept, fb)
		}
		codec.RtcpFeedback = kept
	}
}

// matchParamCodec matches a parameters codec against a capability codec.
// With modify set, the H264 profile answer is written back into the
// parameters codec.
func matchParamCodec(a *RtpCodec, b *RtpCodecCapability, strict, modify bool) bool {
	return matchCodec(a.MimeType, a.ClockRate, a.Channels, &a.Parameters,
		b.MimeType, b.ClockRate, b.Channels, &b.Parameters, strict, modify)
}

// matchCodecCapabilities matches two capability codecs (configured codec
// against the supported table).
func matchCodecCapabilities(a, b *RtpCodecCapability, strict bool) bool {
	return matchCodec(a.MimeType, a.ClockRate, a.Channels, &a.Parameters,
		b.MimeType, b.ClockRate, b.Channels, &b.Parameters, strict, false)
}

func matchCodec(aMime string, aClock, aChannels int, aP *RtpCodecSpecificParameters,
	bMime string, bClock, bChannels int, bP *RtpCodecSpecificParameters,
	strict, modify bool,
) bool {
	aMime = strings.ToLower(aMime)
	bMime = strings.ToLower(bMime)
	if aMime != bMime {
		return false
	}
	if aClock != bClock {
		return false
	}
	if strings.HasPrefix(aMime, "audio/") {
		ac, bc := aChannels, bChannels
		if ac == 0 {
			ac = 1
		}
		if bc == 0 {
			bc = 1
		}
		if ac != bc {
			return false
		}
	}

	switch aMime {
	case "video/h264":
		if strict {
			if aP.PacketizationMode != bP.PacketizationMode {
				return false
			}
			if !sameH264Profile(aP.ProfileLevelID, bP.ProfileLevelID) {
				return false
			}
			if modify {
				aP.ProfileLevelID = answerProfileLevelID(aP.ProfileLevelID, bP.ProfileLevelID)
			}
		}
	case "video/vp9":
		if strict && aP.ProfileID != bP.ProfileID {
			return false
		}
	}
	return true
}

// defaultH264ProfileLevelID is assumed when a codec omits the fmtp value
// (constrained baseline, level 3.1).
const defaultH264ProfileLevelID = "42e01f"

func parseProfileLevelID(s string) (profile string, level uint8, ok bool) {
	if s == "" {
		s = defaultH264ProfileLevelID
	}
	if len(s) != 6 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(s[4:6], 16, 8)
	if err != nil {
		return "", 0, false
	}
	return strings.ToLower(s[:4]), uint8(n), true
}

func sameH264Profile(a, b string) bool {
	ap, _, ok1 := parseProfileLevelID(a)
	bp, _, ok2 := parseProfileLevelID(b)
	return ok1 && ok2 && ap == bp
}

// answerProfileLevelID keeps the common profile and picks the lower level.
func answerProfileLevelID(a, b string) string {
	ap, al, ok1 := parseProfileLevelID(a)
	_, bl, ok2 := parseProfileLevelID(b)
	if !ok1 || !ok2 {
		return a
	}
	level := al
	if bl < level {
		level = bl
	}
	return fmt.Sprintf("%s%02x", ap, level)
}

var scalabilityModeRe = regexp.MustCompile(`^[LS](\d+)T(\d+)`)

func parseScalabilityMode(mode string) (spatial, temporal int) {
	spatial, temporal = 1, 1
	m := scalabilityModeRe.FindStringSubmatch(mode)
	if m == nil {
		return
	}
	spatial, _ = strconv.Atoi(m[1])
	temporal, _ = strconv.Atoi(m[2])
	return
}

func generateSsrc() uint32 {
	return 100_000_000 + uint32(rand.Int31n(900_000_000))
}
