package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerCaps(t *testing.T, names ...string) RtpCapabilities {
	t.Helper()
	if len(names) == 0 {
		names = []string{"opus", "VP8", "VP9", "H264"}
	}
	codecs, err := MediaCodecsByName(names)
	require.NoError(t, err)
	caps, err := GenerateRouterRtpCapabilities(codecs)
	require.NoError(t, err)
	return caps
}

func vp8ProducerParams() *RtpParameters {
	return &RtpParameters{
		Mid: "0",
		Codecs: []*RtpCodec{
			{
				MimeType:     "video/VP8",
				PayloadType:  96,
				ClockRate:    90000,
				RtcpFeedback: []RtcpFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
			},
			{
				MimeType:    "video/rtx",
				PayloadType: 97,
				ClockRate:   90000,
				Parameters:  RtpCodecSpecificParameters{Apt: 96},
			},
		},
		HeaderExtensions: []*RtpHeaderExtensionParameters{
			{URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 1},
		},
		Encodings: []*RtpEncodingParameters{
			{Ssrc: 222222222, Rtx: &RtpEncodingRtx{Ssrc: 222222223}, MaxBitrate: 2_500_000, ScaleResolutionDownBy: 2},
		},
		Rtcp: RtcpParameters{Cname: "cam-cname"},
	}
}

func TestGenerateRouterRtpCapabilities(t *testing.T) {
	caps := routerCaps(t)

	require.Len(t, caps.Codecs, 7) // opus + 3 video codecs with one rtx each
	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
	assert.EqualValues(t, 100, caps.Codecs[0].PreferredPayloadType)

	assert.Equal(t, "video/VP8", caps.Codecs[1].MimeType)
	assert.EqualValues(t, 101, caps.Codecs[1].PreferredPayloadType)
	assert.Equal(t, "video/rtx", caps.Codecs[2].MimeType)
	assert.EqualValues(t, 101, caps.Codecs[2].Parameters.Apt)

	assert.Equal(t, "video/H264", caps.Codecs[5].MimeType)
	assert.Equal(t, "42e01f", caps.Codecs[5].Parameters.ProfileLevelID)

	assert.NotEmpty(t, caps.HeaderExtensions)

	_, err := MediaCodecsByName([]string{"AV2"})
	assert.Error(t, err)
}

func TestProducerMappingAndConsumableParams(t *testing.T) {
	caps := routerCaps(t)
	params := vp8ProducerParams()

	mapping, err := GetProducerRtpParametersMapping(params, caps)
	require.NoError(t, err)

	require.Len(t, mapping.Codecs, 2)
	assert.EqualValues(t, 96, mapping.Codecs[0].PayloadType)
	assert.EqualValues(t, 101, mapping.Codecs[0].MappedPayloadType)
	assert.EqualValues(t, 97, mapping.Codecs[1].PayloadType)
	assert.EqualValues(t, 102, mapping.Codecs[1].MappedPayloadType)

	require.Len(t, mapping.Encodings, 1)
	assert.EqualValues(t, 222222222, mapping.Encodings[0].Ssrc)
	assert.NotZero(t, mapping.Encodings[0].MappedSsrc)

	consumable := GetConsumableRtpParameters(MediaKindVideo, params, caps, mapping)
	require.Len(t, consumable.Codecs, 2)
	assert.EqualValues(t, 101, consumable.Codecs[0].PayloadType)
	assert.Equal(t, "video/VP8", consumable.Codecs[0].MimeType)
	assert.EqualValues(t, 102, consumable.Codecs[1].PayloadType)

	require.Len(t, consumable.Encodings, 1)
	assert.Equal(t, mapping.Encodings[0].MappedSsrc, consumable.Encodings[0].Ssrc)
	assert.Empty(t, consumable.Encodings[0].Rid)
	assert.Nil(t, consumable.Encodings[0].Rtx)
	assert.Equal(t, 2_500_000, consumable.Encodings[0].MaxBitrate)

	assert.Equal(t, "cam-cname", consumable.Rtcp.Cname)
	require.NotNil(t, consumable.Rtcp.ReducedSize)
	assert.True(t, *consumable.Rtcp.ReducedSize)
}

func TestUnsupportedProducerCodec(t *testing.T) {
	caps := routerCaps(t, "opus") // audio-only router
	params := vp8ProducerParams()

	_, err := GetProducerRtpParametersMapping(params, caps)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestConsumerParametersPreservePayloadTypes(t *testing.T) {
	caps := routerCaps(t)
	params := vp8ProducerParams()

	mapping, err := GetProducerRtpParametersMapping(params, caps)
	require.NoError(t, err)
	consumable := GetConsumableRtpParameters(MediaKindVideo, params, caps, mapping)

	// The bridge consumes with the router capabilities verbatim, so the
	// synthesized parameters must keep the router payload types and clocks.
	require.True(t, CanConsume(&consumable, &caps))
	consumerParams, err := GetConsumerRtpParameters(&consumable, &caps)
	require.NoError(t, err)

	require.NotEmpty(t, consumerParams.Codecs)
	assert.EqualValues(t, 101, consumerParams.Codecs[0].PayloadType)
	assert.Equal(t, 90000, consumerParams.Codecs[0].ClockRate)

	require.Len(t, consumerParams.Encodings, 1)
	enc := consumerParams.Encodings[0]
	assert.NotZero(t, enc.Ssrc)
	require.NotNil(t, enc.Rtx)
	assert.Equal(t, enc.Ssrc+1, enc.Rtx.Ssrc)
	assert.Equal(t, 2_500_000, enc.MaxBitrate)
}

func TestCanConsumeRejectsIncompatibleCaps(t *testing.T) {
	caps := routerCaps(t)
	params := vp8ProducerParams()

	mapping, err := GetProducerRtpParametersMapping(params, caps)
	require.NoError(t, err)
	consumable := GetConsumableRtpParameters(MediaKindVideo, params, caps, mapping)

	audioOnly := &RtpCapabilities{
		Codecs: []*RtpCodecCapability{
			{Kind: MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 100},
		},
	}
	assert.False(t, CanConsume(&consumable, audioOnly))

	_, err = GetConsumerRtpParameters(&consumable, audioOnly)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestH264Matching(t *testing.T) {
	caps := routerCaps(t, "H264")

	params := &RtpParameters{
		Codecs: []*RtpCodec{{
			MimeType:    "video/H264",
			PayloadType: 98,
			ClockRate:   90000,
			Parameters: RtpCodecSpecificParameters{
				PacketizationMode: 1,
				ProfileLevelID:    "42e032",
			},
		}},
		Encodings: []*RtpEncodingParameters{{Ssrc: 33333333}},
	}
	mapping, err := GetProducerRtpParametersMapping(params, caps)
	require.NoError(t, err)
	require.Len(t, mapping.Codecs, 1)
	// Same profile, higher level: the answer keeps the lower level.
	assert.Equal(t, "42e01f", params.Codecs[0].Parameters.ProfileLevelID)

	mismatched := &RtpParameters{
		Codecs: []*RtpCodec{{
			MimeType:    "video/H264",
			PayloadType: 98,
			ClockRate:   90000,
			Parameters: RtpCodecSpecificParameters{
				PacketizationMode: 0,
				ProfileLevelID:    "640c1f",
			},
		}},
		Encodings: []*RtpEncodingParameters{{Ssrc: 33333334}},
	}
	_, err = GetProducerRtpParametersMapping(mismatched, caps)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestValidateRtpParameters(t *testing.T) {
	cases := []struct {
		name    string
		params  *RtpParameters
		wantErr bool
	}{
		{
			name:    "no codecs",
			params:  &RtpParameters{},
			wantErr: true,
		},
		{
			name: "rtx without apt",
			params: &RtpParameters{Codecs: []*RtpCodec{
				{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000},
			}},
			wantErr: true,
		},
		{
			name: "duplicate payload types",
			params: &RtpParameters{Codecs: []*RtpCodec{
				{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
				{MimeType: "video/VP9", PayloadType: 96, ClockRate: 90000},
			}},
			wantErr: true,
		},
		{
			name:    "valid",
			params:  vp8ProducerParams(),
			wantErr: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRtpParameters(tc.params)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScalabilityModeParsing(t *testing.T) {
	s, tl := parseScalabilityMode("S3T2")
	assert.Equal(t, 3, s)
	assert.Equal(t, 2, tl)

	s, tl = parseScalabilityMode("")
	assert.Equal(t, 1, s)
	assert.Equal(t, 1, tl)
}
