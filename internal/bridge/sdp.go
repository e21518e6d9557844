package bridge

import (
	"fmt"
	"strconv"

	"github.com/adataxi/voicebridge/internal/g711"
	"github.com/adataxi/voicebridge/internal/media"
)

// NegotiateCodec picks the preferred codec if the offer supports it,
// falling back to whichever of A-law/mu-law the offer does support. It
// returns an error if the offer has neither.
func NegotiateCodec(offer *media.SessionDescription, preferred g711.Codec) (g711.Codec, error) {
	audio := offer.AudioMedia()
	if audio == nil {
		return 0, fmt.Errorf("sdp offer has no audio media section")
	}

	hasALaw := audio.HasCodec("PCMA")
	hasULaw := audio.HasCodec("PCMU")

	switch {
	case preferred == g711.ALaw && hasALaw:
		return g711.ALaw, nil
	case preferred == g711.ULaw && hasULaw:
		return g711.ULaw, nil
	case hasALaw:
		return g711.ALaw, nil
	case hasULaw:
		return g711.ULaw, nil
	default:
		return 0, fmt.Errorf("sdp offer supports neither PCMA nor PCMU")
	}
}

// BuildAnswer constructs a single-audio-media SDP answer advertising the
// negotiated codec on our RTP port, per RFC 3264.
func BuildAnswer(localIP string, rtpPort int, codec g711.Codec) []byte {
	pt := int(codec.PayloadType())

	answer := &media.SessionDescription{
		Version: 0,
		Origin: media.Origin{
			Username:       "-",
			SessionID:      "0",
			SessionVersion: "0",
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        localIP,
		},
		SessionName: "voicebridge",
		Connection: &media.Connection{
			NetType:  "IN",
			AddrType: "IP4",
			Address:  localIP,
		},
		Time: "0 0",
		Media: []media.MediaDescription{
			{
				Type:    "audio",
				Port:    rtpPort,
				Proto:   "RTP/AVP",
				Formats: []int{pt},
				Codecs: []media.Codec{
					{PayloadType: pt, Name: codec.String(), ClockRate: 8000},
				},
				Attributes: []string{
					"rtpmap:" + strconv.Itoa(pt) + " " + codec.String() + "/8000",
					"sendrecv",
					"ptime:20",
				},
			},
		},
	}

	return answer.Marshal()
}
