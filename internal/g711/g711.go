// Package g711 wraps the zaf/g711 ITU-T G.711 codec (A-law/mu-law) behind
// the narrow surface the voice bridge needs: per-sample decode/encode, the
// silence byte, and the RTP payload type for each law.
package g711

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
)

// Codec identifies a G.711 companding law.
type Codec int

const (
	ALaw Codec = iota
	ULaw
)

// String returns the SDP-style codec name.
func (c Codec) String() string {
	switch c {
	case ALaw:
		return "PCMA"
	case ULaw:
		return "PCMU"
	default:
		return "unknown"
	}
}

// ParseCodec maps an SDP/config codec name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "PCMA", "pcma", "ALAW", "alaw", "A-law":
		return ALaw, nil
	case "PCMU", "pcmu", "ULAW", "ulaw", "u-law":
		return ULaw, nil
	default:
		return 0, fmt.Errorf("unsupported g711 codec %q", name)
	}
}

// PayloadType returns the static RTP payload type for the codec (8 for
// A-law, 0 for mu-law).
func (c Codec) PayloadType() uint8 {
	if c == ALaw {
		return 8
	}
	return 0
}

// PayloadTypeToCodec maps an RTP static payload type back to a Codec.
func PayloadTypeToCodec(pt uint8) (Codec, error) {
	switch pt {
	case 8:
		return ALaw, nil
	case 0:
		return ULaw, nil
	default:
		return 0, fmt.Errorf("unsupported rtp payload type %d", pt)
	}
}

// SilenceByte returns the comfort-noise/silence byte for the codec:
// 0xD5 for A-law, 0xFF for mu-law.
func (c Codec) SilenceByte() byte {
	if c == ALaw {
		return 0xD5
	}
	return 0xFF
}

// DecodeSample converts one companded byte to a signed 16-bit PCM sample.
func (c Codec) DecodeSample(b byte) int16 {
	var pcm []byte
	if c == ALaw {
		pcm = g711.DecodeAlaw([]byte{b})
	} else {
		pcm = g711.DecodeUlaw([]byte{b})
	}
	return int16(binary.LittleEndian.Uint16(pcm))
}

// EncodeSample converts a signed 16-bit PCM sample to one companded byte.
func (c Codec) EncodeSample(s int16) byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(s))
	var enc []byte
	if c == ALaw {
		enc = g711.EncodeAlaw(buf[:])
	} else {
		enc = g711.EncodeUlaw(buf[:])
	}
	return enc[0]
}

// Decode converts a buffer of companded G.711 bytes into little-endian
// signed 16-bit PCM, one sample per input byte.
func (c Codec) Decode(in []byte) []int16 {
	var pcm []byte
	if c == ALaw {
		pcm = g711.DecodeAlaw(in)
	} else {
		pcm = g711.DecodeUlaw(in)
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// Encode converts a buffer of signed 16-bit PCM samples into companded
// G.711 bytes, one byte per input sample.
func (c Codec) Encode(in []int16) []byte {
	pcm := make([]byte, len(in)*2)
	for i, s := range in {
		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(s))
	}
	if c == ALaw {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// SilenceFrame returns a frame of n bytes filled with the codec's silence
// byte.
func (c Codec) SilenceFrame(n int) []byte {
	frame := make([]byte, n)
	sb := c.SilenceByte()
	for i := range frame {
		frame[i] = sb
	}
	return frame
}
