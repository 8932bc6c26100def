package audio

import "encoding/binary"

var muLawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLaw(byte(i))
	}
}

// G.711 mu-law, after the Sun Microsystems reference implementation.
func decodeMuLaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)

	sample := ((mantissa << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeMuLaw compresses one PCM16 sample into a mu-law byte.
func EncodeMuLaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)

	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLaw expands a mu-law byte into a PCM16 sample.
func DecodeMuLaw(u byte) int16 {
	return muLawDecodeTable[u]
}

// MuLawToPCM converts 8 kHz mu-law phone audio into PCM16 at SampleRate.
// Each phone sample is repeated to reach the protocol rate.
func MuLawToPCM(mu []byte) []byte {
	out := make([]byte, len(mu)*phoneRatio*BytesPerSample)
	for i, b := range mu {
		v := uint16(muLawDecodeTable[b])
		base := i * phoneRatio * BytesPerSample
		for j := 0; j < phoneRatio; j++ {
			binary.LittleEndian.PutUint16(out[base+j*BytesPerSample:], v)
		}
	}
	return out
}

// PCMToMuLaw converts PCM16 at SampleRate into 8 kHz mu-law by keeping every
// third sample.
func PCMToMuLaw(pcm []byte) []byte {
	samples := len(pcm) / BytesPerSample
	out := make([]byte, 0, samples/phoneRatio+1)
	for i := 0; i < samples; i += phoneRatio {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		out = append(out, EncodeMuLaw(sample))
	}
	return out
}
