package audio

import "encoding/binary"

// Samples decodes PCM16 little-endian bytes. A trailing half sample is
// ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return out
}

// Bytes encodes samples as PCM16 little-endian.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// Upsample raises the rate by factor, interpolating linearly between
// neighbouring samples. The last sample is held.
func Upsample(in []int16, factor int) []int16 {
	if factor <= 1 {
		return append([]int16(nil), in...)
	}
	out := make([]int16, 0, len(in)*factor)
	for i, s := range in {
		next := s
		if i+1 < len(in) {
			next = in[i+1]
		}
		for j := 0; j < factor; j++ {
			v := int32(s) + (int32(next)-int32(s))*int32(j)/int32(factor)
			out = append(out, int16(v))
		}
	}
	return out
}

// Downsample lowers the rate by factor, averaging each group of samples.
// A short final group is averaged over what is present.
func Downsample(in []int16, factor int) []int16 {
	if factor <= 1 {
		return append([]int16(nil), in...)
	}
	out := make([]int16, 0, (len(in)+factor-1)/factor)
	for i := 0; i < len(in); i += factor {
		end := min(i+factor, len(in))
		var sum int32
		for _, s := range in[i:end] {
			sum += int32(s)
		}
		out = append(out, int16(sum/int32(end-i)))
	}
	return out
}
