package telephony

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

// MulawToPCM16 expands 8-bit mulaw samples to little-endian 16-bit linear PCM.
// STT providers that only accept linear16 consume this form.
func MulawToPCM16(mulaw []byte) []byte {
	lpcm := g711.DecodeUlaw(mulaw)
	return lpcm
}

// PCM16ToMulaw compands 16-bit linear PCM back to mulaw for playback.
func PCM16ToMulaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// PCM16Energy returns the mean absolute amplitude of little-endian 16-bit PCM,
// normalized to [0,1]. Cheap speech/silence hint for silence tracking before
// any transcript activity is available.
func PCM16Energy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if s < 0 {
			s = -s
		}
		sum += float64(s)
	}
	return sum / float64(n) / 32768.0
}
