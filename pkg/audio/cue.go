package audio

import "math"

// CueSampleRate is the sample rate of [ConfirmationCue].
const CueSampleRate = 16000

// ConfirmationCue returns a short two-tone beep as mono PCM at
// [CueSampleRate]. Each tone has a 5ms linear fade in and out to avoid clicks.
func ConfirmationCue() []byte {
	const (
		toneMs = 70
		gapMs  = 30
		amp    = 0.35 * 32767
		fadeMs = 5
	)
	tone := func(freq float64) []int16 {
		n := CueSampleRate * toneMs / 1000
		fade := CueSampleRate * fadeMs / 1000
		out := make([]int16, n)
		for i := range out {
			g := 1.0
			if i < fade {
				g = float64(i) / float64(fade)
			} else if i >= n-fade {
				g = float64(n-1-i) / float64(fade)
			}
			out[i] = int16(amp * g * math.Sin(2*math.Pi*freq*float64(i)/CueSampleRate))
		}
		return out
	}

	samples := tone(880)
	samples = append(samples, make([]int16, CueSampleRate*gapMs/1000)...)
	samples = append(samples, tone(1320)...)
	return Int16ToBytes(samples)
}
