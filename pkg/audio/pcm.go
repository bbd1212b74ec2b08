package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// Int16ToBytes encodes samples as little-endian PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// BytesToInt16 decodes little-endian PCM. A trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return out
}

// StereoToMono averages interleaved L/R samples.
func StereoToMono(pcm []byte) []byte {
	in := BytesToInt16(pcm)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return Int16ToBytes(out)
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate with linear
// interpolation. The input is returned unchanged when the rates match or
// either rate is not positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	in := BytesToInt16(pcm)
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(in[idx])
		s1 := s0
		if idx+1 < len(in) {
			s1 = float64(in[idx+1])
		}
		out[i] = int16(s0*(1-frac) + s1*frac)
	}
	return Int16ToBytes(out)
}

// Converter brings frames to a target mono format. It logs once on the first
// format mismatch and drops frames with an odd byte count.
//
// Create one per stream; a Converter is not safe for concurrent use.
type Converter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is.
func (c *Converter) Convert(frame types.AudioFrame) types.AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM frame, dropping", "bytes", len(frame.Data))
		})
		return types.AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnMismatch.Do(func() {
		slog.Warn("audio: format mismatch, converting",
			"from", fmt.Sprintf("%dHz/%dch", frame.SampleRate, frame.Channels),
			"to", fmt.Sprintf("%dHz/%dch", c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
	return types.AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}
