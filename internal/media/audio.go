package media

import (
	"encoding/binary"
	"math"
	"time"
)

// ScaleVolume copies src into dst multiplying every sample by volume. Both
// hold interleaved samples of encoding enc; dst must be at least as long as
// src. It returns the number of bytes written.
func ScaleVolume(dst, src []byte, enc SampleEncoding, volume float32) int {
	n := copy(dst, src)
	if volume == 1 {
		return n
	}

	switch enc {
	case SampleFloat32LE:
		for i := 0; i+4 <= n; i += 4 {
			v := math.Float32frombits(binary.LittleEndian.Uint32(dst[i:]))
			binary.LittleEndian.PutUint32(dst[i:], math.Float32bits(v*volume))
		}
	case SampleSigned16LE:
		for i := 0; i+2 <= n; i += 2 {
			v := float32(int16(binary.LittleEndian.Uint16(dst[i:]))) * volume
			binary.LittleEndian.PutUint16(dst[i:], uint16(int16(max(min(v, math.MaxInt16), math.MinInt16))))
		}
	}
	return n
}

// TrimAudio drops the samples of c that play before floor. It reports false
// when the whole chunk is earlier than floor.
func TrimAudio(c *AudioChunk, floor time.Duration) (*AudioChunk, bool) {
	if c.PTS >= floor {
		return c, true
	}
	end := c.PTS + c.Duration()
	if end <= floor {
		return nil, false
	}

	skip := int(c.Format.DurationToFrames(floor - c.PTS))
	if skip <= 0 {
		return c, true
	}
	if skip >= c.Frames() {
		return nil, false
	}
	return &AudioChunk{
		PTS:     c.PTS + c.Format.FramesToDuration(int64(skip)),
		Format:  c.Format,
		Samples: c.Samples[skip*c.Format.FrameSize():],
	}, true
}
