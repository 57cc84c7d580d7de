package media

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floats(vs ...float32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func TestScaleVolumeFloat32(t *testing.T) {
	t.Parallel()
	src := floats(1, -0.5, 0.25)
	dst := make([]byte, len(src))

	n := ScaleVolume(dst, src, SampleFloat32LE, 0.5)
	require.Equal(t, len(src), n)
	assert.Equal(t, floats(0.5, -0.25, 0.125), dst)
	assert.Equal(t, floats(1, -0.5, 0.25), src, "source must not be modified")
}

func TestScaleVolumeSigned16(t *testing.T) {
	t.Parallel()
	src := make([]byte, 4)
	pos, neg := int16(1000), int16(-2000)
	binary.LittleEndian.PutUint16(src, uint16(pos))
	binary.LittleEndian.PutUint16(src[2:], uint16(neg))
	dst := make([]byte, 4)

	ScaleVolume(dst, src, SampleSigned16LE, 0.5)
	assert.Equal(t, int16(500), int16(binary.LittleEndian.Uint16(dst)))
	assert.Equal(t, int16(-1000), int16(binary.LittleEndian.Uint16(dst[2:])))
}

func TestTrimAudio(t *testing.T) {
	t.Parallel()
	format := AudioFormat{SampleRate: 1000, Channels: 2, Encoding: SampleFloat32LE}
	chunk := &AudioChunk{
		PTS:     time.Second,
		Format:  format,
		Samples: make([]byte, 100*format.FrameSize()),
	}

	kept, ok := TrimAudio(chunk, 900*time.Millisecond)
	require.True(t, ok)
	assert.Same(t, chunk, kept)

	kept, ok = TrimAudio(chunk, 1040*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 1040*time.Millisecond, kept.PTS)
	assert.Equal(t, 60, kept.Frames())

	_, ok = TrimAudio(chunk, 1100*time.Millisecond)
	assert.False(t, ok)
}

func TestPresentationTime(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2*time.Second, PresentationTime(50, Rational{Num: 1, Den: 25}))
	assert.Equal(t, time.Duration(0), PresentationTime(50, Rational{}))

	h := &StreamHandle{FrameRate: Rational{Num: 25, Den: 1}}
	assert.Equal(t, 40*time.Millisecond, h.FrameDuration())
}
