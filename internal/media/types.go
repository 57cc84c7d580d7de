// Package media holds the data model shared by the demuxer, the decode
// workers, the frame queues and the clock.
package media

import (
	"fmt"
	"time"
)

type StreamKind int

const (
	StreamVideo StreamKind = iota
	StreamAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	}
	return fmt.Sprintf("stream(%d)", int(k))
}

// Rational is a tick duration expressed as Num/Den seconds.
type Rational struct {
	Num int
	Den int
}

func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// PresentationTime converts ts ticks of time base tb into a duration.
func PresentationTime(ts int64, tb Rational) time.Duration {
	if tb.Den == 0 {
		return 0
	}
	ticks := ts * int64(tb.Num)
	den := int64(tb.Den)
	return time.Duration(ticks/den)*time.Second + time.Duration(ticks%den)*time.Second/time.Duration(den)
}

// StreamHandle identifies one elementary stream inside an opened container.
// It never changes after open.
type StreamHandle struct {
	Index    int
	Kind     StreamKind
	Codec    string
	TimeBase Rational
	Duration time.Duration

	// Video only.
	Width     int
	Height    int
	FrameRate Rational

	// Audio only.
	SampleRate int
	Channels   int
}

// FrameDuration is the nominal duration of one video frame, or zero when the
// container does not advertise a frame rate.
func (h *StreamHandle) FrameDuration() time.Duration {
	if h == nil || h.FrameRate.Num == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) * float64(h.FrameRate.Den) / float64(h.FrameRate.Num))
}

type Streams struct {
	Video *StreamHandle
	Audio *StreamHandle
}

// Packet is one compressed unit read from the container. The matching decode
// worker owns it once dequeued and must call Free.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	KeyFrame    bool
	Data        []byte

	// Native carries the demuxer library's own packet to the decoder that
	// belongs to the same container.
	Native  any
	Release func()

	// Generation is the seek epoch the packet was read in.
	Generation uint64
	// EndOfStream marks the synthetic packet sent after the last real one.
	EndOfStream bool
}

func (p *Packet) Free() {
	if p == nil || p.Release == nil {
		return
	}
	p.Release()
	p.Release = nil
}

type PixelFormat int

const (
	PixelFormatRGBA PixelFormat = iota
	PixelFormatBGRA
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA:
		return "rgba"
	case PixelFormatBGRA:
		return "bgra"
	}
	return fmt.Sprintf("pixfmt(%d)", int(f))
}

// VideoFormat describes the pixel layout video frames are converted to. A
// zero Width or Height keeps the source dimensions.
type VideoFormat struct {
	PixelFormat PixelFormat
	Width       int
	Height      int
}

type SampleEncoding int

const (
	SampleFloat32LE SampleEncoding = iota
	SampleSigned16LE
)

func (e SampleEncoding) BytesPerSample() int {
	if e == SampleSigned16LE {
		return 2
	}
	return 4
}

// AudioFormat describes interleaved output samples.
type AudioFormat struct {
	SampleRate int
	Channels   int
	Encoding   SampleEncoding
}

// FrameSize is the number of bytes of one sample frame (one sample per
// channel).
func (f AudioFormat) FrameSize() int {
	return f.Channels * f.Encoding.BytesPerSample()
}

// FramesToDuration converts a number of sample frames into playback time.
func (f AudioFormat) FramesToDuration(n int64) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}

// DurationToFrames is the inverse of FramesToDuration, rounded down.
func (f AudioFormat) DurationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d) * int64(f.SampleRate) / int64(time.Second)
}

type VideoFrame struct {
	PTS      time.Duration
	Duration time.Duration
	Width    int
	Height   int
	Stride   int
	Format   PixelFormat
	Pix      []byte
}

// AudioChunk is a run of interleaved samples in the configured output format.
type AudioChunk struct {
	PTS     time.Duration
	Format  AudioFormat
	Samples []byte
}

// Frames is the number of whole sample frames held by the chunk.
func (c *AudioChunk) Frames() int {
	fs := c.Format.FrameSize()
	if fs == 0 {
		return 0
	}
	return len(c.Samples) / fs
}

func (c *AudioChunk) Duration() time.Duration {
	return c.Format.FramesToDuration(int64(c.Frames()))
}

// Decoder turns packets of one stream into frames of type F. Implementations
// are driven by a single goroutine.
type Decoder[F any] interface {
	// Decode feeds one packet and emits zero or more frames.
	Decode(pkt *Packet, emit func(F) error) error
	// Drain emits the frames the codec still buffers at end of stream.
	Drain(emit func(F) error) error
	// Flush discards buffered codec state after a seek.
	Flush() error
	Close() error
}

// Container is an opened media file. ReadPacket and Seek are not safe for
// concurrent use.
type Container interface {
	Streams() Streams
	Duration() time.Duration
	ReadPacket() (*Packet, error)
	Seek(target time.Duration) (time.Duration, error)
	VideoDecoder(out VideoFormat) (Decoder[*VideoFrame], error)
	AudioDecoder(out AudioFormat) (Decoder[*AudioChunk], error)
	// Interrupt unblocks a pending ReadPacket.
	Interrupt()
	Close() error
}
