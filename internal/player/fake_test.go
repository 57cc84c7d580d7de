package player

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
)

const (
	fakeVideoIndex = 0
	fakeAudioIndex = 1
	fakeFrame      = 40 * time.Millisecond
)

var (
	fakeVideoTB = media.Rational{Num: 1, Den: 25}
	fakeAudioTB = media.Rational{Num: 1, Den: 1000}
)

// fakeContainer is a synthetic file: 25 fps video with a keyframe every
// second and 40ms audio packets, interleaved in presentation order.
type fakeContainer struct {
	duration time.Duration
	video    bool
	audio    bool

	// videoDelay slows decoding of the frame at pts.
	videoDelay func(pts time.Duration) time.Duration
	// videoFail makes decoding of the frame at pts fail.
	videoFail func(pts time.Duration) error
	// readErr is consulted before each packet read with the packet cursor.
	readErr func(cursor int) error

	packets []media.Packet

	mu          sync.Mutex
	cursor      int
	seeks       []time.Duration
	closed      bool
	interrupted atomic.Bool
	decClosed   atomic.Int32
}

func newFakeContainer(duration time.Duration, video, audio bool) *fakeContainer {
	fc := &fakeContainer{duration: duration, video: video, audio: audio}
	n := int(duration / fakeFrame)
	for i := range n {
		if video {
			fc.packets = append(fc.packets, media.Packet{
				StreamIndex: fakeVideoIndex,
				PTS:         int64(i),
				DTS:         int64(i),
				Duration:    1,
				KeyFrame:    i%25 == 0,
			})
		}
		if audio {
			fc.packets = append(fc.packets, media.Packet{
				StreamIndex: fakeAudioIndex,
				PTS:         int64(i) * 40,
				DTS:         int64(i) * 40,
				Duration:    40,
				KeyFrame:    true,
			})
		}
	}
	return fc
}

func (fc *fakeContainer) opener() OpenFunc {
	return func(context.Context, string, *slog.Logger) (media.Container, error) {
		return fc, nil
	}
}

func (fc *fakeContainer) Streams() media.Streams {
	var s media.Streams
	if fc.video {
		s.Video = &media.StreamHandle{
			Index:     fakeVideoIndex,
			Kind:      media.StreamVideo,
			Codec:     "fake",
			TimeBase:  fakeVideoTB,
			Duration:  fc.duration,
			Width:     4,
			Height:    2,
			FrameRate: media.Rational{Num: 25, Den: 1},
		}
	}
	if fc.audio {
		s.Audio = &media.StreamHandle{
			Index:      fakeAudioIndex,
			Kind:       media.StreamAudio,
			Codec:      "fake",
			TimeBase:   fakeAudioTB,
			Duration:   fc.duration,
			SampleRate: 44100,
			Channels:   2,
		}
	}
	return s
}

func (fc *fakeContainer) Duration() time.Duration {
	return fc.duration
}

func (fc *fakeContainer) ReadPacket() (*media.Packet, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.readErr != nil {
		if err := fc.readErr(fc.cursor); err != nil {
			fc.cursor++
			return nil, err
		}
	}
	if fc.cursor >= len(fc.packets) {
		return nil, media.ErrEndOfStream
	}
	pkt := fc.packets[fc.cursor]
	fc.cursor++
	return &pkt, nil
}

func (fc *fakeContainer) Seek(target time.Duration) (time.Duration, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.seeks = append(fc.seeks, target)

	frame := int(target / fakeFrame)
	if fc.video {
		frame = frame / 25 * 25
	}
	stride := 0
	if fc.video {
		stride++
	}
	if fc.audio {
		stride++
	}
	fc.cursor = min(frame*stride, len(fc.packets))
	return time.Duration(frame) * fakeFrame, nil
}

func (fc *fakeContainer) VideoDecoder(out media.VideoFormat) (media.Decoder[*media.VideoFrame], error) {
	return &fakeVideoDecoder{fc: fc}, nil
}

func (fc *fakeContainer) AudioDecoder(out media.AudioFormat) (media.Decoder[*media.AudioChunk], error) {
	return &fakeAudioDecoder{fc: fc, format: out}, nil
}

func (fc *fakeContainer) Interrupt() {
	fc.interrupted.Store(true)
}

func (fc *fakeContainer) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.closed = true
	return nil
}

func (fc *fakeContainer) Seeks() []time.Duration {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]time.Duration(nil), fc.seeks...)
}

func (fc *fakeContainer) Closed() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.closed
}

type fakeVideoDecoder struct {
	fc *fakeContainer
}

func (d *fakeVideoDecoder) Decode(pkt *media.Packet, emit func(*media.VideoFrame) error) error {
	pts := media.PresentationTime(pkt.PTS, fakeVideoTB)
	if d.fc.videoDelay != nil {
		time.Sleep(d.fc.videoDelay(pts))
	}
	if d.fc.videoFail != nil {
		if err := d.fc.videoFail(pts); err != nil {
			return &media.DecodeError{Stream: media.StreamVideo, Err: err}
		}
	}
	return emit(&media.VideoFrame{
		PTS:      pts,
		Duration: fakeFrame,
		Width:    4,
		Height:   2,
		Stride:   16,
		Format:   media.PixelFormatRGBA,
		Pix:      make([]byte, 32),
	})
}

func (d *fakeVideoDecoder) Drain(func(*media.VideoFrame) error) error { return nil }
func (d *fakeVideoDecoder) Flush() error                              { return nil }

func (d *fakeVideoDecoder) Close() error {
	d.fc.decClosed.Add(1)
	return nil
}

type fakeAudioDecoder struct {
	fc     *fakeContainer
	format media.AudioFormat
}

func (d *fakeAudioDecoder) Decode(pkt *media.Packet, emit func(*media.AudioChunk) error) error {
	frames := int(d.format.DurationToFrames(fakeFrame))
	samples := make([]byte, frames*d.format.FrameSize())
	for i := 0; i+4 <= len(samples); i += 4 {
		binary.LittleEndian.PutUint32(samples[i:], math.Float32bits(0.5))
	}
	return emit(&media.AudioChunk{
		PTS:     media.PresentationTime(pkt.PTS, fakeAudioTB),
		Format:  d.format,
		Samples: samples,
	})
}

func (d *fakeAudioDecoder) Drain(func(*media.AudioChunk) error) error { return nil }
func (d *fakeAudioDecoder) Flush() error                              { return nil }

func (d *fakeAudioDecoder) Close() error {
	d.fc.decClosed.Add(1)
	return nil
}

var errCorrupt = errors.New("corrupt packet")
