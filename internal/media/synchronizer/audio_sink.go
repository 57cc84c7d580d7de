package synchronizer

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/platform/metrics"
)

// AudioSink is the io.Reader pulled by the audio device. It is the only
// consumer of the audio frame queue and the only writer of the clock. Read
// never blocks: an empty queue or a paused sink yields silence.
type AudioSink struct {
	queue   *media.FrameQueue[*media.AudioChunk]
	clock   *media.Clock
	format  media.AudioFormat
	log     *slog.Logger
	metrics *metrics.Metrics
	onEnded func(gen uint64)

	volume  atomic.Uint32
	playing atomic.Bool

	mutex       sync.Mutex
	gen         uint64
	cur         *media.AudioChunk
	curGen      uint64
	off         int
	endSignaled bool

	consumed  atomic.Int64
	underruns atomic.Int64
}

func NewAudioSink(
	queue *media.FrameQueue[*media.AudioChunk],
	clock *media.Clock,
	format media.AudioFormat,
	log *slog.Logger,
	m *metrics.Metrics,
) *AudioSink {
	s := &AudioSink{
		queue:   queue,
		clock:   clock,
		format:  format,
		log:     log,
		metrics: m,
	}
	s.volume.Store(math.Float32bits(1))
	return s
}

// OnEnded registers fn to be called once per generation when the audio queue
// is drained and its stream ended. Must be set before the device starts
// reading.
func (s *AudioSink) OnEnded(fn func(gen uint64)) {
	s.onEnded = fn
}

func (s *AudioSink) SetPlaying(playing bool) {
	s.playing.Store(playing)
}

// SetVolume sets the gain applied to every sample. v must be in [0, 1].
func (s *AudioSink) SetVolume(v float32) error {
	if math.IsNaN(float64(v)) || v < 0 || v > 1 {
		return media.ErrInvalidVolume
	}
	s.volume.Store(math.Float32bits(v))
	return nil
}

func (s *AudioSink) Volume() float32 {
	return math.Float32frombits(s.volume.Load())
}

// Consumed is the number of sample frames handed to the device so far.
func (s *AudioSink) Consumed() int64 {
	return s.consumed.Load()
}

func (s *AudioSink) Underruns() int64 {
	return s.underruns.Load()
}

func (s *AudioSink) Format() media.AudioFormat {
	return s.format
}

// Read fills p with whole sample frames from the queue and pads the rest with
// silence. The clock advances by the frames taken from the queue only.
func (s *AudioSink) Read(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.playing.Load() {
		clear(p)
		return len(p), nil
	}

	gen := s.clock.Generation()
	if gen != s.gen {
		s.gen = gen
		s.endSignaled = false
	}
	if s.cur != nil && s.curGen < gen {
		s.cur, s.off = nil, 0
	}

	fs := s.format.FrameSize()
	vol := s.Volume()
	n := 0
	for {
		room := (len(p) - n) / fs * fs
		if room == 0 {
			break
		}

		if s.cur == nil {
			c, cgen, err := s.queue.TryPop()
			if err != nil {
				s.handleEmpty(err, cgen, gen)
				break
			}
			if cgen < gen {
				s.metrics.IncStale("audio")
				continue
			}
			s.cur, s.curGen, s.off = c, cgen, 0
		}
		// A chunk of a generation the clock has not switched to yet waits for
		// the next Read.
		if s.curGen != gen {
			break
		}

		src := s.cur.Samples[s.off:]
		if len(src) > room {
			src = src[:room]
		}
		m := media.ScaleVolume(p[n:], src, s.format.Encoding, vol)
		n += m
		s.off += m
		if s.off >= len(s.cur.Samples) {
			s.cur, s.off = nil, 0
		}
	}
	clear(p[n:])

	if frames := int64(n / fs); frames > 0 {
		s.consumed.Add(frames)
		if err := s.clock.AdvanceBySamples(gen, frames); err != nil {
			s.log.Debug("audio output raced a seek", "error", err)
		}
	}
	return len(p), nil
}

func (s *AudioSink) handleEmpty(err error, queueGen, gen uint64) {
	switch {
	case errors.Is(err, media.ErrEndOfStream):
		if queueGen != gen || s.endSignaled {
			return
		}
		s.endSignaled = true
		s.log.Debug("audio stream drained", "generation", gen)
		if s.onEnded != nil {
			s.onEnded(gen)
		}
	case errors.Is(err, media.ErrQueueEmpty):
		s.underruns.Add(1)
		s.metrics.IncAudioUnderruns()
	}
}
