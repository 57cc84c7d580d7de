package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/media/synchronizer"
	"github.com/GoldenFealla/avplayer/internal/platform/metrics"
	"golang.org/x/sync/errgroup"
)

// hooks connect a session's pipeline goroutines back to the transport.
type hooks struct {
	present synchronizer.Presenter
	ended   func(kind media.StreamKind, gen uint64)
	dead    func(kind media.StreamKind, err error)
	fatal   func(err error)
	control func(ctx context.Context) error
}

// session is the pipeline built around one opened container.
type session struct {
	id        string
	log       *slog.Logger
	metrics   *metrics.Metrics
	container media.Container
	streams   media.Streams
	duration  time.Duration
	hooks     hooks

	videoDec media.Decoder[*media.VideoFrame]
	audioDec media.Decoder[*media.AudioChunk]
	videoQ   *media.FrameQueue[*media.VideoFrame]
	audioQ   *media.FrameQueue[*media.AudioChunk]

	clock   *media.Clock
	sink    *synchronizer.AudioSink
	sched   *synchronizer.Scheduler
	disp    *dispatcher
	workers []func(ctx context.Context) error
	inputs  []chan *media.Packet

	videoAlive atomic.Bool
	audioAlive atomic.Bool

	// Guarded by Player.mutex.
	videoEndedGen uint64
	audioEndedGen uint64

	seekCh chan struct{}

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

func newSession(
	id string,
	cfg Config,
	c media.Container,
	log *slog.Logger,
	m *metrics.Metrics,
	now func() time.Time,
	h hooks,
) (*session, error) {
	s := &session{
		id:        id,
		log:       log,
		metrics:   m,
		container: c,
		streams:   c.Streams(),
		duration:  c.Duration(),
		hooks:     h,
		seekCh:    make(chan struct{}, 1),
	}

	if s.streams.Video != nil {
		dec, err := c.VideoDecoder(cfg.VideoFormat)
		if err != nil {
			log.Warn("video stream not decodable", "error", err)
			s.streams.Video = nil
		} else {
			s.videoDec = dec
		}
	}
	if s.streams.Audio != nil {
		dec, err := c.AudioDecoder(cfg.AudioFormat)
		if err != nil {
			log.Warn("audio stream not decodable", "error", err)
			s.streams.Audio = nil
		} else {
			s.audioDec = dec
		}
	}
	if s.streams.Video == nil && s.streams.Audio == nil {
		return nil, fmt.Errorf("player: open failed: %w", media.ErrNoDecodableStreams)
	}

	sampleRate := 0
	if s.streams.Audio != nil {
		sampleRate = cfg.AudioFormat.SampleRate
	}
	s.clock = media.NewClock(sampleRate, 1, now)

	routes := make(map[int]chan<- *media.Packet)
	s.disp = newDispatcher(c, routes, cfg.MaxConsecutiveDemuxErrors, log.With("component", "dispatcher"), m, s.resetEpoch)

	if v := s.streams.Video; v != nil {
		in := make(chan *media.Packet, cfg.PacketBuffer)
		routes[v.Index] = in
		s.inputs = append(s.inputs, in)
		s.videoQ = media.NewFrameQueue[*media.VideoFrame](cfg.VideoQueueDepth)
		s.videoQ.Flush(1)
		s.videoAlive.Store(true)

		w := &worker[*media.VideoFrame]{
			kind:      media.StreamVideo,
			dec:       s.videoDec,
			in:        in,
			queue:     s.videoQ,
			epoch:     s.disp.epoch,
			maxErrors: cfg.MaxConsecutiveDecodeErrors,
			log:       log.With("component", "video_worker"),
			metrics:   m,
			keep:      keepVideo,
			onDead:    h.dead,
		}
		s.sched = synchronizer.NewScheduler(s.videoQ, s.clock, h.present, cfg.Sync(), log.With("component", "scheduler"), m)
		s.sched.OnEnded(func(gen uint64) { h.ended(media.StreamVideo, gen) })
		s.workers = append(s.workers, w.run, s.sched.Run)
	}

	if a := s.streams.Audio; a != nil {
		in := make(chan *media.Packet, cfg.PacketBuffer)
		routes[a.Index] = in
		s.inputs = append(s.inputs, in)
		s.audioQ = media.NewWeightedFrameQueue(cfg.AudioQueueSamples, (*media.AudioChunk).Frames)
		s.audioQ.Flush(1)
		s.audioAlive.Store(true)

		w := &worker[*media.AudioChunk]{
			kind:      media.StreamAudio,
			dec:       s.audioDec,
			in:        in,
			queue:     s.audioQ,
			epoch:     s.disp.epoch,
			maxErrors: cfg.MaxConsecutiveDecodeErrors,
			log:       log.With("component", "audio_worker"),
			metrics:   m,
			keep:      keepAudio,
			onDead:    h.dead,
		}
		s.sink = synchronizer.NewAudioSink(s.audioQ, s.clock, cfg.AudioFormat, log.With("component", "audio_sink"), m)
		s.sink.OnEnded(func(gen uint64) { h.ended(media.StreamAudio, gen) })
		s.workers = append(s.workers, w.run)
	}

	return s, nil
}

// resetEpoch flushes both queues into the new generation and restarts the
// clock at its position.
func (s *session) resetEpoch(ep epoch) {
	if s.videoQ != nil {
		s.videoQ.Flush(ep.gen)
	}
	if s.audioQ != nil {
		s.audioQ.Flush(ep.gen)
	}
	if err := s.clock.Reset(ep.position, ep.gen); err != nil {
		s.log.Error("clock reset refused", "error", err, "generation", ep.gen)
	}
}

// start launches the dispatcher, the workers, the scheduler and the control
// loop.
func (s *session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = group

	group.Go(func() error {
		err := s.disp.run(ctx)
		if err != nil {
			s.hooks.fatal(err)
		}
		return err
	})
	for _, run := range s.workers {
		group.Go(func() error { return run(ctx) })
	}
	group.Go(func() error { return s.hooks.control(ctx) })
}

// stop cancels the pipeline and releases every blocked goroutine without
// waiting for them.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.container.Interrupt()
		if s.videoQ != nil {
			s.videoQ.Close()
		}
		if s.audioQ != nil {
			s.audioQ.Close()
		}
	})
}

// close stops the pipeline, joins its goroutines and releases the decoders
// and the container.
func (s *session) close() error {
	s.stop()
	if s.group != nil {
		// Pipeline failures are reported through the transport state.
		_ = s.group.Wait()
	}
	s.freeInputs()

	var errs []error
	if s.videoDec != nil {
		errs = append(errs, s.videoDec.Close())
	}
	if s.audioDec != nil {
		errs = append(errs, s.audioDec.Close())
	}
	errs = append(errs, s.container.Close())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("player: close failed: %w", err)
	}
	return nil
}

// freeInputs releases the packets left in the worker channels once every
// goroutine has exited.
func (s *session) freeInputs() {
	for _, in := range s.inputs {
		for len(in) > 0 {
			(<-in).Free()
		}
	}
}

// setPlaying switches the clock, the audio sink and the scheduler together.
func (s *session) setPlaying(playing bool) {
	if playing {
		s.clock.Resume()
		if s.sink != nil && s.audioAlive.Load() {
			s.sink.SetPlaying(true)
		}
		if s.sched != nil {
			s.sched.SetPlaying(true)
		}
		return
	}
	if s.sink != nil {
		s.sink.SetPlaying(false)
	}
	if s.sched != nil {
		s.sched.SetPlaying(false)
	}
	s.clock.Pause()
}

// ready reports whether every live stream has data queued or has ended.
func (s *session) ready() bool {
	if s.videoQ != nil && s.videoAlive.Load() && s.videoQ.Len() == 0 && !s.videoQ.Drained() {
		return false
	}
	if s.audioQ != nil && s.audioAlive.Load() && s.audioQ.Len() == 0 && !s.audioQ.Drained() {
		return false
	}
	return true
}

// frameDuration is the duration of one video frame, or one millisecond for
// audio-only files.
func (s *session) frameDuration() time.Duration {
	if d := s.streams.Video.FrameDuration(); d > 0 {
		return d
	}
	return time.Millisecond
}

func (s *session) updateGauges() {
	if s.videoQ != nil {
		s.metrics.SetQueueDepth("video", s.videoQ.Len())
	}
	if s.audioQ != nil {
		s.metrics.SetQueueDepth("audio", s.audioQ.Weight())
	}
}
