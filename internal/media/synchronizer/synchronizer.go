// Package synchronizer paces decoded video against the playback clock and
// feeds decoded audio to the output device.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/platform/metrics"
)

// Presenter receives every video frame the scheduler decides to show.
type Presenter interface {
	Present(f *media.VideoFrame)
}

type PresenterFunc func(f *media.VideoFrame)

func (fn PresenterFunc) Present(f *media.VideoFrame) {
	fn(f)
}

// Config holds the pacing tunables. A frame more than WaitThreshold ahead of
// the clock waits, one more than DropThreshold behind it is dropped, anything
// in between is shown.
type Config struct {
	WaitThreshold time.Duration
	DropThreshold time.Duration
	PollInterval  time.Duration
}

func (c Config) Validate() error {
	if c.WaitThreshold <= 0 {
		return fmt.Errorf("sync config: wait threshold must be positive, got %s", c.WaitThreshold)
	}
	if c.DropThreshold <= c.WaitThreshold {
		return fmt.Errorf("sync config: drop threshold %s must exceed wait threshold %s", c.DropThreshold, c.WaitThreshold)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("sync config: poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

type Decision int

const (
	// DecisionHold keeps the last frame on screen: nothing to show yet.
	DecisionHold Decision = iota
	// DecisionWait leaves the head frame queued until the clock catches up.
	DecisionWait
	DecisionPresent
	DecisionDrop
	// DecisionEnded means the video queue is drained and its stream ended.
	DecisionEnded
	// DecisionStale means a seek is switching generations under the scheduler.
	DecisionStale
)

func (d Decision) String() string {
	switch d {
	case DecisionHold:
		return "hold"
	case DecisionWait:
		return "wait"
	case DecisionPresent:
		return "present"
	case DecisionDrop:
		return "drop"
	case DecisionEnded:
		return "ended"
	case DecisionStale:
		return "stale"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Scheduler is the video presentation driver. It is the single consumer of
// the video frame queue.
type Scheduler struct {
	queue   *media.FrameQueue[*media.VideoFrame]
	clock   *media.Clock
	out     Presenter
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	onEnded func(gen uint64)

	playing atomic.Bool

	// Owned by the goroutine calling Step.
	gen         uint64
	shown       bool
	lastPTS     time.Duration
	endSignaled bool

	presented atomic.Int64
	dropped   atomic.Int64
}

func NewScheduler(
	queue *media.FrameQueue[*media.VideoFrame],
	clock *media.Clock,
	out Presenter,
	cfg Config,
	log *slog.Logger,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		queue:   queue,
		clock:   clock,
		out:     out,
		cfg:     cfg,
		log:     log,
		metrics: m,
	}
}

// OnEnded registers fn to be called once per generation when the video queue
// is drained and its stream ended. Must be set before Run.
func (s *Scheduler) OnEnded(fn func(gen uint64)) {
	s.onEnded = fn
}

// SetPlaying switches between paced presentation and preview mode. While not
// playing only the first frame of each generation is shown.
func (s *Scheduler) SetPlaying(playing bool) {
	s.playing.Store(playing)
}

func (s *Scheduler) Presented() int64 {
	return s.presented.Load()
}

func (s *Scheduler) Dropped() int64 {
	return s.dropped.Load()
}

// Run drives Step until ctx is done. It sleeps between iterations that did
// not consume a frame.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, wait := s.Step()
		if wait <= 0 {
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// Step makes one presentation decision and returns how long the caller should
// sleep before the next one.
func (s *Scheduler) Step() (Decision, time.Duration) {
	f, gen, err := s.queue.TryPeek()
	if gen != s.gen {
		s.gen = gen
		s.shown = false
		s.lastPTS = 0
		s.endSignaled = false
	}

	switch {
	case errors.Is(err, media.ErrEndOfStream):
		if !s.endSignaled {
			s.endSignaled = true
			s.log.Debug("video stream drained", "generation", gen)
			if s.onEnded != nil {
				s.onEnded(gen)
			}
		}
		return DecisionEnded, s.cfg.PollInterval
	case err != nil:
		return DecisionHold, s.cfg.PollInterval
	}

	if !s.playing.Load() {
		if s.shown {
			return DecisionHold, s.cfg.PollInterval
		}
		return s.present(f, gen, 0)
	}

	now, err := s.clock.Now(gen)
	if err != nil {
		return DecisionStale, s.cfg.PollInterval
	}

	if s.shown && f.PTS <= s.lastPTS {
		return s.drop(gen, "reordered")
	}

	diff := f.PTS - now
	switch {
	case diff > s.cfg.WaitThreshold:
		return DecisionWait, min(diff-s.cfg.WaitThreshold, s.cfg.PollInterval)
	case diff < -s.cfg.DropThreshold:
		return s.drop(gen, "late")
	}
	return s.present(f, gen, diff)
}

func (s *Scheduler) present(f *media.VideoFrame, gen uint64, drift time.Duration) (Decision, time.Duration) {
	if _, err := s.queue.TryPopGen(gen); err != nil {
		return DecisionStale, 0
	}

	s.out.Present(f)
	s.shown = true
	s.lastPTS = f.PTS
	s.presented.Add(1)
	s.metrics.ObservePresented(drift.Seconds())
	return DecisionPresent, 0
}

func (s *Scheduler) drop(gen uint64, reason string) (Decision, time.Duration) {
	f, err := s.queue.TryPopGen(gen)
	if err != nil {
		return DecisionStale, 0
	}

	s.dropped.Add(1)
	s.metrics.IncDropped(reason)
	s.log.Debug("video frame dropped", "pts", f.PTS, "reason", reason)
	return DecisionDrop, 0
}
