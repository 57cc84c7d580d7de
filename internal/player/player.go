// Package player is the transport controller: it opens a container, runs the
// demux, decode and presentation pipeline and drives it through play, pause
// and seek.
package player

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/media/synchronizer"
	"github.com/GoldenFealla/avplayer/internal/platform/logger"
	"github.com/GoldenFealla/avplayer/internal/platform/metrics"
	"github.com/google/uuid"
)

// OpenFunc opens path as a media container.
type OpenFunc func(ctx context.Context, path string, log *slog.Logger) (media.Container, error)

type Option func(*Player)

func WithLogger(log *slog.Logger) Option {
	return func(p *Player) { p.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// WithPresenter adds a collaborator called with every presented video frame,
// on the scheduler goroutine.
func WithPresenter(out synchronizer.Presenter) Option {
	return func(p *Player) { p.presenter = out }
}

// WithStateObserver registers fn to be called after every transport state
// change. It runs outside the player lock, possibly on a pipeline goroutine.
func WithStateObserver(fn func(State)) Option {
	return func(p *Player) { p.onState = fn }
}

// WithTimeSource replaces the wall clock used when a file has no audio.
func WithTimeSource(now func() time.Time) Option {
	return func(p *Player) { p.now = now }
}

type Player struct {
	cfg       Config
	open      OpenFunc
	log       *slog.Logger
	metrics   *metrics.Metrics
	presenter synchronizer.Presenter
	onState   func(State)
	now       func() time.Time

	slot synchronizer.FrameSlot

	mutex   sync.Mutex
	session *session
	state   State
	err     error
	volume  float32
	pending []State

	seekTarget time.Duration
	seekSeq    uint64
	resume     bool
	seekDone   chan struct{}
}

func New(cfg Config, open OpenFunc, opts ...Option) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Player{
		cfg:    cfg,
		open:   open,
		log:    logger.Discard(),
		now:    time.Now,
		volume: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "player")
	return p, nil
}

// Open loads path and leaves the player Paused at position zero with the
// first frame presented. A previously opened file is closed first.
func (p *Player) Open(ctx context.Context, path string) error {
	if err := p.Close(); err != nil {
		p.log.Warn("closing previous file failed", "error", err)
	}

	id := uuid.NewString()
	log := p.log.With("session", id)
	c, err := p.open(ctx, path, log.With("component", "demuxer"))
	if err != nil {
		return fmt.Errorf("player: open %q failed: %w", path, err)
	}
	var s *session
	s, err = newSession(id, p.cfg, c, log, p.metrics, p.now, hooks{
		present: synchronizer.PresenterFunc(p.present),
		ended:   func(kind media.StreamKind, gen uint64) { p.streamEnded(s, kind, gen) },
		dead:    func(kind media.StreamKind, err error) { p.streamDead(s, kind, err) },
		fatal:   func(err error) { p.fail(s, err) },
		control: func(ctx context.Context) error { return p.control(ctx, s) },
	})
	if err != nil {
		_ = c.Close()
		return err
	}

	p.mutex.Lock()
	if s.sink != nil {
		_ = s.sink.SetVolume(p.volume)
	}
	p.session = s
	p.err = nil
	p.seekSeq = 0
	p.resume = false
	p.unlock()

	s.start()
	log.Info("file opened",
		"path", path,
		"duration", s.duration,
		"video", s.streams.Video != nil,
		"audio", s.streams.Audio != nil,
	)

	if !p.preroll(ctx, s, 0) && ctx.Err() != nil {
		_ = p.Close()
		return fmt.Errorf("player: open %q failed: %w", path, ctx.Err())
	}

	p.mutex.Lock()
	defer p.unlock()
	switch {
	case p.session != s:
		return fmt.Errorf("player: open %q: %w", path, ErrNotOpen)
	case p.state == Failed:
		return p.failedErr()
	}
	p.setState(Paused)
	return nil
}

// Close stops the pipeline, joins its goroutines and releases the file. The
// player returns to Idle and may be opened again.
func (p *Player) Close() error {
	p.mutex.Lock()
	s := p.session
	p.session = nil
	p.finishSeek()
	p.setState(Idle)
	p.unlock()

	if s == nil {
		return nil
	}
	err := s.close()
	s.log.Info("file closed")
	return err
}

func (p *Player) Play() error {
	p.mutex.Lock()
	defer p.unlock()

	s, err := p.controlLocked()
	if err != nil {
		return err
	}
	switch p.state {
	case Playing:
		return nil
	case Seeking:
		p.resume = true
		return nil
	case Paused:
		s.setPlaying(true)
		p.setState(Playing)
		p.checkEndedLocked(s)
		return nil
	}
	return fmt.Errorf("%w: play while %s", ErrInvalidTransition, p.state)
}

func (p *Player) Pause() error {
	p.mutex.Lock()
	defer p.unlock()

	s, err := p.controlLocked()
	if err != nil {
		return err
	}
	switch p.state {
	case Paused:
		return nil
	case Seeking:
		p.resume = false
		return nil
	case Playing:
		s.setPlaying(false)
		p.setState(Paused)
		return nil
	}
	return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, p.state)
}

// Seek starts moving playback to target and returns without waiting; use
// AwaitSeek to wait for it. A seek issued while another is in flight replaces
// its target. Targets outside [0, duration) are clamped and reported with
// media.ErrSeekOutOfRange, the clamped seek still happens.
func (p *Player) Seek(target time.Duration) error {
	p.mutex.Lock()
	defer p.unlock()

	s, err := p.controlLocked()
	if err != nil {
		return err
	}
	return p.seekLocked(s, target)
}

// Stop pauses and rewinds to the start.
func (p *Player) Stop() error {
	p.mutex.Lock()
	defer p.unlock()

	s, err := p.controlLocked()
	if err != nil {
		return err
	}
	if err := p.seekLocked(s, 0); err != nil {
		return err
	}
	p.resume = false
	return nil
}

// AwaitSeek blocks until no seek is in flight.
func (p *Player) AwaitSeek(ctx context.Context) error {
	p.mutex.Lock()
	done := p.seekDone
	p.mutex.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.state == Failed {
		return p.failedErr()
	}
	return nil
}

// SetVolume sets the output gain, which must lie in [0, 1]. It takes effect
// on the next audio buffer and never touches the clock.
func (p *Player) SetVolume(v float32) error {
	if math.IsNaN(float64(v)) || v < 0 || v > 1 {
		return fmt.Errorf("player: volume %v: %w", v, media.ErrInvalidVolume)
	}

	p.mutex.Lock()
	defer p.unlock()
	if p.state == Failed {
		return p.failedErr()
	}
	p.volume = v
	if p.session != nil && p.session.sink != nil {
		return p.session.sink.SetVolume(v)
	}
	return nil
}

func (p *Player) Volume() float32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.volume
}

// Position is the current playback position. While seeking it is the pending
// target.
func (p *Player) Position() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	s := p.session
	if s == nil {
		return 0
	}
	if p.state == Seeking {
		return p.seekTarget
	}
	pos := max(s.clock.Position(), 0)
	if s.duration > 0 {
		pos = min(pos, s.duration)
	}
	return pos
}

func (p *Player) Duration() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.session == nil {
		return 0
	}
	return p.session.duration
}

func (p *Player) IsPlaying() bool {
	return p.State() == Playing
}

func (p *Player) IsSeeking() bool {
	return p.State() == Seeking
}

func (p *Player) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

// Err returns the failure reason once the player is Failed.
func (p *Player) Err() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.state != Failed {
		return nil
	}
	return p.err
}

// VideoSize returns the source dimensions of the video stream, or zeros when
// there is none.
func (p *Player) VideoSize() (int, int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.session == nil || p.session.streams.Video == nil {
		return 0, 0
	}
	v := p.session.streams.Video
	return v.Width, v.Height
}

// LatestFrame returns the last presented video frame with its presentation
// sequence number.
func (p *Player) LatestFrame() (*media.VideoFrame, uint64) {
	return p.slot.Latest()
}

// Audio returns the reader the audio device pulls from. It yields silence
// while nothing is open or playing.
func (p *Player) Audio() io.Reader {
	return audioOutput{p: p}
}

func (p *Player) AudioFormat() media.AudioFormat {
	return p.cfg.AudioFormat
}

type Stats struct {
	Session    string        `json:"session,omitempty"`
	State      string        `json:"state"`
	Position   time.Duration `json:"position"`
	Duration   time.Duration `json:"duration"`
	Volume     float32       `json:"volume"`
	Clock      string        `json:"clock,omitempty"`
	Presented  int64         `json:"presented"`
	Dropped    int64         `json:"dropped"`
	Underruns  int64         `json:"underruns"`
	VideoQueue int           `json:"video_queue"`
	AudioQueue int           `json:"audio_queue"`
	Error      string        `json:"error,omitempty"`
}

func (p *Player) Stats() Stats {
	st := Stats{
		State:    p.State().String(),
		Position: p.Position(),
		Duration: p.Duration(),
		Volume:   p.Volume(),
	}
	if err := p.Err(); err != nil {
		st.Error = err.Error()
	}

	p.mutex.Lock()
	s := p.session
	p.mutex.Unlock()
	if s == nil {
		return st
	}

	st.Session = s.id
	st.Clock = s.clock.Source().String()
	if s.sched != nil {
		st.Presented = s.sched.Presented()
		st.Dropped = s.sched.Dropped()
		st.VideoQueue = s.videoQ.Len()
	}
	if s.sink != nil {
		st.Underruns = s.sink.Underruns()
		st.AudioQueue = s.audioQ.Weight()
	}
	return st
}

// UpdateGauges refreshes the queue depth gauges.
func (p *Player) UpdateGauges() {
	p.mutex.Lock()
	s := p.session
	p.mutex.Unlock()
	if s != nil {
		s.updateGauges()
	}
}

func (p *Player) present(f *media.VideoFrame) {
	p.slot.Present(f)
	if p.presenter != nil {
		p.presenter.Present(f)
	}
}

// control applies coalesced seek requests for the lifetime of a session.
func (p *Player) control(ctx context.Context, s *session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.seekCh:
			p.runSeek(ctx, s)
		}
	}
}

func (p *Player) runSeek(ctx context.Context, s *session) {
	for {
		p.mutex.Lock()
		if p.session != s || p.state != Seeking {
			p.mutex.Unlock()
			return
		}
		target, seq := p.seekTarget, p.seekSeq
		p.mutex.Unlock()

		ep, err := s.disp.seek(target)
		if err != nil {
			p.fail(s, err)
			return
		}
		p.metrics.IncSeeks()
		s.log.Info("seeked", "target", target, "position", ep.position, "generation", ep.gen)

		if !p.preroll(ctx, s, seq) {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		p.mutex.Lock()
		if p.session != s || p.state != Seeking {
			p.unlock()
			return
		}
		if p.seekSeq != seq {
			p.mutex.Unlock()
			continue
		}
		if p.resume {
			s.setPlaying(true)
			p.setState(Playing)
			p.checkEndedLocked(s)
		} else {
			p.setState(Paused)
		}
		p.finishSeek()
		p.unlock()
		return
	}
}

// preroll waits until the queues hold data, the timeout passes, or the wait
// is abandoned. It reports false when abandoned: ctx done, the session
// replaced or failed, or a newer seek than seq issued.
func (p *Player) preroll(ctx context.Context, s *session, seq uint64) bool {
	timeout := time.NewTimer(p.cfg.PrerollTimeout)
	defer timeout.Stop()
	tick := time.NewTicker(p.cfg.PollInterval)
	defer tick.Stop()

	for !s.ready() {
		select {
		case <-ctx.Done():
			return false
		case <-timeout.C:
			s.log.Warn("preroll timed out", "timeout", p.cfg.PrerollTimeout)
			return true
		case <-tick.C:
		}

		p.mutex.Lock()
		abandoned := p.session != s || p.state == Failed || p.seekSeq != seq
		p.mutex.Unlock()
		if abandoned {
			return false
		}
	}
	return true
}

func (p *Player) seekLocked(s *session, target time.Duration) error {
	var rangeErr error
	last := max(s.duration-s.frameDuration(), 0)
	switch {
	case target < 0:
		rangeErr = fmt.Errorf("player: seek to %s: %w", target, media.ErrSeekOutOfRange)
		target = 0
	case s.duration > 0 && target >= s.duration:
		rangeErr = fmt.Errorf("player: seek to %s past %s: %w", target, s.duration, media.ErrSeekOutOfRange)
		target = last
	case s.duration > 0 && target > last:
		target = last
	}

	switch p.state {
	case Playing:
		p.resume = true
	case Paused, Ended:
		p.resume = false
	}

	p.seekTarget = target
	p.seekSeq++
	if p.state != Seeking {
		s.setPlaying(false)
		p.seekDone = make(chan struct{})
		p.setState(Seeking)
	}

	select {
	case s.seekCh <- struct{}{}:
	default:
	}
	return rangeErr
}

func (p *Player) streamEnded(s *session, kind media.StreamKind, gen uint64) {
	p.mutex.Lock()
	defer p.unlock()
	if p.session != s {
		return
	}

	switch kind {
	case media.StreamVideo:
		s.videoEndedGen = gen
	case media.StreamAudio:
		s.audioEndedGen = gen
	}
	p.checkEndedLocked(s)
}

func (p *Player) streamDead(s *session, kind media.StreamKind, err error) {
	p.mutex.Lock()
	defer p.unlock()
	if p.session != s || p.state == Failed {
		return
	}

	switch kind {
	case media.StreamVideo:
		s.videoAlive.Store(false)
	case media.StreamAudio:
		s.audioAlive.Store(false)
		s.sink.SetPlaying(false)
		s.clock.DetachAudio()
	}

	videoGone := s.streams.Video == nil || !s.videoAlive.Load()
	audioGone := s.streams.Audio == nil || !s.audioAlive.Load()
	if videoGone && audioGone {
		p.failLocked(s, err)
		return
	}
	s.log.Warn("continuing without stream", "stream", kind)
	p.checkEndedLocked(s)
}

// checkEndedLocked moves a playing transport to Ended once every stream has
// drained in the current generation. An audio stream ending first leaves the
// clock running on wall time.
func (p *Player) checkEndedLocked(s *session) {
	gen := s.disp.epoch().gen
	videoDone := s.streams.Video == nil || !s.videoAlive.Load() || s.videoEndedGen == gen
	audioDone := s.streams.Audio == nil || !s.audioAlive.Load() || s.audioEndedGen == gen

	if p.state != Playing {
		return
	}
	if s.streams.Audio != nil && audioDone && !videoDone && s.clock.Source() == media.ClockAudio {
		s.log.Info("audio ended before video, clock continues on wall time")
		s.clock.Freewheel()
	}
	if videoDone && audioDone {
		s.setPlaying(false)
		p.setState(Ended)
	}
}

func (p *Player) fail(s *session, err error) {
	p.mutex.Lock()
	defer p.unlock()
	if p.session != s || p.state == Failed {
		return
	}
	p.failLocked(s, err)
}

func (p *Player) failLocked(s *session, err error) {
	p.err = err
	s.log.Error("playback failed", "error", err)
	p.setState(Failed)
	p.finishSeek()
	s.stop()
}

func (p *Player) controlLocked() (*session, error) {
	switch {
	case p.state == Failed:
		return nil, p.failedErr()
	case p.session == nil || p.state == Idle:
		return nil, ErrNotOpen
	}
	return p.session, nil
}

func (p *Player) failedErr() error {
	return fmt.Errorf("%w: %w", ErrFailed, p.err)
}

func (p *Player) finishSeek() {
	if p.seekDone != nil {
		close(p.seekDone)
		p.seekDone = nil
	}
}

func (p *Player) setState(st State) {
	if p.state == st {
		return
	}
	p.log.Info("transport state changed", "from", p.state, "to", st)
	p.state = st
	if p.onState != nil {
		p.pending = append(p.pending, st)
	}
}

// unlock releases the mutex and then delivers the state changes recorded
// while it was held.
func (p *Player) unlock() {
	pending := p.pending
	p.pending = nil
	p.mutex.Unlock()
	for _, st := range pending {
		p.onState(st)
	}
}

type audioOutput struct {
	p *Player
}

func (a audioOutput) Read(b []byte) (int, error) {
	a.p.mutex.Lock()
	s := a.p.session
	a.p.mutex.Unlock()

	if s == nil || s.sink == nil {
		clear(b)
		return len(b), nil
	}
	return s.sink.Read(b)
}
