package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	mu  sync.Mutex
	pts []time.Duration
}

func (r *frameRecorder) Present(f *media.VideoFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pts = append(r.pts, f.PTS)
}

func (r *frameRecorder) Frames() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.pts...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) Observe(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *stateRecorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PrerollTimeout = 2 * time.Second
	return cfg
}

func newTestPlayer(t *testing.T, fc *fakeContainer, opts ...Option) *Player {
	t.Helper()
	p, err := New(testConfig(), fc.opener(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openPlayer(t *testing.T, p *Player) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Open(ctx, "fake.mp4"))
	require.Equal(t, Paused, p.State())
}

func awaitSeek(t *testing.T, p *Player) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.AwaitSeek(ctx))
}

// consumeAudio pulls 10ms buffers from the audio output, as the device
// would, until the position reaches until.
func consumeAudio(t *testing.T, p *Player, until time.Duration) {
	t.Helper()
	f := p.AudioFormat()
	buf := make([]byte, int(f.DurationToFrames(10*time.Millisecond))*f.FrameSize())
	deadline := time.Now().Add(10 * time.Second)

	for p.Position() < until {
		require.True(t, time.Now().Before(deadline), "audio output starved at %s", p.Position())
		before := p.Position()
		_, err := p.Audio().Read(buf)
		require.NoError(t, err)
		if p.Position() == before {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DropThreshold = cfg.WaitThreshold
	_, err := New(cfg, newFakeContainer(time.Second, true, false).opener())
	require.Error(t, err)
}

func TestControlBeforeOpen(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(time.Second, true, true))

	require.ErrorIs(t, p.Play(), ErrNotOpen)
	require.ErrorIs(t, p.Pause(), ErrNotOpen)
	require.ErrorIs(t, p.Seek(time.Second), ErrNotOpen)
	require.NoError(t, p.SetVolume(0.5), "volume can be set ahead of open")
	assert.Equal(t, Idle, p.State())
	assert.Zero(t, p.Position())
	assert.False(t, p.IsPlaying())
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(), func(context.Context, string, *slog.Logger) (media.Container, error) {
		return nil, media.ErrUnsupportedContainer
	})
	require.NoError(t, err)
	require.ErrorIs(t, p.Open(context.Background(), "x.txt"), media.ErrUnsupportedContainer)
	assert.Equal(t, Idle, p.State())

	empty := newFakeContainer(time.Second, false, false)
	p = newTestPlayer(t, empty)
	require.ErrorIs(t, p.Open(context.Background(), "empty.mp4"), media.ErrNoDecodableStreams)
	assert.True(t, empty.Closed())
}

func TestOpenLeavesPausedWithFirstFrame(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(10*time.Second, true, true)
	p := newTestPlayer(t, fc)
	openPlayer(t, p)

	assert.Equal(t, 10*time.Second, p.Duration())
	assert.Zero(t, p.Position())
	w, h := p.VideoSize()
	assert.Equal(t, 4, w)
	assert.Equal(t, 2, h)

	require.Eventually(t, func() bool {
		f, _ := p.LatestFrame()
		return f != nil
	}, 2*time.Second, 5*time.Millisecond)
	f, _ := p.LatestFrame()
	assert.Zero(t, f.PTS)
}

func TestPositionFollowsAudioConsumption(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(10*time.Second, true, true))
	openPlayer(t, p)
	require.NoError(t, p.Play())
	assert.True(t, p.IsPlaying())

	consumeAudio(t, p, 5*time.Second)
	assert.InDelta(t, float64(5*time.Second), float64(p.Position()), float64(fakeFrame))

	require.NoError(t, p.Pause())
	pos := p.Position()
	time.Sleep(50 * time.Millisecond)
	buf := make([]byte, 4096)
	_, err := p.Audio().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), buf, "paused output is silent")
	assert.Equal(t, pos, p.Position(), "pausing does not advance the position")
}

func TestSeekWhilePlaying(t *testing.T) {
	t.Parallel()
	frames := &frameRecorder{}
	states := &stateRecorder{}
	p := newTestPlayer(t, newFakeContainer(10*time.Second, true, true),
		WithPresenter(frames),
		WithStateObserver(states.Observe),
	)
	openPlayer(t, p)
	require.NoError(t, p.Play())
	consumeAudio(t, p, 5*time.Second)

	mark := len(frames.Frames())
	require.NoError(t, p.Seek(2*time.Second))
	awaitSeek(t, p)

	assert.Equal(t, Playing, p.State())
	assert.InDelta(t, float64(2*time.Second), float64(p.Position()), float64(fakeFrame))
	assert.Equal(t, []State{Paused, Playing, Seeking, Playing}, states.States())

	var after []time.Duration
	require.Eventually(t, func() bool {
		after = nil
		for _, pts := range frames.Frames()[mark:] {
			if pts < 4*time.Second {
				after = append(after, pts)
			}
		}
		return len(after) > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, after[0], 2*time.Second)
	assert.Less(t, after[0], 2*time.Second+fakeFrame)

	consumeAudio(t, p, 3*time.Second)
	post := frames.Frames()
	start := len(post) - len(after)
	for i := mark; i < len(post); i++ {
		if post[i] < 4*time.Second {
			start = i
			break
		}
	}
	for i := start + 1; i < len(post); i++ {
		assert.Greater(t, post[i], post[i-1], "frames within a generation are presented in order")
		assert.GreaterOrEqual(t, post[i], 2*time.Second, "no frame of the previous generation after the seek")
	}
}

func TestSeekWhilePausedStaysPausedAndPreviews(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(10*time.Second, true, true))
	openPlayer(t, p)

	require.NoError(t, p.Seek(3*time.Second))
	awaitSeek(t, p)
	assert.Equal(t, Paused, p.State())
	assert.Equal(t, 3*time.Second, p.Position())

	require.Eventually(t, func() bool {
		f, _ := p.LatestFrame()
		return f != nil && f.PTS == 3*time.Second
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSeekLandsOnTargetBetweenKeyframes(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(10*time.Second, true, true)
	p := newTestPlayer(t, fc)
	openPlayer(t, p)

	require.NoError(t, p.Seek(2500*time.Millisecond))
	awaitSeek(t, p)
	assert.Equal(t, 2500*time.Millisecond, p.Position())

	require.Eventually(t, func() bool {
		f, _ := p.LatestFrame()
		return f != nil && f.PTS == 2520*time.Millisecond
	}, 2*time.Second, 5*time.Millisecond, "frames before the target are skipped after a keyframe seek")
}

func TestSeeksCoalesce(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(10*time.Second, true, true)
	p := newTestPlayer(t, fc)
	openPlayer(t, p)

	require.NoError(t, p.Seek(time.Second))
	require.NoError(t, p.Seek(3*time.Second))
	require.NoError(t, p.Seek(6*time.Second))
	assert.Equal(t, 6*time.Second, p.Position(), "position reports the pending target")
	awaitSeek(t, p)

	assert.Equal(t, Paused, p.State())
	assert.Equal(t, 6*time.Second, p.Position())
	seeks := fc.Seeks()
	require.NotEmpty(t, seeks)
	assert.LessOrEqual(t, len(seeks), 3)
	assert.Equal(t, 6*time.Second, seeks[len(seeks)-1])
}

func TestSeekOutOfRangeIsClamped(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(10*time.Second, true, true))
	openPlayer(t, p)

	require.ErrorIs(t, p.Seek(20*time.Second), media.ErrSeekOutOfRange)
	awaitSeek(t, p)
	assert.Equal(t, 10*time.Second-fakeFrame, p.Position())
	assert.Equal(t, Paused, p.State())

	require.ErrorIs(t, p.Seek(-time.Second), media.ErrSeekOutOfRange)
	awaitSeek(t, p)
	assert.Zero(t, p.Position())
}

func TestSetVolume(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(10*time.Second, true, true))
	openPlayer(t, p)
	require.NoError(t, p.Play())
	consumeAudio(t, p, 200*time.Millisecond)

	require.NoError(t, p.SetVolume(0.7))
	pos := p.Position()
	require.ErrorIs(t, p.SetVolume(1.5), media.ErrInvalidVolume)
	assert.Equal(t, float32(0.7), p.Volume())
	assert.Equal(t, pos, p.Position(), "volume never touches the clock")
	assert.Equal(t, Playing, p.State())
}

func TestVideoOnlyRunsOnWallClock(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(10*time.Second, true, false))
	openPlayer(t, p)

	start := time.Now()
	require.NoError(t, p.Play())
	time.Sleep(500 * time.Millisecond)
	pos := p.Position()
	elapsed := time.Since(start)

	assert.InDelta(t, float64(elapsed), float64(pos), float64(elapsed)*0.05+float64(20*time.Millisecond))

	_, seq := p.LatestFrame()
	assert.Greater(t, seq, uint64(5), "frames are presented while the wall clock runs")
}

func TestAudioOnlySeekAndEnd(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(3*time.Second, false, true))
	openPlayer(t, p)

	w, h := p.VideoSize()
	assert.Zero(t, w)
	assert.Zero(t, h)
	frame, _ := p.LatestFrame()
	assert.Nil(t, frame)

	require.NoError(t, p.Play())
	consumeAudio(t, p, 500*time.Millisecond)

	require.NoError(t, p.Seek(1500*time.Millisecond))
	awaitSeek(t, p)
	assert.Equal(t, Playing, p.State())
	assert.InDelta(t, float64(1500*time.Millisecond), float64(p.Position()), float64(fakeFrame))

	f := p.AudioFormat()
	buf := make([]byte, int(f.DurationToFrames(10*time.Millisecond))*f.FrameSize())
	require.Eventually(t, func() bool {
		if _, err := p.Audio().Read(buf); err != nil {
			return false
		}
		return p.State() == Ended
	}, 10*time.Second, time.Millisecond)
	assert.InDelta(t, float64(3*time.Second), float64(p.Position()), float64(fakeFrame))
}

func TestSlowDecodeDropsBacklog(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(4*time.Second, true, false)
	fc.videoDelay = func(pts time.Duration) time.Duration {
		if pts >= 400*time.Millisecond && pts < 1400*time.Millisecond {
			return 100 * time.Millisecond
		}
		return 0
	}
	p := newTestPlayer(t, fc)
	openPlayer(t, p)
	require.NoError(t, p.Play())

	require.Eventually(t, func() bool {
		st := p.Stats()
		assert.LessOrEqual(t, st.VideoQueue, testConfig().VideoQueueDepth)
		return st.Dropped > 0
	}, 6*time.Second, 10*time.Millisecond)
}

func TestPlaybackEnds(t *testing.T) {
	t.Parallel()
	states := &stateRecorder{}
	p := newTestPlayer(t, newFakeContainer(time.Second, true, false), WithStateObserver(states.Observe))
	openPlayer(t, p)
	require.NoError(t, p.Play())

	require.Eventually(t, func() bool { return p.State() == Ended }, 3*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, p.Play(), ErrInvalidTransition)

	require.NoError(t, p.Seek(0))
	awaitSeek(t, p)
	assert.Equal(t, Paused, p.State())
	assert.Zero(t, p.Position())
	assert.Equal(t, []State{Paused, Playing, Ended, Seeking, Paused}, states.States())
}

func TestAudioEndingFirstFreewheelsClock(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(2*time.Second, true, true)
	// Drop every audio packet after one second.
	full := fc.packets
	fc.packets = nil
	for _, pkt := range full {
		if pkt.StreamIndex == fakeAudioIndex && pkt.PTS >= 1000 {
			continue
		}
		fc.packets = append(fc.packets, pkt)
	}
	p := newTestPlayer(t, fc)
	openPlayer(t, p)
	require.NoError(t, p.Play())

	consumeAudio(t, p, 900*time.Millisecond)
	buf := make([]byte, 8192)
	require.Eventually(t, func() bool {
		_, _ = p.Audio().Read(buf)
		return p.Stats().Clock == media.ClockWall.String()
	}, 3*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return p.State() == Ended }, 3*time.Second, 5*time.Millisecond)
}

func TestStop(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(10*time.Second, true, true))
	openPlayer(t, p)
	require.NoError(t, p.Play())
	consumeAudio(t, p, time.Second)

	require.NoError(t, p.Stop())
	awaitSeek(t, p)
	assert.Equal(t, Paused, p.State())
	assert.Zero(t, p.Position())
}

func TestPlayPauseDuringSeekSetsResumeMode(t *testing.T) {
	t.Parallel()
	p := newTestPlayer(t, newFakeContainer(10*time.Second, true, true))
	openPlayer(t, p)

	require.NoError(t, p.Seek(time.Second))
	require.NoError(t, p.Play())
	awaitSeek(t, p)
	assert.Equal(t, Playing, p.State())

	require.NoError(t, p.Seek(2*time.Second))
	require.NoError(t, p.Pause())
	awaitSeek(t, p)
	assert.Equal(t, Paused, p.State())
}

func TestVideoDecodeFailureFailsVideoOnlyFile(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(10*time.Second, true, false)
	fc.videoFail = func(time.Duration) error { return errCorrupt }
	p := newTestPlayer(t, fc)

	err := p.Open(context.Background(), "broken.mp4")
	require.ErrorIs(t, err, ErrFailed)
	require.ErrorIs(t, err, errCorrupt)

	var de *media.DecodeError
	require.ErrorAs(t, p.Err(), &de)
	assert.True(t, de.Fatal)
	assert.Equal(t, media.StreamVideo, de.Stream)

	assert.Equal(t, Failed, p.State())
	require.ErrorIs(t, p.Play(), ErrFailed)
	require.ErrorIs(t, p.Seek(0), ErrFailed)
	require.ErrorIs(t, p.SetVolume(0.5), ErrFailed)

	require.NoError(t, p.Close())
	assert.Equal(t, Idle, p.State())
}

func TestSkippableDecodeErrorsAreTolerated(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(10*time.Second, true, false)
	fc.videoFail = func(pts time.Duration) error {
		// Two consecutive failures out of every ten frames.
		if n := pts / fakeFrame; n%10 == 3 || n%10 == 4 {
			return errCorrupt
		}
		return nil
	}
	p := newTestPlayer(t, fc)
	openPlayer(t, p)
	require.NoError(t, p.Play())

	require.Eventually(t, func() bool { return p.Position() > 500*time.Millisecond }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, Playing, p.State())
	assert.NoError(t, p.Err())
}

func TestVideoFailureKeepsAudioPlaying(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(10*time.Second, true, true)
	fc.videoFail = func(time.Duration) error { return errCorrupt }
	p := newTestPlayer(t, fc)
	openPlayer(t, p)
	require.NoError(t, p.Play())

	consumeAudio(t, p, time.Second)
	assert.Equal(t, Playing, p.State())
	assert.NoError(t, p.Err())
	assert.Equal(t, media.ClockAudio.String(), p.Stats().Clock)
}

func TestFatalDemuxErrorFails(t *testing.T) {
	t.Parallel()
	// Video only, so the wall clock pulls reading past the paused buffer.
	fc := newFakeContainer(10*time.Second, true, false)
	fc.readErr = func(cursor int) error {
		if cursor == 100 {
			return &media.DemuxError{Fatal: true, Err: errCorrupt}
		}
		return nil
	}
	states := &stateRecorder{}
	p := newTestPlayer(t, fc, WithStateObserver(states.Observe))
	openPlayer(t, p)
	require.NoError(t, p.Play())

	require.Eventually(t, func() bool { return p.State() == Failed }, 6*time.Second, 5*time.Millisecond)
	var de *media.DemuxError
	require.ErrorAs(t, p.Err(), &de)
	assert.True(t, de.Fatal)
	assert.True(t, fc.interrupted.Load())
	require.ErrorIs(t, p.Pause(), ErrFailed)
	got := states.States()
	assert.Equal(t, Failed, got[len(got)-1])
}

func TestTransientDemuxErrorsAreSkipped(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(10*time.Second, true, true)
	fc.readErr = func(cursor int) error {
		if cursor%50 == 7 {
			return &media.DemuxError{Err: errCorrupt}
		}
		return nil
	}
	p := newTestPlayer(t, fc)
	openPlayer(t, p)
	require.NoError(t, p.Play())

	consumeAudio(t, p, 2*time.Second)
	assert.Equal(t, Playing, p.State())
}

func TestCloseJoinsPipeline(t *testing.T) {
	t.Parallel()
	fc := newFakeContainer(10*time.Second, true, true)
	p := newTestPlayer(t, fc)
	openPlayer(t, p)
	require.NoError(t, p.Play())

	done := make(chan error, 1)
	go func() { done <- p.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}

	assert.Equal(t, Idle, p.State())
	assert.True(t, fc.Closed())
	assert.True(t, fc.interrupted.Load())
	assert.Equal(t, int32(2), fc.decClosed.Load())
	require.ErrorIs(t, p.Play(), ErrNotOpen)

	buf := []byte{1, 2, 3, 4}
	_, err := p.Audio().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestReopenAfterFailure(t *testing.T) {
	t.Parallel()
	broken := newFakeContainer(time.Second, true, false)
	broken.videoFail = func(time.Duration) error { return errCorrupt }
	good := newFakeContainer(time.Second, true, false)

	containers := []*fakeContainer{broken, good}
	var mu sync.Mutex
	p, err := New(testConfig(), func(context.Context, string, *slog.Logger) (media.Container, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(containers) == 0 {
			return nil, errors.New("no more files")
		}
		fc := containers[0]
		containers = containers[1:]
		return fc, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.ErrorIs(t, p.Open(context.Background(), "a.mp4"), ErrFailed)
	openPlayer(t, p)
	assert.NoError(t, p.Err())
	assert.True(t, broken.Closed())
}
