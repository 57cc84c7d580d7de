package media

import (
	"sync"
	"time"
)

type ClockSource int

const (
	// ClockAudio advances only with sample frames consumed by the audio output.
	ClockAudio ClockSource = iota
	// ClockWall runs on wall time while not paused.
	ClockWall
)

func (s ClockSource) String() string {
	if s == ClockAudio {
		return "audio"
	}
	return "wall"
}

// Clock is the single playback time source. With an audio stream the audio
// output is the master and the only writer; otherwise the clock runs on wall
// time. Every reading is tied to a generation and reads against an older one
// are refused with ErrStaleClock.
type Clock struct {
	mutex sync.Mutex
	now   func() time.Time

	master     ClockSource
	source     ClockSource
	sampleRate int

	generation uint64
	epoch      time.Duration
	samples    int64
	paused     bool
	wallStart  time.Time
}

// NewClock returns a paused clock at position zero in generation gen. A
// positive sampleRate makes the audio output the master; now may be nil.
func NewClock(sampleRate int, gen uint64, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	c := &Clock{
		now:        now,
		master:     ClockWall,
		sampleRate: sampleRate,
		generation: gen,
		paused:     true,
	}
	if sampleRate > 0 {
		c.master = ClockAudio
	}
	c.source = c.master
	c.wallStart = now()
	return c
}

// AdvanceBySamples moves an audio-mastered clock forward by n sample frames.
// It is a no-op while paused or while the clock runs on wall time.
func (c *Clock) AdvanceBySamples(gen uint64, n int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if gen != c.generation {
		return ErrStaleClock
	}
	if c.paused || c.source != ClockAudio || n <= 0 {
		return nil
	}
	c.samples += n
	return nil
}

// Now returns the playback position for a reader of generation gen.
func (c *Clock) Now(gen uint64) (time.Duration, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if gen != c.generation {
		return 0, ErrStaleClock
	}
	return c.position(), nil
}

// Position returns the playback position regardless of generation.
func (c *Clock) Position() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.position()
}

func (c *Clock) Generation() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.generation
}

// Reset starts generation gen at position pos. The generation must be newer
// than the current one. The clock returns to its master source and keeps its
// paused state.
func (c *Clock) Reset(pos time.Duration, gen uint64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if gen <= c.generation {
		return ErrStaleClock
	}
	c.generation = gen
	c.epoch = pos
	c.samples = 0
	c.source = c.master
	c.wallStart = c.now()
	return nil
}

func (c *Clock) Pause() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.paused {
		return
	}
	c.rebase()
	c.paused = true
}

func (c *Clock) Resume() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.paused {
		return
	}
	c.paused = false
	c.wallStart = c.now()
}

func (c *Clock) Paused() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.paused
}

// Freewheel switches to wall time from the current position until the next
// Reset. Used when the audio stream ends before the video.
func (c *Clock) Freewheel() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.source == ClockWall {
		return
	}
	c.rebase()
	c.source = ClockWall
}

// DetachAudio makes wall time the master for good, after the audio stream
// failed.
func (c *Clock) DetachAudio() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.rebase()
	c.master = ClockWall
	c.source = ClockWall
}

func (c *Clock) Source() ClockSource {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.source
}

func (c *Clock) position() time.Duration {
	switch {
	case c.source == ClockAudio:
		return c.epoch + time.Duration(c.samples)*time.Second/time.Duration(c.sampleRate)
	case c.paused:
		return c.epoch
	}
	return c.epoch + c.now().Sub(c.wallStart)
}

// rebase folds the elapsed time into epoch so the source or paused state can
// change without moving the position.
func (c *Clock) rebase() {
	c.epoch = c.position()
	c.samples = 0
	c.wallStart = c.now()
}
