package media

import (
	"sync"
)

type queueEntry[T any] struct {
	frame  T
	weight int
}

// FrameQueue is a bounded single-producer single-consumer buffer of decoded
// frames. Every frame belongs to the queue's current generation: Flush drops
// the buffered frames and moves the queue to a new generation, after which
// pushes tagged with an older one are refused.
type FrameQueue[T any] struct {
	frames []queueEntry[T]
	max    int
	weigh  func(T) int

	head, tail, count int
	weight            int

	generation uint64
	ended      bool
	closed     bool

	mutex sync.Mutex
	cond  *sync.Cond
}

// NewFrameQueue returns a queue holding at most max frames.
func NewFrameQueue[T any](max int) *FrameQueue[T] {
	return NewWeightedFrameQueue[T](max, nil)
}

// NewWeightedFrameQueue returns a queue bounded by the summed weight of its
// frames rather than their count. A single frame heavier than max is still
// accepted into an empty queue.
func NewWeightedFrameQueue[T any](max int, weigh func(T) int) *FrameQueue[T] {
	if max < 1 {
		max = 1
	}
	slots := max
	if weigh != nil {
		slots = 16
	}
	fq := &FrameQueue[T]{
		frames: make([]queueEntry[T], slots),
		max:    max,
		weigh:  weigh,
	}
	fq.cond = sync.NewCond(&fq.mutex)
	return fq
}

// Push appends f, blocking while the queue is full. It returns
// ErrStaleGeneration without queueing when gen is not the queue's generation,
// including when a Flush happens while Push is blocked.
func (fq *FrameQueue[T]) Push(gen uint64, f T) error {
	w := 1
	if fq.weigh != nil {
		if w = fq.weigh(f); w < 1 {
			w = 1
		}
	}

	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	for {
		if fq.closed {
			return ErrClosed
		}
		if gen != fq.generation {
			return ErrStaleGeneration
		}
		if fq.count == 0 || fq.weight+w <= fq.max {
			break
		}
		fq.cond.Wait()
	}

	if fq.count == len(fq.frames) {
		fq.grow()
	}
	fq.frames[fq.tail] = queueEntry[T]{frame: f, weight: w}
	fq.tail = (fq.tail + 1) % len(fq.frames)
	fq.count++
	fq.weight += w

	fq.cond.Broadcast()
	return nil
}

// Pop removes the oldest frame, blocking while the queue is empty and its
// stream has not ended. A Flush during the wait returns ErrInterrupted.
func (fq *FrameQueue[T]) Pop() (T, uint64, error) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	var zero T
	gen := fq.generation
	for {
		switch {
		case fq.closed:
			return zero, gen, ErrClosed
		case fq.generation != gen:
			return zero, fq.generation, ErrInterrupted
		case fq.count > 0:
			return fq.take(), gen, nil
		case fq.ended:
			return zero, gen, ErrEndOfStream
		}
		fq.cond.Wait()
	}
}

// TryPop is the non-blocking Pop. An empty queue yields ErrQueueEmpty, or
// ErrEndOfStream once the producer marked the generation ended.
func (fq *FrameQueue[T]) TryPop() (T, uint64, error) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	if err := fq.emptyErr(); err != nil {
		var zero T
		return zero, fq.generation, err
	}
	return fq.take(), fq.generation, nil
}

// TryPopGen pops the head only if the queue is still in generation gen, so a
// consumer that peeked before a Flush never takes a frame of the next one.
func (fq *FrameQueue[T]) TryPopGen(gen uint64) (T, error) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	var zero T
	if gen != fq.generation {
		return zero, ErrStaleGeneration
	}
	if err := fq.emptyErr(); err != nil {
		return zero, err
	}
	return fq.take(), nil
}

// TryPeek returns the head without removing it.
func (fq *FrameQueue[T]) TryPeek() (T, uint64, error) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	if err := fq.emptyErr(); err != nil {
		var zero T
		return zero, fq.generation, err
	}
	return fq.frames[fq.head].frame, fq.generation, nil
}

// Flush drops every buffered frame and moves the queue to gen. Blocked
// producers return ErrStaleGeneration and blocked consumers ErrInterrupted.
func (fq *FrameQueue[T]) Flush(gen uint64) {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	fq.clear()
	if gen > fq.generation {
		fq.generation = gen
	}
	fq.ended = false
	fq.cond.Broadcast()
}

// MarkEnded records that the producer will push nothing more in gen. It
// reports false when gen is stale.
func (fq *FrameQueue[T]) MarkEnded(gen uint64) bool {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	if gen != fq.generation || fq.closed {
		return false
	}
	fq.ended = true
	fq.cond.Broadcast()
	return true
}

// Close releases every waiter with ErrClosed.
func (fq *FrameQueue[T]) Close() {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()

	fq.closed = true
	fq.clear()
	fq.cond.Broadcast()
}

func (fq *FrameQueue[T]) Len() int {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()
	return fq.count
}

// Weight is the summed weight of the buffered frames; it equals Len for an
// unweighted queue.
func (fq *FrameQueue[T]) Weight() int {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()
	return fq.weight
}

func (fq *FrameQueue[T]) Cap() int {
	return fq.max
}

func (fq *FrameQueue[T]) Generation() uint64 {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()
	return fq.generation
}

// Drained reports whether the producer ended the current generation and every
// frame was consumed.
func (fq *FrameQueue[T]) Drained() bool {
	fq.mutex.Lock()
	defer fq.mutex.Unlock()
	return fq.ended && fq.count == 0
}

func (fq *FrameQueue[T]) emptyErr() error {
	if fq.count > 0 {
		return nil
	}
	switch {
	case fq.closed:
		return ErrClosed
	case fq.ended:
		return ErrEndOfStream
	}
	return ErrQueueEmpty
}

func (fq *FrameQueue[T]) take() T {
	e := fq.frames[fq.head]
	fq.frames[fq.head] = queueEntry[T]{}
	fq.head = (fq.head + 1) % len(fq.frames)
	fq.count--
	fq.weight -= e.weight

	fq.cond.Broadcast()
	return e.frame
}

func (fq *FrameQueue[T]) clear() {
	for i := range fq.frames {
		fq.frames[i] = queueEntry[T]{}
	}
	fq.head, fq.tail, fq.count, fq.weight = 0, 0, 0, 0
}

func (fq *FrameQueue[T]) grow() {
	frames := make([]queueEntry[T], len(fq.frames)*2)
	for i := 0; i < fq.count; i++ {
		frames[i] = fq.frames[(fq.head+i)%len(fq.frames)]
	}
	fq.frames = frames
	fq.head = 0
	fq.tail = fq.count
}
