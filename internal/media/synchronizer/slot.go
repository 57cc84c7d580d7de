package synchronizer

import (
	"sync"

	"github.com/GoldenFealla/avplayer/internal/media"
)

// FrameSlot keeps the most recently presented frame for a renderer that polls
// on its own redraw tick.
type FrameSlot struct {
	mutex sync.RWMutex
	frame *media.VideoFrame
	seq   uint64
}

func (s *FrameSlot) Present(f *media.VideoFrame) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.frame = f
	s.seq++
}

// Latest returns the last presented frame and a sequence number that grows
// with every presentation, so a renderer can skip unchanged frames.
func (s *FrameSlot) Latest() (*media.VideoFrame, uint64) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.frame, s.seq
}
