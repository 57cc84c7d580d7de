package player

import (
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	Playing
	Paused
	Seeking
	Ended
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Seeking:
		return "seeking"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrNotOpen           = errors.New("player: not open")
	ErrInvalidTransition = errors.New("player: invalid transition")
	// ErrFailed is returned by every control call once the transport failed.
	// The returned error also wraps the failure reason.
	ErrFailed = errors.New("player: failed")
)
