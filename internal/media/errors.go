package media

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedContainer = errors.New("unsupported container")
	ErrUnreadableInput      = errors.New("unreadable input")
	ErrNoDecodableStreams   = errors.New("no decodable streams")

	ErrEndOfStream    = errors.New("end of stream")
	ErrSeekOutOfRange = errors.New("seek out of range")
	ErrInvalidVolume  = errors.New("invalid volume")

	ErrStaleClock      = errors.New("stale clock generation")
	ErrStaleGeneration = errors.New("stale generation")
	ErrInterrupted     = errors.New("interrupted by flush")
	ErrQueueEmpty      = errors.New("queue empty")
	ErrClosed          = errors.New("closed")
)

// DemuxError reports a failed packet read. Transient errors concern a single
// corrupt packet and reading may continue; fatal ones end the container.
type DemuxError struct {
	Fatal bool
	Err   error
}

func (e *DemuxError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("demux: fatal: %v", e.Err)
	}
	return fmt.Sprintf("demux: transient: %v", e.Err)
}

func (e *DemuxError) Unwrap() error {
	return e.Err
}

// DecodeError reports a packet the codec rejected. Fatal errors disable the
// stream.
type DecodeError struct {
	Stream StreamKind
	Fatal  bool
	Err    error
}

func (e *DecodeError) Error() string {
	kind := "skippable"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("decode %s: %s: %v", e.Stream, kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a fatal DemuxError or DecodeError.
func IsFatal(err error) bool {
	var de *DemuxError
	if errors.As(err, &de) {
		return de.Fatal
	}
	var ce *DecodeError
	if errors.As(err, &ce) {
		return ce.Fatal
	}
	return false
}
