package decoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

// VideoDecoder decodes the packets of one video stream into converted
// frames.
type VideoDecoder struct {
	s     *stream
	start time.Duration
	out   media.VideoFormat

	cc *astiav.CodecContext
	df *astiav.Frame

	// next is the timestamp assumed for a frame the codec left unstamped.
	next time.Duration

	closer *astikit.Closer
}

func newVideoDecoder(s *stream, start time.Duration, out media.VideoFormat) (*VideoDecoder, error) {
	vd := &VideoDecoder{
		s:      s,
		start:  start,
		out:    out,
		closer: astikit.NewCloser(),
	}

	vd.df = astiav.AllocFrame()
	vd.closer.Add(vd.df.Free)

	cc, err := openCodec(s)
	if err != nil {
		vd.closer.Close()
		return nil, fmt.Errorf("video decoder: %w", err)
	}
	vd.cc = cc
	return vd, nil
}

func (vd *VideoDecoder) Decode(pkt *media.Packet, emit func(*media.VideoFrame) error) error {
	native, ok := pkt.Native.(*astiav.Packet)
	if !ok {
		return errors.New("video decoder: packet was not read by this decoder's input")
	}
	if err := vd.cc.SendPacket(native); err != nil {
		return fmt.Errorf("video decoder: sending packet failed: %w", err)
	}
	return vd.receive(emit)
}

func (vd *VideoDecoder) Drain(emit func(*media.VideoFrame) error) error {
	if err := vd.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("video decoder: sending flush packet failed: %w", err)
	}
	return vd.receive(emit)
}

func (vd *VideoDecoder) receive(emit func(*media.VideoFrame) error) error {
	for {
		if err := vd.cc.ReceiveFrame(vd.df); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}
			return fmt.Errorf("video decoder: receiving frame failed: %w", err)
		}

		frame, err := vd.convert()
		vd.df.Unref()
		if err != nil {
			return err
		}
		if err := emit(frame); err != nil {
			return err
		}
	}
}

func (vd *VideoDecoder) convert() (*media.VideoFrame, error) {
	frame, err := ConvertVideo(vd.df, vd.out)
	if err != nil {
		return nil, fmt.Errorf("video decoder: %w", err)
	}

	frame.Duration = vd.s.handle.FrameDuration()
	// go-astiav v0.37 exposes no best effort timestamp. A frame the codec
	// leaves unstamped follows the previous one; the scheduler drops any
	// that land out of order.
	if pts := vd.df.Pts(); pts != astiav.NoPtsValue {
		frame.PTS = media.PresentationTime(pts, vd.s.handle.TimeBase) - vd.start
	} else {
		frame.PTS = vd.next
	}
	vd.next = frame.PTS + frame.Duration
	return frame, nil
}

// Flush drops the frames buffered in the codec by reopening it.
func (vd *VideoDecoder) Flush() error {
	cc, err := openCodec(vd.s)
	if err != nil {
		return fmt.Errorf("video decoder: flushing failed: %w", err)
	}
	vd.cc.Free()
	vd.cc = cc
	vd.next = 0
	return nil
}

func (vd *VideoDecoder) Close() error {
	if vd.cc != nil {
		vd.cc.Free()
		vd.cc = nil
	}
	return vd.closer.Close()
}
