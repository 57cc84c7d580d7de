package decoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

// AudioDecoder decodes the packets of one audio stream into chunks of the
// output sample format.
type AudioDecoder struct {
	s     *stream
	start time.Duration
	out   media.AudioFormat

	cc *astiav.CodecContext
	df *astiav.Frame

	next time.Duration

	closer *astikit.Closer
}

func newAudioDecoder(s *stream, start time.Duration, out media.AudioFormat) (*AudioDecoder, error) {
	if _, err := channelLayout(out.Channels); err != nil {
		return nil, fmt.Errorf("audio decoder: %w", err)
	}

	ad := &AudioDecoder{
		s:      s,
		start:  start,
		out:    out,
		closer: astikit.NewCloser(),
	}

	ad.df = astiav.AllocFrame()
	ad.closer.Add(ad.df.Free)

	cc, err := openCodec(s)
	if err != nil {
		ad.closer.Close()
		return nil, fmt.Errorf("audio decoder: %w", err)
	}
	ad.cc = cc
	return ad, nil
}

func (ad *AudioDecoder) Decode(pkt *media.Packet, emit func(*media.AudioChunk) error) error {
	native, ok := pkt.Native.(*astiav.Packet)
	if !ok {
		return errors.New("audio decoder: packet was not read by this decoder's input")
	}
	if err := ad.cc.SendPacket(native); err != nil {
		return fmt.Errorf("audio decoder: sending packet failed: %w", err)
	}
	return ad.receive(emit)
}

func (ad *AudioDecoder) Drain(emit func(*media.AudioChunk) error) error {
	if err := ad.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("audio decoder: sending flush packet failed: %w", err)
	}
	return ad.receive(emit)
}

func (ad *AudioDecoder) receive(emit func(*media.AudioChunk) error) error {
	for {
		if err := ad.cc.ReceiveFrame(ad.df); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}
			return fmt.Errorf("audio decoder: receiving frame failed: %w", err)
		}

		chunk, err := ad.convert()
		ad.df.Unref()
		if err != nil {
			return err
		}
		if chunk.Frames() == 0 {
			continue
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
}

func (ad *AudioDecoder) convert() (*media.AudioChunk, error) {
	b, err := ConvertAudio(ad.df, ad.out)
	if err != nil {
		return nil, fmt.Errorf("audio decoder: %w", err)
	}

	chunk := &media.AudioChunk{Format: ad.out, Samples: b}
	if pts := ad.df.Pts(); pts != astiav.NoPtsValue {
		chunk.PTS = media.PresentationTime(pts, ad.s.handle.TimeBase) - ad.start
	} else {
		chunk.PTS = ad.next
	}
	ad.next = chunk.PTS + chunk.Duration()
	return chunk, nil
}

// Flush drops the samples buffered in the codec by reopening it.
func (ad *AudioDecoder) Flush() error {
	cc, err := openCodec(ad.s)
	if err != nil {
		return fmt.Errorf("audio decoder: flushing failed: %w", err)
	}
	ad.cc.Free()
	ad.cc = cc
	ad.next = 0
	return nil
}

func (ad *AudioDecoder) Close() error {
	if ad.cc != nil {
		ad.cc.Free()
		ad.cc = nil
	}
	return ad.closer.Close()
}
