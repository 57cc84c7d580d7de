// Package decoder opens media files with FFmpeg (through go-astiav) and
// exposes them as media.Container values.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

// seekProbeLimit bounds the packets read after a seek to find out where the
// demuxer actually landed.
const seekProbeLimit = 256

func init() {
	astiav.SetLogLevel(astiav.LogLevelError)
}

type stream struct {
	st     *astiav.Stream
	codec  *astiav.Codec
	handle *media.StreamHandle
}

// Input is a media.Container backed by an FFmpeg format context.
type Input struct {
	log *slog.Logger

	fc          *astiav.FormatContext
	interrupter *astiav.IOInterrupter
	closer      *astikit.Closer
	closed      atomic.Bool

	video *stream
	audio *stream

	// start is the container start time every timestamp is shifted by so
	// that playback begins at zero.
	start    time.Duration
	duration time.Duration

	// replay holds packets read while probing a seek.
	replay []*astiav.Packet
}

// Open opens the file at path and selects the first decodable video and
// audio streams. Cancelling ctx aborts a slow open.
func Open(ctx context.Context, path string, log *slog.Logger) (*Input, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("decoder: %w: %w", media.ErrUnreadableInput, err)
	}

	in, err := newInput(log.With(slog.String("path", path)))
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, in.interrupter.Interrupt)
	defer stop()

	if err := in.fc.OpenInput(path, nil, nil); err != nil {
		in.closer.Close()
		return nil, fmt.Errorf("decoder: opening input failed: %w: %w", media.ErrUnsupportedContainer, err)
	}
	in.closer.Add(in.fc.CloseInput)

	if err := in.fc.FindStreamInfo(nil); err != nil {
		in.closer.Close()
		return nil, fmt.Errorf("decoder: finding stream info failed: %w: %w", media.ErrUnsupportedContainer, err)
	}
	if err := ctx.Err(); err != nil {
		in.closer.Close()
		return nil, err
	}
	in.interrupter.Resume()

	for _, st := range in.fc.Streams() {
		switch st.CodecParameters().MediaType() {
		case astiav.MediaTypeVideo:
			if in.video == nil {
				in.video = in.probeStream(st, media.StreamVideo)
			}
		case astiav.MediaTypeAudio:
			if in.audio == nil {
				in.audio = in.probeStream(st, media.StreamAudio)
			}
		}
	}
	if in.video == nil && in.audio == nil {
		in.closer.Close()
		return nil, fmt.Errorf("decoder: %w", media.ErrNoDecodableStreams)
	}

	if st := in.fc.StartTime(); st != astiav.NoPtsValue && st > 0 {
		in.start = time.Duration(st) * time.Microsecond
	}
	in.duration = in.probeDuration()

	in.log.Debug("input opened",
		slog.Duration("duration", in.duration),
		slog.Bool("video", in.video != nil),
		slog.Bool("audio", in.audio != nil))
	return in, nil
}

// newInput allocates a format context with an interrupter attached.
func newInput(log *slog.Logger) (*Input, error) {
	in := &Input{
		log:    log,
		closer: astikit.NewCloser(),
	}

	// Freed after the format context that refers to it.
	in.interrupter = astiav.NewIOInterrupter()
	in.closer.Add(in.interrupter.Free)

	if in.fc = astiav.AllocFormatContext(); in.fc == nil {
		in.closer.Close()
		return nil, errors.New("decoder: input format context is nil")
	}
	in.closer.Add(in.fc.Free)
	in.fc.SetIOInterrupter(in.interrupter)
	return in, nil
}

func (in *Input) probeStream(st *astiav.Stream, kind media.StreamKind) *stream {
	cp := st.CodecParameters()
	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		in.log.Warn("no decoder for stream",
			slog.Int("index", st.Index()),
			slog.String("kind", kind.String()))
		return nil
	}

	tb := st.TimeBase()
	h := &media.StreamHandle{
		Index:    st.Index(),
		Kind:     kind,
		Codec:    codec.Name(),
		TimeBase: media.Rational{Num: tb.Num(), Den: tb.Den()},
	}
	if d := st.Duration(); d > 0 && d != astiav.NoPtsValue {
		h.Duration = media.PresentationTime(d, h.TimeBase)
	}

	switch kind {
	case media.StreamVideo:
		h.Width = cp.Width()
		h.Height = cp.Height()
		if fr := st.AvgFrameRate(); fr.Num() > 0 && fr.Den() > 0 {
			h.FrameRate = media.Rational{Num: fr.Num(), Den: fr.Den()}
		}
	case media.StreamAudio:
		h.SampleRate = cp.SampleRate()
		h.Channels = cp.ChannelLayout().Channels()
	}
	return &stream{st: st, codec: codec, handle: h}
}

func (in *Input) probeDuration() time.Duration {
	if d := in.fc.Duration(); d > 0 && d != astiav.NoPtsValue {
		return time.Duration(d) * time.Microsecond
	}
	var d time.Duration
	for _, s := range []*stream{in.video, in.audio} {
		if s != nil {
			d = max(d, s.handle.Duration)
		}
	}
	return d
}

func (in *Input) Streams() media.Streams {
	var s media.Streams
	if in.video != nil {
		s.Video = in.video.handle
	}
	if in.audio != nil {
		s.Audio = in.audio.handle
	}
	return s
}

func (in *Input) Duration() time.Duration {
	return in.duration
}

// ReadPacket returns the next packet of a selected stream. Packets of other
// streams are skipped.
func (in *Input) ReadPacket() (*media.Packet, error) {
	if in.closed.Load() {
		return nil, media.ErrClosed
	}

	for {
		pkt, err := in.nextPacket()
		if err != nil {
			return nil, err
		}
		if !in.selected(pkt.StreamIndex()) {
			pkt.Free()
			continue
		}
		return in.wrap(pkt), nil
	}
}

func (in *Input) nextPacket() (*astiav.Packet, error) {
	if len(in.replay) > 0 {
		pkt := in.replay[0]
		in.replay = in.replay[1:]
		return pkt, nil
	}

	pkt := astiav.AllocPacket()
	if err := in.fc.ReadFrame(pkt); err != nil {
		pkt.Free()
		switch {
		case errors.Is(err, astiav.ErrEof):
			return nil, media.ErrEndOfStream
		case errors.Is(err, astiav.ErrInvaliddata):
			return nil, &media.DemuxError{Err: fmt.Errorf("reading frame failed: %w", err)}
		}
		return nil, &media.DemuxError{Fatal: true, Err: fmt.Errorf("reading frame failed: %w", err)}
	}
	return pkt, nil
}

func (in *Input) selected(index int) bool {
	return (in.video != nil && in.video.st.Index() == index) ||
		(in.audio != nil && in.audio.st.Index() == index)
}

func (in *Input) wrap(pkt *astiav.Packet) *media.Packet {
	return &media.Packet{
		StreamIndex: pkt.StreamIndex(),
		PTS:         pkt.Pts(),
		DTS:         pkt.Dts(),
		Duration:    pkt.Duration(),
		KeyFrame:    pkt.Flags().Has(astiav.PacketFlagKey),
		Native:      pkt,
		Release:     pkt.Free,
	}
}

// Seek repositions the demuxer on the closest keyframe at or before target
// and reports the position of the first packet it will return.
func (in *Input) Seek(target time.Duration) (time.Duration, error) {
	if in.closed.Load() {
		return 0, media.ErrClosed
	}
	in.dropReplay()

	ref := in.video
	if ref == nil {
		ref = in.audio
	}
	tb := ref.st.TimeBase()
	ts := astiav.RescaleQ(int64((target+in.start)/time.Microsecond), astiav.NewRational(1, 1000000), tb)

	if err := in.fc.SeekFrame(ref.st.Index(), ts, astiav.NewSeekFlags(astiav.SeekFlagBackward)); err != nil {
		return 0, fmt.Errorf("decoder: seeking failed: %w", err)
	}

	actual := target
	for range seekProbeLimit {
		pkt, err := in.nextPacket()
		if err != nil {
			if errors.Is(err, media.ErrEndOfStream) {
				break
			}
			if media.IsFatal(err) {
				return 0, fmt.Errorf("decoder: probing seek position failed: %w", err)
			}
			continue
		}
		in.replay = append(in.replay, pkt)
		if pkt.StreamIndex() != ref.st.Index() || pkt.Pts() == astiav.NoPtsValue {
			continue
		}
		actual = in.timestamp(pkt.Pts(), ref.handle.TimeBase)
		break
	}

	in.log.Debug("seeked", slog.Duration("target", target), slog.Duration("actual", actual))
	return max(actual, 0), nil
}

func (in *Input) timestamp(pts int64, tb media.Rational) time.Duration {
	return media.PresentationTime(pts, tb) - in.start
}

func (in *Input) dropReplay() {
	for _, pkt := range in.replay {
		pkt.Free()
	}
	in.replay = nil
}

func (in *Input) VideoDecoder(out media.VideoFormat) (media.Decoder[*media.VideoFrame], error) {
	if in.video == nil {
		return nil, fmt.Errorf("decoder: %w: no video stream", media.ErrNoDecodableStreams)
	}
	vd, err := newVideoDecoder(in.video, in.start, out)
	if err != nil {
		return nil, err
	}
	return vd, nil
}

func (in *Input) AudioDecoder(out media.AudioFormat) (media.Decoder[*media.AudioChunk], error) {
	if in.audio == nil {
		return nil, fmt.Errorf("decoder: %w: no audio stream", media.ErrNoDecodableStreams)
	}
	ad, err := newAudioDecoder(in.audio, in.start, out)
	if err != nil {
		return nil, err
	}
	return ad, nil
}

func (in *Input) Interrupt() {
	if in.closed.Load() {
		return
	}
	in.interrupter.Interrupt()
}

func (in *Input) Close() error {
	if !in.closed.CompareAndSwap(false, true) {
		return nil
	}
	in.dropReplay()
	return in.closer.Close()
}

// openCodec allocates and opens a codec context for s.
func openCodec(s *stream) (*astiav.CodecContext, error) {
	cc := astiav.AllocCodecContext(s.codec)
	if cc == nil {
		return nil, errors.New("codec context is nil")
	}
	if err := s.st.CodecParameters().ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("updating codec context failed: %w", err)
	}
	if err := cc.Open(s.codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("opening codec context failed: %w", err)
	}
	return cc, nil
}
