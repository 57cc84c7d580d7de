package decoder

import (
	"fmt"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/asticode/go-astiav"
)

// resampleHeadroom is added to the expected sample count of a resampled frame
// to leave room for the resampler's rounding.
const resampleHeadroom = 32

func pixelFormat(f media.PixelFormat) (astiav.PixelFormat, error) {
	switch f {
	case media.PixelFormatRGBA:
		return astiav.PixelFormatRgba, nil
	case media.PixelFormatBGRA:
		return astiav.PixelFormatBgra, nil
	}
	return astiav.PixelFormatNone, fmt.Errorf("unsupported pixel format %s", f)
}

func sampleFormat(e media.SampleEncoding) (astiav.SampleFormat, error) {
	switch e {
	case media.SampleFloat32LE:
		return astiav.SampleFormatFlt, nil
	case media.SampleSigned16LE:
		return astiav.SampleFormatS16, nil
	}
	return astiav.SampleFormatNone, fmt.Errorf("unsupported sample encoding %d", int(e))
}

func channelLayout(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	}
	return astiav.ChannelLayout{}, fmt.Errorf("unsupported channel count %d", channels)
}

// ConvertVideo scales and converts a decoded frame to out. It keeps no state
// between calls; the returned frame owns its pixels.
func ConvertVideo(src *astiav.Frame, out media.VideoFormat) (*media.VideoFrame, error) {
	pf, err := pixelFormat(out.PixelFormat)
	if err != nil {
		return nil, fmt.Errorf("convert video: %w", err)
	}
	w, h := out.Width, out.Height
	if w <= 0 || h <= 0 {
		w, h = src.Width(), src.Height()
	}

	ssc, err := astiav.CreateSoftwareScaleContext(
		src.Width(), src.Height(), src.PixelFormat(),
		w, h, pf,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return nil, fmt.Errorf("convert video: creating scale context failed: %w", err)
	}
	defer ssc.Free()

	dst := astiav.AllocFrame()
	defer dst.Free()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(pf)
	if err := dst.AllocBuffer(1); err != nil {
		return nil, fmt.Errorf("convert video: allocating frame buffer failed: %w", err)
	}

	if err := ssc.ScaleFrame(src, dst); err != nil {
		return nil, fmt.Errorf("convert video: scaling frame failed: %w", err)
	}

	b, err := dst.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("convert video: get data failed: %w", err)
	}

	return &media.VideoFrame{
		Width:  w,
		Height: h,
		Stride: w * 4,
		Format: out.PixelFormat,
		Pix:    b,
	}, nil
}

// ConvertAudio resamples a decoded frame to out and returns the interleaved
// samples. Each call uses a fresh resampler which is flushed before
// returning, so no samples carry over to the next frame.
func ConvertAudio(src *astiav.Frame, out media.AudioFormat) ([]byte, error) {
	layout, err := channelLayout(out.Channels)
	if err != nil {
		return nil, fmt.Errorf("convert audio: %w", err)
	}
	sf, err := sampleFormat(out.Encoding)
	if err != nil {
		return nil, fmt.Errorf("convert audio: %w", err)
	}

	swr := astiav.AllocSoftwareResampleContext()
	defer swr.Free()

	expected := src.NbSamples()
	if rate := src.SampleRate(); rate > 0 && rate != out.SampleRate {
		expected = int(int64(expected) * int64(out.SampleRate) / int64(rate))
	}

	dst, err := allocSamples(layout, sf, out.SampleRate, expected+resampleHeadroom)
	if err != nil {
		return nil, fmt.Errorf("convert audio: %w", err)
	}
	defer dst.Free()

	if err := swr.ConvertFrame(src, dst); err != nil {
		return nil, fmt.Errorf("convert audio: resampling frame failed: %w", err)
	}
	b, err := samples(dst)
	if err != nil {
		return nil, fmt.Errorf("convert audio: %w", err)
	}

	delay := swr.Delay(int64(out.SampleRate))
	if delay <= 0 {
		return b, nil
	}

	tail, err := allocSamples(layout, sf, out.SampleRate, int(delay)+resampleHeadroom)
	if err != nil {
		return nil, fmt.Errorf("convert audio: %w", err)
	}
	defer tail.Free()

	if err := swr.ConvertFrame(nil, tail); err != nil {
		return nil, fmt.Errorf("convert audio: flushing resampler failed: %w", err)
	}
	tb, err := samples(tail)
	if err != nil {
		return nil, fmt.Errorf("convert audio: %w", err)
	}
	return append(b, tb...), nil
}

func allocSamples(layout astiav.ChannelLayout, sf astiav.SampleFormat, rate, n int) (*astiav.Frame, error) {
	f := astiav.AllocFrame()
	f.SetChannelLayout(layout)
	f.SetSampleFormat(sf)
	f.SetSampleRate(rate)
	f.SetNbSamples(n)
	if err := f.AllocBuffer(0); err != nil {
		f.Free()
		return nil, fmt.Errorf("allocating frame buffer failed: %w", err)
	}
	return f, nil
}

func samples(f *astiav.Frame) ([]byte, error) {
	if f.NbSamples() == 0 {
		return nil, nil
	}
	b, err := f.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("get data failed: %w", err)
	}
	return b, nil
}
