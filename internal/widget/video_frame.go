// Package widget renders the frames presented by the player in a fyne
// window.
package widget

import (
	"context"
	"image"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	wi "fyne.io/fyne/v2/widget"
	"github.com/GoldenFealla/avplayer/internal/media"
)

// DefaultPollInterval is roughly one display refresh at 60 Hz.
const DefaultPollInterval = 16 * time.Millisecond

// FrameSource returns the most recently presented frame and its sequence
// number.
type FrameSource interface {
	LatestFrame() (*media.VideoFrame, uint64)
}

// VideoFrame shows the latest presented frame, scaled to fit.
type VideoFrame struct {
	wi.BaseWidget

	src   FrameSource
	image *canvas.Image
	seq   uint64

	// update runs fn on the UI goroutine.
	update func(fn func())
}

func NewVideoFrame(src FrameSource) *VideoFrame {
	v := &VideoFrame{
		src:    src,
		image:  canvas.NewImageFromImage(image.NewRGBA(image.Rect(0, 0, 1, 1))),
		update: fyne.Do,
	}
	v.image.FillMode = canvas.ImageFillContain
	v.image.ScaleMode = canvas.ImageScaleFastest
	v.ExtendBaseWidget(v)
	return v
}

func (v *VideoFrame) CreateRenderer() fyne.WidgetRenderer {
	return wi.NewSimpleRenderer(v.image)
}

// Run polls the frame source until ctx is done.
func (v *VideoFrame) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.poll()
		}
	}
}

// poll swaps in a newly presented frame and reports whether it did.
func (v *VideoFrame) poll() bool {
	f, seq := v.src.LatestFrame()
	if f == nil || seq == v.seq {
		return false
	}
	v.seq = seq

	img := FrameImage(f)
	v.update(func() {
		v.image.Image = img
		v.image.Refresh()
	})
	return true
}

// FrameImage wraps the pixels of f in an image.Image. RGBA frames are shared,
// BGRA frames are copied with the channels swapped.
func FrameImage(f *media.VideoFrame) image.Image {
	rect := image.Rect(0, 0, f.Width, f.Height)
	if f.Format == media.PixelFormatRGBA {
		return &image.RGBA{Pix: f.Pix, Stride: f.Stride, Rect: rect}
	}

	img := image.NewRGBA(rect)
	for y := range f.Height {
		src := f.Pix[y*f.Stride : y*f.Stride+f.Width*4]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < len(src); x += 4 {
			dst[x], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x], src[x+3]
		}
	}
	return img
}
