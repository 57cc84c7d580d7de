package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	wi "fyne.io/fyne/v2/widget"
	"github.com/GoldenFealla/avplayer/internal/player"
	"github.com/GoldenFealla/avplayer/internal/widget"
)

var (
	WIDTH  float32 = 800
	HEIGHT float32 = 450

	seekStep   = 5 * time.Second
	volumeStep = 0.05
)

type ui struct {
	log    *slog.Logger
	window fyne.Window

	p        *player.Player
	video    *widget.VideoFrame
	play     *wi.Button
	position *wi.Slider
	volume   *wi.Slider
	clock    *wi.Label

	// dragging is set while the user moves the position slider.
	dragging bool
}

func newUI(a fyne.App, log *slog.Logger) *ui {
	u := &ui{log: log, window: a.NewWindow("Video player")}
	u.window.Resize(fyne.NewSize(WIDTH, HEIGHT))
	return u
}

// bind builds the controls around p. It runs before the window is shown.
func (u *ui) bind(p *player.Player) {
	u.p = p
	u.video = widget.NewVideoFrame(p)

	u.play = wi.NewButton("Play", u.toggle)

	u.position = wi.NewSlider(0, 1)
	u.position.Step = 0.1
	u.position.OnChanged = func(float64) { u.dragging = true }
	u.position.OnChangeEnded = func(v float64) {
		u.dragging = false
		u.seek(time.Duration(v * float64(time.Second)))
	}

	u.volume = wi.NewSlider(0, 1)
	u.volume.Step = volumeStep
	u.volume.Value = float64(p.Volume())
	u.volume.OnChanged = func(v float64) {
		if err := p.SetVolume(float32(v)); err != nil {
			u.log.Warn("set volume failed", "error", err)
		}
	}

	u.clock = wi.NewLabel(formatClock(0, 0))

	stop := wi.NewButton("Stop", func() {
		if err := p.Stop(); err != nil {
			u.log.Warn("stop failed", "error", err)
		}
	})

	controls := container.NewBorder(nil, nil,
		container.NewHBox(u.play, stop),
		container.NewHBox(u.clock, container.NewGridWrap(fyne.NewSize(100, u.volume.MinSize().Height), u.volume)),
		u.position,
	)
	u.window.SetContent(container.NewBorder(nil, controls, nil, nil, u.video))
	u.window.Canvas().SetOnTypedKey(u.typedKey)
}

func (u *ui) typedKey(ev *fyne.KeyEvent) {
	switch ev.Name {
	case fyne.KeySpace:
		u.toggle()
	case fyne.KeyLeft:
		u.seek(u.p.Position() - seekStep)
	case fyne.KeyRight:
		u.seek(u.p.Position() + seekStep)
	case fyne.KeyUp:
		u.volume.SetValue(min(u.volume.Value+volumeStep, 1))
	case fyne.KeyDown:
		u.volume.SetValue(max(u.volume.Value-volumeStep, 0))
	}
}

func (u *ui) toggle() {
	var err error
	switch u.p.State() {
	case player.Playing:
		err = u.p.Pause()
	case player.Ended:
		if err = u.p.Stop(); err == nil {
			err = u.p.Play()
		}
	default:
		err = u.p.Play()
	}
	if err != nil {
		u.log.Warn("toggle playback failed", "error", err)
	}
}

func (u *ui) seek(target time.Duration) {
	if err := u.p.Seek(max(target, 0)); err != nil {
		u.log.Debug("seek", "target", target, "error", err)
	}
}

// run refreshes the video and the position display until ctx is done.
func (u *ui) run(ctx context.Context) {
	go u.video.Run(ctx, widget.DefaultPollInterval)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pos, dur := u.p.Position(), u.p.Duration()
			fyne.Do(func() {
				u.clock.SetText(formatClock(pos, dur))
				if !u.dragging {
					u.position.Value = pos.Seconds()
					u.position.Refresh()
				}
			})
		}
	}
}

func (u *ui) opened(d time.Duration) {
	fyne.Do(func() {
		u.position.Max = max(d.Seconds(), 1)
		u.position.Refresh()
	})
}

func (u *ui) stateChanged(st player.State) {
	label := "Play"
	if st == player.Playing || st == player.Seeking {
		label = "Pause"
	}
	fyne.Do(func() {
		if u.play != nil {
			u.play.SetText(label)
		}
	})
}

func (u *ui) showError(err error) {
	u.log.Error("playback error", "error", err)
	fyne.Do(func() { dialog.ShowError(err, u.window) })
}

func formatClock(pos, dur time.Duration) string {
	return fmt.Sprintf("%s / %s", clockText(pos), clockText(dur))
}

func clockText(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
