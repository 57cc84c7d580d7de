package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"fyne.io/fyne/v2/app"
	"github.com/GoldenFealla/avplayer/internal/decoder"
	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/platform/config"
	"github.com/GoldenFealla/avplayer/internal/platform/logger"
	"github.com/GoldenFealla/avplayer/internal/platform/metrics"
	"github.com/GoldenFealla/avplayer/internal/player"
	"github.com/GoldenFealla/avplayer/internal/remote"
	"github.com/ebitengine/oto/v3"
)

const shutdownTimeout = 5 * time.Second

func main() {
	_ = config.Load()

	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "text"))
	if err := run(log); err != nil {
		log.Error("player exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	input := config.GetEnv("PLAYER_INPUT", "")
	if len(os.Args) > 1 {
		input = os.Args[1]
	}
	if input == "" {
		return errors.New("usage: avplayer <file> (or set PLAYER_INPUT)")
	}

	cfg := player.ConfigFromEnv(player.DefaultConfig())
	met := metrics.New()

	a := app.NewWithID("io.github.goldenfealla.avplayer")
	win := newUI(a, log)

	p, err := player.New(cfg, openInput,
		player.WithLogger(log),
		player.WithMetrics(met),
		player.WithStateObserver(win.stateChanged),
	)
	if err != nil {
		return fmt.Errorf("main: creating player failed: %w", err)
	}
	defer p.Close()
	win.bind(p)

	audio, err := newAudioOutput(cfg.AudioFormat, p)
	if err != nil {
		return err
	}
	defer audio.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if addr := config.GetEnv("PLAYER_HTTP_ADDR", ""); addr != "" {
		srv := &http.Server{Addr: addr, Handler: remote.NewRouter(remote.NewHandler(p, log, met))}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", "error", err)
			}
		}()
		log.Info("http control listening", "addr", addr)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Error("http shutdown error", "error", err)
			}
		}()
	}

	go win.run(ctx)
	go func() {
		if err := p.Open(ctx, input); err != nil {
			win.showError(err)
			return
		}
		win.opened(p.Duration())
		if err := p.Play(); err != nil {
			win.showError(err)
		}
	}()

	win.window.ShowAndRun()
	return nil
}

func openInput(ctx context.Context, path string, log *slog.Logger) (media.Container, error) {
	in, err := decoder.Open(ctx, path, log)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// audioOutput pulls samples from the player into the system audio device.
type audioOutput struct {
	player *oto.Player
}

func newAudioOutput(format media.AudioFormat, p *player.Player) (*audioOutput, error) {
	f := oto.FormatFloat32LE
	if format.Encoding == media.SampleSigned16LE {
		f = oto.FormatSignedInt16LE
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       f,
	})
	if err != nil {
		return nil, fmt.Errorf("main: creating audio context failed: %w", err)
	}
	<-ready

	out := &audioOutput{player: ctx.NewPlayer(p.Audio())}
	out.player.Play()
	return out, nil
}

func (o *audioOutput) Close() error {
	return o.player.Close()
}
