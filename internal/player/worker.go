package player

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/platform/metrics"
)

// worker decodes the packets of one stream into its frame queue.
type worker[F any] struct {
	kind      media.StreamKind
	dec       media.Decoder[F]
	in        <-chan *media.Packet
	queue     *media.FrameQueue[F]
	epoch     func() epoch
	maxErrors int
	log       *slog.Logger
	metrics   *metrics.Metrics

	// keep applies the seek floor to a decoded frame.
	keep func(f F, floor time.Duration) (F, bool)
	// onDead is called once when the stream is disabled.
	onDead func(kind media.StreamKind, err error)
}

func (w *worker[F]) run(ctx context.Context) error {
	var (
		gen      uint64
		floor    time.Duration
		failures int
		dead     bool
	)

	emit := func(f F) error {
		kept, ok := w.keep(f, floor)
		if !ok {
			return nil
		}
		return w.queue.Push(gen, kept)
	}

	for {
		var pkt *media.Packet
		select {
		case <-ctx.Done():
			return nil
		case pkt = <-w.in:
		}

		// A disabled stream keeps draining so the dispatcher never blocks on it.
		if dead {
			pkt.Free()
			continue
		}

		ep := w.epoch()
		if pkt.Generation != ep.gen {
			w.metrics.IncStale(w.kind.String())
			pkt.Free()
			continue
		}
		if pkt.Generation != gen {
			if gen != 0 {
				if err := w.dec.Flush(); err != nil {
					w.log.Warn("decoder flush failed", "error", err)
				}
			}
			gen, floor, failures = pkt.Generation, ep.floor, 0
		}

		if pkt.EndOfStream {
			if err := w.dec.Drain(emit); err != nil && !quiet(err) {
				w.log.Warn("decoder drain failed", "error", err)
			}
			w.queue.MarkEnded(gen)
			continue
		}

		err := w.dec.Decode(pkt, emit)
		pkt.Free()
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, media.ErrClosed):
			return nil
		case quiet(err):
			w.log.Debug("stale frame dropped", "generation", gen)
		default:
			failures++
			if !media.IsFatal(err) && failures < w.maxErrors {
				w.metrics.IncDecodeErrors(w.kind.String(), "skippable")
				w.log.Warn("skipping undecodable packet", "error", err, "consecutive", failures)
				continue
			}

			w.metrics.IncDecodeErrors(w.kind.String(), "fatal")
			dead = true
			fatal := &media.DecodeError{Stream: w.kind, Fatal: true, Err: err}
			w.log.Error("stream disabled", "error", fatal)
			if w.onDead != nil {
				w.onDead(w.kind, fatal)
			}
		}
	}
}

// quiet reports errors that are expected while a seek or teardown is under
// way.
func quiet(err error) bool {
	return errors.Is(err, media.ErrStaleGeneration) || errors.Is(err, media.ErrClosed)
}

func keepVideo(f *media.VideoFrame, floor time.Duration) (*media.VideoFrame, bool) {
	if floor > 0 && f.PTS < floor {
		return nil, false
	}
	return f, true
}

func keepAudio(c *media.AudioChunk, floor time.Duration) (*media.AudioChunk, bool) {
	if floor <= 0 {
		return c, true
	}
	return media.TrimAudio(c, floor)
}
