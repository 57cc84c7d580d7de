package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/platform/metrics"
)

// epoch describes the current seek generation. Frames earlier than floor are
// discarded by the workers.
type epoch struct {
	gen      uint64
	floor    time.Duration
	position time.Duration
}

// dispatcher is the single reader of the container. It tags every packet with
// the current generation and fans it out to the worker of its stream.
type dispatcher struct {
	container media.Container
	routes    map[int]chan<- *media.Packet
	maxErrors int
	log       *slog.Logger
	metrics   *metrics.Metrics

	// onSeek runs under the read lock once the container moved, before any
	// packet of the new generation is read.
	onSeek func(ep epoch)

	current atomic.Pointer[epoch]

	mutex sync.Mutex
	cond  *sync.Cond
	atEnd bool
}

func newDispatcher(
	c media.Container,
	routes map[int]chan<- *media.Packet,
	maxErrors int,
	log *slog.Logger,
	m *metrics.Metrics,
	onSeek func(ep epoch),
) *dispatcher {
	d := &dispatcher{
		container: c,
		routes:    routes,
		maxErrors: maxErrors,
		log:       log,
		metrics:   m,
		onSeek:    onSeek,
	}
	d.cond = sync.NewCond(&d.mutex)
	d.current.Store(&epoch{gen: 1})
	return d
}

func (d *dispatcher) epoch() epoch {
	return *d.current.Load()
}

func (d *dispatcher) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.mutex.Lock()
		defer d.mutex.Unlock()
		d.cond.Broadcast()
	})
	defer stop()

	failures := 0
	for {
		d.mutex.Lock()
		for d.atEnd && ctx.Err() == nil {
			d.cond.Wait()
		}
		if ctx.Err() != nil {
			d.mutex.Unlock()
			return nil
		}
		gen := d.current.Load().gen
		pkt, err := d.container.ReadPacket()
		if errors.Is(err, media.ErrEndOfStream) {
			d.atEnd = true
		}
		d.mutex.Unlock()

		switch {
		case errors.Is(err, media.ErrEndOfStream):
			d.log.Debug("container drained", "generation", gen)
			for idx, ch := range d.routes {
				d.send(ctx, ch, &media.Packet{StreamIndex: idx, Generation: gen, EndOfStream: true})
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			if media.IsFatal(err) {
				d.metrics.IncDemuxErrors("fatal")
				return fmt.Errorf("dispatcher: read packet failed: %w", err)
			}
			failures++
			d.metrics.IncDemuxErrors("transient")
			if failures >= d.maxErrors {
				d.metrics.IncDemuxErrors("fatal")
				return &media.DemuxError{
					Fatal: true,
					Err:   fmt.Errorf("%d consecutive read errors: %w", failures, err),
				}
			}
			d.log.Warn("skipping unreadable packet", "error", err, "consecutive", failures)
			continue
		}
		failures = 0

		ch, ok := d.routes[pkt.StreamIndex]
		if !ok {
			pkt.Free()
			continue
		}
		pkt.Generation = gen
		if !d.send(ctx, ch, pkt) {
			pkt.Free()
			return nil
		}
	}
}

func (d *dispatcher) send(ctx context.Context, ch chan<- *media.Packet, pkt *media.Packet) bool {
	select {
	case ch <- pkt:
		return true
	case <-ctx.Done():
		return false
	}
}

// seek moves the container to target and starts a new generation. The epoch
// position is where playback resumes: the target, or the achieved position if
// the container could only land after it.
func (d *dispatcher) seek(target time.Duration) (epoch, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	actual, err := d.container.Seek(target)
	if err != nil {
		return epoch{}, fmt.Errorf("dispatcher: seek to %s failed: %w", target, err)
	}

	ep := epoch{
		gen:      d.current.Load().gen + 1,
		floor:    target,
		position: max(target, actual),
	}
	d.current.Store(&ep)
	if d.onSeek != nil {
		d.onSeek(ep)
	}
	d.atEnd = false
	d.cond.Broadcast()

	d.log.Debug("container seeked", "target", target, "actual", actual, "generation", ep.gen)
	return ep, nil
}
