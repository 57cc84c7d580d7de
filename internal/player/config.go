package player

import (
	"errors"
	"fmt"
	"time"

	"github.com/GoldenFealla/avplayer/internal/media"
	"github.com/GoldenFealla/avplayer/internal/media/synchronizer"
	"github.com/GoldenFealla/avplayer/internal/platform/config"
)

// Config holds the engine tunables. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// VideoQueueDepth is the number of decoded video frames buffered ahead of
	// presentation.
	VideoQueueDepth int
	// AudioQueueSamples bounds the audio queue in output sample frames.
	AudioQueueSamples int
	// PacketBuffer is the number of compressed packets buffered per stream
	// between the dispatcher and a decode worker.
	PacketBuffer int

	WaitThreshold time.Duration
	DropThreshold time.Duration
	PollInterval  time.Duration

	MaxConsecutiveDecodeErrors int
	MaxConsecutiveDemuxErrors  int

	// PrerollTimeout bounds how long open and seek wait for the queues to
	// fill before the transport settles.
	PrerollTimeout time.Duration

	VideoFormat media.VideoFormat
	AudioFormat media.AudioFormat
}

func DefaultConfig() Config {
	return Config{
		VideoQueueDepth:            16,
		AudioQueueSamples:          44100,
		PacketBuffer:               32,
		WaitThreshold:              40 * time.Millisecond,
		DropThreshold:              100 * time.Millisecond,
		PollInterval:               10 * time.Millisecond,
		MaxConsecutiveDecodeErrors: 3,
		MaxConsecutiveDemuxErrors:  32,
		PrerollTimeout:             3 * time.Second,
		VideoFormat: media.VideoFormat{
			PixelFormat: media.PixelFormatRGBA,
		},
		AudioFormat: media.AudioFormat{
			SampleRate: 44100,
			Channels:   2,
			Encoding:   media.SampleFloat32LE,
		},
	}
}

// ConfigFromEnv overrides base with the PLAYER_* environment variables.
func ConfigFromEnv(base Config) Config {
	c := base
	c.VideoQueueDepth = config.GetEnvInt("PLAYER_VIDEO_QUEUE_DEPTH", c.VideoQueueDepth)
	c.AudioQueueSamples = config.GetEnvInt("PLAYER_AUDIO_QUEUE_SAMPLES", c.AudioQueueSamples)
	c.PacketBuffer = config.GetEnvInt("PLAYER_PACKET_BUFFER", c.PacketBuffer)
	c.WaitThreshold = config.GetEnvDuration("PLAYER_WAIT_THRESHOLD", c.WaitThreshold)
	c.DropThreshold = config.GetEnvDuration("PLAYER_DROP_THRESHOLD", c.DropThreshold)
	c.PollInterval = config.GetEnvDuration("PLAYER_POLL_INTERVAL", c.PollInterval)
	c.MaxConsecutiveDecodeErrors = config.GetEnvInt("PLAYER_MAX_DECODE_ERRORS", c.MaxConsecutiveDecodeErrors)
	c.MaxConsecutiveDemuxErrors = config.GetEnvInt("PLAYER_MAX_DEMUX_ERRORS", c.MaxConsecutiveDemuxErrors)
	c.PrerollTimeout = config.GetEnvDuration("PLAYER_PREROLL_TIMEOUT", c.PrerollTimeout)
	c.AudioFormat.SampleRate = config.GetEnvInt("PLAYER_AUDIO_SAMPLE_RATE", c.AudioFormat.SampleRate)
	c.AudioFormat.Channels = config.GetEnvInt("PLAYER_AUDIO_CHANNELS", c.AudioFormat.Channels)
	c.VideoFormat.Width = config.GetEnvInt("PLAYER_VIDEO_WIDTH", c.VideoFormat.Width)
	c.VideoFormat.Height = config.GetEnvInt("PLAYER_VIDEO_HEIGHT", c.VideoFormat.Height)
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.VideoQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("video queue depth must be at least 1, got %d", c.VideoQueueDepth))
	}
	if c.AudioQueueSamples < 1 {
		errs = append(errs, fmt.Errorf("audio queue samples must be at least 1, got %d", c.AudioQueueSamples))
	}
	if c.PacketBuffer < 1 {
		errs = append(errs, fmt.Errorf("packet buffer must be at least 1, got %d", c.PacketBuffer))
	}
	if err := c.Sync().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxConsecutiveDecodeErrors < 1 {
		errs = append(errs, fmt.Errorf("max consecutive decode errors must be at least 1, got %d", c.MaxConsecutiveDecodeErrors))
	}
	if c.MaxConsecutiveDemuxErrors < 1 {
		errs = append(errs, fmt.Errorf("max consecutive demux errors must be at least 1, got %d", c.MaxConsecutiveDemuxErrors))
	}
	if c.PrerollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("preroll timeout must be positive, got %s", c.PrerollTimeout))
	}
	if c.AudioFormat.SampleRate <= 0 || c.AudioFormat.Channels <= 0 {
		errs = append(errs, fmt.Errorf("invalid audio output format %+v", c.AudioFormat))
	}
	if c.VideoFormat.Width < 0 || c.VideoFormat.Height < 0 {
		errs = append(errs, fmt.Errorf("invalid video output size %dx%d", c.VideoFormat.Width, c.VideoFormat.Height))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("player config: %w", err)
	}
	return nil
}

func (c Config) Sync() synchronizer.Config {
	return synchronizer.Config{
		WaitThreshold: c.WaitThreshold,
		DropThreshold: c.DropThreshold,
		PollInterval:  c.PollInterval,
	}
}
