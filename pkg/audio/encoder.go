package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
)

// ErrMicrophoneUnavailable is returned by Source constructors when capture
// cannot be opened (permission denied, no device). It is fatal to session
// start: the session must never silently continue without audio.
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

// Source yields blocks of float samples from a live capture device. ReadBlock
// blocks until a full block is available or ctx is done.
type Source interface {
	ReadBlock(ctx context.Context) ([]float32, error)
	SampleRate() int
	Close() error
}

// FrameWriter accepts one transport-ready base64 frame per capture block.
// Implementations drop frames whose session id no longer matches the live
// session.
type FrameWriter interface {
	WriteAudioFrame(sessionID string, dataB64 string) error
}

// Encoder turns a Source into a stream of encoded frames for one session. It
// is owned by exactly one session; Run exits when ctx is cancelled or the
// source fails.
type Encoder struct {
	SessionID  string
	Source     Source
	TargetRate int
	Writer     FrameWriter

	// Active reports whether sessionID is still the live session. Blocks
	// captured after teardown are discarded without error.
	Active func(sessionID string) bool

	Logger *slog.Logger
}

// Run captures, resamples, converts, and ships frames until ctx is done.
// The per-block path does no network or storage work beyond the frame write.
func (e *Encoder) Run(ctx context.Context) error {
	if e.Source == nil || e.Writer == nil {
		return fmt.Errorf("encoder requires a source and a writer")
	}
	target := e.TargetRate
	if target <= 0 {
		target = 16000
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		block, err := e.Source.ReadBlock(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read capture block: %w", err)
		}
		if e.Active != nil && !e.Active(e.SessionID) {
			// Stale callback after stop/restart; drop silently.
			continue
		}
		resampled := Resample(block, e.Source.SampleRate(), target)
		if len(resampled) == 0 {
			continue
		}
		pcm := FloatToPCM16(resampled)
		frame := base64.StdEncoding.EncodeToString(pcm)
		if err := e.Writer.WriteAudioFrame(e.SessionID, frame); err != nil {
			logger.Debug("dropping audio frame", "err", err)
		}
	}
}
