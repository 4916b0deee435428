package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/tutorwave/voicekit/pkg/audio"
	"github.com/tutorwave/voicekit/pkg/playback"
)

const (
	speakerSampleRate = 24000
	// ~100ms at 24kHz mono 16-bit; smaller buffer lowers latency at the
	// cost of glitch risk.
	speakerBufferSize = 4800
)

// speakerSink plays finished clips through the default output device. It
// implements playback.Sink; the queue serializes Play calls so no internal
// mixing is needed.
type speakerSink struct {
	initOnce sync.Once
	initErr  error
	otoCtx   *oto.Context
}

func newSpeakerSink() *speakerSink {
	return &speakerSink{}
}

// Prepare initializes the output device and plays a near-silent clip so the
// first real clip starts without device warm-up delay. Runs once.
func (s *speakerSink) Prepare() error {
	s.initOnce.Do(func() {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   speakerSampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   speakerBufferSize,
		})
		if err != nil {
			s.initErr = fmt.Errorf("init speaker: %w", err)
			return
		}
		<-ready
		s.otoCtx = otoCtx

		silence := make([]byte, speakerSampleRate/100*2) // 10ms
		player := otoCtx.NewPlayer(bytes.NewReader(silence))
		player.Play()
		for player.IsPlaying() {
			time.Sleep(5 * time.Millisecond)
		}
		_ = player.Close()
	})
	return s.initErr
}

// Play renders one clip and returns when it finishes or ctx is cancelled.
func (s *speakerSink) Play(ctx context.Context, item playback.Item) error {
	if s.otoCtx == nil {
		return fmt.Errorf("speaker not prepared")
	}
	if item.Format != "wav" {
		return fmt.Errorf("unsupported playback format %q", item.Format)
	}

	pcm, rate, channels, err := parseWAV(item.Data)
	if err != nil {
		return err
	}
	if channels != 1 {
		return fmt.Errorf("unsupported channel count %d", channels)
	}
	if rate != speakerSampleRate {
		pcm = resamplePCM16(pcm, rate, speakerSampleRate)
	}

	player := s.otoCtx.NewPlayer(bytes.NewReader(pcm))
	player.Play()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			_ = player.Close()
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return player.Close()
}

// Stop is a no-op: the queue cancels the in-flight Play context, which tears
// the player down inside Play itself.
func (s *speakerSink) Stop() {}

// parseWAV extracts the PCM payload from a canonical 44-byte-header WAV clip.
func parseWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("malformed wav clip (%d bytes)", len(data))
	}
	channels = int(binary.LittleEndian.Uint16(data[22:24]))
	sampleRate = int(binary.LittleEndian.Uint32(data[24:28]))
	if sampleRate <= 0 {
		return nil, 0, 0, fmt.Errorf("malformed wav clip: sample rate %d", sampleRate)
	}
	return data[44:], sampleRate, channels, nil
}

// resamplePCM16 converts through float samples so clips at other rates can
// still play on the fixed-rate output device.
func resamplePCM16(pcm []byte, from, to int) []byte {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return audio.FloatToPCM16(audio.Resample(samples, from, to))
}
