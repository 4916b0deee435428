package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/tutorwave/voicekit/pkg/audio"
)

const (
	micSampleRate = 48000
	micBlockMs    = 20
)

// micSource captures float samples from the default input device. The malgo
// callback appends into a shared buffer; ReadBlock drains it one fixed-size
// block at a time.
type micSource struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []float32
	closed bool

	rate  int
	block int
}

// openMicSource opens the default capture device. Failures wrap
// audio.ErrMicrophoneUnavailable so session start can classify them.
func openMicSource(ctx context.Context) (audio.Source, error) {
	contextConfig := malgo.ContextConfig{}
	contextConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, contextConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", audio.ErrMicrophoneUnavailable, err)
	}

	m := &micSource{
		malgoCtx: malgoCtx,
		rate:     micSampleRate,
		block:    micSampleRate * micBlockMs / 1000,
		buf:      make([]float32, 0, micSampleRate),
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.rate)
	deviceConfig.PeriodSizeInMilliseconds = micBlockMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			samples := make([]float32, len(input)/4)
			for i := range samples {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
			}
			m.mu.Lock()
			m.buf = append(m.buf, samples...)
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return nil, fmt.Errorf("%w: init capture device: %v", audio.ErrMicrophoneUnavailable, err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		return nil, fmt.Errorf("%w: start capture: %v", audio.ErrMicrophoneUnavailable, err)
	}

	return m, nil
}

func (m *micSource) SampleRate() int { return m.rate }

// ReadBlock blocks until one capture block is buffered, ctx is done, or the
// source is closed.
func (m *micSource) ReadBlock(ctx context.Context) ([]float32, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.buf) < m.block && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.closed {
		return nil, io.EOF
	}

	block := make([]float32, m.block)
	copy(block, m.buf[:m.block])
	m.buf = m.buf[m.block:]
	return block, nil
}

func (m *micSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
	if m.malgoCtx != nil {
		_ = m.malgoCtx.Uninit()
	}
	return nil
}
