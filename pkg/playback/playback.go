// Package playback plays synthesized tutor speech in arrival order, one item
// at a time, with immediate barge-in cancellation.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tutorwave/voicekit/pkg/audio"
)

// Item is one decoded audio payload ready for a Sink. Raw PCM payloads are
// wrapped in a WAV container at construction; pre-encoded payloads pass
// through untouched. Ownership transfers to the Queue, which releases the
// underlying resource exactly once.
type Item struct {
	Data       []byte
	Format     string
	SampleRate int
	Channels   int
	Greeting   bool

	release func()
	mu      *sync.Mutex
	done    *bool
}

// NewItem builds a playback item. Raw PCM (pcm_s16le) is containerized here;
// any other format is treated as pre-encoded. release is invoked exactly once
// when the item finishes, errors, or is interrupted; it may be nil.
func NewItem(data []byte, format string, sampleRate, channels int, greeting bool, release func()) Item {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	payload := data
	if format == "" || format == "pcm_s16le" || format == "pcm" {
		payload = audio.PCMToWAV(data, sampleRate, 16, channels)
		format = "wav"
	}
	var done bool
	return Item{
		Data:       payload,
		Format:     format,
		SampleRate: sampleRate,
		Channels:   channels,
		Greeting:   greeting,
		release:    release,
		mu:         &sync.Mutex{},
		done:       &done,
	}
}

// Release frees the item's underlying resource. Safe to call more than once;
// only the first call runs the release hook.
func (i Item) Release() {
	if i.mu == nil {
		return
	}
	i.mu.Lock()
	already := *i.done
	*i.done = true
	i.mu.Unlock()
	if already || i.release == nil {
		return
	}
	i.release()
}

// Sink renders audio. Play blocks until the item finishes, fails, or ctx is
// cancelled. Stop halts any in-progress Play immediately. Prepare performs
// the platform's one-time unlock (playing a near-silent clip) and must be
// called synchronously inside the user's start gesture.
type Sink interface {
	Prepare() error
	Play(ctx context.Context, item Item) error
	Stop()
}

// Queue is a strict-FIFO playback queue over a Sink. At most one item plays
// at a time; the next begins only after the current one finishes or errors.
type Queue struct {
	sink   Sink
	logger *slog.Logger

	mu            sync.Mutex
	pending       []Item
	cancelCurrent context.CancelFunc
	greetingDone  bool
	closed        bool

	unlockOnce sync.Once
	unlockErr  error

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewQueue creates a queue and starts its player goroutine.
func NewQueue(sink Sink, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		sink:   sink,
		logger: logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Unlock performs the sink's one-time unlock. It must run synchronously in
// the user's start action; later calls are no-ops returning the first result.
func (q *Queue) Unlock() error {
	q.unlockOnce.Do(func() {
		q.unlockErr = q.sink.Prepare()
	})
	return q.unlockErr
}

// Enqueue adds an item. Greeting items after the first are dropped and
// released immediately: backends may re-send the opening line on
// reconnect-like events, and it must play at most once per session.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		item.Release()
		return
	}
	if item.Greeting {
		if q.greetingDone {
			q.mu.Unlock()
			q.logger.Debug("suppressing repeated greeting")
			item.Release()
			return
		}
		q.greetingDone = true
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop synchronously halts in-progress playback, clears the pending queue,
// and releases every held item. Used for both server interrupt events and
// client-detected barge-in.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancelCurrent
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.sink.Stop()
	for _, item := range dropped {
		item.Release()
	}
}

// Close stops playback and terminates the player goroutine. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	q.Stop()
	<-q.done
}

// Pending returns the number of queued (not yet playing) items.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		item, ctx, cancel, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.quit:
				return
			}
		}

		// A Stop that landed between the dequeue and here cancelled ctx;
		// the item must not start playing after an interrupt.
		if ctx.Err() == nil {
			if err := q.sink.Play(ctx, item); err != nil && ctx.Err() == nil {
				q.logger.Warn("playback item failed", "err", err)
			}
		}

		q.mu.Lock()
		q.cancelCurrent = nil
		q.mu.Unlock()
		cancel()
		item.Release()
	}
}

// next pops the head item and installs its cancel func under the same lock,
// so Stop always sees either the item in pending or a cancelable current.
func (q *Queue) next() (Item, context.Context, context.CancelFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Item{}, nil, nil, false
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	ctx, cancel := context.WithCancel(context.Background())
	q.cancelCurrent = cancel
	return item, ctx, cancel, true
}
