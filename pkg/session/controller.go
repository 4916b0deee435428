package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutorwave/voicekit/pkg/audio"
	"github.com/tutorwave/voicekit/pkg/playback"
	"github.com/tutorwave/voicekit/pkg/protocol"
	"github.com/tutorwave/voicekit/pkg/transcript"
)

// Identity is the static context declared in the init handshake.
type Identity struct {
	UserID      string
	StudentName string
	AgeGroup    string
	Subject     string
	Language    string
	Documents   []string
}

// Config wires the Controller's collaborators.
type Config struct {
	API      *APIClient
	WSURL    string
	Identity Identity

	// OpenSource acquires the microphone. Failures abort session start; the
	// session never continues silently without audio.
	OpenSource func(ctx context.Context) (audio.Source, error)

	// Sink renders tutor speech. One Queue per session is built over it.
	Sink playback.Sink

	// Store optionally archives finished-session transcripts. Best-effort.
	Store *transcript.Store

	Logger *slog.Logger

	// TickInterval is the advisory countdown period. Defaults to one second;
	// tests shorten it.
	TickInterval time.Duration

	// SettleDelay is the pause between stop and restart in SwitchAgent,
	// letting transport and audio resources release. Defaults to 300ms.
	SettleDelay time.Duration

	// StatusEvery is how many countdown ticks pass between reconciliations
	// against the server-authoritative remaining time. Defaults to 30.
	StatusEvery int
}

// liveSession is the per-start state. Every async callback compares its
// session id against the controller's current one and discards itself when
// stale; this is what keeps duplicate starts from producing two live mics.
type liveSession struct {
	id                  string
	startedAt           time.Time
	baselineUsedSeconds int
	secondsRemaining    int

	transport     *Transport
	queue         *playback.Queue
	source        audio.Source
	captureCancel context.CancelFunc
	log           *transcript.Log

	ended       bool
	cleanupOnce sync.Once
}

// Controller orchestrates session start/stop/switch, the time budget, and
// usage accounting. At most one session is live per Controller.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
	sess  *liveSession

	events chan Event

	now func() time.Time
}

// NewController creates an idle controller.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 300 * time.Millisecond
	}
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = 30
	}
	return &Controller{
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
		events: make(chan Event, 256),
		now:    time.Now,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events yields UI events. Emission is non-blocking; a stalled consumer loses
// events rather than wedging the session.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Transcript returns a snapshot of the live transcript, or nil when idle.
func (c *Controller) Transcript() []transcript.Message {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.log.Messages()
}

// Start begins a new session. Rejected unless the controller is idle: a rapid
// double start (double-click, duplicate mount) must yield exactly one live
// microphone and one init frame.
//
// The sequence is: unlock playback (synchronously, inside the user's start
// gesture) -> fetch session token and time budget -> open microphone -> dial
// transport -> handshake. Any failure resets to idle and surfaces the error;
// the controller never sticks in starting.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return NewStateError(fmt.Sprintf("cannot start: session is %s", state))
	}
	c.state = StateStarting
	sess := &liveSession{
		id:  uuid.NewString(),
		log: transcript.NewLog(),
	}
	c.sess = sess
	identity := c.cfg.Identity
	c.mu.Unlock()
	c.emit(StateEvent{State: StateStarting})

	// Resources live in locals until the session is promoted to active under
	// the lock. A Stop that lands mid-start runs teardown against a session
	// that owns nothing yet; the aborted Start releases its own acquisitions.
	var (
		queue     *playback.Queue
		source    audio.Source
		transport *Transport
	)
	fail := func(err error) error {
		if transport != nil {
			_ = transport.Close()
		}
		if source != nil {
			_ = source.Close()
		}
		if queue != nil {
			queue.Close()
		}
		c.mu.Lock()
		mine := c.sess == sess
		if mine {
			c.state = StateIdle
			c.sess = nil
		}
		c.mu.Unlock()
		if mine {
			c.emit(StateEvent{State: StateIdle})
		}
		return err
	}

	queue = playback.NewQueue(c.cfg.Sink, c.logger)
	if err := queue.Unlock(); err != nil {
		return fail(fmt.Errorf("unlock audio playback: %w", err))
	}

	token, err := c.cfg.API.SessionToken(ctx)
	if err != nil {
		return fail(NewTransportError(err.Error()))
	}
	c.mu.Lock()
	sess.baselineUsedSeconds = token.UsedSeconds
	sess.secondsRemaining = token.SecondsRemaining
	c.mu.Unlock()
	if token.SecondsRemaining <= 0 {
		c.emit(EndedEvent{Reason: EndReasonExpired, TotalUsedSeconds: token.UsedSeconds})
		return fail(NewStateError("session time budget exhausted"))
	}
	if !c.stillStarting(sess) {
		return fail(NewStateError("session stopped during start"))
	}

	source, err = c.cfg.OpenSource(ctx)
	if err != nil {
		return fail(NewMicUnavailableError(err.Error()))
	}
	if !c.stillStarting(sess) {
		return fail(NewStateError("session stopped during start"))
	}

	header := http.Header{}
	if token.Token != "" {
		header.Set("Authorization", "Bearer "+token.Token)
	}
	transport, err = DialTransport(ctx, c.cfg.WSURL, sess.id, header, c.logger)
	if err != nil {
		return fail(err)
	}

	init := protocol.NewInit(sess.id, identity.UserID, identity.StudentName, identity.AgeGroup, identity.Subject, identity.Language, identity.Documents)
	audioCfg := protocol.NewAudioConfig(protocol.FormatPCM16, protocol.TargetSampleRateHz, 1)
	if err := transport.SendHandshake(init, audioCfg); err != nil {
		return fail(err)
	}

	captureCtx, captureCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.sess != sess || c.state != StateStarting || sess.ended {
		c.mu.Unlock()
		captureCancel()
		return fail(NewStateError("session stopped during start"))
	}
	sess.queue = queue
	sess.source = source
	sess.transport = transport
	sess.captureCancel = captureCancel
	c.state = StateActive
	sess.startedAt = c.now()
	c.mu.Unlock()
	c.emit(StateEvent{State: StateActive})
	c.emit(TickEvent{SecondsRemaining: token.SecondsRemaining})

	encoder := &audio.Encoder{
		SessionID:  sess.id,
		Source:     source,
		TargetRate: protocol.TargetSampleRateHz,
		Writer:     transport,
		Active:     c.isLive,
		Logger:     c.logger,
	}
	go func() {
		if err := encoder.Run(captureCtx); err != nil {
			c.logger.Warn("capture stopped", "session_id", sess.id, "err", err)
		}
	}()
	go c.routeEvents(sess)
	go c.countdown(sess)

	return nil
}

// Stop ends the current session, reporting absolute used-seconds. Calling it
// while a stop is already in flight is a logged no-op; calling it while idle
// is a silent no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateEnding {
		c.mu.Unlock()
		c.logger.Debug("stop ignored: session already ending")
		return nil
	}
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	c.endSession(sess, EndReasonStopped)
	return nil
}

// SwitchAgent tears the current session fully down, waits for resources to
// settle, updates the session identity, and starts fresh. The new session
// never observes half-torn-down state.
func (c *Controller) SwitchAgent(ctx context.Context, identity Identity) error {
	if err := c.Stop(); err != nil {
		return err
	}
	select {
	case <-time.After(c.cfg.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	c.cfg.Identity = identity
	c.mu.Unlock()
	return c.Start(ctx)
}

// ReportUnload fires a best-effort, detached usage report with the same
// absolute-total convention as Stop. For page-unload/SIGINT paths where no
// response can be awaited; duplicate delivery is harmless by convention.
func (c *Controller) ReportUnload() {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	total := sess.baselineUsedSeconds + int(c.now().Sub(sess.startedAt).Seconds())
	id := sess.id
	c.mu.Unlock()
	c.cfg.API.ReportUsageDetached(id, total)
}

// RefreshBudget reconciles the advisory countdown against the
// server-authoritative remaining time. Client and server clocks drift; the
// server wins on every fetch.
func (c *Controller) RefreshBudget(ctx context.Context) error {
	status, err := c.cfg.API.Status(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sess := c.sess
	if sess != nil && c.state == StateActive {
		sess.secondsRemaining = status.SecondsRemaining
	}
	c.mu.Unlock()
	if sess != nil {
		c.emit(TickEvent{SecondsRemaining: status.SecondsRemaining})
	}
	return nil
}

// stillStarting reports whether sess is still the controller's current
// session and has not been stopped out from under a slow Start.
func (c *Controller) stillStarting(sess *liveSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == sess && c.state == StateStarting && !sess.ended
}

// isLive reports whether sessionID is still the controller's current session.
// Every async callback gates on this before acting.
func (c *Controller) isLive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.id != sessionID {
		return false
	}
	return c.state == StateStarting || c.state == StateActive
}

// endSession runs the single teardown path shared by Stop, timer expiry, and
// transport failure. It runs at most once per session.
func (c *Controller) endSession(sess *liveSession, reason EndReason) {
	c.mu.Lock()
	if c.sess != sess || sess.ended {
		c.mu.Unlock()
		return
	}
	sess.ended = true
	c.state = StateEnding
	var elapsed time.Duration
	if !sess.startedAt.IsZero() {
		elapsed = c.now().Sub(sess.startedAt)
	}
	endedAt := c.now()
	c.mu.Unlock()
	c.emit(StateEvent{State: StateEnding})

	c.cleanup(sess)

	// Absolute total, never a delta: duplicate or retried delivery cannot
	// double-count on the server. A session that never reached active has
	// nothing to report.
	total := sess.baselineUsedSeconds + int(elapsed.Seconds())
	if !sess.startedAt.IsZero() {
		reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.cfg.API.ReportUsage(reportCtx, sess.id, total); err != nil {
			// Accounting failures never block teardown.
			c.logger.Warn("usage report failed", "session_id", sess.id, "total_used_seconds", total, "err", err)
		}
		cancel()
	}

	c.archive(sess, endedAt, total)

	c.mu.Lock()
	c.state = StateIdle
	c.sess = nil
	c.mu.Unlock()
	c.emit(StateEvent{State: StateIdle})
	c.emit(EndedEvent{Reason: reason, TotalUsedSeconds: total})
}

// cleanup releases the microphone, transport, and playback queue. Idempotent
// and safe when some resources were never acquired.
func (c *Controller) cleanup(sess *liveSession) {
	sess.cleanupOnce.Do(func() {
		if sess.captureCancel != nil {
			sess.captureCancel()
		}
		if sess.source != nil {
			if err := sess.source.Close(); err != nil {
				c.logger.Debug("close capture source", "err", err)
			}
		}
		if sess.transport != nil {
			_ = sess.transport.Close()
		}
		if sess.queue != nil {
			sess.queue.Close()
		}
	})
}

func (c *Controller) archive(sess *liveSession, endedAt time.Time, totalUsedSeconds int) {
	if c.cfg.Store == nil || sess.startedAt.IsZero() {
		return
	}
	subject := c.cfg.Identity.Subject
	if err := c.cfg.Store.SaveSession(sess.id, subject, sess.startedAt, endedAt, totalUsedSeconds, sess.log.Messages()); err != nil {
		c.logger.Warn("transcript archive failed", "session_id", sess.id, "err", err)
	}
	if err := c.cfg.Store.SetPreference("subject", subject); err != nil {
		c.logger.Debug("preference cache failed", "err", err)
	}
}

// countdown decrements the advisory timer once per tick while active. Every
// StatusEvery ticks it also reconciles against the server's remaining time,
// since the local count is advisory and drifts. Hitting zero triggers the
// expiry path exactly once; endSession's once-guard keeps later ticks from
// repeating it.
func (c *Controller) countdown(sess *liveSession) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	ticks := 0
	for range ticker.C {
		c.mu.Lock()
		if c.sess != sess || c.state != StateActive {
			c.mu.Unlock()
			return
		}
		sess.secondsRemaining--
		remaining := sess.secondsRemaining
		c.mu.Unlock()

		ticks++
		if ticks%c.cfg.StatusEvery == 0 {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.RefreshBudget(ctx); err != nil {
					c.logger.Debug("status refresh failed", "err", err)
				}
			}()
		}

		c.emit(TickEvent{SecondsRemaining: remaining})
		if remaining <= 0 {
			c.endSession(sess, EndReasonExpired)
			return
		}
	}
}

// routeEvents dispatches decoded inbound frames for one session. Frames
// arriving after the session is no longer live are discarded silently.
func (c *Controller) routeEvents(sess *liveSession) {
	for msg := range sess.transport.Events() {
		if !c.isLive(sess.id) {
			continue
		}
		switch m := msg.(type) {
		case protocol.Ready:
			// Server ack; nothing to do.
		case protocol.Transcript:
			c.applyTranscript(sess, m)
		case protocol.Response:
			// Alternate tutor-text channel; identical merge rules.
			if sess.log.ApplyTutor(m.Text) {
				c.emit(TranscriptEvent{Messages: sess.log.Messages()})
			}
		case protocol.Audio:
			c.enqueueAudio(sess, m)
		case protocol.Interrupt:
			// Server-detected barge-in.
			sess.queue.Stop()
			c.emit(SpeakingEvent{Speaking: false})
		case protocol.AudioEnd:
			c.emit(SpeakingEvent{Speaking: false})
		case protocol.ServerError:
			c.logger.Warn("server error", "session_id", sess.id, "err", m.Error)
			c.emit(NoticeEvent{Message: m.Error})
		case protocol.UnknownMessage:
			c.logger.Debug("ignoring unknown frame", "type", m.Type)
		}
	}

	// Events channel closed. During an orderly stop the session is already
	// ending and this is a no-op; otherwise the socket died underneath an
	// active session and there is no auto-reconnect.
	if c.isLive(sess.id) {
		if err := sess.transport.Err(); err != nil {
			c.emit(NoticeEvent{Message: err.Error()})
		} else {
			c.emit(NoticeEvent{Message: "connection closed"})
		}
		c.endSession(sess, EndReasonTransport)
	}
}

func (c *Controller) applyTranscript(sess *liveSession, m protocol.Transcript) {
	switch m.Speaker {
	case protocol.SpeakerTutor:
		if sess.log.ApplyTutor(m.Text) {
			c.emit(TranscriptEvent{Messages: sess.log.Messages()})
		}
	case protocol.SpeakerStudent:
		final := sess.log.ApplyStudent(m.Text, m.IsFinal)
		c.emit(TranscriptEvent{Messages: sess.log.Messages()})
		if final {
			// The student's confirmed speech is the definitive barge-in
			// signal, independent of the server's interrupt event.
			sess.queue.Stop()
			c.emit(SpeakingEvent{Speaking: false})
		}
	case protocol.SpeakerSystem:
		sess.log.AppendSystem(m.Text)
		c.emit(TranscriptEvent{Messages: sess.log.Messages()})
	}
}

func (c *Controller) enqueueAudio(sess *liveSession, m protocol.Audio) {
	raw, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		c.logger.Warn("dropping undecodable audio payload", "session_id", sess.id, "err", err)
		return
	}
	item := playback.NewItem(raw, m.AudioFormat, m.SampleRate, m.Channels, m.IsGreeting, nil)
	sess.queue.Enqueue(item)
	c.emit(SpeakingEvent{Speaking: true})
}

func (c *Controller) emit(event Event) {
	select {
	case c.events <- event:
	default:
		// UI consumer stalled; dropping beats wedging the session.
	}
}
