package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorwave/voicekit/pkg/protocol"
)

const defaultDialTimeout = 15 * time.Second

// maxConsecutiveDecodeFailures is how many undecodable frames in a row the
// read loop tolerates before declaring the stream corrupt. A lone bad frame
// is skipped, matching the unknown-type stance.
const maxConsecutiveDecodeFailures = 5

// Transport owns one WebSocket connection for one session. It sends the
// init/audio_config handshake exactly once, streams audio frames, and decodes
// inbound frames onto Events in strict arrival order.
//
// There is no auto-reconnect: on socket error or unexpected close the
// transport marks itself dead and the events channel closes. A new
// user-initiated start builds a new Transport.
type Transport struct {
	sessionID string
	conn      *websocket.Conn
	logger    *slog.Logger

	events chan any
	quit   chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	initOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	streaming atomic.Bool

	errMu sync.Mutex
	err   error
}

// DialTransport connects to the voice backend for the given session id.
func DialTransport(ctx context.Context, wsURL, sessionID string, header http.Header, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, NewTransportError(fmt.Sprintf("websocket dial failed (status %d): %v", resp.StatusCode, err))
		}
		return nil, NewTransportError(fmt.Sprintf("websocket dial failed: %v", err))
	}

	t := &Transport{
		sessionID: sessionID,
		conn:      conn,
		logger:    logger,
		events:    make(chan any, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// SessionID returns the owning session id.
func (t *Transport) SessionID() string {
	if t == nil {
		return ""
	}
	return t.sessionID
}

// SendHandshake sends exactly one init frame followed by exactly one
// audio_config frame, in that order, before any audio. A second call for the
// same transport is a no-op: open events can fire twice for one logical
// session and the handshake must not repeat.
func (t *Transport) SendHandshake(init protocol.Init, cfg protocol.AudioConfig) error {
	if t == nil {
		return NewTransportError("transport is not initialized")
	}
	if err := protocol.ValidateInit(init); err != nil {
		return err
	}
	var sendErr error
	t.initOnce.Do(func() {
		if err := t.sendJSON(init); err != nil {
			sendErr = err
			return
		}
		if err := t.sendJSON(cfg); err != nil {
			sendErr = err
			return
		}
		t.streaming.Store(true)
	})
	return sendErr
}

// WriteAudioFrame ships one encoded mic frame. Frames are dropped silently
// when the session id is stale or the handshake has not completed; audio
// must never precede audio_config.
func (t *Transport) WriteAudioFrame(sessionID, dataB64 string) error {
	if t == nil || t.closed.Load() {
		return nil
	}
	if sessionID != t.sessionID || !t.streaming.Load() {
		// Stale callback from a torn-down session.
		return nil
	}
	return t.sendJSON(protocol.NewAudioFrame(dataB64))
}

// Events yields decoded inbound messages in arrival order. The channel closes
// when the socket dies or Close is called.
func (t *Transport) Events() <-chan any {
	if t == nil {
		return nil
	}
	return t.events
}

// Err returns the terminal transport error, if any, after Events closes.
func (t *Transport) Err() error {
	if t == nil {
		return nil
	}
	<-t.done
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close closes the socket. Idempotent.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.streaming.Store(false)
		close(t.quit)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	<-t.done
	return nil
}

func (t *Transport) sendJSON(v any) error {
	if t.closed.Load() {
		return NewTransportError("transport is closed")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(v); err != nil {
		return NewTransportError(fmt.Sprintf("write frame: %v", err))
	}
	return nil
}

func (t *Transport) setErr(err error) {
	if err == nil {
		return
	}
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *Transport) readLoop() {
	defer close(t.done)
	defer close(t.events)

	decodeFailures := 0
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || t.closed.Load() {
				return
			}
			t.setErr(NewTransportError(err.Error()))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, decodeErr := protocol.DecodeServerMessage(data)
		if decodeErr != nil {
			decodeFailures++
			t.logger.Warn("skipping undecodable frame", "consecutive", decodeFailures, "err", decodeErr)
			if decodeFailures >= maxConsecutiveDecodeFailures {
				t.setErr(NewProtocolError(fmt.Sprintf("%d consecutive undecodable frames, last: %v", decodeFailures, decodeErr)))
				return
			}
			continue
		}
		decodeFailures = 0

		// Blocking send keeps transcript merge in strict arrival order; the
		// quit select prevents a dead consumer from wedging the read loop.
		select {
		case t.events <- msg:
		case <-t.quit:
			return
		}
	}
}
