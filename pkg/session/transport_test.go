package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorwave/voicekit/pkg/protocol"
)

func newVoiceWebsocketTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInit(sessionID string) protocol.Init {
	return protocol.NewInit(sessionID, "user_1", "Alice", "8-10", "math", "en", nil)
}

func testAudioConfig() protocol.AudioConfig {
	return protocol.NewAudioConfig(protocol.FormatPCM16, protocol.TargetSampleRateHz, 1)
}

func TestTransport_HandshakeThenAudioOrdering(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				close(frames)
				return
			}
			frames <- frame
		}
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_order", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()

	if err := transport.SendHandshake(testInit("sess_order"), testAudioConfig()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := transport.WriteAudioFrame("sess_order", "AAAA"); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	wantTypes := []string{"init", "audio_config", "audio"}
	for _, want := range wantTypes {
		select {
		case frame := <-frames:
			if frame["type"] != want {
				t.Fatalf("frame type=%v, want %q", frame["type"], want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q frame", want)
		}
	}
}

func TestTransport_SendHandshakeIsIdempotent(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_once", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()

	for i := 0; i < 3; i++ {
		if err := transport.SendHandshake(testInit("sess_once"), testAudioConfig()); err != nil {
			t.Fatalf("handshake %d: %v", i, err)
		}
	}
	if err := transport.WriteAudioFrame("sess_once", "AAAA"); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case frame := <-frames:
			got = append(got, frame["type"].(string))
		case <-deadline:
			t.Fatalf("timed out; frames so far: %v", got)
		}
	}
	if got[0] != "init" || got[1] != "audio_config" || got[2] != "audio" {
		t.Fatalf("frame order=%v, want [init audio_config audio]", got)
	}
	select {
	case frame := <-frames:
		t.Fatalf("unexpected extra frame: %v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransport_DropsFramesBeforeHandshake(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_early", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()

	// Before the handshake the frame is dropped, not queued.
	if err := transport.WriteAudioFrame("sess_early", "AAAA"); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := transport.SendHandshake(testInit("sess_early"), testAudioConfig()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	select {
	case frame := <-frames:
		if frame["type"] != "init" {
			t.Fatalf("first frame type=%v, want init", frame["type"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for init frame")
	}
}

func TestTransport_DropsFramesForStaleSession(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_live", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()

	if err := transport.SendHandshake(testInit("sess_live"), testAudioConfig()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := transport.WriteAudioFrame("sess_stale", "AAAA"); err != nil {
		t.Fatalf("stale write should be a silent drop, got %v", err)
	}
	if err := transport.WriteAudioFrame("sess_live", "BBBB"); err != nil {
		t.Fatalf("live write: %v", err)
	}

	var audio []map[string]any
	deadline := time.After(2 * time.Second)
	for len(audio) == 0 {
		select {
		case frame := <-frames:
			if frame["type"] == "audio" {
				audio = append(audio, frame)
			}
		case <-deadline:
			t.Fatal("timed out waiting for audio frame")
		}
	}
	if audio[0]["data"] != "BBBB" {
		t.Fatalf("audio data=%v, want BBBB (stale frame must not reach the wire)", audio[0]["data"])
	}
}

func TestTransport_RoutesServerEventsInOrder(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var hello json.RawMessage
		_ = conn.ReadJSON(&hello)

		_ = conn.WriteJSON(map[string]any{"type": "ready"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "speaker": "tutor", "text": "Let's begin"})
		_ = conn.WriteJSON(map[string]any{"type": "audio", "data": "UENN", "sampleRate": 24000})
		_ = conn.WriteJSON(map[string]any{"type": "audio_end"})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_route", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()
	if err := transport.SendHandshake(testInit("sess_route"), testAudioConfig()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	var got []any
	for msg := range transport.Events() {
		got = append(got, msg)
	}
	if err := transport.Err(); err != nil {
		t.Fatalf("transport err: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("got %d events, want 4: %#v", len(got), got)
	}
	if _, ok := got[0].(protocol.Ready); !ok {
		t.Fatalf("event 0 = %T, want protocol.Ready", got[0])
	}
	tr, ok := got[1].(protocol.Transcript)
	if !ok {
		t.Fatalf("event 1 = %T, want protocol.Transcript", got[1])
	}
	if tr.Speaker != protocol.SpeakerTutor || tr.Text != "Let's begin" {
		t.Fatalf("transcript = %+v", tr)
	}
	audio, ok := got[2].(protocol.Audio)
	if !ok {
		t.Fatalf("event 2 = %T, want protocol.Audio", got[2])
	}
	if audio.Data != "UENN" || audio.SampleRate != 24000 {
		t.Fatalf("audio = %+v", audio)
	}
	if audio.AudioFormat != protocol.FormatPCM16 {
		t.Fatalf("audio format=%q, want default %q", audio.AudioFormat, protocol.FormatPCM16)
	}
	if _, ok := got[3].(protocol.AudioEnd); !ok {
		t.Fatalf("event 3 = %T, want protocol.AudioEnd", got[3])
	}
}

func TestTransport_UnknownFrameTypePreserved(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var hello json.RawMessage
		_ = conn.ReadJSON(&hello)
		_ = conn.WriteJSON(map[string]any{"type": "future_thing", "payload": 7})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_fwd", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()
	if err := transport.SendHandshake(testInit("sess_fwd"), testAudioConfig()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	select {
	case msg := <-transport.Events():
		unknown, ok := msg.(protocol.UnknownMessage)
		if !ok {
			t.Fatalf("event = %T, want protocol.UnknownMessage", msg)
		}
		if unknown.Type != "future_thing" {
			t.Fatalf("unknown type=%q", unknown.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unknown frame event")
	}
}

func TestTransport_DialFailureIncludesStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	_, err := DialTransport(context.Background(), wsURL, "sess_denied", nil, testLogger())
	if err == nil {
		t.Fatal("expected dial error")
	}
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("error type = %T, want *session.Error", err)
	}
	if sessErr.Type != ErrTransport {
		t.Fatalf("error type=%q, want %q", sessErr.Type, ErrTransport)
	}
	if !strings.Contains(sessErr.Message, "401") {
		t.Fatalf("error message=%q, expected HTTP status", sessErr.Message)
	}
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_close", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := transport.WriteAudioFrame("sess_close", "AAAA"); err != nil {
		t.Fatalf("write after close should be a silent drop, got %v", err)
	}
}

func TestTransport_SkipsIsolatedMalformedFrame(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var hello json.RawMessage
		_ = conn.ReadJSON(&hello)

		_ = conn.WriteJSON(map[string]any{"type": "transcript", "speaker": "martian", "text": "zzz"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "speaker": "tutor", "text": "still here"})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_skip", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()
	if err := transport.SendHandshake(testInit("sess_skip"), testAudioConfig()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	var got []any
	for msg := range transport.Events() {
		got = append(got, msg)
	}
	if err := transport.Err(); err != nil {
		t.Fatalf("one bad frame must not kill the transport: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (bad frame skipped): %#v", len(got), got)
	}
	tr, ok := got[0].(protocol.Transcript)
	if !ok || tr.Text != "still here" {
		t.Fatalf("event = %#v, want the frame after the malformed one", got[0])
	}
}

func TestTransport_RepeatedMalformedFramesAreFatal(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newVoiceWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var hello json.RawMessage
		_ = conn.ReadJSON(&hello)

		for i := 0; i < maxConsecutiveDecodeFailures; i++ {
			_ = conn.WriteJSON(map[string]any{"type": "transcript", "speaker": "martian", "text": "zzz"})
		}
		// Keep the socket open; the client side gives up on its own.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	transport, err := DialTransport(context.Background(), serverURL, "sess_corrupt", nil, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()
	if err := transport.SendHandshake(testInit("sess_corrupt"), testAudioConfig()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	for range transport.Events() {
		t.Fatal("no decodable events were sent")
	}
	err = transport.Err()
	if err == nil {
		t.Fatal("expected a terminal protocol error")
	}
	var sessErr *Error
	if !errors.As(err, &sessErr) || sessErr.Type != ErrProtocol {
		t.Fatalf("error = %v, want protocol_error", err)
	}
}
