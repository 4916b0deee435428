// Package protocol defines the JSON wire messages exchanged between the
// tutoring client and the voice backend over a single WebSocket connection.
//
// Every frame is a JSON object discriminated by its "type" field. Inbound
// frames are validated before dispatch; unrecognized types decode to
// UnknownMessage so newer backends do not break older clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// FormatPCM16 is raw signed 16-bit little-endian PCM.
	FormatPCM16 = "pcm_s16le"

	// TargetSampleRateHz is the fixed rate mic audio is resampled to before
	// transport.
	TargetSampleRateHz = 16000
)

// Speaker labels for transcript attribution.
const (
	SpeakerStudent = "student"
	SpeakerTutor   = "tutor"
	SpeakerSystem  = "system"
)

// DecodeError reports a malformed or unsupported frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Init is the handshake frame. It is sent exactly once per session,
// immediately after the socket opens.
type Init struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"sessionId"`
	UserID      string   `json:"userId"`
	StudentName string   `json:"studentName,omitempty"`
	AgeGroup    string   `json:"ageGroup,omitempty"`
	Subject     string   `json:"subject"`
	Language    string   `json:"language,omitempty"`
	Documents   []string `json:"documents,omitempty"`
}

// NewInit builds a handshake frame with the type tag set.
func NewInit(sessionID, userID, studentName, ageGroup, subject, language string, documents []string) Init {
	return Init{
		Type:        "init",
		SessionID:   sessionID,
		UserID:      userID,
		StudentName: studentName,
		AgeGroup:    ageGroup,
		Subject:     subject,
		Language:    language,
		Documents:   documents,
	}
}

// ValidateInit checks the fields the backend requires before accepting a
// session.
func ValidateInit(msg Init) error {
	if strings.TrimSpace(msg.SessionID) == "" {
		return badFrame("init.sessionId is required", "sessionId")
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return badFrame("init.userId is required", "userId")
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return badFrame("init.subject is required", "subject")
	}
	return nil
}

// AudioConfig declares the mic stream format. Sent exactly once, after Init
// and before any AudioFrame.
type AudioConfig struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// NewAudioConfig builds the stream format declaration.
func NewAudioConfig(format string, sampleRate, channels int) AudioConfig {
	return AudioConfig{Type: "audio_config", Format: format, SampleRate: sampleRate, Channels: channels}
}

// AudioFrame carries one base64-encoded block of mic PCM.
type AudioFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// NewAudioFrame wraps encoded PCM for transport.
func NewAudioFrame(dataB64 string) AudioFrame {
	return AudioFrame{Type: "audio", Data: dataB64}
}

// Ready is the server's acknowledgment that the session is accepted.
type Ready struct {
	Type string `json:"type"`
}

// Transcript is an incremental speech-to-text update for either speaker.
type Transcript struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal,omitempty"`
	TurnID  string `json:"turnId,omitempty"`
}

// Response is the alternate tutor-text channel. Some backends deliver final
// tutor text here instead of (or in addition to) Transcript; consumers must
// apply identical merge rules to both.
type Response struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Audio carries synthesized tutor speech.
type Audio struct {
	Type        string `json:"type"`
	Data        string `json:"data"`
	AudioFormat string `json:"audioFormat,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	IsGreeting  bool   `json:"isGreeting,omitempty"`
}

// Interrupt signals server-detected barge-in: stop playback immediately.
type Interrupt struct {
	Type string `json:"type"`
}

// AudioEnd signals the tutor finished speaking.
type AudioEnd struct {
	Type string `json:"type"`
}

// ServerError is a non-fatal error notice from the backend.
type ServerError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// UnknownMessage preserves frames of a type this client does not know.
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerMessage parses and validates one inbound text frame. It returns
// a value of one of the inbound message types above.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "ready":
		return Ready{Type: typ}, nil
	case "transcript":
		var msg Transcript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript frame", "")
		}
		switch strings.TrimSpace(msg.Speaker) {
		case SpeakerStudent, SpeakerTutor, SpeakerSystem:
		default:
			return nil, badFrame("transcript.speaker must be student, tutor, or system", "speaker")
		}
		return msg, nil
	case "response":
		var msg Response
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response frame", "")
		}
		return msg, nil
	case "audio":
		var msg Audio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badFrame("audio.data is required", "data")
		}
		if msg.AudioFormat == "" {
			msg.AudioFormat = FormatPCM16
		}
		return msg, nil
	case "interrupt":
		return Interrupt{Type: typ}, nil
	case "audio_end":
		return AudioEnd{Type: typ}, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	default:
		return UnknownMessage{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// DecodeClientMessage parses one outbound frame. It exists for test servers
// standing in for the voice backend.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	switch typ {
	case "init":
		var msg Init
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid init frame", "")
		}
		if err := ValidateInit(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_config":
		var msg AudioConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_config frame", "")
		}
		if strings.TrimSpace(msg.Format) == "" {
			return nil, badFrame("audio_config.format is required", "format")
		}
		if msg.SampleRate <= 0 {
			return nil, badFrame("audio_config.sampleRate must be > 0", "sampleRate")
		}
		if msg.Channels <= 0 {
			return nil, badFrame("audio_config.channels must be > 0", "channels")
		}
		return msg, nil
	case "audio":
		var msg AudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badFrame("audio.data is required", "data")
		}
		return msg, nil
	case "":
		return nil, badFrame("missing type", "type")
	default:
		return nil, badFrame("unsupported message type", "type")
	}
}
