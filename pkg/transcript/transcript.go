// Package transcript maintains a single coherent conversation transcript
// despite overlapping and duplicate partial updates from speech recognition
// and generation.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker attributes an utterance.
type Speaker string

const (
	SpeakerStudent Speaker = "student"
	SpeakerTutor   Speaker = "tutor"
	SpeakerSystem  Speaker = "system"
)

// Message is one utterance in the transcript.
type Message struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Log is an ordered transcript with prefix-merge reconciliation. From the
// consumer's perspective it is append-only, except that the tail entry may be
// replaced in place when an update extends it.
type Log struct {
	mu       sync.Mutex
	messages []Message

	// tailStudentPartial marks the tail entry as a still-streaming student
	// utterance eligible for in-place replacement.
	tailStudentPartial bool

	now func() time.Time
}

// NewLog creates an empty transcript.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// normalize trims and collapses internal whitespace runs to single spaces so
// that cosmetic differences never defeat dedup or prefix matching.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ApplyTutor merges one tutor text update. The same rules apply to both the
// transcript and response channels, since backends may emit either:
//
//  1. equal to the previous tutor text: ignore (exact duplicate),
//  2. previous text is a non-empty prefix of the update: replace in place
//     (streaming partial -> final),
//  3. otherwise: append a new entry.
//
// Returns true if the transcript changed.
func (l *Log) ApplyTutor(text string) bool {
	norm := normalize(text)
	if norm == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tail := l.tail(); tail != nil && tail.Speaker == SpeakerTutor {
		prev := normalize(tail.Text)
		if prev == norm {
			return false
		}
		if prev != "" && strings.HasPrefix(norm, prev) {
			tail.Text = text
			tail.Timestamp = l.now()
			return true
		}
	}
	l.appendLocked(SpeakerTutor, text)
	return true
}

// ApplyStudent merges one student transcript update and returns whether it was
// final. A final student transcript is the definitive client-side barge-in
// signal; the caller stops playback on it.
//
// Student merging uses the same normalized-prefix rule as the tutor side. A
// partial update replaces the still-partial tail entry; a final update seals
// it.
func (l *Log) ApplyStudent(text string, isFinal bool) bool {
	norm := normalize(text)
	if norm == "" {
		return isFinal
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tail := l.tail(); tail != nil && tail.Speaker == SpeakerStudent && l.tailStudentPartial {
		prev := normalize(tail.Text)
		switch {
		case prev == norm:
			// Duplicate delivery; only the partial flag may advance.
		case prev != "" && strings.HasPrefix(norm, prev):
			tail.Text = text
			tail.Timestamp = l.now()
		default:
			l.appendLocked(SpeakerStudent, text)
		}
		l.tailStudentPartial = l.tail().Speaker == SpeakerStudent && !isFinal
		return isFinal
	}

	l.appendLocked(SpeakerStudent, text)
	l.tailStudentPartial = !isFinal
	return isFinal
}

// AppendSystem adds a system notice to the transcript.
func (l *Log) AppendSystem(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(SpeakerSystem, text)
}

func (l *Log) appendLocked(speaker Speaker, text string) {
	l.messages = append(l.messages, Message{Speaker: speaker, Text: text, Timestamp: l.now()})
	l.tailStudentPartial = false
}

func (l *Log) tail() *Message {
	if len(l.messages) == 0 {
		return nil
	}
	return &l.messages[len(l.messages)-1]
}

// Messages returns a copy of the transcript in arrival order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of transcript entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
