package transcript

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "archive.sqlite"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_OpensInWALMode(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)

	// The DSN pragma must actually take effect; a misspelled driver
	// parameter is silently ignored and leaves the default journal mode.
	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode=%q, want %q", mode, "wal")
	}
}

func TestStore_SaveAndLoadSession(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	started := time.Now().Add(-2 * time.Minute).UTC()
	ended := time.Now().UTC()
	messages := []Message{
		{Speaker: SpeakerTutor, Text: "Let's begin", Timestamp: started},
		{Speaker: SpeakerStudent, Text: "okay", Timestamp: started.Add(5 * time.Second)},
		{Speaker: SpeakerTutor, Text: "The answer is 4", Timestamp: started.Add(30 * time.Second)},
	}

	if err := store.SaveSession("sess_1", "math", started, ended, 120, messages); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := store.MessagesForSession("sess_1")
	if err != nil {
		t.Fatalf("MessagesForSession() error = %v", err)
	}
	if len(got) != len(messages) {
		t.Fatalf("messages=%d, want %d", len(got), len(messages))
	}
	for i := range messages {
		if got[i].Speaker != messages[i].Speaker || got[i].Text != messages[i].Text {
			t.Fatalf("message %d = %+v, want %+v", i, got[i], messages[i])
		}
	}
}

func TestStore_SaveSessionIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	now := time.Now().UTC()
	messages := []Message{{Speaker: SpeakerTutor, Text: "hello", Timestamp: now}}

	// Duplicate delivery of the same archive must not duplicate rows.
	for i := 0; i < 2; i++ {
		if err := store.SaveSession("sess_dup", "math", now, now, 60, messages); err != nil {
			t.Fatalf("SaveSession() attempt %d error = %v", i, err)
		}
	}

	got, err := store.MessagesForSession("sess_dup")
	if err != nil {
		t.Fatalf("MessagesForSession() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("messages=%d, want 1", len(got))
	}
}

func TestStore_Preferences(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)

	if got, err := store.Preference("subject"); err != nil || got != "" {
		t.Fatalf("unset preference = %q, %v", got, err)
	}
	if err := store.SetPreference("subject", "math"); err != nil {
		t.Fatalf("SetPreference() error = %v", err)
	}
	if err := store.SetPreference("subject", "reading"); err != nil {
		t.Fatalf("SetPreference() overwrite error = %v", err)
	}
	got, err := store.Preference("subject")
	if err != nil {
		t.Fatalf("Preference() error = %v", err)
	}
	if got != "reading" {
		t.Fatalf("preference=%q, want %q", got, "reading")
	}
}

func TestStore_NilSafe(t *testing.T) {
	t.Parallel()

	var store *Store
	if err := store.SaveSession("s", "math", time.Now(), time.Now(), 0, nil); err != nil {
		t.Fatalf("nil store SaveSession error = %v", err)
	}
	if err := store.SetPreference("k", "v"); err != nil {
		t.Fatalf("nil store SetPreference error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("nil store Close error = %v", err)
	}
}
