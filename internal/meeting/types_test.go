package meeting

import (
	"sync"
	"testing"
)

var roster = []Participant{
	{Name: "Aisha Bello", Role: "Product Owner", VoiceID: "aura-asteria-en"},
	{Name: "David Kim", Role: "Operations Lead", VoiceID: "aura-orion-en"},
}

func TestParticipant_FirstName(t *testing.T) {
	if got := roster[0].FirstName(); got != "Aisha" {
		t.Fatalf("expected Aisha, got %q", got)
	}
	single := Participant{Name: "Priya"}
	if got := single.FirstName(); got != "Priya" {
		t.Fatalf("expected Priya, got %q", got)
	}
}

func TestHistory_AppendAndSnapshot(t *testing.T) {
	h := &History{}
	h.AppendUser("hello everyone")
	h.AppendParticipant("Aisha Bello", "Hi, good to see you.")

	entries := h.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Speaker != UserSpeaker {
		t.Fatalf("first entry should be the user, got %q", entries[0].Speaker)
	}
	if entries[1].Speaker != "Aisha Bello" {
		t.Fatalf("second entry should carry the participant name, got %q", entries[1].Speaker)
	}

	// Snapshot is a copy; mutating it must not touch the history.
	entries[0].Text = "tampered"
	if h.Snapshot()[0].Text != "hello everyone" {
		t.Fatalf("snapshot mutation leaked into history")
	}
}

func TestHistory_ConcurrentAppend(t *testing.T) {
	h := &History{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.AppendUser("x")
			}
		}()
	}
	wg.Wait()
	if h.Len() != 200 {
		t.Fatalf("expected 200 entries, got %d", h.Len())
	}
}

func TestVoiceFor(t *testing.T) {
	if got := VoiceFor(roster, "David Kim"); got != "aura-orion-en" {
		t.Fatalf("expected David's voice, got %q", got)
	}
	// Unknown speaker falls back to the first participant's voice.
	if got := VoiceFor(roster, "Nobody"); got != "aura-asteria-en" {
		t.Fatalf("expected fallback voice, got %q", got)
	}
	if got := VoiceFor(nil, "Anyone"); got != "" {
		t.Fatalf("expected empty voice for empty roster, got %q", got)
	}
}
