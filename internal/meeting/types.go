package meeting

import (
	"strings"
	"sync"
	"time"
)

// UserSpeaker is the speaker attribution for learner utterances.
const UserSpeaker = "user"

// Participant is one simulated stakeholder in a meeting session.
// Participants are built once from session setup and never change mid-session.
type Participant struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	VoiceID string `json:"voiceId"`
	Persona string `json:"persona,omitempty"`
}

// FirstName returns the participant's first name for mention matching.
func (p Participant) FirstName() string {
	fields := strings.Fields(p.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Utterance is one completed turn of speech, from the learner or a participant.
type Utterance struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Reply is the outcome of one reply generation: the text and the participant
// who says it.
type Reply struct {
	Speaker string
	Text    string
}

// History is the append-only conversation record shared between the engine
// and its host. Entries are never mutated after append.
type History struct {
	mu      sync.Mutex
	entries []Utterance
}

func (h *History) Append(u Utterance) {
	h.mu.Lock()
	h.entries = append(h.entries, u)
	h.mu.Unlock()
}

func (h *History) AppendUser(text string) {
	h.Append(Utterance{Speaker: UserSpeaker, Text: text, At: time.Now()})
}

func (h *History) AppendParticipant(name, text string) {
	h.Append(Utterance{Speaker: name, Text: text, At: time.Now()})
}

// Snapshot returns a copy of the entries for safe concurrent reads.
func (h *History) Snapshot() []Utterance {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]Utterance, len(h.entries))
	copy(cp, h.entries)
	return cp
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// VoiceFor resolves a participant name to its voice identity, falling back to
// the first roster entry when the name is unknown.
func VoiceFor(roster []Participant, name string) string {
	for _, p := range roster {
		if strings.EqualFold(p.Name, name) {
			return p.VoiceID
		}
	}
	if len(roster) > 0 {
		return roster[0].VoiceID
	}
	return ""
}
