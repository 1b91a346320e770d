package engine

import (
	"context"

	"github.com/techascendconsulting/stakeholder-voice/internal/meeting"
)

// State is the engine's lifecycle position. Exactly one State exists per
// session and only the engine mutates it.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
)

// Capturer turns one stretch of microphone input into a finalized utterance.
// Implementations must resolve rather than hang: backend failure or context
// cancellation yields whatever partial text had accumulated, possibly empty.
type Capturer interface {
	Capture(ctx context.Context) (string, error)
}

// Generator produces a reply for the latest utterance given the conversation
// so far and the participant roster. Implementations recover provider
// failures internally; the engine still guards the error path.
type Generator interface {
	Generate(ctx context.Context, utterance string, history []meeting.Utterance, roster []meeting.Participant) (meeting.Reply, error)
}

// Speaker plays synthesized audio for a reply. Speak resolves on natural
// completion, on Cancel, and on synthesis failure; it never blocks the loop
// past cancellation.
type Speaker interface {
	Speak(ctx context.Context, text, voiceID string) error
	Cancel()
}

// Events is the outbound interface to the host UI. Nil callbacks are skipped.
type Events struct {
	OnStateChange    func(State)
	OnUserUtterance  func(text string)
	OnAgentUtterance func(text, speakerName string)
}
