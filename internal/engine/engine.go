package engine

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/techascendconsulting/stakeholder-voice/internal/meeting"
)

// FallbackReply is spoken by the first roster participant when reply
// generation fails. A degraded turn, never a dead session.
const FallbackReply = "Sorry, I lost my train of thought for a second. Could you say that again?"

// Engine sequences Capture -> Generate -> Play for one meeting session.
// Turns are strictly serialized: no two pipeline stages run concurrently.
type Engine struct {
	capturer  Capturer
	generator Generator
	speaker   Speaker
	history   *meeting.History
	roster    []meeting.Participant
	ev        Events

	mu            sync.Mutex
	state         State
	started       bool
	endRequested  bool
	cancelCapture context.CancelFunc

	done chan struct{}
}

// New builds an engine in the idle state. The history is host-owned and
// outlives the engine; the engine only ever appends to it.
func New(c Capturer, g Generator, s Speaker, history *meeting.History, roster []meeting.Participant, ev Events) *Engine {
	return &Engine{
		capturer:  c,
		generator: g,
		speaker:   s,
		history:   history,
		roster:    roster,
		ev:        ev,
		state:     StateIdle,
		done:      make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the engine reaches ended.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start begins the autonomous turn loop. Calling Start on an active or ended
// engine is a no-op; a new engine instance is required to converse again.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	go e.run()
}

// End requests a stop. It is idempotent, silences any active playback
// immediately, and lets the current pipeline step finish cleanly before the
// engine reaches ended. An engine that never started ends at once.
func (e *Engine) End() {
	e.mu.Lock()
	if e.endRequested || e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	e.endRequested = true
	started := e.started
	cancel := e.cancelCapture
	e.mu.Unlock()

	e.speaker.Cancel()
	if cancel != nil {
		cancel()
	}
	if !started {
		e.finish()
	}
}

func (e *Engine) run() {
	for {
		e.setState(StateListening)
		text := e.captureOnce()
		if text == "" {
			if e.endPending() {
				break
			}
			// false start: no event, no turn consumed
			continue
		}

		e.history.AppendUser(text)
		if e.ev.OnUserUtterance != nil {
			e.ev.OnUserUtterance(text)
		}
		if e.endPending() {
			// accepted into history but the session is closing; ended
			// immediately after is the answered-or-ended contract.
			break
		}

		e.setState(StateProcessing)
		reply := e.generateReply(text)
		e.history.AppendParticipant(reply.Speaker, reply.Text)
		if e.ev.OnAgentUtterance != nil {
			e.ev.OnAgentUtterance(reply.Text, reply.Speaker)
		}
		if e.endPending() {
			// the reply is on record, but no new playback starts after an
			// end request
			break
		}

		e.setState(StateSpeaking)
		if err := e.speaker.Speak(context.Background(), reply.Text, meeting.VoiceFor(e.roster, reply.Speaker)); err != nil {
			log.Printf("engine: playback recovered: %v", err)
		}

		if e.endPending() {
			break
		}
	}
	e.finish()
}

// captureOnce runs one capture with a cancel handle registered so End can
// resolve an in-flight listen promptly.
func (e *Engine) captureOnce() string {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancelCapture = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cancelCapture = nil
		e.mu.Unlock()
	}()

	text, err := e.capturer.Capture(ctx)
	if err != nil {
		log.Printf("engine: capture recovered: %v", err)
		return ""
	}
	return strings.TrimSpace(text)
}

// generateReply never lets a generation failure abort the session: any error
// or empty result becomes the fixed fallback from the first participant.
func (e *Engine) generateReply(text string) meeting.Reply {
	reply, err := e.generator.Generate(context.Background(), text, e.history.Snapshot(), e.roster)
	if err != nil || strings.TrimSpace(reply.Text) == "" {
		if err != nil {
			log.Printf("engine: generation recovered: %v", err)
		}
		return meeting.Reply{Speaker: e.roster[0].Name, Text: FallbackReply}
	}
	return reply
}

func (e *Engine) endPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endRequested
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == StateEnded || e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	if e.ev.OnStateChange != nil {
		e.ev.OnStateChange(s)
	}
}

// finish performs the single idempotent transition to ended.
func (e *Engine) finish() {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	e.state = StateEnded
	e.mu.Unlock()
	if e.ev.OnStateChange != nil {
		e.ev.OnStateChange(StateEnded)
	}
	close(e.done)
}
