package mode

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/techascendconsulting/stakeholder-voice/internal/engine"
	"github.com/techascendconsulting/stakeholder-voice/internal/meeting"
)

// Mode selects the interaction policy for a meeting session.
type Mode string

const (
	// Continuous lets the engine loop autonomously.
	Continuous Mode = "continuous"
	// Review captures one utterance at a time for the learner to edit and
	// explicitly confirm before it is dispatched.
	Review Mode = "review"
)

var (
	ErrEngineActive    = errors.New("mode: session is mid-turn; switch modes while idle or ended")
	ErrWrongMode       = errors.New("mode: operation not valid in the current mode")
	ErrNoPendingReview = errors.New("mode: no pending review")
)

// PendingReview holds a captured transcript between capture and dispatch.
// Discarded on send or cancel; never shared with the engine.
type PendingReview struct {
	RawText    string
	EditedText string
}

// Controller chooses between the two operating policies. Both policies
// funnel through the same generator and speaker, so a turn behaves the same
// regardless of how it was initiated.
type Controller struct {
	eng       *engine.Engine
	capturer  engine.Capturer
	generator engine.Generator
	speaker   engine.Speaker
	history   *meeting.History
	roster    []meeting.Participant
	ev        engine.Events

	mu            sync.Mutex
	mode          Mode
	pending       *PendingReview
	capturing     bool
	captureCancel context.CancelFunc
	dispatching   bool
}

func NewController(eng *engine.Engine, c engine.Capturer, g engine.Generator, s engine.Speaker, history *meeting.History, roster []meeting.Participant, ev engine.Events) *Controller {
	return &Controller{
		eng:       eng,
		capturer:  c,
		generator: g,
		speaker:   s,
		history:   history,
		roster:    roster,
		ev:        ev,
		mode:      Continuous,
	}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the interaction policy. Only legal while the engine is
// idle or ended and no review turn is in flight.
func (c *Controller) SetMode(m Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == c.mode {
		return nil
	}
	if st := c.eng.State(); st != engine.StateIdle && st != engine.StateEnded {
		return ErrEngineActive
	}
	if c.capturing || c.dispatching || c.pending != nil {
		return ErrEngineActive
	}
	c.mode = m
	return nil
}

// Start begins the autonomous loop. Continuous mode only.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.mode != Continuous {
		c.mu.Unlock()
		return ErrWrongMode
	}
	c.mu.Unlock()
	c.eng.Start()
	return nil
}

// End shuts the session down through the engine and aborts any in-flight
// review capture.
func (c *Controller) End() {
	c.mu.Lock()
	cancel := c.captureCancel
	c.pending = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.eng.End()
}

// BeginReview performs one capture cycle outside the engine and holds the
// transcript for editing. The host sees listening while the mic is open and
// idle again once the transcript is ready. An empty capture leaves nothing
// pending.
func (c *Controller) BeginReview(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.mode != Review {
		c.mu.Unlock()
		return "", ErrWrongMode
	}
	if st := c.eng.State(); st != engine.StateIdle {
		c.mu.Unlock()
		return "", ErrEngineActive
	}
	cctx, cancel := context.WithCancel(ctx)
	c.capturing = true
	c.captureCancel = cancel
	c.mu.Unlock()

	c.emitState(engine.StateListening)
	text, err := c.capturer.Capture(cctx)
	cancel()
	c.emitState(engine.StateIdle)

	c.mu.Lock()
	c.capturing = false
	c.captureCancel = nil
	if err != nil {
		log.Printf("mode: review capture recovered: %v", err)
		text = ""
	}
	text = strings.TrimSpace(text)
	if text != "" {
		c.pending = &PendingReview{RawText: text}
	}
	c.mu.Unlock()
	return text, nil
}

// ConfirmSend dispatches the reviewed (possibly edited) text through the
// same Generate -> Play path the engine uses: exactly one user entry and one
// participant entry per confirmed review.
func (c *Controller) ConfirmSend(ctx context.Context, edited string) error {
	c.mu.Lock()
	p := c.pending
	if p == nil {
		c.mu.Unlock()
		return ErrNoPendingReview
	}
	c.pending = nil
	c.dispatching = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dispatching = false
		c.mu.Unlock()
	}()

	text := strings.TrimSpace(edited)
	if text == "" {
		text = p.RawText
	}
	p.EditedText = text

	c.history.AppendUser(text)
	if c.ev.OnUserUtterance != nil {
		c.ev.OnUserUtterance(text)
	}

	c.emitState(engine.StateProcessing)
	reply, err := c.generator.Generate(ctx, text, c.history.Snapshot(), c.roster)
	if err != nil || strings.TrimSpace(reply.Text) == "" {
		if err != nil {
			log.Printf("mode: generation recovered: %v", err)
		}
		reply = meeting.Reply{Speaker: c.roster[0].Name, Text: engine.FallbackReply}
	}
	c.history.AppendParticipant(reply.Speaker, reply.Text)
	if c.ev.OnAgentUtterance != nil {
		c.ev.OnAgentUtterance(reply.Text, reply.Speaker)
	}

	c.emitState(engine.StateSpeaking)
	if err := c.speaker.Speak(ctx, reply.Text, meeting.VoiceFor(c.roster, reply.Speaker)); err != nil {
		log.Printf("mode: playback recovered: %v", err)
	}
	c.emitState(engine.StateIdle)
	return nil
}

// CancelReview discards the pending transcript. No history mutation, no turn
// consumed.
func (c *Controller) CancelReview() {
	c.mu.Lock()
	cancel := c.captureCancel
	c.pending = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pending returns the transcript awaiting confirmation, if any.
func (c *Controller) Pending() *PendingReview {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	cp := *c.pending
	return &cp
}

func (c *Controller) emitState(s engine.State) {
	if c.ev.OnStateChange != nil {
		c.ev.OnStateChange(s)
	}
}
