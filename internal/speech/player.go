package speech

import (
	"context"
	"log"
	"sync"
)

// Synthesizer streams 48kHz PCM16LE audio for a text in a given voice.
// The channels close when the stream finishes or the context is canceled.
type Synthesizer interface {
	Stream(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error)
}

// Player is the playback adapter: one active utterance at a time, immediate
// cancellation, and failures recovered locally. Speak always resolves; the
// engine's loop is never blocked by a cancellation or a synthesis error.
type Player struct {
	synth Synthesizer
	sink  Sink

	mu     sync.Mutex
	active *playback
}

type playback struct {
	cancel context.CancelFunc
}

func NewPlayer(synth Synthesizer, sink Sink) *Player {
	if sink == nil {
		sink = nopSink{}
	}
	return &Player{synth: synth, sink: sink}
}

// Speak plays text in the participant's voice. Starting a new Speak
// implicitly cancels any prior one.
func (p *Player) Speak(ctx context.Context, text, voiceID string) error {
	sctx, cancel := context.WithCancel(ctx)
	pb := &playback{cancel: cancel}

	p.mu.Lock()
	if p.active != nil {
		p.active.cancel()
		p.sink.Reset()
	}
	p.active = pb
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		if p.active == pb {
			p.active = nil
		}
		p.mu.Unlock()
	}()

	pcmCh, errCh := p.synth.Stream(sctx, text, voiceID)
	done := sctx.Done()
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			if len(b) > 0 && sctx.Err() == nil {
				p.sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if e != nil {
				log.Printf("speech: synthesis recovered: %v", e)
			}
		case <-done:
			done = nil
		}
	}
	if sctx.Err() == nil {
		p.sink.FlushTail()
	}
	return nil
}

// Cancel stops audio output immediately and causes the pending Speak to
// resolve. Safe to call at any time, including when nothing is playing.
func (p *Player) Cancel() {
	p.mu.Lock()
	pb := p.active
	p.active = nil
	p.mu.Unlock()
	if pb != nil {
		pb.cancel()
	}
	p.sink.Reset()
}
