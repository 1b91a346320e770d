package speech

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSynth struct {
	chunks  int
	perWait time.Duration
	err     error
	started int32
}

func (f *fakeSynth) Stream(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte, 16)
	errc := make(chan error, 1)
	atomic.AddInt32(&f.started, 1)
	go func() {
		defer close(pcm)
		defer close(errc)
		if f.err != nil {
			errc <- f.err
			return
		}
		for i := 0; i < f.chunks; i++ {
			select {
			case <-ctx.Done():
				return
			case pcm <- []byte{1, 0, 2, 0}:
			}
			if f.perWait > 0 {
				time.Sleep(f.perWait)
			}
		}
	}()
	return pcm, errc
}

type countingSink struct {
	wrote   int32
	flushed int32
	resets  int32
}

func (s *countingSink) WritePCM(p []byte) { atomic.AddInt32(&s.wrote, 1) }
func (s *countingSink) FlushTail()        { atomic.AddInt32(&s.flushed, 1) }
func (s *countingSink) Reset()            { atomic.AddInt32(&s.resets, 1) }

func TestPlayer_NaturalCompletionFlushesTail(t *testing.T) {
	sink := &countingSink{}
	p := NewPlayer(&fakeSynth{chunks: 3}, sink)
	if err := p.Speak(context.Background(), "hello", "aura-2-thalia-en"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if atomic.LoadInt32(&sink.wrote) != 3 {
		t.Fatalf("expected 3 chunks written, got %d", sink.wrote)
	}
	if atomic.LoadInt32(&sink.flushed) != 1 {
		t.Fatalf("expected tail flush on natural completion")
	}
}

func TestPlayer_CancelResolvesSpeakWithoutFlush(t *testing.T) {
	sink := &countingSink{}
	synth := &fakeSynth{chunks: 100, perWait: 10 * time.Millisecond}
	p := NewPlayer(synth, sink)

	done := make(chan error, 1)
	go func() { done <- p.Speak(context.Background(), "long reply", "v") }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&sink.wrote) == 0 {
		time.Sleep(time.Millisecond)
	}
	p.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation must resolve, not reject: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("speak did not resolve after cancel")
	}
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("cancel must drop queued audio immediately")
	}
	if atomic.LoadInt32(&sink.flushed) != 0 {
		t.Fatalf("canceled playback must not flush a tail")
	}
}

func TestPlayer_SynthesisFailureResolves(t *testing.T) {
	sink := &countingSink{}
	p := NewPlayer(&fakeSynth{err: errors.New("synthesis down")}, sink)
	if err := p.Speak(context.Background(), "hello", "v"); err != nil {
		t.Fatalf("playback failures are recovered locally, got %v", err)
	}
}

func TestPlayer_NewSpeakSupersedesPrior(t *testing.T) {
	sink := &countingSink{}
	synth := &fakeSynth{chunks: 100, perWait: 10 * time.Millisecond}
	p := NewPlayer(synth, sink)

	first := make(chan error, 1)
	go func() { first <- p.Speak(context.Background(), "first", "v") }()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&synth.started) == 0 {
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() { second <- p.Speak(context.Background(), "second", "v") }()

	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("superseded speak must resolve harmlessly: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("superseded speak did not resolve")
	}
	p.Cancel()
	<-second
}

func TestPlayer_CancelWhenIdleIsSafe(t *testing.T) {
	p := NewPlayer(&fakeSynth{}, &countingSink{})
	p.Cancel()
	p.Cancel()
}
