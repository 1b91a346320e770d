package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

type fakeTrack struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (f *fakeTrack) WriteSample(s media.Sample) error {
	f.mu.Lock()
	f.samples = append(f.samples, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeTrack) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func pcmSilence(samples int) []byte {
	return make([]byte, samples*2)
}

func TestVoiceTrackWriter_WritesPacedFrames(t *testing.T) {
	track := &fakeTrack{}
	w, err := NewVoiceTrackWriter(track)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()

	// Three full 20ms frames at 48kHz.
	w.WritePCM(pcmSilence(960 * 3))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && track.count() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if track.count() < 3 {
		t.Fatalf("expected at least 3 paced frames, got %d", track.count())
	}
}

func TestVoiceTrackWriter_ResetDropsPartialBuffer(t *testing.T) {
	track := &fakeTrack{}
	w, err := NewVoiceTrackWriter(track)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()

	// Two partial writes that only complete a frame if the buffer survives
	// the Reset in between.
	w.WritePCM(pcmSilence(500))
	w.Reset()
	w.WritePCM(pcmSilence(500))

	time.Sleep(100 * time.Millisecond)
	if track.count() != 0 {
		t.Fatalf("reset must clear buffered pcm, got %d frames", track.count())
	}
}

func TestVoiceTrackWriter_FlushTailEmitsSilence(t *testing.T) {
	track := &fakeTrack{}
	w, err := NewVoiceTrackWriter(track)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()

	w.WritePCM(pcmSilence(100))
	w.FlushTail()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && track.count() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if track.count() < 2 {
		t.Fatalf("expected padded frame plus silence tail, got %d", track.count())
	}
}

func TestVoiceTrackWriter_CloseIsIdempotent(t *testing.T) {
	w, err := NewVoiceTrackWriter(&fakeTrack{})
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	w.Close()
	w.Close()
	w.WritePCM(pcmSilence(960))
}
