package rtc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

// sampleWriter is the outbound track surface the pacer writes to.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// VoiceTrackWriter encodes 48kHz PCM16LE mono to Opus and writes 20ms frames
// paced to the participant audio track. It is the playback sink for a meeting
// session: Reset drops everything queued so an interrupt lands immediately.
type VoiceTrackWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool

	mu     sync.Mutex
	pcmBuf []int16
}

// NewVoiceTrackWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewVoiceTrackWriter(track sampleWriter) (*VoiceTrackWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &VoiceTrackWriter{
		enc:          enc,
		track:        track,
		frameSamples: 960, // 20ms at 48kHz
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers PCM and emits encoded Opus frames as full frames become
// available.
func (w *VoiceTrackWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(binary.LittleEndian.Uint16(pcmBytes[2*i:]))
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeFrame(w.pcmBuf[:w.frameSamples], opusBuf)
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and appends a short
// silence tail so the end of an utterance is not clipped.
func (w *VoiceTrackWriter) FlushTail() {
	opusBuf := make([]byte, 4000)
	w.mu.Lock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeFrame(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()

	// ~200ms of silence
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		w.encodeFrame(silence, opusBuf)
	}
}

// Reset drops buffered PCM and queued frames so playback stops at once.
func (w *VoiceTrackWriter) Reset() {
	w.mu.Lock()
	w.pcmBuf = w.pcmBuf[:0]
	w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Close stops the pacer.
func (w *VoiceTrackWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *VoiceTrackWriter) encodeFrame(frame []int16, opusBuf []byte) {
	n, err := w.enc.Encode(frame, opusBuf)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, opusBuf[:n])
	w.pushFrame(pkt)
}

func (w *VoiceTrackWriter) pacer() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *VoiceTrackWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}
