package speech

// Sink consumes 48kHz PCM16LE mono audio and performs delivery (e.g. Opus
// encode onto a WebRTC track). Implementations buffer and pace internally.
type Sink interface {
	WritePCM(pcm []byte)
	// FlushTail pads and drains whatever remains after a natural completion.
	FlushTail()
	// Reset drops all queued audio immediately (cancellation path).
	Reset()
}

type nopSink struct{}

func (nopSink) WritePCM([]byte) {}
func (nopSink) FlushTail()      {}
func (nopSink) Reset()          {}
