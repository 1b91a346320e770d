package capture

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
)

// silenceThreshold is the base quiet window required after the last
// recognized text before an utterance is considered complete. Conservative to
// avoid cutting the learner mid-sentence.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension widens the quiet window when the last word suggests
// the sentence is unfinished ("and", "if", trailing prepositions).
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace absorbs late recognizer updates after the quiet window
// elapses, before the transcript is finalized.
const stabilizationGrace = 250 * time.Millisecond

// Recognizer holds one streaming speech-recognition socket (AssemblyAI v3)
// and turns its running transcript into discrete utterances. At most one
// Capture waits at a time: a newer Capture supersedes the previous one, which
// resolves empty rather than erroring.
type Recognizer struct {
	apiKey string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	audioIn   chan []byte
	stopCh    chan struct{}
	partials  chan string

	uttMu     sync.Mutex
	live      string // latest full transcript from the recognizer
	committed string // portion already delivered as utterances
	pending   string // finalized text no Capture was waiting for
	waiter    *captureWaiter
	lastText  time.Time
	lastVoice time.Time
	quiet     *time.Timer
}

type captureWaiter struct {
	ch         chan string
	superseded chan struct{}
}

type beginMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type turnMsg struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type errorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewRecognizer(apiKey string) *Recognizer {
	return &Recognizer{
		apiKey:   apiKey,
		audioIn:  make(chan []byte, 1000),
		stopCh:   make(chan struct{}),
		partials: make(chan string, 100),
	}
}

// Connect dials the streaming endpoint. Idempotent; a Recognizer carries at
// most one live recognition session.
func (r *Recognizer) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return nil
	}
	if r.apiKey == "" {
		return fmt.Errorf("capture: recognizer api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := "wss://streaming.assemblyai.com/v3/ws?" + params.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, map[string][]string{"Authorization": {r.apiKey}})
	if err != nil {
		if resp != nil {
			log.Printf("capture: recognizer dial status %d", resp.StatusCode)
		}
		return fmt.Errorf("capture: dial recognizer: %w", err)
	}

	r.conn = conn
	r.connected = true
	now := time.Now()
	r.uttMu.Lock()
	r.lastText = now
	r.lastVoice = now
	r.uttMu.Unlock()

	go r.readLoop()
	go r.writeLoop()
	return nil
}

// FeedPCM16 queues 16kHz little-endian mono PCM for recognition and updates
// the voice-activity clock. Drops the chunk rather than blocking the media
// path when the queue is full.
func (r *Recognizer) FeedPCM16(pcm []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected {
		return fmt.Errorf("capture: recognizer not connected")
	}
	r.trackVoiceActivity(pcm)
	select {
	case r.audioIn <- pcm:
	default:
	}
	return nil
}

// Partials exposes interim transcript text for live UI feedback. Never
// appended to history by this package.
func (r *Recognizer) Partials() <-chan string { return r.partials }

// RecentlyDetectedVoice reports whether voice energy was seen within window.
func (r *Recognizer) RecentlyDetectedVoice(window time.Duration) bool {
	r.uttMu.Lock()
	last := r.lastVoice
	r.uttMu.Unlock()
	return time.Since(last) <= window
}

// Capture resolves with the next finalized utterance. It resolves empty (not
// an error) when superseded by a newer Capture, and with whatever
// uncommitted text had accumulated when the context is canceled or the
// recognizer closes.
func (r *Recognizer) Capture(ctx context.Context) (string, error) {
	r.uttMu.Lock()
	if prev := r.waiter; prev != nil {
		r.waiter = nil
		close(prev.superseded)
	}
	if p := strings.TrimSpace(r.pending); p != "" {
		r.pending = ""
		r.uttMu.Unlock()
		return p, nil
	}
	w := &captureWaiter{ch: make(chan string, 1), superseded: make(chan struct{})}
	r.waiter = w
	r.uttMu.Unlock()

	select {
	case text := <-w.ch:
		return text, nil
	case <-w.superseded:
		return "", nil
	case <-ctx.Done():
		return r.resolveEarly(w), nil
	case <-r.stopCh:
		return r.resolveEarly(w), nil
	}
}

// resolveEarly unregisters the waiter and returns any text that was finalized
// or still uncommitted at that moment.
func (r *Recognizer) resolveEarly(w *captureWaiter) string {
	r.uttMu.Lock()
	if r.waiter == w {
		r.waiter = nil
	}
	r.uttMu.Unlock()
	// a concurrent finalize may have handed text to this waiter already
	select {
	case text := <-w.ch:
		return text
	default:
	}
	return r.takeUncommitted()
}

// Close terminates the recognition session. Any waiting Capture resolves.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil
	}
	close(r.stopCh)
	r.uttMu.Lock()
	if r.quiet != nil {
		r.quiet.Stop()
		r.quiet = nil
	}
	r.uttMu.Unlock()
	if r.conn != nil {
		_ = r.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = r.conn.Close()
	}
	r.connected = false
	r.conn = nil
	return nil
}

// failBackend tears the recognition session down after an abnormal socket
// error. Any in-flight Capture resolves with the uncommitted transcript and
// later Captures resolve promptly, the same contract Close provides.
func (r *Recognizer) failBackend(err error) {
	select {
	case <-r.stopCh:
		// normal shutdown already in progress
		return
	default:
	}
	log.Printf("capture: recognizer backend failed: %v", err)
	_ = r.Close()
}

func (r *Recognizer) readLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			r.failBackend(err)
			return
		}
		r.handleMessage(message)
	}
}

func (r *Recognizer) writeLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case pcm := <-r.audioIn:
			r.mu.RLock()
			conn := r.conn
			r.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				r.failBackend(err)
				return
			}
		}
	}
}

func (r *Recognizer) handleMessage(message []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		log.Printf("capture: bad recognizer frame: %v", err)
		return
	}
	switch head.Type {
	case "Begin":
		var m beginMsg
		if json.Unmarshal(message, &m) == nil {
			log.Printf("capture: recognition session %s began", m.ID)
		}
	case "Turn":
		var m turnMsg
		if err := json.Unmarshal(message, &m); err != nil || m.Transcript == "" {
			return
		}
		select {
		case r.partials <- m.Transcript:
		default:
		}
		r.uttMu.Lock()
		r.live = m.Transcript
		r.lastText = time.Now()
		if r.quiet == nil {
			r.quiet = time.AfterFunc(silenceThreshold, r.finalizeAfterQuiet)
		} else {
			r.quiet.Stop()
			r.quiet.Reset(silenceThreshold)
		}
		r.uttMu.Unlock()
	case "Termination":
		// the backend session ended on its own; release the last words
		if delta := r.takeUncommitted(); delta != "" {
			r.deliver(delta)
		}
	case "Error":
		var m errorMsg
		if json.Unmarshal(message, &m) == nil {
			log.Printf("capture: recognizer error: %s", m.Error)
		}
	}
}

// finalizeAfterQuiet fires once the quiet window elapses. It re-checks both
// the text and voice-activity clocks, extends the window for
// continuation-like endings, and waits a short grace for late updates before
// committing the delta.
func (r *Recognizer) finalizeAfterQuiet() {
	select {
	case <-r.stopCh:
		return
	default:
	}

	r.uttMu.Lock()
	threshold := silenceThreshold
	if continuationLikely(r.live) {
		threshold += continuationExtension
	}
	now := time.Now()
	sinceText := now.Sub(r.lastText)
	sinceVoice := now.Sub(r.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold
		if sinceText < threshold && threshold-sinceText < wait {
			wait = threshold - sinceText
		}
		if sinceVoice < threshold && threshold-sinceVoice < wait {
			wait = threshold - sinceVoice
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		r.rescheduleLocked(wait)
		r.uttMu.Unlock()
		return
	}
	textAt := r.lastText
	r.uttMu.Unlock()

	time.Sleep(stabilizationGrace)

	r.uttMu.Lock()
	if r.lastText.After(textAt) {
		// a late update landed during the grace window; push out and retry
		r.rescheduleLocked(silenceThreshold)
		r.uttMu.Unlock()
		return
	}
	delta := r.uncommittedLocked()
	r.committed = r.live
	r.uttMu.Unlock()

	if delta != "" {
		r.deliver(delta)
	}
}

func (r *Recognizer) rescheduleLocked(wait time.Duration) {
	if r.quiet == nil {
		r.quiet = time.AfterFunc(wait, r.finalizeAfterQuiet)
	} else {
		r.quiet.Stop()
		r.quiet.Reset(wait)
	}
}

// deliver hands a finalized utterance to the waiting Capture, or stashes it
// so the next Capture returns immediately. Nothing is dropped.
func (r *Recognizer) deliver(delta string) {
	r.uttMu.Lock()
	if w := r.waiter; w != nil {
		r.waiter = nil
		r.uttMu.Unlock()
		w.ch <- delta
		return
	}
	if r.pending != "" {
		r.pending += " "
	}
	r.pending += delta
	r.uttMu.Unlock()
}

// takeUncommitted commits and returns everything not yet delivered: stashed
// finalized text plus the live transcript beyond the committed prefix.
func (r *Recognizer) takeUncommitted() string {
	r.uttMu.Lock()
	defer r.uttMu.Unlock()
	parts := make([]string, 0, 2)
	if p := strings.TrimSpace(r.pending); p != "" {
		parts = append(parts, p)
		r.pending = ""
	}
	if d := r.uncommittedLocked(); d != "" {
		parts = append(parts, d)
		r.committed = r.live
	}
	return strings.Join(parts, " ")
}

// uncommittedLocked computes the live-transcript suffix that has not been
// delivered yet. Callers hold uttMu.
func (r *Recognizer) uncommittedLocked() string {
	delta := strings.TrimSpace(strings.TrimPrefix(r.live, r.committed))
	if delta == "" && r.committed != "" {
		if idx := strings.LastIndex(r.live, r.committed); idx >= 0 {
			delta = strings.TrimSpace(r.live[idx+len(r.committed):])
		}
	}
	return delta
}

// trackVoiceActivity updates the voice clock when the PCM chunk carries
// energy above a conservative RMS floor. 16-bit LE mono at 16kHz.
func (r *Recognizer) trackVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	const voiceRMS = 250.0
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		r.uttMu.Lock()
		r.lastVoice = time.Now()
		r.uttMu.Unlock()
	}
}

func continuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
