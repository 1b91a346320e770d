package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/techascendconsulting/stakeholder-voice/internal/capture"
	"github.com/techascendconsulting/stakeholder-voice/internal/config"
	"github.com/techascendconsulting/stakeholder-voice/internal/engine"
	"github.com/techascendconsulting/stakeholder-voice/internal/meeting"
	"github.com/techascendconsulting/stakeholder-voice/internal/mode"
	"github.com/techascendconsulting/stakeholder-voice/internal/reply"
	"github.com/techascendconsulting/stakeholder-voice/internal/speech"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// MeetingSetup describes the meeting the learner is joining: the simulated
// stakeholders and the interaction mode to start in.
type MeetingSetup struct {
	Roster []meeting.Participant `json:"roster"`
	Mode   string                `json:"mode,omitempty"`
}

func (s MeetingSetup) Validate() error {
	if len(s.Roster) == 0 {
		return errors.New("meeting needs at least one participant")
	}
	for _, p := range s.Roster {
		if strings.TrimSpace(p.Name) == "" {
			return errors.New("participant without a name")
		}
	}
	switch s.Mode {
	case "", string(mode.Continuous), string(mode.Review):
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	return nil
}

// ErrSessionNotFound is returned for operations on unknown or already closed
// sessions.
var ErrSessionNotFound = errors.New("session not found")

// Handler builds WebRTC meeting sessions: one peer connection per learner,
// mic audio in, participant voices out, events and commands over a
// datachannel. Live sessions are registered by id so the HTTP surface can
// drive review-mode operations.
type Handler struct {
	cfg config.Config

	mu       sync.Mutex
	sessions map[string]*session
}

func NewHandler(cfg config.Config) *Handler {
	return &Handler{cfg: cfg, sessions: make(map[string]*session)}
}

// HandleOffer accepts an SDP offer plus meeting setup and returns the session
// id and an SDP answer with ICE gathering complete.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription, setup MeetingSetup) (string, SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return "", SessionDescription{}, errors.New("invalid offer")
	}
	if err := setup.Validate(); err != nil {
		return "", SessionDescription{}, err
	}

	sess, err := h.newSession(setup)
	if err != nil {
		return "", SessionDescription{}, err
	}

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := sess.pc.SetRemoteDescription(remoteOffer); err != nil {
		sess.close()
		return "", SessionDescription{}, err
	}
	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		sess.close()
		return "", SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(sess.pc)
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		sess.close()
		return "", SessionDescription{}, err
	}
	<-gatherComplete
	local := sess.pc.LocalDescription()
	if local == nil {
		sess.close()
		return "", SessionDescription{}, errors.New("no local description")
	}
	return sess.id, SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func (h *Handler) lookup(id string) (*session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Handler) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Handler) unregister(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// BeginReview runs one review-mode capture on the session and returns the raw
// transcript.
func (h *Handler) BeginReview(ctx context.Context, id string) (string, error) {
	s, ok := h.lookup(id)
	if !ok {
		return "", ErrSessionNotFound
	}
	return s.ctrl.BeginReview(ctx)
}

// ConfirmReview dispatches the reviewed (possibly edited) utterance.
func (h *Handler) ConfirmReview(ctx context.Context, id, text string) error {
	s, ok := h.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return s.ctrl.ConfirmSend(ctx, text)
}

// CancelReview discards the session's pending review transcript.
func (h *Handler) CancelReview(id string) error {
	s, ok := h.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.ctrl.CancelReview()
	return nil
}

// EndSession ends the meeting and tears the peer connection down.
func (h *Handler) EndSession(id string) error {
	s, ok := h.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.close()
	return nil
}

type session struct {
	id         string
	pc         *webrtc.PeerConnection
	recognizer *capture.Recognizer
	player     *speech.Player
	writer     *VoiceTrackWriter
	eng        *engine.Engine
	ctrl       *mode.Controller
	history    *meeting.History
	events     *eventSender
	startMode  string
	onClose    func()

	closeOnce sync.Once
	doneCh    chan struct{}
}

// newSession wires the full pipeline behind a fresh peer connection:
// recognizer -> generator -> player, orchestrated by the engine and the mode
// controller, with session events streamed to the host over a datachannel.
func (h *Handler) newSession(setup MeetingSetup) (*session, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(h.cfg.ICEServersJSON)})
	if err != nil {
		return nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"participant-audio", "meeting",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, err
	}
	writer, err := NewVoiceTrackWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	s := &session{
		id:         uuid.NewString()[:8],
		pc:         pc,
		recognizer: capture.NewRecognizer(h.cfg.AssemblyAIKey),
		writer:     writer,
		history:    &meeting.History{},
		startMode:  setup.Mode,
		doneCh:     make(chan struct{}),
	}
	s.events = &eventSender{id: s.id}
	s.player = speech.NewPlayer(speech.NewDeepgramClient(h.cfg.DeepgramKey), writer)

	model := reply.NewCerebrasClient(h.cfg.CerebrasKey, h.cfg.CerebrasModelID)
	gen := reply.NewGenerator(model)

	ev := engine.Events{
		OnStateChange: func(st engine.State) {
			s.events.send(sessionEvent{Type: "state", State: string(st)})
		},
		OnUserUtterance: func(text string) {
			s.events.send(sessionEvent{Type: "user", Text: text})
		},
		OnAgentUtterance: func(text, speakerName string) {
			s.events.send(sessionEvent{Type: "agent", Text: text, Speaker: speakerName})
		},
	}
	s.eng = engine.New(s.recognizer, gen, s.player, s.history, setup.Roster, ev)
	s.ctrl = mode.NewController(s.eng, s.recognizer, gen, s.player, s.history, setup.Roster, ev)
	if setup.Mode == string(mode.Review) {
		_ = s.ctrl.SetMode(mode.Review)
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", s.id, state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", s.id, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			s.close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "events" {
			return
		}
		log.Printf("[%s] Events channel opened", s.id)
		s.events.attach(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.handleCommand(msg.Data)
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Mic track received: codec=%s", s.id, remote.Codec().MimeType)
		s.onMicTrack(remote)
	})

	s.onClose = func() { h.unregister(s.id) }
	h.register(s)
	return s, nil
}

// onMicTrack connects the recognizer, starts the mic pump, the partial
// forwarder and the voice-interrupt monitor, then kicks off the engine loop
// when the session starts in continuous mode.
func (s *session) onMicTrack(remote *webrtc.TrackRemote) {
	if err := s.recognizer.Connect(); err != nil {
		log.Printf("[%s] Speech capture unavailable: %v", s.id, err)
		s.events.send(sessionEvent{Type: "error", Text: "speech capture unavailable"})
		return
	}
	dec, err := opus.NewDecoder(16000, 1)
	if err != nil {
		log.Printf("[%s] Opus decoder error: %v", s.id, err)
		return
	}

	go s.pumpMic(remote, dec)
	go s.forwardPartials()
	go s.watchVoiceInterrupt()

	if s.startMode != string(mode.Review) {
		if err := s.ctrl.Start(); err != nil {
			log.Printf("[%s] start error: %v", s.id, err)
		}
	}
}

// pumpMic decodes incoming RTP to 16kHz PCM16LE and feeds the recognizer in
// fixed 100ms chunks.
func (s *session) pumpMic(remote *webrtc.TrackRemote, dec *opus.Decoder) {
	const chunkBytes = 3200
	pcmBuf := make([]byte, 0, chunkBytes*4)
	samples := make([]int16, 1920)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read ended: %v", s.id, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			continue
		}
		startLen := len(pcmBuf)
		need := n * 2
		if cap(pcmBuf)-startLen < need {
			tmp := make([]byte, startLen, startLen+need+chunkBytes)
			copy(tmp, pcmBuf)
			pcmBuf = tmp
		}
		pcmBuf = pcmBuf[:startLen+need]
		o := pcmBuf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:], uint16(samples[i]))
		}
		for len(pcmBuf) >= chunkBytes {
			_ = s.recognizer.FeedPCM16(pcmBuf[:chunkBytes])
			copy(pcmBuf, pcmBuf[chunkBytes:])
			pcmBuf = pcmBuf[:len(pcmBuf)-chunkBytes]
		}
	}
}

func (s *session) forwardPartials() {
	for {
		select {
		case <-s.doneCh:
			return
		case text, ok := <-s.recognizer.Partials():
			if !ok {
				return
			}
			s.events.send(sessionEvent{Type: "partial", Text: text})
		}
	}
}

// watchVoiceInterrupt cancels playback when the learner starts talking over a
// participant. Voice activity, not partial text, so it reacts fast.
func (s *session) watchVoiceInterrupt() {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			if s.eng.State() != engine.StateSpeaking {
				continue
			}
			if s.recognizer.RecentlyDetectedVoice(150 * time.Millisecond) {
				log.Printf("[%s] voice interrupt: canceling playback", s.id)
				s.player.Cancel()
			}
		}
	}
}

// hostCommand is the message format the host page sends over the events
// datachannel.
type hostCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Mode string `json:"mode,omitempty"`
}

func (s *session) handleCommand(data []byte) {
	var cmd hostCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return
	}
	switch strings.ToLower(cmd.Type) {
	case "start":
		if err := s.ctrl.Start(); err != nil {
			s.events.send(sessionEvent{Type: "error", Text: err.Error()})
		}
	case "end":
		s.ctrl.End()
	case "interrupt":
		s.player.Cancel()
	case "set-mode":
		if err := s.ctrl.SetMode(mode.Mode(cmd.Mode)); err != nil {
			s.events.send(sessionEvent{Type: "error", Text: err.Error()})
		}
	case "begin-review":
		go func() {
			raw, err := s.ctrl.BeginReview(context.Background())
			if err != nil {
				s.events.send(sessionEvent{Type: "error", Text: err.Error()})
				return
			}
			s.events.send(sessionEvent{Type: "review", Text: raw})
		}()
	case "confirm-send":
		go func() {
			if err := s.ctrl.ConfirmSend(context.Background(), cmd.Text); err != nil {
				s.events.send(sessionEvent{Type: "error", Text: err.Error()})
			}
		}()
	case "cancel-review":
		s.ctrl.CancelReview()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.doneCh)
		s.ctrl.End()
		_ = s.recognizer.Close()
		s.writer.Close()
		_ = s.pc.Close()

		entries := s.history.Snapshot()
		log.Printf("[%s] Meeting transcript (%d entries):", s.id, len(entries))
		for i, u := range entries {
			log.Printf("[%s] %02d %s: %s", s.id, i+1, strings.ToUpper(u.Speaker), u.Text)
		}
	})
}

// sessionEvent is what the server streams to the host over the events
// datachannel.
type sessionEvent struct {
	Type    string `json:"type"`
	State   string `json:"state,omitempty"`
	Text    string `json:"text,omitempty"`
	Speaker string `json:"speaker,omitempty"`
}

type eventSender struct {
	id string
	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (e *eventSender) attach(dc *webrtc.DataChannel) {
	e.mu.Lock()
	e.dc = dc
	e.mu.Unlock()
}

func (e *eventSender) send(ev sessionEvent) {
	e.mu.Lock()
	dc := e.dc
	e.mu.Unlock()
	if dc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		log.Printf("[%s] event send error: %v", e.id, err)
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
