package rtc

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the signaling frame format.
// Types: "auth", "setup", "offer", "answer", "candidate", "ice-complete",
// "bye", "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// setup
	Setup *MeetingSetup `json:"setup,omitempty"`
	// offer/answer
	SDP       string `json:"sdp,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Hosts embed the meeting page from their own origin; restrict in production.
		return true
	},
}

// ServeWebSocket upgrades to WebSocket and performs setup + offer/answer +
// trickle ICE signaling. Expected order: auth (unless pre-authenticated) ->
// setup -> offer -> candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	if h.cfg.AuthPassword != "" && !checkAuthHeaderOrQuery(r, h.cfg.AuthPassword) {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil || strings.ToLower(m.Type) != "auth" || m.Password != h.cfg.AuthPassword {
			writeWSError(conn, errors.New("unauthorized"))
			return
		}
	}

	// Read until we have both the meeting setup and the offer.
	var (
		setup    MeetingSetup
		hasSetup bool
		offerSDP string
	)
	for offerSDP == "" || !hasSetup {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil {
			log.Printf("ws read error before offer: %v", err)
			return
		}
		switch strings.ToLower(m.Type) {
		case "setup":
			if m.Setup != nil {
				setup = *m.Setup
				hasSetup = true
			}
		case "offer":
			if m.SDP != "" {
				offerSDP = m.SDP
			}
		case "bye":
			return
		}
	}
	if err := setup.Validate(); err != nil {
		writeWSError(conn, err)
		return
	}

	sess, err := h.newSession(setup)
	if err != nil {
		writeWSError(conn, err)
		return
	}
	defer sess.close()

	// Trickle local candidates to the host.
	sess.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.WriteJSON(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.WriteJSON(signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	// Remote trickle candidates from the host.
	go func() {
		for {
			var m signalMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = sess.pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate:     m.Candidate,
					SDPMid:        m.SDPMid,
					SDPMLineIndex: m.SDPMLineIndex,
				})
			case "bye":
				sess.close()
				return
			}
		}
	}()

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := sess.pc.SetRemoteDescription(remoteOffer); err != nil {
		writeWSError(conn, err)
		return
	}
	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		writeWSError(conn, err)
		return
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		writeWSError(conn, err)
		return
	}
	local := sess.pc.LocalDescription()
	if local == nil {
		writeWSError(conn, errors.New("no local description"))
		return
	}
	if err := conn.WriteJSON(signalMessage{Type: "answer", SDP: local.SDP, SessionID: sess.id}); err != nil {
		log.Printf("[%s] ws write answer error: %v", sess.id, err)
		return
	}

	// Keep the signaling goroutine alive until the peer connection closes.
	for {
		select {
		case <-sess.doneCh:
			return
		case <-time.After(2 * time.Second):
			state := sess.pc.ConnectionState()
			if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
				return
			}
		}
	}
}

func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

func writeWSError(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
}
