package httpserver

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/techascendconsulting/stakeholder-voice/internal/config"
	"github.com/techascendconsulting/stakeholder-voice/internal/rtc"
)

// Server bundles the Echo router and its dependencies.
type Server struct {
	Echo *echo.Echo
}

// sessionRequest is the POST /session payload: the SDP offer plus the
// meeting setup (roster and starting mode).
type sessionRequest struct {
	Offer rtc.SessionDescription `json:"offer"`
	Setup rtc.MeetingSetup       `json:"setup"`
}

type sessionResponse struct {
	SessionID string                 `json:"sessionId"`
	Answer    rtc.SessionDescription `json:"answer"`
}

// New constructs the HTTP server with routes.
func New(cfg config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := rtc.NewHandler(cfg)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// Offer/answer session setup in a single round trip.
	e.POST("/session", func(c echo.Context) error {
		if !authOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		var req sessionRequest
		if err := c.Bind(&req); err != nil {
			log.Printf("invalid session request: %v", err)
			return c.NoContent(http.StatusBadRequest)
		}
		if req.Offer.Type != "offer" || req.Offer.SDP == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid offer"})
		}
		if err := req.Setup.Validate(); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		id, answer, err := h.HandleOffer(c.Request().Context(), req.Offer, req.Setup)
		if err != nil {
			log.Printf("session setup failed: %v", err)
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, sessionResponse{SessionID: id, Answer: answer})
	})

	// Review-mode operations addressed by session id.
	e.POST("/session/:id/review", func(c echo.Context) error {
		if !authOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		text, err := h.BeginReview(c.Request().Context(), c.Param("id"))
		if err != nil {
			return reviewError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"text": text})
	})
	e.POST("/session/:id/review/confirm", func(c echo.Context) error {
		if !authOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := c.Bind(&body); err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		if err := h.ConfirmReview(c.Request().Context(), c.Param("id"), body.Text); err != nil {
			return reviewError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	})
	e.DELETE("/session/:id/review", func(c echo.Context) error {
		if !authOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		if err := h.CancelReview(c.Param("id")); err != nil {
			return reviewError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	})
	e.DELETE("/session/:id", func(c echo.Context) error {
		if !authOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		if err := h.EndSession(c.Param("id")); err != nil {
			return reviewError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	})

	// WebSocket signaling with trickle ICE; auth is negotiated in-band when
	// not supplied on the request.
	e.GET("/session/ws", func(c echo.Context) error {
		h.ServeWebSocket(c.Response(), c.Request())
		return nil
	})

	return &Server{Echo: e}
}

// reviewError maps session operation failures onto HTTP statuses: unknown
// session -> 404, everything else is a state conflict.
func reviewError(c echo.Context, err error) error {
	if errors.Is(err, rtc.ErrSessionNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
}

// authOK accepts when no password is configured, otherwise requires the
// password via query, bearer token or X-Auth-Token header.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == expected {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == expected {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == expected {
		return true
	}
	return false
}
