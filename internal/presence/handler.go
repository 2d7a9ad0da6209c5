package presence

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"casebook/api/internal/auth"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 4096
)

type HandlerConfig struct {
	SendQueue    int
	MessageRate  float64
	MessageBurst int
	// PongWait bounds how long a connection may stay silent. Pings are sent
	// at 9/10 of it.
	PongWait  time.Duration
	WriteWait time.Duration
	// CheckOrigin decides which browser origins may open the channel. Nil
	// accepts same-origin requests only.
	CheckOrigin func(*http.Request) bool
}

// AllowOrigins returns a CheckOrigin func accepting the comma-separated
// origins in allowed. "*" accepts any origin and an empty list returns nil,
// leaving the same-origin check in place. Requests without an Origin header
// come from non-browser clients and are accepted.
func AllowOrigins(allowed string) func(*http.Request) bool {
	origins := make(map[string]struct{})
	for _, origin := range strings.Split(allowed, ",") {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			origins[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(origins) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[strings.ToLower(origin)]
		return ok
	}
}

// Handler serves the presence websocket endpoint.
type Handler struct {
	hub           *Hub
	authenticator auth.Authenticator
	cfg           HandlerConfig
	upgrader      websocket.Upgrader
}

func NewHandler(hub *Hub, authenticator auth.Authenticator, cfg HandlerConfig) *Handler {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 20
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 40
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	return &Handler{
		hub:           hub,
		authenticator: authenticator,
		cfg:           cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, authErr := h.authenticator.Authenticate(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("presence upgrade failed")
		return
	}

	// Browsers cannot read an HTTP status from a failed handshake, so auth
	// failures are reported as a close frame on an upgraded socket.
	if authErr != nil {
		code, reason := CloseAuthenticationFailed, "authentication failed"
		if !errors.Is(authErr, auth.ErrUnauthenticated) {
			code, reason = CloseTryAgainLater, "authentication unavailable"
			log.Error().Err(authErr).Msg("presence authentication backend failed")
		} else {
			log.Debug().Err(authErr).Msg("presence authentication rejected")
		}
		deadline := time.Now().Add(h.cfg.WriteWait)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = ws.Close()
		return
	}

	conn := newConn(h.cfg.SendQueue)
	h.hub.registry.Register(conn, identity)
	log.Info().
		Str("conn_id", conn.ID()).
		Str("user_id", identity.UserID).
		Str("username", identity.Username).
		Msg("presence connection opened")

	readDone := make(chan struct{})
	go h.writeLoop(ws, conn, readDone)
	h.readLoop(ws, conn, identity, readDone)
}

func (h *Handler) readLoop(ws *websocket.Conn, conn *Conn, identity auth.Identity, readDone chan<- struct{}) {
	defer func() {
		close(readDone)
		conn.Close(CloseNormal, "")
		h.hub.registry.Unregister(conn)
		_ = ws.Close()
		log.Info().Str("conn_id", conn.ID()).Str("user_id", identity.UserID).Msg("presence connection closed")
	}()

	ws.SetReadLimit(defaultMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !conn.Closed() {
				log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("presence read failed")
			}
			return
		}
		// After a server-side close, keep reading only to receive the
		// client's close reply.
		if conn.Closed() {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		if !limiter.Allow() {
			h.hub.metrics.ignoredMessage("rate_limited")
			log.Warn().Str("conn_id", conn.ID()).Str("user_id", identity.UserID).Msg("presence message dropped: rate limit")
			continue
		}
		msg, err := DecodeInbound(data)
		if err != nil {
			h.hub.metrics.ignoredMessage("malformed")
			log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("presence message ignored")
			continue
		}
		h.handle(conn, identity, msg)
	}
}

func (h *Handler) handle(conn *Conn, identity auth.Identity, msg Inbound) {
	tracker := h.hub.tracker
	switch m := msg.(type) {
	case LivenessProbe:
		ack, err := json.Marshal(LivenessAck{Type: TypeLivenessAck, UserID: identity.UserID, Username: identity.Username})
		if err != nil {
			log.Error().Err(err).Msg("encode liveness_ack")
			return
		}
		if !conn.Enqueue(ack) {
			h.hub.dispatcher.Evict(conn)
		}
	case StartEditing:
		conn.addInterest(m.ReportID)
		tracker.StartEditing(identity.UserID, identity.Username, m.ReportID)
	case StopEditing:
		tracker.StopEditing(identity.UserID, m.ReportID)
	case Activity:
		conn.addInterest(m.ReportID)
		tracker.Touch(identity.UserID, m.ReportID)
	case Unknown:
		h.hub.metrics.ignoredMessage("unknown_type")
		log.Debug().Str("conn_id", conn.ID()).Str("type", m.Type).Msg("presence message with unknown type ignored")
	}
}

func (h *Handler) writeLoop(ws *websocket.Conn, conn *Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case msg := <-conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				conn.Close(CloseNormal, "")
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close(CloseNormal, "")
				return
			}
		case <-conn.Done():
			code, reason := conn.closeFrame()
			deadline := time.Now().Add(h.cfg.WriteWait)
			if err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err == nil {
				timer := time.NewTimer(h.cfg.WriteWait)
				select {
				case <-readDone:
				case <-timer.C:
				}
				timer.Stop()
			}
			return
		}
	}
}
