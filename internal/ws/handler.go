package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aimeet/meet-backend/internal/auth"
	"github.com/aimeet/meet-backend/internal/hub"
	"github.com/aimeet/meet-backend/internal/metrics"
)

type wsOpts struct {
	readBuf, writeBuf int
	maxMsg            int64
	heartbeat         time.Duration
	rl                interface{ AllowWS(*http.Request) bool } // nil => no limit
}
type Option func(*wsOpts)

func WithRateLimiter(rl interface{ AllowWS(*http.Request) bool }) Option {
	return func(o *wsOpts) { o.rl = rl }
}

func WithBuffers(read, write int) Option {
	return func(o *wsOpts) { o.readBuf, o.writeBuf = read, write }
}
func WithLimits(max int64, heartbeat time.Duration) Option {
	return func(o *wsOpts) { o.maxMsg, o.heartbeat = max, heartbeat }
}

// originAllowed checks if the Origin header is in the allowlist.
// - Empty Origin (non-browser clients) is allowed.
// - Items in allowedOrigins can be full origins (https://example.com) or hostnames (example.com).
func originAllowed(allowedOrigins []string, origin string) bool {
	if origin == "" {
		return true // non-browser clients typically omit Origin
	}
	if len(allowedOrigins) == 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, a := range allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if strings.EqualFold(a, origin) {
			return true
		}
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// credential pulls the handshake token from ?token= or the Authorization
// header. Verification happens once here; per-message identity is trusted
// for the connection's lifetime.
func credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
		return strings.TrimPrefix(ah, "Bearer ")
	}
	return ""
}

// Inbound event payloads. The event set is closed; anything else is ignored.
type joinMsg struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	HasVideo    bool   `json:"hasVideo"`
	Muted       bool   `json:"isMuted"`
}
type relayMsg struct {
	To      string          `json:"targetConnectionId"`
	Payload json.RawMessage `json:"payload"`
}
type mediaMsg struct {
	MimeType string          `json:"mimeType"`
	Payload  json.RawMessage `json:"payload"`
}
type cameraMsg struct {
	RoomID   string `json:"roomId"`
	HasVideo bool   `json:"hasVideo"`
}
type micMsg struct {
	RoomID string `json:"roomId"`
	Muted  bool   `json:"isMuted"`
}
type chatMsg struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}
type titleMsg struct {
	RoomID   string `json:"roomId"`
	NewTitle string `json:"newTitle"`
}
type reactionMsg struct {
	RoomID string `json:"roomId"`
	Emoji  string `json:"emoji"`
}

func NewWSHandler(h *hub.Hub, authn auth.Authenticator, allowedOrigins []string, lg *zap.Logger, dev bool, options ...Option) http.Handler {
	if lg == nil {
		lg = zap.NewNop()
	}
	cfg := wsOpts{readBuf: 64 << 10, writeBuf: 64 << 10, maxMsg: 1 << 20, heartbeat: 60 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	pingPeriod := cfg.heartbeat * 9 / 10

	up := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if dev {
				return true
			}
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
		ReadBufferSize:  cfg.readBuf,
		WriteBufferSize: cfg.writeBuf,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !dev && !originAllowed(allowedOrigins, r.Header.Get("Origin")) {
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
		if cfg.rl != nil && !cfg.rl.AllowWS(r) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		// Authenticate before upgrading; a rejected credential never gets a
		// socket, let alone a registry entry.
		ident, err := authn.Verify(credential(r))
		if err != nil {
			metrics.AuthRejected.Inc()
			http.Error(w, "authentication rejected", http.StatusUnauthorized)
			return
		}

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			lg.Warn("ws upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()
		metrics.WSConnections.Inc()

		conn.SetReadLimit(cfg.maxMsg)
		_ = conn.SetReadDeadline(time.Now().Add(cfg.heartbeat))
		conn.SetPongHandler(func(data string) error {
			if err := conn.SetReadDeadline(time.Now().Add(cfg.heartbeat)); err != nil {
				return err
			}
			if ts, err := strconv.ParseInt(data, 10, 64); err == nil {
				metrics.WSRTTSeconds.Observe(time.Since(time.Unix(0, ts)).Seconds())
			}
			return nil
		})

		connID := uuid.NewString()
		wc := hub.NewConn(conn)
		h.Register(connID, ident, wc)
		defer h.Unregister(connID)

		go func() {
			t := time.NewTicker(pingPeriod)
			defer t.Stop()
			for range t.C {
				payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
				if err := wc.WriteControl(websocket.PingMessage, payload, time.Now().Add(10*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}()

		fail := func(t string, err error) {
			code := hub.ErrorCode(err)
			metrics.EventErrors.WithLabelValues(code).Inc()
			_ = wc.WriteJSON(hub.ErrorNotice{Type: "error", Code: code, Reason: t + ": " + err.Error()})
		}

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					lg.Warn("ws read error", zap.String("conn", connID), zap.Error(err))
				}
				return
			}
			metrics.WSFrameSize.WithLabelValues("in").Observe(float64(len(msg)))
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			var peek struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &peek); err != nil {
				continue
			}
			t := strings.ToLower(peek.Type)
			if t == "" {
				t = "unknown"
			}
			metrics.Events.WithLabelValues(t).Inc()

			switch t {
			case "join":
				var m joinMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if err := h.Join(r.Context(), connID, hub.JoinRequest{
					RoomID:      m.RoomID,
					DisplayName: m.DisplayName,
					AvatarRef:   m.AvatarRef,
					HasVideo:    m.HasVideo,
					Muted:       m.Muted,
				}); err != nil {
					fail(t, err)
				}
			case "leave":
				if err := h.Leave(connID); err != nil {
					fail(t, err)
				}
			case "offer", "answer", "candidate":
				var m relayMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if err := h.Relay(connID, m.To, t, m.Payload); err != nil {
					fail(t, err)
				}
			case "media-fragment":
				var m mediaMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if err := h.RelayMedia(connID, m.MimeType, m.Payload); err != nil {
					fail(t, err)
				}
			case "camera-state":
				var m cameraMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if err := h.SetCamera(connID, m.RoomID, m.HasVideo); err != nil {
					fail(t, err)
				}
			case "mic-state":
				var m micMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if err := h.SetMic(connID, m.RoomID, m.Muted); err != nil {
					fail(t, err)
				}
			case "chat-message":
				var m chatMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if err := h.Chat(connID, m.RoomID, m.Text); err != nil {
					fail(t, err)
				}
			case "update-title":
				var m titleMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if err := h.UpdateTitle(connID, m.RoomID, m.NewTitle); err != nil {
					fail(t, err)
				}
			case "reaction":
				var m reactionMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if err := h.React(connID, m.RoomID, m.Emoji); err != nil {
					fail(t, err)
				}
			default:
				// not part of the protocol; ignore
			}
		}
	})
}
