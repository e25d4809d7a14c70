package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"gameplay-go/backend/internal/auth"
	"gameplay-go/backend/internal/config"
	ws "gameplay-go/backend/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			// Non-browser clients (no Origin) are allowed.
			return true
		}
		if cfgDevAllowAll() {
			return true
		}
		if cfgIsDev() {
			return isLocalhostOrigin(origin) || isAllowedOrigin(origin)
		}
		return isAllowedOrigin(origin)
	},
}

// set by config at startup
var originMu sync.RWMutex
var allowedOrigins = map[string]bool{}
var devMode = false
var devAllowAll = false

func SetWebSocketOriginPolicy(isDev bool, allowAllDev bool, origins []string) {
	originMu.Lock()
	defer originMu.Unlock()
	devMode = isDev
	devAllowAll = allowAllDev
	allowedOrigins = map[string]bool{}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			allowedOrigins[o] = true
		}
	}
}

func cfgIsDev() bool {
	originMu.RLock()
	defer originMu.RUnlock()
	return devMode
}
func cfgDevAllowAll() bool {
	originMu.RLock()
	defer originMu.RUnlock()
	return devMode && devAllowAll
}
func isAllowedOrigin(origin string) bool {
	originMu.RLock()
	defer originMu.RUnlock()
	return allowedOrigins[origin]
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// WebSocketHandler upgrades the connection and registers the client with the
// hub. Clients join match rooms ("match:<id>") and receive a match_updated
// frame whenever a turn is appended.
func WebSocketHandler(hubProvider func() (*ws.Hub, bool), cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromHeaderOrQuery(c, cfg)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAndValidateToken(token, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		room := strings.TrimSpace(c.Query("room"))
		hub, ok := hubProvider()
		if !ok || hub == nil {
			log.Printf("WebSocketHandler hubProvider returned nil: user_id=%d room=%q", claims.UserID, room)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("WebSocketHandler upgrade failed: remote=%s origin=%q err=%v",
				c.ClientIP(), c.Request.Header.Get("Origin"), err)
			return
		}

		client := ws.NewClient(conn, hub, room, claims.UserID)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump(func(msg []byte) {
			handleWSMessage(hub, client, msg)
		})

		_ = sendDirect(client, "connected", map[string]any{
			"user_id": client.UserID,
			"room":    room,
		})
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func handleWSMessage(hub *ws.Hub, client *ws.Client, msg []byte) {
	var in inboundMessage
	if err := json.Unmarshal(msg, &in); err != nil {
		_ = sendDirect(client, "error", map[string]any{"error": "invalid json"})
		return
	}

	switch in.Type {
	case "watch_match":
		var p struct {
			MatchID int64 `json:"match_id"`
		}
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.MatchID <= 0 {
			_ = sendDirect(client, "error", map[string]any{"error": "invalid match id"})
			return
		}
		room := ws.MatchRoom(p.MatchID)
		hub.Join(client, room)
		_ = sendDirect(client, "watching", map[string]any{"room": room})
	default:
		_ = sendDirect(client, "error", map[string]any{"error": "unknown message type"})
	}
}

func sendDirect(c *ws.Client, typ string, payload any) error {
	msg := map[string]any{
		"type":    typ,
		"payload": payload,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.Send <- b:
	default:
		log.Printf("ws send drop: user_id=%d room=%s type=%s", c.UserID, c.Room, typ)
	}
	return nil
}

func tokenFromHeaderOrQuery(c *gin.Context, cfg config.Config) string {
	authz := c.GetHeader("Authorization")
	if authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cfg.WSAllowQueryTokens {
		return strings.TrimSpace(c.Query("token"))
	}
	return ""
}
