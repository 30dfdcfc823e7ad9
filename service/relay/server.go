package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatrelay/logger"
	"chatrelay/tools/ids"
	"chatrelay/tools/safe"
)

// ServerConfig tunes the WebSocket transport.
type ServerConfig struct {
	SendQueueSize   int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// AllowedOrigins restricts browser upgrades; empty allows every origin.
	AllowedOrigins []string
}

func (c *ServerConfig) norm() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
}

// Server owns the upgrade endpoint and the two pumps of each connection.
type Server struct {
	router   *Router
	presence PresenceTracker
	conf     ServerConfig
	upgrader websocket.Upgrader
}

func NewServer(r *Router, conf ServerConfig) *Server {
	conf.norm()
	s := &Server{
		router:   r,
		presence: r.presence,
		conf:     conf,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(req *http.Request) bool {
	if len(s.conf.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range s.conf.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// HandleWS upgrades an HTTP request and runs the connection until it drops.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[server] upgrade failed from %s: %v", c.ClientIP(), err)
		return
	}

	client := NewClient(ids.GenerateString(), ws, s.conf.SendQueueSize)
	logger.Infof("[server] connection open conn=%s remote=%s", client.ConnID, ws.RemoteAddr())

	safe.Go(func() { s.writePump(client) })
	s.readLoop(c.Request.Context(), client)
}

// readLoop owns the socket's read side and is the single goroutine that runs
// router handlers for this connection, so frames are processed in arrival
// order.
func (s *Server) readLoop(ctx context.Context, c *Client) {
	defer func() {
		s.router.Teardown(c)
		c.closeWS()
		logger.Infof("[server] connection closed conn=%s user=%s", c.ConnID, c.User())
	}()

	c.WS.SetReadLimit(s.conf.MaxMessageBytes)
	_ = c.WS.SetReadDeadline(time.Now().Add(s.conf.PongTimeout))
	c.WS.SetPongHandler(func(string) error {
		return c.WS.SetReadDeadline(time.Now().Add(s.conf.PongTimeout))
	})

	for {
		_, raw, err := c.WS.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warnf("[server] read conn=%s: %v", c.ConnID, err)
			}
			return
		}
		frame, err := ParseFrame(raw)
		if err != nil {
			c.enqueue(buildError(err))
			continue
		}
		s.router.HandleFrame(ctx, c, frame)
	}
}

// writePump owns the socket's write side: outbound frames, keepalive pings
// and the presence TTL refresh for authenticated connections.
func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(s.conf.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeWS()
	}()

	for {
		select {
		case payload, ok := <-c.Send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
			if !ok {
				_ = c.WS.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Warnf("[server] write conn=%s: %v", c.ConnID, err)
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if user := c.User(); user != "" {
				ctx, cancel := context.WithTimeout(context.Background(), s.conf.WriteTimeout)
				if err := s.presence.Online(ctx, user); err != nil {
					logger.Warnf("[server] presence refresh user=%s: %v", user, err)
				}
				cancel()
			}
		}
	}
}
