/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 64
)

// Client is one websocket connection. It satisfies Conn.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed
}

func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the write pump, which in turn closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)

	return nil
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}

		return slices.Contains(allowed, origin)
	}
}

func serveWS(cfg *Config, reg *Registry, session *Session, logger zerolog.Logger) httprouter.Handle {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(cfg.allowedOrigins),
	}

	logger = logger.With().Str("component", "ws").Logger()

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Str("remote", realIP(r)).Msg("upgrade failed")
			return
		}

		client := newClient(conn)
		reg.Register(client)

		logger.Info().
			Str("connection_id", client.id).
			Str("remote", realIP(r)).
			Msg("client connected")

		go client.writePump(cfg.pingInterval, logger)
		client.readPump(cfg.pingInterval, reg, session, logger)
	}
}

func (c *Client) readPump(pingInterval time.Duration, reg *Registry, session *Session, logger zerolog.Logger) {
	defer func() {
		session.Leave(c)
		reg.Unregister(c)
		_ = c.Close()
		_ = c.conn.Close()

		logger.Info().Str("connection_id", c.id).Msg("client disconnected")
	}()

	readTimeout := 2 * pingInterval

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Str("connection_id", c.id).Msg("unexpected close")
			}
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		cmd, err := decodeCommand(data)
		if err != nil {
			logger.Debug().Err(err).Str("connection_id", c.id).Msg("dropping message")
			continue
		}

		dispatch(session, c, cmd, logger)
	}
}

func dispatch(session *Session, c Conn, cmd Command, logger zerolog.Logger) {
	var err error

	switch cmd.Kind {
	case CmdJoin:
		_, err = session.Join(c)
	case CmdPass:
		err = session.PassToken(c, cmd.NewHolder)
	}

	if err == nil {
		return
	}

	ev := logger.Debug().
		Err(err).
		Str("connection_id", c.ID()).
		Stringer("command", cmd.Kind)
	if cmd.Kind == CmdPass {
		ev = ev.Int("new_holder", cmd.NewHolder)
	}
	ev.Msg("command rejected")
}

func (c *Client) writePump(pingInterval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Str("connection_id", c.id).Msg("write failed")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
