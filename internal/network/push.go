package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

const (
	maxPushMessageSize = 1 << 20
	pongWriteWait      = 5 * time.Second
)

// PushConfig tunes the WebSocket push source.
type PushConfig struct {
	URL               string
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	// ReadTimeout closes a connection that has been silent this long.
	ReadTimeout     time.Duration
	IgnoreTLSErrors bool
}

// WebSocketSource delivers notifications from the push channel. It
// reconnects until its context ends.
type WebSocketSource struct {
	cfg    PushConfig
	dialer *websocket.Dialer
	clock  clock.Clock
	logger *zap.Logger
}

// NewWebSocketSource creates a source for cfg.URL. clk paces reconnects.
func NewWebSocketSource(cfg PushConfig, clk clock.Clock, logger *zap.Logger) *WebSocketSource {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  configureTLS(&ClientConfig{IgnoreTLSErrors: cfg.IgnoreTLSErrors}),
	}
	return &WebSocketSource{cfg: cfg, dialer: dialer, clock: clk, logger: logger.Named("push")}
}

// Run connects, forwards every well-formed message to out, and reconnects
// after a failure. It returns ctx.Err() once ctx ends. out is never closed.
func (s *WebSocketSource) Run(ctx context.Context, out chan<- schemas.PushMessage) error {
	for {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Push channel lost, reconnecting",
			zap.String("url", s.cfg.URL), zap.Duration("retry_in", s.cfg.ReconnectInterval), zap.Error(err))

		select {
		case <-s.clock.After(s.cfg.ReconnectInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (s *WebSocketSource) session(ctx context.Context, out chan<- schemas.PushMessage) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.logger.Info("Push channel connected", zap.String("url", s.cfg.URL))

	// Unblocks ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadLimit(maxPushMessageSize)
	s.extendDeadline(conn)
	conn.SetPingHandler(func(appData string) error {
		s.extendDeadline(conn)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pongWriteWait))
	})
	conn.SetPongHandler(func(string) error {
		s.extendDeadline(conn)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed the push channel")
			}
			return err
		}
		s.extendDeadline(conn)

		var msg schemas.PushMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			s.logger.Warn("Skipping malformed push message", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *WebSocketSource) extendDeadline(conn *websocket.Conn) {
	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}
