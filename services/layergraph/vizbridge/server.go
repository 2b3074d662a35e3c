// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vizbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/statesync"
	"github.com/AleutianAI/layergraph/services/layergraph/store"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	shutdownWait   = 5 * time.Second
)

// Config configures the bridge server.
type Config struct {
	Addr string

	// MessagesPerSecond limits client requests per connection. Zero
	// disables the limit.
	MessagesPerSecond float64
	Burst             int
}

// Server serves the visualisation endpoints.
//
// Routes:
//
//	GET /healthz  liveness and client count
//	GET /metrics  Prometheus metrics
//	GET /ws       WebSocket for notifications and client requests
type Server struct {
	cfg      Config
	store    *store.Store
	hub      *Hub
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a bridge over st. Register Hub() with the sync channel
// to forward its notifications.
func NewServer(cfg Config, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "vizbridge"))
	s := &Server{
		cfg:    cfg,
		store:  st,
		hub:    NewHub(logger),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     allowLoopbackOrigin,
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("layergraph-viz", otelgin.WithFilter(traced)))
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))
	router.GET("/ws", s.handleWebSocket)
	s.router = router
	return s
}

// traced keeps health checks and scrapes out of the trace stream.
func traced(r *http.Request) bool {
	return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
}

// Hub returns the notification hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down and disconnects clients.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("visualisation bridge listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.hub.CloseAll()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// allowLoopbackOrigin accepts non-browser clients and browser pages served
// from the loopback interface.
func allowLoopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Version int64  `json:"version"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.hub.ClientCount(),
		Version: s.store.Version(),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	cl := s.hub.register(uuid.New().String())
	logger := s.logger.With(slog.String("client_id", cl.id))
	logger.Info("visualisation client connected")

	hello, err := json.Marshal(Envelope{
		Type:    TypeHello,
		Payload: Hello{ClientID: cl.id, Snapshot: s.snapshot()},
	})
	if err == nil {
		cl.enqueue(hello)
	}

	go s.writeLoop(conn, cl, logger)
	s.readLoop(conn, cl, logger)
	s.hub.unregister(cl)
	logger.Info("visualisation client disconnected")
}

func (s *Server) snapshot() statesync.FullRefresh {
	snap := s.store.Snapshot()
	return statesync.FullRefresh{
		Layers:        graph.AllLayers(),
		Graphs:        snap.Graphs,
		CurrentLayer:  snap.CurrentLayer,
		AgentOnlyMode: snap.AgentOnlyMode,
		Version:       snap.Version,
	}
}

func (s *Server) readLoop(conn *websocket.Conn, cl *client, logger *slog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.Burst, 1))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		var resp Response
		var req Request
		switch {
		case json.Unmarshal(data, &req) != nil:
			resp = Response{Error: "malformed request", ErrorCode: graph.CodeValidation}
		case limiter != nil && !limiter.Allow():
			resp = Response{RequestID: req.RequestID, Error: "rate limited", ErrorCode: graph.CodeValidation}
		default:
			resp = s.Dispatch(req)
		}

		out, err := json.Marshal(Envelope{Type: TypeResponse, Payload: resp})
		if err != nil {
			logger.Error("failed to encode response", slog.String("error", err.Error()))
			continue
		}
		if !cl.enqueue(out) {
			return
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, cl *client, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("websocket write failed", slog.String("error", err.Error()))
				cl.close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}
		case <-cl.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
