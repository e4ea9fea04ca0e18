package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/harun/screencraft/pkg/workflow"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 64 << 10
)

// handleWebSocket serves turns over a websocket. The session is taken from
// the session_id query parameter or created on connect. Turns run one at a
// time; a disconnect cancels the running turn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		SessionID:    r.URL.Query().Get("session_id"),
		Conn:         conn,
		IPAddress:    r.RemoteAddr,
		ConnectedAt:  now,
		Limiter:      NewTurnLimiter(s.turnsPerMinute, 1),
		lastActivity: now,
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	s.clients.Add(client)
	defer s.clients.Remove(clientID)
	defer conn.Close()

	ctx, cancel := context.WithCancel(tracing.Detach(r.Context()))
	defer cancel()

	if client.SessionID == "" {
		client.SessionID = s.orchestrator.StartSession()
	}
	ctx = tracing.WithSessionID(ctx, client.SessionID)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("client_id", clientID).Logger()
	logger.Info().Str("ip", r.RemoteAddr).Msg("Client connected")
	defer func() { logger.Info().Msg("Client disconnected") }()

	if err := s.writeFrame(client, WSOutbound{Type: FrameSession, SessionID: client.SessionID}); err != nil {
		return
	}

	// one turn may wait while another runs
	inbound := make(chan WSInbound, 1)
	go s.readLoop(client, inbound, cancel, logger)
	go s.keepAlive(ctx, client)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if err := s.serveTurn(ctx, client, msg, logger); err != nil {
				logger.Warn().Err(err).Msg("Failed to write to client")
				return
			}
		}
	}
}

// keepAlive pings the client until ctx ends. It runs beside the turn loop so
// the peer's pongs keep extending the read deadline during long turns.
func (s *Server) keepAlive(ctx context.Context, client *Client) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.writeMu.Lock()
			err := client.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			client.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop forwards client frames until the connection fails, then cancels
// the connection context.
func (s *Server) readLoop(client *Client, inbound chan<- WSInbound, cancel context.CancelFunc, logger zerolog.Logger) {
	defer cancel()
	defer close(inbound)

	conn := client.Conn
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		client.Touch()

		var msg WSInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			msg = WSInbound{Message: string(data)}
		}

		select {
		case inbound <- msg:
		default:
			_ = s.writeFrame(client, WSOutbound{Type: FrameError, Error: ErrTooManyTurns.Error()})
		}
	}
}

func (s *Server) serveTurn(ctx context.Context, client *Client, msg WSInbound, logger zerolog.Logger) error {
	if err := client.Limiter.Begin(); err != nil {
		return s.writeFrame(client, WSOutbound{Type: FrameError, Error: err.Error()})
	}
	defer client.Limiter.End()

	chunks, err := s.orchestrator.Stream(ctx, client.SessionID, msg.Message)
	if err != nil {
		if !errors.Is(err, workflow.ErrEmptyInput) && !errors.Is(err, workflow.ErrInputTooLong) {
			logger.Warn().Err(err).Msg("Turn rejected")
		}
		return s.writeFrame(client, WSOutbound{Type: FrameError, Error: err.Error()})
	}

	for chunk := range chunks {
		if err := s.writeFrame(client, WSOutbound{Type: FrameChunk, Chunk: &chunk}); err != nil {
			return err
		}
	}
	return s.writeFrame(client, WSOutbound{Type: FrameDone})
}

func (s *Server) writeFrame(client *Client, frame WSOutbound) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return client.Conn.WriteJSON(frame)
}
