// Package ws streams a run's audit events over a websocket: the stored
// backlog first, then live events as they are recorded.
package ws

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/http/httperr"
)

// Source provides the events to stream.
type Source interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListEvents(ctx context.Context, runID string, afterSeq int64, types []string, limit int) ([]domain.AuditEvent, error)
	Subscribe(runID string) (<-chan domain.AuditEvent, func())
}

// Config holds connection timing.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Streamer upgrades requests and streams audit events.
type Streamer struct {
	source   Source
	cfg      Config
	upgrader websocket.Upgrader
}

// NewStreamer creates a Streamer. Zero config fields take the defaults.
func NewStreamer(source Source, cfg Config) *Streamer {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Streamer{
		source: source,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle serves GET .../runs/:run_id/events/stream?after_seq=. It blocks
// until the client goes away or falls too far behind.
func (s *Streamer) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	if _, err := s.source.GetRun(ctx, runID); err != nil {
		return httperr.Respond(c, err, nil)
	}
	var lastSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return httperr.BadRequest(c, "after_seq must be a non-negative integer")
		}
		lastSeq = n
	}

	// Subscribe before reading the backlog so nothing recorded in between
	// is lost; duplicates are filtered by sequence number.
	live, cancel := s.source.Subscribe(runID)
	defer cancel()

	backlog, err := s.source.ListEvents(ctx, runID, lastSeq, nil, 0)
	if err != nil {
		return httperr.Respond(c, err, nil)
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WARN: failed to upgrade event stream for run %s: %v", runID, err)
		return nil
	}
	defer conn.Close()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	for _, event := range backlog {
		if err := s.write(conn, event); err != nil {
			return nil
		}
		lastSeq = event.Seq
	}

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-live:
			if !ok {
				s.closeWith(conn, websocket.CloseTryAgainLater, "subscriber fell behind")
				return nil
			}
			if event.Seq <= lastSeq {
				continue
			}
			if err := s.write(conn, event); err != nil {
				return nil
			}
			lastSeq = event.Seq

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}

		case <-closed:
			return nil

		case <-ctx.Done():
			s.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return nil
		}
	}
}

// readPump discards client frames and keeps the read deadline moving on pong.
func (s *Streamer) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: event stream read error: %v", err)
			}
			return
		}
	}
}

func (s *Streamer) write(conn *websocket.Conn, event domain.AuditEvent) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(event); err != nil {
		log.Printf("WARN: failed to write event %s: %v", event.EventID, err)
		return err
	}
	return nil
}

func (s *Streamer) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
}
