package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/workflows"
)

const (
	wsPingInterval  = 20 * time.Second
	wsPongWait      = 60 * time.Second
	wsWriteWait     = 10 * time.Second
	wsMaxMessage    = 1 << 20 // modified plans ride inbound
	inboundFeedback = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Secure via proxy in prod.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS serves the bidirectional event channel: outbound task events,
// inbound decisions. Each task holds one binding; a newer connection
// supersedes the old one, which is closed.
// GET /api/v1/research/{id}/ws
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	lastID := lastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.ChannelConnects.WithLabelValues("websocket").Inc()
	metrics.ChannelsActive.Inc()
	defer metrics.ChannelsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := uuid.New().String()
	s.registerConn(connID, cancel)
	defer s.dropConn(connID)

	if superseded, ok := s.sessions.Bind(id, connID); ok && superseded != "" {
		s.closeConn(superseded)
		s.logger.Debug("Event channel rebound",
			zap.String("task_id", id),
			zap.String("conn_id", connID))
	}
	defer s.sessions.Unbind(id, connID)

	ch := s.events.Subscribe(id, subscribeBuffer)
	defer s.events.Unsubscribe(id, ch)

	// Local feedback for malformed or undeliverable inbound messages. Valid
	// decisions are acknowledged by the pipeline on the shared stream.
	feedback := make(chan streaming.Event, inboundFeedback)

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go s.readDecisions(ctx, cancel, conn, id, feedback)

	var lastSent uint64
	for _, evt := range s.events.ReplaySince(id, lastID) {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
		lastSent = evt.Seq
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(wsWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "channel closed"), deadline)
			return
		case evt := <-ch:
			if evt.Seq <= lastSent {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			lastSent = evt.Seq
		case evt := <-feedback:
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readDecisions pumps inbound messages into the dispatcher. It never writes
// to the socket itself; feedback events go through the writer loop.
func (s *Server) readDecisions(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, taskID string, feedback chan<- streaming.Event) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		decision, err := parseDecision(data)
		if err != nil {
			s.offerFeedback(feedback, streaming.ErrorEvent(taskID, "", err.Error()))
			continue
		}
		if _, err := s.orchestrator.Deliver(taskID, decision); err != nil {
			msg := "decision delivery failed"
			if errors.Is(err, workflows.ErrTaskNotFound) {
				msg = "task not found"
			}
			s.offerFeedback(feedback, streaming.ErrorEvent(taskID, "", msg))
		}
	}
}

func (s *Server) offerFeedback(feedback chan<- streaming.Event, evt streaming.Event) {
	select {
	case feedback <- evt:
	default:
	}
}

func (s *Server) registerConn(connID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.conns[connID] = cancel
	s.mu.Unlock()
}

func (s *Server) dropConn(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

// closeConn fires the shutdown hook of a superseded connection.
func (s *Server) closeConn(connID string) {
	s.mu.Lock()
	cancel, ok := s.conns[connID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
