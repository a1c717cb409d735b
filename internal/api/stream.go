// ABOUTME: WebSocket endpoint streaming live execution output.
// ABOUTME: Replays captured output, then relays chunks until the execution ends.

package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/tracker"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage is one frame sent to a streaming client. Output frames carry
// stream and data; the final frame carries the terminal status instead.
type streamMessage struct {
	Type   string `json:"type"` // "output" or "status"
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`
	Status string `json:"status,omitempty"`
}

func (s *Server) handleStreamExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	// Subscribe before the replay snapshot so chunks recorded in between
	// are duplicated, never lost.
	ch, cancel := s.supervisor.Hub().Subscribe(id)
	defer cancel()

	execution, err := s.tracker.Get(id)
	if err != nil {
		errs.WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for execution %s: %v", id, err)
		return
	}
	defer conn.Close()

	// Drain client frames so protocol-level close and pong messages are
	// processed; we never expect application input.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if execution.Stdout != "" {
		if err := writeFrame(conn, streamMessage{Type: "output", Stream: tracker.StreamStdout, Data: execution.Stdout}); err != nil {
			return
		}
	}
	if execution.Stderr != "" {
		if err := writeFrame(conn, streamMessage{Type: "output", Stream: tracker.StreamStderr, Data: execution.Stderr}); err != nil {
			return
		}
	}
	if execution.Status.Terminal() {
		writeFrame(conn, streamMessage{Type: "status", Status: execution.Status.String()})
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				s.writeFinalStatus(conn, id)
				return
			}
			if err := writeFrame(conn, streamMessage{Type: "output", Stream: chunk.Stream, Data: chunk.Data}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeFinalStatus(conn *websocket.Conn, id string) {
	execution, err := s.tracker.Get(id)
	if err != nil {
		log.Printf("Stream for execution %s: final lookup failed: %v", id, err)
		return
	}
	writeFrame(conn, streamMessage{Type: "status", Status: execution.Status.String()})
}

func writeFrame(conn *websocket.Conn, msg streamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(msg)
}
