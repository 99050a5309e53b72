// Package httpapi exposes the per-workflow event stream to external observers
// over websocket, with replay from the bus's ring buffer.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/events"
)

const (
	readLimit     = 512
	readDeadline  = 60 * time.Second
	pingInterval  = 20 * time.Second
	writeDeadline = 10 * time.Second
	subscribeBuf  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement belongs to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler bridges the event bus to websocket subscribers.
type StreamHandler struct {
	bus    *events.Bus
	logger *zap.Logger
}

// NewStreamHandler creates the websocket bridge.
func NewStreamHandler(bus *events.Bus, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, logger: logger}
}

// Register mounts the stream endpoint on the mux.
func (h *StreamHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

// handleWS upgrades the connection and pumps workflow events to the client.
// Query parameters: workflow_id (required), types (comma-separated filter),
// last_event_id (replay everything after that sequence number).
func (h *StreamHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		http.Error(w, "workflow_id required", http.StatusBadRequest)
		return
	}

	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))
	var lastSeq uint64
	replay := false
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastSeq = n
			replay = true
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before replay so no event falls between the two.
	ch := h.bus.Subscribe(workflowID, subscribeBuf)
	defer h.bus.Unsubscribe(workflowID, ch)

	if replay {
		for _, evt := range h.bus.ReplaySince(workflowID, lastSeq) {
			if !wanted(typeFilter, evt.Type) {
				continue
			}
			if err := h.write(conn, evt); err != nil {
				return
			}
			lastSeq = evt.Seq
		}
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	// Read pump: client frames are discarded, but reading drives pong
	// handling and surfaces closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !wanted(typeFilter, evt.Type) {
				continue
			}
			// A subscriber that reconnected with last_event_id may see the
			// tail of the replay again on the live channel.
			if replay && evt.Seq <= lastSeq {
				continue
			}
			if err := h.write(conn, evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) write(conn *websocket.Conn, evt events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(evt); err != nil {
		h.logger.Debug("Websocket write failed",
			zap.String("workflow_id", evt.WorkflowID), zap.Error(err))
		return err
	}
	return nil
}

func parseTypeFilter(raw string) map[events.Type]struct{} {
	if raw == "" {
		return nil
	}
	filter := make(map[events.Type]struct{})
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			filter[events.Type(t)] = struct{}{}
		}
	}
	return filter
}

func wanted(filter map[events.Type]struct{}, t events.Type) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[t]
	return ok
}
