package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conductor-dev/conductor/internal/events"
)

func newStreamServer(t *testing.T) (*events.Bus, *httptest.Server) {
	t.Helper()
	bus := events.NewBus(64, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	NewStreamHandler(bus, zaptest.NewLogger(t)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return bus, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?" + query
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	var evt events.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestStreamDeliversLiveEvents(t *testing.T) {
	bus, srv := newStreamServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "workflow_id=wf-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a beat to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.Event{WorkflowID: "wf-1", Type: events.ExecutionStarted})
	bus.Publish(events.Event{WorkflowID: "wf-1", Type: events.SubtaskStarted, SubtaskID: "st-1"})

	first := readEvent(t, conn)
	assert.Equal(t, events.ExecutionStarted, first.Type)
	second := readEvent(t, conn)
	assert.Equal(t, events.SubtaskStarted, second.Type)
	assert.Equal(t, "st-1", second.SubtaskID)
}

func TestStreamReplaysFromLastEventID(t *testing.T) {
	bus, srv := newStreamServer(t)

	bus.Publish(events.Event{WorkflowID: "wf-1", Type: events.ExecutionStarted})
	bus.Publish(events.Event{WorkflowID: "wf-1", Type: events.BatchStarted, BatchIndex: 0})
	bus.Publish(events.Event{WorkflowID: "wf-1", Type: events.BatchCompleted, BatchIndex: 0})

	// Seq starts at 0, so last_event_id=0 asks for everything after the
	// first event.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "workflow_id=wf-1&last_event_id=0"), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, events.BatchStarted, first.Type)
	second := readEvent(t, conn)
	assert.Equal(t, events.BatchCompleted, second.Type)
}

func TestStreamFiltersByType(t *testing.T) {
	bus, srv := newStreamServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(srv, "workflow_id=wf-1&types=SUBTASK_COMPLETED"), nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.Event{WorkflowID: "wf-1", Type: events.SubtaskStarted, SubtaskID: "st-1"})
	bus.Publish(events.Event{WorkflowID: "wf-1", Type: events.SubtaskCompleted, SubtaskID: "st-1"})

	evt := readEvent(t, conn)
	assert.Equal(t, events.SubtaskCompleted, evt.Type)
}

func TestStreamIgnoresOtherWorkflows(t *testing.T) {
	bus, srv := newStreamServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "workflow_id=wf-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.Event{WorkflowID: "wf-2", Type: events.ExecutionStarted})
	bus.Publish(events.Event{WorkflowID: "wf-1", Type: events.ExecutionCompleted})

	evt := readEvent(t, conn)
	assert.Equal(t, events.ExecutionCompleted, evt.Type)
	assert.Equal(t, "wf-1", evt.WorkflowID)
}

func TestStreamRequiresWorkflowID(t *testing.T) {
	_, srv := newStreamServer(t)

	resp, err := http.Get(srv.URL + "/stream/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
