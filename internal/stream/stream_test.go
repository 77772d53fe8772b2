package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/websocket"

	"chapterforge/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHubDeliversInOrder(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe("ch-1")
	defer cancel()

	for i := 1; i <= 5; i++ {
		h.Publish(Event{Type: EventStageComplete, ChapterID: "ch-1", StageNumber: i})
	}

	for i := 1; i <= 5; i++ {
		ev := <-events
		assert.Equal(t, i, ev.StageNumber)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestHubIsolatesChapters(t *testing.T) {
	h := NewHub()
	one, cancelOne := h.Subscribe("ch-1")
	defer cancelOne()
	two, cancelTwo := h.Subscribe("ch-2")
	defer cancelTwo()

	h.Publish(Event{Type: EventStageStart, ChapterID: "ch-1", Stage: "context"})

	ev := <-one
	assert.Equal(t, "ch-1", ev.ChapterID)
	select {
	case ev := <-two:
		t.Fatalf("chapter 2 subscriber got %v", ev)
	default:
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe("ch-1")
	cancel()
	cancel() // idempotent

	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, h.SubscriberCount("ch-1"))

	// Publishing to an empty room is a no-op.
	h.Publish(Event{Type: EventStageStart, ChapterID: "ch-1"})
}

func TestHubSlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe("ch-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish(Event{Type: EventSectionReady, ChapterID: "ch-1", StageNumber: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func testServer(t *testing.T) (*Server, *Hub, string) {
	t.Helper()
	hub := NewHub()
	cfg := config.StreamConfig{
		JWTSecret:         "test-secret",
		HeartbeatInterval: 50 * time.Millisecond,
	}
	srv := NewServer(hub, cfg, func(chapterID string) (string, bool) {
		if chapterID == "ch-1" {
			return "alice", true
		}
		return "", false
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, hub, ts.URL
}

func dial(t *testing.T, baseURL, path string) (*websocket.Conn, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + path
	return websocket.Dial(wsURL, "", baseURL)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	_, hub, baseURL := testServer(t)

	token, err := SignToken("test-secret", "alice", time.Minute)
	require.NoError(t, err)

	ws, err := dial(t, baseURL, "/ws/chapters/ch-1?token="+token)
	require.NoError(t, err)
	defer ws.Close()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool { return hub.SubscriberCount("ch-1") == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: EventStageStart, ChapterID: "ch-1", Stage: "context", StageNumber: 2, TotalStages: 14})

	ev := readEvent(t, ws)
	for ev.Type == EventHeartbeat {
		ev = readEvent(t, ws)
	}
	assert.Equal(t, EventStageStart, ev.Type)
	assert.Equal(t, "context", ev.Stage)
	assert.Equal(t, 14, ev.TotalStages)
}

func TestWebsocketHeartbeat(t *testing.T) {
	_, _, baseURL := testServer(t)

	token, err := SignToken("test-secret", "alice", time.Minute)
	require.NoError(t, err)

	ws, err := dial(t, baseURL, "/ws/chapters/ch-1?token="+token)
	require.NoError(t, err)
	defer ws.Close()

	ev := readEvent(t, ws)
	assert.Equal(t, EventHeartbeat, ev.Type)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	_, hub, baseURL := testServer(t)

	ws, err := dial(t, baseURL, "/ws/chapters/ch-1?token=garbage")
	if err == nil {
		// The server closes immediately without subscribing.
		defer ws.Close()
		var msg string
		require.Error(t, websocket.Message.Receive(ws, &msg))
	}
	assert.Zero(t, hub.SubscriberCount("ch-1"))
}

func TestWebsocketRejectsWrongOwner(t *testing.T) {
	_, hub, baseURL := testServer(t)

	token, err := SignToken("test-secret", "mallory", time.Minute)
	require.NoError(t, err)

	ws, err := dial(t, baseURL, "/ws/chapters/ch-1?token="+token)
	if err == nil {
		defer ws.Close()
		var msg string
		require.Error(t, websocket.Message.Receive(ws, &msg))
	}
	assert.Zero(t, hub.SubscriberCount("ch-1"))
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg string
	require.NoError(t, websocket.Message.Receive(ws, &msg))
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(msg), &ev))
	return ev
}
