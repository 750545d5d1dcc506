package wsserver_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/stream"
	"github.com/devpulse/devpulse/internal/wsserver"
	"github.com/devpulse/devpulse/pkg/event"
)

type frame struct {
	Kind     string       `json:"kind"`
	Event    *event.Event `json:"event"`
	Op       string       `json:"op"`
	OK       bool         `json:"ok"`
	Error    string       `json:"error"`
	Replayed int          `json:"replayed"`
}

func newFixture(t *testing.T) (*stream.FanOut, *websocket.Conn) {
	t.Helper()

	fanout := stream.New(stream.Options{})

	srv, err := wsserver.New(wsserver.Options{FanOut: fanout})
	require.NoError(t, err)

	handler, err := srv.Handler()
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	return fanout, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	var f frame

	require.NoError(t, conn.ReadJSON(&f))

	return f
}

func fileEvent(ts int64) *event.Event {
	e := event.New("file.modified", event.CategoryFile, event.SeverityInfo, "filemon", nil)
	e.Timestamp = ts

	return e
}

func TestSubscribeDeliversEvents(t *testing.T) {
	t.Parallel()

	fanout, conn := newFixture(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "subscribe"}))

	ack := readFrame(t, conn)
	assert.Equal(t, "system", ack.Kind)
	assert.Equal(t, "subscribe", ack.Op)
	assert.True(t, ack.OK)

	fanout.Consume(fileEvent(time.Now().UnixMilli()))

	got := readFrame(t, conn)
	assert.Equal(t, "event", got.Kind)
	require.NotNil(t, got.Event)
	assert.Equal(t, "file.modified", got.Event.Type)
}

func TestSubscribeWithCategoryFilter(t *testing.T) {
	t.Parallel()

	fanout, conn := newFixture(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"op":     "subscribe",
		"filter": map[string]any{"categories": []string{"git"}},
	}))

	ack := readFrame(t, conn)
	require.True(t, ack.OK)

	now := time.Now().UnixMilli()

	fanout.Consume(fileEvent(now))

	gitEvent := event.New("git.commit", event.CategoryGit, event.SeverityInfo, "gitmon", nil)
	gitEvent.Timestamp = now + 1

	fanout.Consume(gitEvent)

	// Only the git event should arrive.
	got := readFrame(t, conn)
	assert.Equal(t, "event", got.Kind)
	require.NotNil(t, got.Event)
	assert.Equal(t, "git.commit", got.Event.Type)
}

func TestReplayReturnsBufferedEvents(t *testing.T) {
	t.Parallel()

	fanout, conn := newFixture(t)

	now := time.Now().UnixMilli()
	fanout.Consume(fileEvent(now - 2000))
	fanout.Consume(fileEvent(now - 1000))

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "subscribe"}))
	require.True(t, readFrame(t, conn).OK)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "replay", "sinceTs": now - 10_000}))

	events := 0

	for {
		f := readFrame(t, conn)
		if f.Kind == "event" {
			events++

			continue
		}

		assert.Equal(t, "replay", f.Op)
		assert.True(t, f.OK)
		assert.Equal(t, 2, f.Replayed)

		break
	}

	assert.Equal(t, 2, events)
}

func TestUnsubscribeWithoutSubscriptionFails(t *testing.T) {
	t.Parallel()

	_, conn := newFixture(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "unsubscribe"}))

	ack := readFrame(t, conn)
	assert.Equal(t, "system", ack.Kind)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "not subscribed")
}

func TestUnknownOpIsRejected(t *testing.T) {
	t.Parallel()

	_, conn := newFixture(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "teleport"}))

	ack := readFrame(t, conn)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "unknown op")
}

func TestUpdateFilterTakesEffect(t *testing.T) {
	t.Parallel()

	fanout, conn := newFixture(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "subscribe"}))
	require.True(t, readFrame(t, conn).OK)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"op":     "updateFilter",
		"filter": map[string]any{"categories": []string{"test"}},
	}))
	require.True(t, readFrame(t, conn).OK)

	now := time.Now().UnixMilli()

	fanout.Consume(fileEvent(now))

	testEvent := event.New("test.run", event.CategoryTest, event.SeverityInfo, "filemon", nil)
	testEvent.Timestamp = now + 1

	fanout.Consume(testEvent)

	got := readFrame(t, conn)
	require.NotNil(t, got.Event)
	assert.Equal(t, "test.run", got.Event.Type)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()

	fanout := stream.New(stream.Options{})

	srv, err := wsserver.New(wsserver.Options{FanOut: fanout})
	require.NoError(t, err)

	handler, err := srv.Handler()
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)

	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)

	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRequiresFanOut(t *testing.T) {
	t.Parallel()

	_, err := wsserver.New(wsserver.Options{})
	require.ErrorIs(t, err, wsserver.ErrNoFanOut)
}
