package http

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posdesk/posdesk/internal/domain"
)

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) *domain.Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap domain.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	return &snap
}

func TestStreamDeliversLatestOnConnect(t *testing.T) {
	srv, publisher, _ := newTestServer(t)
	publisher.Publish(testSnapshot())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialStream(t, ts)
	defer conn.Close()

	snap := readSnapshot(t, conn)
	assert.Equal(t, domain.SessionRegular, snap.Session)
	require.NotNil(t, snap.Positions)
	assert.Len(t, snap.Positions.Stocks, 1)
}

func TestStreamPushesNewSnapshots(t *testing.T) {
	srv, publisher, _ := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialStream(t, ts)
	defer conn.Close()

	// No snapshot yet: the first frame arrives only once one is published.
	first := testSnapshot()
	publisher.Publish(first)
	got := readSnapshot(t, conn)
	assert.Equal(t, first.Timestamp, got.Timestamp)

	second := testSnapshot()
	second.Timestamp = first.Timestamp.Add(3 * time.Second)
	publisher.Publish(second)
	got = readSnapshot(t, conn)
	assert.Equal(t, second.Timestamp, got.Timestamp)
}

func TestStreamSubscriberCountTracksConnections(t *testing.T) {
	srv, publisher, _ := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialStream(t, ts)
	require.Eventually(t, func() bool {
		return publisher.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return publisher.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)
}
