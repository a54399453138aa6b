package wsnotify

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestJobEnqueuedReachesSubscriber(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	hub.JobEnqueued(swarmtypes.QueuedJob{JobID: "job-001-0001", Kind: "spine-mri"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var n Notification
	require.NoError(t, conn.ReadJSON(&n))
	require.Equal(t, "job_enqueued", n.Event)
	require.Equal(t, "job-001-0001", n.JobID)
}

func TestDisconnectedSubscriberIsDropped(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)

	// Broadcasting with no subscribers must not block or panic.
	hub.JobEnqueued(swarmtypes.QueuedJob{JobID: "job-001-0002"})
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	dialHub(t, srv) // never reads
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBufferSize*4; i++ {
			hub.JobEnqueued(swarmtypes.QueuedJob{JobID: "job"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}
