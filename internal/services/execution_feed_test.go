package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialFeed(t *testing.T, srv *httptest.Server, tenant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed?tenant=" + tenant
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestExecutionFeed_TenantScopedBroadcast(t *testing.T) {
	feed := NewExecutionFeed(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = feed.ServeWS(w, r, r.URL.Query().Get("tenant"))
	}))
	defer srv.Close()

	acme := dialFeed(t, srv, "acme")
	globex := dialFeed(t, srv, "globex")
	require.Eventually(t, func() bool { return feed.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	feed.Publish(ExecutionRecord{ID: "exec-1", TenantID: "acme", RuleID: 3, Outcome: OutcomeSuccessful})

	var msg FeedMessage
	require.NoError(t, acme.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, acme.ReadJSON(&msg))
	assert.Equal(t, "execution", msg.Type)
	assert.Equal(t, "acme", msg.TenantID)
	assert.Equal(t, "exec-1", msg.Data.ID)
	assert.Equal(t, OutcomeSuccessful, msg.Data.Outcome)

	require.NoError(t, globex.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := globex.ReadMessage()
	assert.Error(t, err, "other tenants must not see the record")
}

func TestExecutionFeed_ClientDisconnectUnregisters(t *testing.T) {
	feed := NewExecutionFeed(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = feed.ServeWS(w, r, "acme")
	}))
	defer srv.Close()

	conn := dialFeed(t, srv, "acme")
	require.Eventually(t, func() bool { return feed.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return feed.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestExecutionFeed_PublishNeverBlocks(t *testing.T) {
	feed := NewExecutionFeed(quietLogger())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			feed.Publish(ExecutionRecord{TenantID: "acme"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running feed")
	}
}

func TestExecutionFeed_ServeAfterShutdownDoesNotBlock(t *testing.T) {
	feed := NewExecutionFeed(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go feed.Run(ctx)

	errs := make(chan error, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errs <- feed.ServeWS(w, r, "acme")
	}))
	defer srv.Close()

	existing := dialFeed(t, srv, "acme")
	require.NoError(t, <-errs)
	require.Eventually(t, func() bool { return feed.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-feed.done:
	case <-time.After(time.Second):
		t.Fatal("feed did not stop")
	}

	// the connected client is closed once the feed stops
	require.NoError(t, existing.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := existing.ReadMessage()
	assert.Error(t, err)

	dialFeed(t, srv, "acme")
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrFeedClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeWS blocked after the feed stopped")
	}
	assert.Zero(t, feed.ClientCount())
}
