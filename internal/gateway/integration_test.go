package gateway

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/internal/config"
	"github.com/chatgate/chatgate/internal/invoker"
	"github.com/chatgate/chatgate/internal/queue"
	"github.com/chatgate/chatgate/internal/store"
)

// TestRapidSuccessiveChats wires the real store, dispatcher and invoker
// behind the gateway and plays the two-messages-without-waiting scenario:
// both requests must resolve in submission order and leave ordered
// user/assistant transcript pairs behind.
func TestRapidSuccessiveChats(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test backend uses sh")
	}

	env := newTestEnv(t)

	// The backend echoes its stdin back as the reply
	backend := invoker.New([]string{"sh", "-c", "cat"}, 30*time.Second)
	dispatcher := queue.New(backend, env.store, env.server.DeliverResult, config.DefaultQueueMaxDepth)
	defer dispatcher.Shutdown(context.Background())
	env.server.SetDispatcher(dispatcher)

	conn := env.dial(t, env.token)
	readEvent(t, conn) // connected

	require.NoError(t, conn.WriteJSON(&Event{Type: EventTypeChat, Content: "hello"}))
	require.NoError(t, conn.WriteJSON(&Event{Type: EventTypeChat, Content: "hello again"}))

	first := readEvent(t, conn)
	require.Equal(t, EventTypeAIResponse, first.Type)
	assert.Equal(t, "hello", first.Content)

	second := readEvent(t, conn)
	require.Equal(t, EventTypeAIResponse, second.Type)
	assert.Equal(t, "hello again", second.Content)

	records, err := env.store.ListTranscript(env.userID, 0)
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, store.SenderUser, records[0].Sender)
	assert.Equal(t, "hello", records[0].Content)
	assert.Equal(t, store.SenderAssistant, records[1].Sender)
	assert.Equal(t, "hello", records[1].Content)
	assert.Equal(t, store.SenderUser, records[2].Sender)
	assert.Equal(t, "hello again", records[2].Content)
	assert.Equal(t, store.SenderAssistant, records[3].Sender)
	assert.Equal(t, "hello again", records[3].Content)
}

// TestDisconnectDoesNotCancelInvocation checks that a request whose
// originating connection goes away still runs to completion and lands in
// the transcript; the undeliverable result is dropped.
func TestDisconnectDoesNotCancelInvocation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test backend uses sh")
	}

	env := newTestEnv(t)

	backend := invoker.New([]string{"sh", "-c", "sleep 0.3; cat"}, 30*time.Second)
	dispatcher := queue.New(backend, env.store, env.server.DeliverResult, config.DefaultQueueMaxDepth)
	defer dispatcher.Shutdown(context.Background())
	env.server.SetDispatcher(dispatcher)

	conn := env.dial(t, env.token)
	readEvent(t, conn) // connected

	require.NoError(t, conn.WriteJSON(&Event{Type: EventTypeChat, Content: "orphaned"}))

	// Give the gateway a moment to enqueue, then drop the only connection
	require.Eventually(t, func() bool {
		records, err := env.store.ListTranscript(env.userID, 0)
		return err == nil && len(records) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	conn.Close()

	// The invocation completes and the reply is recorded regardless
	require.Eventually(t, func() bool {
		records, err := env.store.ListTranscript(env.userID, 0)
		return err == nil && len(records) == 2
	}, 10*time.Second, 25*time.Millisecond)

	records, err := env.store.ListTranscript(env.userID, 0)
	require.NoError(t, err)
	assert.Equal(t, store.SenderAssistant, records[1].Sender)
	assert.Equal(t, "orphaned", records[1].Content)
}
