package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubDeliverSkipsSaturatedConnections(t *testing.T) {
	hub := NewHub()

	healthy := &Client{ID: "c1", UserID: "u1", send: make(chan *Event, 4)}
	saturated := &Client{ID: "c2", UserID: "u1", send: make(chan *Event)} // zero capacity

	hub.Register(healthy)
	hub.Register(saturated)
	hub.Bind(healthy)
	hub.Bind(saturated)

	delivered := hub.DeliverToUser("u1", &Event{Type: EventTypeAIResponse, Content: "hi"})

	assert.Equal(t, 1, delivered, "saturated connection must be skipped, not block delivery")

	event := <-healthy.send
	assert.Equal(t, "hi", event.Content)
}

func TestHubDeliverToUnknownUser(t *testing.T) {
	hub := NewHub()
	assert.Equal(t, 0, hub.DeliverToUser("nobody", &Event{Type: EventTypeAIResponse}))
}

func TestHubUnregisterRemovesUserBinding(t *testing.T) {
	hub := NewHub()

	client := &Client{ID: "c1", UserID: "u1", send: make(chan *Event, 4)}
	hub.Register(client)
	hub.Bind(client)

	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1, hub.UserConnCount("u1"))

	hub.Unregister(client)

	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0, hub.UserConnCount("u1"))

	// Double unregister is a no-op
	hub.Unregister(client)
	assert.Equal(t, 0, hub.ClientCount())
}
