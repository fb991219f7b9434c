package main

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn records everything sent to it on a buffered channel.
type fakeConn struct {
	id  string
	out chan []byte

	mu       sync.Mutex
	open     bool
	failSend error
	closes   int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, out: make(chan []byte, 128), open: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return ErrConnClosed
	}
	if c.failSend != nil {
		return c.failSend
	}

	select {
	case c.out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closes++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// wireEvent is an Event as a client sees it.
type wireEvent struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e wireEvent) intField(t *testing.T, field string) int {
	t.Helper()

	var m map[string]int
	require.NoError(t, json.Unmarshal(e.Payload, &m), "payload of %s", e.Type)
	v, ok := m[field]
	require.True(t, ok, "payload of %s has no %q: %s", e.Type, field, e.Payload)
	return v
}

func decodeWire(t *testing.T, data []byte) wireEvent {
	t.Helper()

	var ev wireEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

// recvEvent waits for the next event on c so tests never hang.
func recvEvent(t *testing.T, c *fakeConn, within time.Duration) wireEvent {
	t.Helper()

	select {
	case data := <-c.out:
		return decodeWire(t, data)
	case <-time.After(within):
		t.Fatalf("%s: timed out waiting for event", c.id)
		return wireEvent{}
	}
}

func recvNoEvent(t *testing.T, c *fakeConn, within time.Duration) {
	t.Helper()

	select {
	case data := <-c.out:
		t.Fatalf("%s: expected no event within %v, got %s", c.id, within, data)
	case <-time.After(within):
	}
}

func drain(c *fakeConn) {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}
