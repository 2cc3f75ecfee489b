package core

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloseDestroysReceivedAndOrphansBusy(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)
	server, peer := net.Pipe()
	defer peer.Close()
	c := NewClient(box, box.Ports[1], server)

	recv := NewMessage(box, c, box.Ports[1], 1, []byte{1, 3, 0, 1, 0, 1})
	recv.PlaceInQueue(box.Ports[1].Ready)
	recv.PlaceInClientList(c.Received)

	busy := NewMessage(box, c, box.Ports[1], 2, []byte{1, 3, 0, 1, 0, 1})
	busy.PlaceInQueue(box.Busy)
	busy.PlaceInClientList(c.Busy)

	c.Close()

	assert.Equal(t, 0, c.Received.Len())
	assert.Equal(t, 0, box.Ports[1].Ready.Len(), "undispatched messages are destroyed outright")
	assert.Equal(t, 0, c.Busy.Len())
	assert.Equal(t, 1, box.Orphaned.Len(), "in-flight messages survive as orphans")
	assert.Equal(t, 1, box.Busy.Len(), "their USB round trip is still pending")
	assert.Nil(t, busy.ClientRef)
}

func TestCloseWithoutConnDoesNotPanic(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)
	c := NewClient(box, box.Ports[1], nil)
	assert.NotPanics(t, func() { c.Close() })
}

func TestNextClientIDIsMonotonic(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)
	a := NewClient(box, box.Ports[1], nil)
	b := NewClient(box, box.Ports[2], nil)
	assert.Greater(t, b.ID, a.ID)
}
