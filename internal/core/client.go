package core

import (
	"container/list"
	"net"
)

// Client is one TCP connection bound to a single Port. ID is a small
// per-Box integer used purely for logging.
type Client struct {
	ID   int
	Box  *Box
	Port *Port
	Conn net.Conn

	// Received holds messages decoded from the wire but not yet handed to
	// a queue by the scheduler; Busy holds messages the scheduler has
	// dispatched (to USB or the control processor) and is waiting on.
	// Exactly one of these, or Box.Orphaned, holds any given Message
	// originated by this client.
	Received *list.List
	Busy     *list.List
}

// NewClient allocates a Client bound to port, with empty message lists.
func NewClient(box *Box, port *Port, conn net.Conn) *Client {
	return &Client{
		ID:       box.NextClientID(),
		Box:      box,
		Port:     port,
		Conn:     conn,
		Received: list.New(),
		Busy:     list.New(),
	}
}

// Close tears the client down on disconnect or I/O error:
// received-but-unqueued messages are destroyed, in-flight messages are
// transferred to the switch's orphan list with their client pointer
// cleared, and the socket is closed. Safe to call more than once.
func (c *Client) Close() {
	for {
		m := Front(c.Received)
		if m == nil {
			break
		}
		m.Destroy()
	}
	for {
		m := Front(c.Busy)
		if m == nil {
			break
		}
		m.ClientRef = nil
		m.PlaceInClientList(c.Box.Orphaned)
	}
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}
