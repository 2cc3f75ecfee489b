// Package tcpio is the MODBUS-TCP client framer: per-port IPv6 listeners,
// length-prefixed frame decoding, idle timeouts, and reply delivery
// (including the broadcast/orphan no-reply paths).
//
// Socket reads happen on a per-connection goroutine (Go has no portable
// non-blocking net.Conn), but every byte of decoded state — the Message it
// produces, list membership, client bookkeeping — is only ever touched
// after a reactor.Loop.Post hop, so all shared state stays on the single
// reactor goroutine.
package tcpio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"urs485d/internal/core"
	"urs485d/internal/daemonlog"
	"urs485d/internal/modbus"
	"urs485d/internal/reactor"
)

// mbapSize is the 6-byte MODBUS-TCP header: transaction id, protocol id,
// length.
const mbapSize = 6

// Listen opens the IPv6 listener for port (tcpPortBase+index; SO_REUSEADDR
// is implicit in Go's net package default binding behavior on Linux) and
// spawns its accept loop. The accept backlog is not set here: it is the
// system default that Go's net package uses. idleTimeout is the
// per-connection read deadline.
func Listen(box *core.Box, port *core.Port, loop *reactor.Loop, idleTimeout time.Duration) error {
	addr := fmt.Sprintf("[::]:%d", int(box.TCPPortBase)+int(port.Index))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp6", addr)
	if err != nil {
		// Fall back to a dual-stack "tcp" listener: some test/CI
		// environments disable IPv6 entirely, and IPv4-mapped
		// addresses are accepted anyway.
		ln, err = lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	}
	port.Listener = ln

	go acceptLoop(ln, box, port, loop, idleTimeout)
	return nil
}

func acceptLoop(ln net.Listener, box *core.Box, port *core.Port, loop *reactor.Loop, idleTimeout time.Duration) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		loop.Post(func() {
			client := core.NewClient(box, port, conn)
			daemonlog.Client.Printf("%d: new connection from %s for %s/%d", client.ID, conn.RemoteAddr(), box.Name, port.Index)
			go readLoop(client, loop, idleTimeout)
		})
	}
}

func readLoop(client *core.Client, loop *reactor.Loop, idleTimeout time.Duration) {
	header := make([]byte, mbapSize)
	for {
		if idleTimeout > 0 {
			_ = client.Conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		if _, err := io.ReadFull(client.Conn, header); err != nil {
			loop.Post(func() { closeClient(client, err) })
			return
		}

		transactionID := binary.BigEndian.Uint16(header[0:2])
		protocolID := binary.BigEndian.Uint16(header[2:4])
		length := binary.BigEndian.Uint16(header[4:6])

		if protocolID != 0 {
			loop.Post(func() {
				daemonlog.Client.Printf("%d: invalid protocol id %#04x", client.ID, protocolID)
				closeClient(client, nil)
			})
			return
		}
		if length < modbus.MinPDUSize || length > modbus.MaxPDUSize {
			loop.Post(func() {
				daemonlog.Client.Printf("%d: frame length %d out of range", client.ID, length)
				closeClient(client, nil)
			})
			return
		}

		pdu := make([]byte, length)
		if _, err := io.ReadFull(client.Conn, pdu); err != nil {
			loop.Post(func() { closeClient(client, err) })
			return
		}

		loop.Post(func() { handleFrame(client, transactionID, pdu) })
	}
}

func handleFrame(client *core.Client, transactionID uint16, pdu []byte) {
	if client.Conn == nil {
		return
	}
	m := core.NewMessage(client.Box, client, client.Port, transactionID, pdu)
	m.PlaceInQueue(client.Port.Ready)
	m.PlaceInClientList(client.Received)
	daemonlog.Client.Printf("%d: received frame #%04x of %d bytes for port %d", client.ID, transactionID, m.RequestLen, client.Port.Index)
}

func closeClient(client *core.Client, err error) {
	if client.Conn == nil {
		return // already closed by a concurrent event
	}
	if err != nil && !isTimeout(err) && err != io.EOF {
		daemonlog.Client.Printf("%d: read error: %v", client.ID, err)
	} else if isTimeout(err) {
		daemonlog.Client.Printf("%d: idle timeout", client.ID)
	} else {
		daemonlog.Client.Printf("%d: closed connection", client.ID)
	}
	client.Close()
	client.Conn = nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// SendReply delivers m's reply to the originating client. Broadcasts
// (unit 0) and orphaned messages (client gone) are discarded without
// writing to the wire; otherwise the 6-byte MBAP header (the request's
// transaction ID, protocol 0, reply length) precedes the reply bytes.
// m is destroyed (all list memberships removed) either way.
func SendReply(m *core.Message) {
	defer m.Destroy()

	if m.UnitAddress() == 0 {
		daemonlog.Client.Printf("not replying to broadcast #%04x", m.TransactionID)
		return
	}
	if m.ClientRef == nil || m.ClientRef.Conn == nil {
		daemonlog.Client.Printf("dropping reply to an orphaned message #%04x", m.TransactionID)
		return
	}

	var hdr [mbapSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], m.TransactionID)
	binary.BigEndian.PutUint16(hdr[2:4], 0)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(m.ReplyLen))

	conn := m.ClientRef.Conn
	if _, err := conn.Write(hdr[:]); err != nil {
		return
	}
	if _, err := conn.Write(m.Reply[:m.ReplyLen]); err != nil {
		return
	}
	daemonlog.Client.Printf("%d: sent frame #%04x of %d bytes", m.ClientRef.ID, m.TransactionID, m.ReplyLen)
}

// SendErrorReply rewrites m's reply buffer as a MODBUS exception response
// and delivers it via SendReply.
func SendErrorReply(m *core.Message, exc modbus.Exception) {
	unit := m.UnitAddress()
	fn := m.FunctionCode()
	m.Reply[0] = unit
	m.Reply[1] = fn | 0x80
	m.Reply[2] = byte(exc)
	m.ReplyLen = 3
	SendReply(m)
}
