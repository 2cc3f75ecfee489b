package core

import (
	"container/list"
	"net"
)

// DescriptionSize is the fixed width of a port's ASCII description, stored
// as 4 big-endian MODBUS holding registers (registers 5-8).
const DescriptionSize = 8

// Parity values accepted by holding register 2 / urs485_port_params.
const (
	ParityNone = 0
	ParityOdd  = 1
	ParityEven = 2
)

// NumPorts is the number of ports per switch: 0 (control) plus 1-8 (data).
const NumPorts = 9

// Port is one of a Box's nine lanes. Index 0 is the local control
// surface; 1-8 are physical RS-485 buses. Mutated only from the reactor
// goroutine.
type Port struct {
	Box   *Box
	Index uint8 // 0-8

	// PhysNumber is the physical silkscreen port number, which the
	// firmware numbers opposite to the logical index. Display-only.
	PhysNumber uint8

	Listener net.Listener
	Ready    *list.List // Message queue-node list: ready to dispatch

	// Settable parameters.
	BaudRate         uint32 // full baud rate; register value is /100
	Parity           uint8  // 0=none, 1=odd, 2=even
	Powered          uint8  // 0=off, 1=on
	RequestTimeoutMS uint16
	Description      [DescriptionSize]byte

	// Observable statistics.
	CurrentSense        uint16
	CntBroadcasts       uint32
	CntUnicasts         uint32
	CntFrameErrors      uint32
	CntOversizeErrors   uint32
	CntUndersizeErrors  uint32
	CntCRCErrors        uint32
	CntMismatchErrors   uint32
	CntTimeouts         uint32
}

// NewPort constructs port index (0-8) with firmware defaults.
func NewPort(box *Box, index uint8) *Port {
	p := &Port{
		Box:              box,
		Index:            index,
		PhysNumber:       8 - index,
		Ready:            list.New(),
		BaudRate:         19200,
		Parity:           ParityEven,
		Powered:          0,
		RequestTimeoutMS: 5000,
	}
	desc := "ctrl"
	if index > 0 {
		desc = "port"
	}
	p.SetDescription(desc)
	return p
}

// SetDescription copies s (truncated to DescriptionSize) and space-pads
// the remainder.
func (p *Port) SetDescription(s string) {
	n := copy(p.Description[:], s)
	for i := n; i < DescriptionSize; i++ {
		p.Description[i] = ' '
	}
}

// ResetStats zeroes the eight 32-bit counters (holding register 0x1000).
func (p *Port) ResetStats() {
	p.CntBroadcasts = 0
	p.CntUnicasts = 0
	p.CntFrameErrors = 0
	p.CntOversizeErrors = 0
	p.CntUndersizeErrors = 0
	p.CntCRCErrors = 0
	p.CntMismatchErrors = 0
	p.CntTimeouts = 0
}

// IsControl reports whether this is the pseudo control port (index 0).
func (p *Port) IsControl() bool { return p.Index == 0 }
