// Package core holds the daemon's shared data model: Message, Port, Box
// (switch) and Client. Every Message is a member of exactly one
// "queue node" list (port-ready / switch-busy / switch-control) and exactly
// one "client node" list (client-received / client-busy / switch-orphaned),
// with O(1) move and O(1) unlink.
//
// The four types live in one package: Message references Box and Client,
// Box owns Ports and the aggregate Message queues, and Client owns its own
// Message lists — splitting these across packages would force an import
// cycle for no structural benefit.
package core

import "container/list"

// ControlStep is the control processor's per-message state, preserved
// across the USB_READ/USB_WRITE suspension points.
type ControlStep int

const (
	StepInit ControlStep = iota
	StepUSBRead
	StepUSBWrite
	StepDone
)

// ControlCtx is the control processor's working state for one Message. It
// is parked on Message.Control only while that message addresses the
// control port (port 0).
type ControlCtx struct {
	ForPort *Port
	Step    ControlStep

	// Read/write cursors into Message.Request/Reply, as offsets rather
	// than raw pointers (Go slices already carry their own bounds).
	RPos, REnd int
	WPos, WEnd int

	NeedGetPortStatus bool
	NeedSetPortParams bool
}

// MaxFrame is the largest MODBUS PDU the wire format allows: 2 header
// bytes (unit + function) plus up to 252 bytes of data.
const MaxFrame = 2 + 252

// Message is the heap-owned unit of work: one MODBUS request and its
// reply. A Message is created when a complete TCP frame is received and
// destroyed once its reply has been delivered (or discarded, for
// broadcasts and orphans).
type Message struct {
	Box        *Box
	ClientRef  *Client // nil means orphaned
	Port       *Port
	TransactionID uint16
	USBMessageID  uint16
	Generation    uint64 // USB context generation at dispatch time

	Request    [MaxFrame]byte
	RequestLen int
	Reply      [MaxFrame]byte
	ReplyLen   int

	Control *ControlCtx // non-nil only while processing on the control port

	queueList  *list.List
	queueElem  *list.Element
	clientList *list.List
	clientElem *list.Element
}

// NewMessage allocates a Message bound to client/port, copying the
// already-decoded PDU bytes (unit address onward, no CRC, no TCP header).
func NewMessage(box *Box, client *Client, port *Port, transactionID uint16, pdu []byte) *Message {
	m := &Message{
		Box:           box,
		ClientRef:     client,
		Port:          port,
		TransactionID: transactionID,
	}
	m.RequestLen = copy(m.Request[:], pdu)
	return m
}

// PlaceInQueue moves the message into l, removing it from whatever queue
// list (if any) it currently occupies. O(1).
func (m *Message) PlaceInQueue(l *list.List) {
	m.RemoveFromQueue()
	m.queueList = l
	m.queueElem = l.PushBack(m)
}

// RemoveFromQueue unlinks the message from its current queue list, if any.
func (m *Message) RemoveFromQueue() {
	if m.queueList != nil && m.queueElem != nil {
		m.queueList.Remove(m.queueElem)
	}
	m.queueList, m.queueElem = nil, nil
}

// PlaceInClientList moves the message into l (one of a Client's two lists,
// or a Box's orphan list), removing it from any previous client-node list.
func (m *Message) PlaceInClientList(l *list.List) {
	m.RemoveFromClientList()
	m.clientList = l
	m.clientElem = l.PushBack(m)
}

// RemoveFromClientList unlinks the message from its current client-node
// list, if any.
func (m *Message) RemoveFromClientList() {
	if m.clientList != nil && m.clientElem != nil {
		m.clientList.Remove(m.clientElem)
	}
	m.clientList, m.clientElem = nil, nil
}

// Destroy removes the message from both lists it may be a member of. After
// Destroy, the Message must not be referenced again.
func (m *Message) Destroy() {
	m.RemoveFromQueue()
	m.RemoveFromClientList()
}

// PDU returns the decoded request bytes (unit address onward).
func (m *Message) PDU() []byte { return m.Request[:m.RequestLen] }

// UnitAddress is byte 0 of the request: 0 for a broadcast, 1-8 for a data
// port addressed through the control port, or the physical unit address of
// whatever device the switch forwards to for data-port traffic.
func (m *Message) UnitAddress() byte {
	if m.RequestLen == 0 {
		return 0
	}
	return m.Request[0]
}

// FunctionCode is byte 1 of the request.
func (m *Message) FunctionCode() byte {
	if m.RequestLen < 2 {
		return 0
	}
	return m.Request[1]
}

// MessageFromElement recovers the *Message stored in a container/list
// element pushed by PlaceInQueue/PlaceInClientList.
func MessageFromElement(e *list.Element) *Message {
	return e.Value.(*Message)
}

// PopFront removes and returns the first Message in l, or nil if empty.
// The returned message's queue-list membership (if l was its queue list)
// is cleared as a side effect of the removal.
func PopFront(l *list.List) *Message {
	e := l.Front()
	if e == nil {
		return nil
	}
	m := MessageFromElement(e)
	if m.queueList == l {
		m.RemoveFromQueue()
	} else if m.clientList == l {
		m.RemoveFromClientList()
	} else {
		l.Remove(e)
	}
	return m
}

// Front returns the first Message in l without removing it, or nil.
func Front(l *list.List) *Message {
	e := l.Front()
	if e == nil {
		return nil
	}
	return MessageFromElement(e)
}
