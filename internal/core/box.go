package core

import "container/list"

// USBHandle is the interface a Box's attached USB context exposes to the
// scheduler and control processor. The concrete implementation
// (internal/usbengine.Context) is not imported here to avoid a cycle: core
// owns the data, usbengine owns the USB behavior.
type USBHandle interface {
	// Attached reports whether a USB device is currently associated with
	// this switch (even if not yet WORKING).
	Attached() bool
	// Broken reports whether the context has failed and is awaiting
	// teardown/reconnect; requests to a broken switch fail immediately
	// rather than queue.
	Broken() bool
	// Ready reports whether a data message can be submitted right now
	// (state WORKING, no TX in flight, window open).
	Ready() bool
	// Submit dispatches m over USB. Must only be called when Ready()
	// returned true moments earlier, on the same reactor turn.
	Submit(m *Message)
	// SubmitGetPortStatus requests a status snapshot for p; returns false
	// if the request could not be accepted (e.g. a control transfer is
	// already in flight, or no device is attached).
	SubmitGetPortStatus(p *Port) bool
	// SubmitSetPortParams pushes p's current parameters to the device;
	// same acceptance semantics as SubmitGetPortStatus.
	SubmitSetPortParams(p *Port) bool
	// SerialNumber and HardwareRevision back the custom device-
	// identification objects (0x81/0x82).
	SerialNumber() string
	HardwareRevision() string
}

// Persister is the contract the control processor and Box use to request
// a debounced write of port parameters. The concrete implementation lives
// in internal/persist.
type Persister interface {
	ScheduleWrite(b *Box)
}

// Box is one physical switch: nine Ports, the aggregate message queues,
// and (at most) one attached USB context.
type Box struct {
	Name   string
	Serial string // "" only permitted for the configured list's last entry

	TCPPortBase uint16

	Ports [NumPorts]*Port

	Busy     *list.List // queue-node list: dispatched to USB, awaiting reply
	ControlQ *list.List // queue-node list: dispatched to the control processor
	Orphaned *list.List // client-node list: client gone, reply still pending

	USB     USBHandle
	Persist Persister

	// RobinIndex is the scheduler's round-robin cursor over ports 1-8,
	// preserved across scheduler invocations so bursts cannot starve a
	// port.
	RobinIndex uint8

	nextClientID int
}

// NewBox constructs a Box with all nine ports initialized to firmware
// defaults and empty queues. Listeners are created separately (see
// internal/tcpio), and USB/Persist are wired in by the caller.
func NewBox(name, serial string, tcpPortBase uint16) *Box {
	b := &Box{
		Name:        name,
		Serial:      serial,
		TCPPortBase: tcpPortBase,
		Busy:        list.New(),
		ControlQ:    list.New(),
		Orphaned:    list.New(),
	}
	for i := 0; i < NumPorts; i++ {
		b.Ports[i] = NewPort(b, uint8(i))
	}
	return b
}

// NextClientID hands out a small monotonically increasing identifier for
// a new Client, used only for logging (a net.Conn has no stable small
// integer to reuse, so we mint one).
func (b *Box) NextClientID() int {
	b.nextClientID++
	return b.nextClientID
}

// PortByUnitAddress validates a control-port slave address against the
// 1-8 data-port range.
func (b *Box) PortByUnitAddress(addr byte) (*Port, bool) {
	if addr < 1 || addr > 8 {
		return nil, false
	}
	return b.Ports[addr], true
}

// USBSerial returns the configured Serial, or "" if this Box is the
// serial-less fallback entry.
func (b *Box) USBSerial() string { return b.Serial }

// IsFallback reports whether this Box has no configured serial number and
// therefore matches any USB device whose serial wasn't claimed by another
// configured switch.
func (b *Box) IsFallback() bool { return b.Serial == "" }
