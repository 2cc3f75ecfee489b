// Package scheduler is the per-switch cooperative pump: it drains the
// control port into the control processor when idle, and feeds data-port
// messages to the USB layer under the flow-control window, using
// round-robin fairness across ports 1-8.
package scheduler

import (
	"urs485d/internal/control"
	"urs485d/internal/core"
	"urs485d/internal/modbus"
	"urs485d/internal/tcpio"
)

// Pump runs one scheduling pass over box. It is meant to be registered as
// a reactor.Loop.OnIdle hook, so it runs whenever any input might have
// made work available.
func Pump(box *core.Box) {
	pumpControl(box)
	if box.USB == nil || box.USB.Broken() {
		failDetached(box)
		return
	}
	pumpData(box)
}

// failDetached answers every queued data-port message with
// GATEWAY_PATH_UNAVAILABLE while no USB device is associated with the
// switch, or while the attached one is broken and awaiting reconnect.
// Messages stay queued while a device is attached but still starting up.
func failDetached(box *core.Box) {
	for i := 1; i < core.NumPorts; i++ {
		for {
			m := core.PopFront(box.Ports[i].Ready)
			if m == nil {
				break
			}
			tcpio.SendErrorReply(m, modbus.ExcGatewayPathUnavailable)
		}
	}
}

// pumpControl moves ready control-port messages into the control queue and
// hands them to the control processor one at a time.
func pumpControl(box *core.Box) {
	for control.IsReady(box) {
		m := core.Front(box.Ports[0].Ready)
		if m == nil {
			return
		}
		m.RemoveFromQueue()
		m.PlaceInQueue(box.ControlQ)
		dispatchClientList(m)
		control.Submit(box, m)
	}
}

// pumpData feeds the USB layer while it reports ready to accept, selecting
// the next data message round-robin over ports 1-8.
func pumpData(box *core.Box) {
	for box.USB != nil && box.USB.Ready() {
		m := nextDataMessage(box)
		if m == nil {
			return
		}
		m.PlaceInQueue(box.Busy)
		dispatchClientList(m)
		box.USB.Submit(m)
	}
}

// nextDataMessage implements the round-robin dequeue over ports 1-8,
// preserving box.RobinIndex across calls so no single invocation can
// starve a port.
func nextDataMessage(box *core.Box) *core.Message {
	for i := 0; i < 8; i++ {
		box.RobinIndex++
		if box.RobinIndex < 1 || box.RobinIndex > 8 {
			box.RobinIndex = 1
		}
		port := box.Ports[box.RobinIndex]
		if m := core.Front(port.Ready); m != nil {
			m.RemoveFromQueue()
			return m
		}
	}
	return nil
}

// dispatchClientList moves a just-dispatched message from its client's
// received list to its busy list, so the client can tell the two apart on
// close. Orphaned messages (no client) have nothing to move.
func dispatchClientList(m *core.Message) {
	if m.ClientRef != nil {
		m.PlaceInClientList(m.ClientRef.Busy)
	}
}
