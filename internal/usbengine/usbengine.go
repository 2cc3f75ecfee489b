// Package usbengine drives the switch hardware over USB: hot-plug
// discovery, device open/claim, the per-port startup sequencer, bulk
// TX/RX with message-ID correlation and flow-control window accounting,
// control transfers for per-port status/params, broken-device teardown
// and generation-based stale-message flushing.
package usbengine

import (
	"container/list"
	"context"
	"encoding/binary"
	"time"

	"github.com/google/gousb"

	"urs485d/internal/control"
	"urs485d/internal/core"
	"urs485d/internal/daemonlog"
	"urs485d/internal/modbus"
	"urs485d/internal/reactor"
	"urs485d/internal/tcpio"
)

// Vendor/product ID and endpoint numbers of the switch.
const (
	vendorID  = gousb.ID(0x4242)
	productID = gousb.ID(0x000b)

	epControl = 0x00
	epBulkOut = 0x01
	epBulkIn  = 0x82

	ctrlGetConfig     = 0
	ctrlSetPortParams = 1
	ctrlGetPortStatus = 2
	ctrlGetPowerStatus = 3

	transferTimeout  = 5 * time.Second
	reconnectBackoff = 5 * time.Second
)

// State is the USB context's lifecycle. It progresses from Init through
// the per-port configuration states to Working; Broken may be entered
// from anywhere.
type State int

const (
	StateInit State = iota
	StateGetDevConfig
	StateSetPort0
	StateSetPort1
	StateSetPort2
	StateSetPort3
	StateSetPort4
	StateSetPort5
	StateSetPort6
	StateSetPort7
	StateWorking
	StateBroken
)

func (s State) portBeingSet() (int, bool) {
	if s >= StateSetPort0 && s <= StateSetPort7 {
		return int(s - StateSetPort0), true
	}
	return 0, false
}

// Context is one switch's attached USB device. It implements
// core.USBHandle. All methods (other than the hotplug poller's internal
// bookkeeping) run on the reactor loop.
type Context struct {
	box  *core.Box
	loop *reactor.Loop

	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint

	state       State
	generation  uint64
	maxInFlight uint16
	txWindow    int
	txInFlight  bool
	rxInFlight  bool
	nextID      uint16

	ctrlInFlight bool
	ctrlKind     int
	ctrlPort     *core.Port

	serial   string
	hwRev    string
	reconnect *reactor.Timer
}

// Attached reports whether a device handle is currently open for this
// switch, regardless of startup-sequence progress.
func (c *Context) Attached() bool { return c != nil && c.dev != nil }

// Ready reports whether a data message can be submitted right now.
func (c *Context) Ready() bool {
	return c != nil && c.state == StateWorking && !c.txInFlight && c.txWindow > 0
}

// Broken reports whether the context has failed and is awaiting teardown,
// or has been torn down and is waiting for its reconnect backoff to expire.
func (c *Context) Broken() bool {
	return c != nil && (c.state == StateBroken || c.reconnect != nil)
}

func (c *Context) SerialNumber() string   { return c.serial }
func (c *Context) HardwareRevision() string { return c.hwRev }

// Manager owns the shared libusb context and the set of Contexts, one per
// configured switch.
type Manager struct {
	loop    *reactor.Loop
	usbCtx  *gousb.Context
	boxes   []*core.Box
	byName  map[string]*Context
	claimed map[string]bool // serials already bound to a box
}

// NewManager creates a Manager for boxes, all driven by loop. Call Start to
// begin hot-plug discovery.
func NewManager(loop *reactor.Loop, boxes []*core.Box) *Manager {
	m := &Manager{
		loop:    loop,
		usbCtx:  gousb.NewContext(),
		boxes:   boxes,
		byName:  make(map[string]*Context),
		claimed: make(map[string]bool),
	}
	for _, b := range boxes {
		m.byName[b.Name] = nil
	}
	return m
}

// Start launches the hot-plug poller. gousb has no portable cross-platform
// hotplug callback wired up by default in every build, so arrival and
// departure are detected by periodically re-listing devices matching the
// switch's vendor/product ID — the poller goroutine only observes the
// bus and hands candidates to the loop; it never mutates Box/Context state
// directly.
func (m *Manager) Start() {
	go m.pollLoop()
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		devs, err := m.usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return desc.Vendor == vendorID && desc.Product == productID
		})
		if err != nil {
			continue
		}
		m.loop.Post(func() { m.reconcile(devs) })
	}
}

// reconcile runs on the reactor loop: it matches newly observed devices to
// boxes by serial (falling back to the serial-less entry, if configured)
// and flags contexts whose device vanished.
func (m *Manager) reconcile(devs []*gousb.Device) {
	seen := make(map[string]*gousb.Device, len(devs))
	for _, d := range devs {
		serial, err := d.SerialNumber()
		if err != nil {
			d.Close()
			continue
		}
		if _, ok := seen[serial]; ok {
			d.Close() // duplicate serial on the bus: keep the first
			continue
		}
		seen[serial] = d

		box := m.matchBox(serial)
		if box == nil {
			d.Close()
			continue
		}
		existing := m.byName[box.Name]
		if existing != nil && existing.Attached() {
			d.Close()
			continue
		}
		m.attach(box, d, serial)
	}

	for name, c := range m.byName {
		if c == nil || !c.Attached() {
			continue
		}
		if _, stillThere := seen[c.serial]; !stillThere {
			m.depart(name, c)
		}
	}
}

func (m *Manager) matchBox(serial string) *core.Box {
	var fallback *core.Box
	for _, b := range m.boxes {
		if b.IsFallback() {
			fallback = b
			continue
		}
		if b.Serial == serial && !m.claimed[b.Serial] {
			return b
		}
	}
	if fallback != nil && !m.claimed["\x00fallback"] {
		return fallback
	}
	return nil
}

func (m *Manager) attach(box *core.Box, dev *gousb.Device, serial string) {
	daemonlog.USB.Printf("%s: device arrived, serial=%s", box.Name, serial)

	if box.IsFallback() {
		m.claimed["\x00fallback"] = true
	} else {
		m.claimed[box.Serial] = true
	}

	c := &Context{box: box, loop: m.loop, dev: dev, state: StateInit, serial: serial, txWindow: 0}
	m.byName[box.Name] = c
	box.USB = c

	m.loop.AfterFunc(0, func() { m.connect(c) })
}

// depart marks a context BROKEN and lets the broken-teardown hook clean
// up. Closing the handle makes any blocked transfer goroutine complete
// with an error, which onRX/onTXDone absorb.
func (m *Manager) depart(name string, c *Context) {
	daemonlog.USB.Printf("%s: device departed", name)
	c.state = StateBroken
	c.releaseInterface()
	if c.dev != nil {
		c.dev.Close()
	}
	c.dev = nil
}

// releaseInterface drops the claimed interface and config, if any, so a
// later connect can claim them afresh.
func (c *Context) releaseInterface() {
	if c.intf != nil {
		c.intf.Close()
		c.intf = nil
	}
	if c.cfg != nil {
		_ = c.cfg.Close()
		c.cfg = nil
	}
	c.out, c.in = nil, nil
}

// connect runs the startup sequence's reset/claim step, then drives the
// config/port-param handshake.
func (m *Manager) connect(c *Context) {
	c.reconnect = nil
	if c.dev == nil {
		return
	}
	c.releaseInterface()
	if err := c.dev.Reset(); err != nil {
		daemonlog.USB.Printf("%s: reset failed: %v", c.box.Name, err)
		c.state = StateBroken
		return
	}
	cfg, err := c.dev.Config(1)
	if err != nil {
		daemonlog.USB.Printf("%s: set config failed: %v", c.box.Name, err)
		c.state = StateBroken
		return
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		daemonlog.USB.Printf("%s: claim interface failed: %v", c.box.Name, err)
		_ = cfg.Close()
		c.state = StateBroken
		return
	}
	c.cfg, c.intf = cfg, intf

	out, err := intf.OutEndpoint(epBulkOut)
	if err != nil {
		daemonlog.USB.Printf("%s: out endpoint: %v", c.box.Name, err)
		c.state = StateBroken
		return
	}
	in, err := intf.InEndpoint(epBulkIn)
	if err != nil {
		daemonlog.USB.Printf("%s: in endpoint: %v", c.box.Name, err)
		c.state = StateBroken
		return
	}

	c.out, c.in = out, in
	c.txWindow = 0
	c.txInFlight = false
	c.rxInFlight = false
	c.ctrlInFlight = false
	c.hwRev, _ = c.dev.Product()
	c.generation++
	c.state = StateGetDevConfig
	m.step(c)
}

// step drives the startup sequencer one state at a time: each
// control-transfer completion advances the state, until WORKING is
// reached and the first bulk RX is armed.
func (m *Manager) step(c *Context) {
	switch c.state {
	case StateGetDevConfig:
		buf := make([]byte, 2)
		n, err := c.dev.Control(gousb.ControlIn|gousb.ControlVendor|gousb.ControlInterface, ctrlGetConfig, 0, 0, buf)
		if err != nil || n < 2 {
			daemonlog.USB.Printf("%s: get config failed: %v", c.box.Name, err)
			c.state = StateBroken
			return
		}
		c.maxInFlight = binary.LittleEndian.Uint16(buf)
		c.state = StateSetPort0
		m.step(c)

	case StateSetPort0, StateSetPort1, StateSetPort2, StateSetPort3,
		StateSetPort4, StateSetPort5, StateSetPort6, StateSetPort7:
		idx, _ := c.state.portBeingSet()
		port := c.box.Ports[idx+1]
		if err := c.sendPortParams(port, idx); err != nil {
			daemonlog.USB.Printf("%s: set port %d params failed: %v", c.box.Name, idx, err)
			c.state = StateBroken
			return
		}
		c.state++
		if c.state == StateWorking {
			daemonlog.USB.Printf("%s: reached WORKING, max_in_flight=%d", c.box.Name, c.maxInFlight)
			c.armRX()
		} else {
			m.step(c)
		}
	}
}

func (c *Context) sendPortParams(port *core.Port, zeroBasedIdx int) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], port.BaudRate)
	buf[4] = port.Parity
	buf[5] = port.Powered
	binary.LittleEndian.PutUint16(buf[6:8], port.RequestTimeoutMS)
	_, err := c.dev.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlInterface, ctrlSetPortParams, 0, uint16(zeroBasedIdx), buf)
	return err
}

// armRX submits a bulk-IN read; its completion is always posted back to
// the loop before anything touches shared state.
func (c *Context) armRX() {
	if c.in == nil {
		return
	}
	c.rxInFlight = true
	go func() {
		buf := make([]byte, 4+modbus.MaxPDUSize)
		ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
		defer cancel()
		n, err := c.in.ReadContext(ctx, buf)
		c.loop.Post(func() { c.onRX(buf[:n], err) })
	}()
}

func (c *Context) onRX(frame []byte, err error) {
	c.rxInFlight = false
	if c.state == StateBroken {
		return
	}
	if err != nil {
		if isTimeout(err) {
			c.armRX()
			return
		}
		daemonlog.USB.Printf("%s: RX error: %v", c.box.Name, err)
		c.state = StateBroken
		return
	}
	if len(frame) < 4 {
		c.armRX()
		return
	}

	port := frame[0]
	frameSize := int(frame[1])
	msgID := binary.LittleEndian.Uint16(frame[2:4])

	c.txWindow++

	if port != 0xff {
		c.completeReply(msgID, frame[4:4+min(frameSize, len(frame)-4)])
	}

	c.armRX()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

// completeReply finds the busy message with msgID and delivers its reply,
// discarding frames tagged with a stale generation.
func (c *Context) completeReply(msgID uint16, payload []byte) {
	for e := c.box.Busy.Front(); e != nil; e = e.Next() {
		m := core.MessageFromElement(e)
		if m.USBMessageID != msgID {
			continue
		}
		if m.Generation != c.generation {
			return // stale: already absorbed as a window-open token above
		}
		m.ReplyLen = copy(m.Reply[:], payload)
		tcpio.SendReply(m)
		return
	}
}

// Submit dispatches a data message over bulk OUT. The caller must have
// seen Ready() true on this same reactor turn.
func (c *Context) Submit(m *core.Message) {
	m.USBMessageID = c.allocID()
	m.Generation = c.generation
	c.txWindow--
	c.txInFlight = true

	buf := make([]byte, 4+m.RequestLen)
	buf[0] = m.Port.Index - 1
	buf[1] = byte(m.RequestLen)
	binary.LittleEndian.PutUint16(buf[2:4], m.USBMessageID)
	copy(buf[4:], m.PDU())

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
		defer cancel()
		_, err := c.out.WriteContext(ctx, buf)
		c.loop.Post(func() { c.onTXDone(err) })
	}()
}

func (c *Context) onTXDone(err error) {
	c.txInFlight = false
	if err != nil {
		daemonlog.USB.Printf("%s: TX error: %v", c.box.Name, err)
		c.state = StateBroken
	}
}

func (c *Context) allocID() uint16 {
	for {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		collision := false
		for e := c.box.Busy.Front(); e != nil; e = e.Next() {
			if core.MessageFromElement(e).USBMessageID == c.nextID {
				collision = true
				break
			}
		}
		if !collision {
			return c.nextID
		}
	}
}

// SubmitGetPortStatus issues the control transfer backing input-register
// reads.
func (c *Context) SubmitGetPortStatus(p *core.Port) bool {
	if c.ctrlInFlight || c.state != StateWorking {
		return false
	}
	c.ctrlInFlight = true
	c.ctrlKind = ctrlGetPortStatus
	c.ctrlPort = p
	zeroBased := int(p.Index) - 1

	go func() {
		buf := make([]byte, 36)
		n, err := c.dev.Control(gousb.ControlIn|gousb.ControlVendor|gousb.ControlInterface, ctrlGetPortStatus, 0, uint16(zeroBased), buf)
		c.loop.Post(func() { c.onGetPortStatusDone(p, buf[:n], err) })
	}()
	return true
}

func (c *Context) onGetPortStatusDone(p *core.Port, buf []byte, err error) {
	c.ctrlInFlight = false
	if err != nil || len(buf) < 36 {
		daemonlog.USB.Printf("%s: get port status failed: %v", c.box.Name, err)
		return
	}
	p.CurrentSense = binary.LittleEndian.Uint16(buf[0:2])
	p.CntBroadcasts = binary.LittleEndian.Uint32(buf[4:8])
	p.CntUnicasts = binary.LittleEndian.Uint32(buf[8:12])
	p.CntFrameErrors = binary.LittleEndian.Uint32(buf[12:16])
	p.CntOversizeErrors = binary.LittleEndian.Uint32(buf[16:20])
	p.CntUndersizeErrors = binary.LittleEndian.Uint32(buf[20:24])
	p.CntCRCErrors = binary.LittleEndian.Uint32(buf[24:28])
	p.CntMismatchErrors = binary.LittleEndian.Uint32(buf[28:32])
	p.CntTimeouts = binary.LittleEndian.Uint32(buf[32:36])
	control.USBDone(c.box)
}

// SubmitSetPortParams pushes p's current settable parameters to the
// device.
func (c *Context) SubmitSetPortParams(p *core.Port) bool {
	if c.ctrlInFlight || c.state != StateWorking {
		return false
	}
	c.ctrlInFlight = true
	c.ctrlKind = ctrlSetPortParams
	c.ctrlPort = p
	zeroBased := int(p.Index) - 1

	go func() {
		err := c.sendPortParams(p, zeroBased)
		c.loop.Post(func() { c.onSetPortParamsDone(err) })
	}()
	return true
}

func (c *Context) onSetPortParamsDone(err error) {
	c.ctrlInFlight = false
	if err != nil {
		daemonlog.USB.Printf("%s: set port params failed: %v", c.box.Name, err)
	}
	control.USBDone(c.box)
}

// BrokenTeardown is the per-loop cleanup check: if a context is BROKEN
// and nothing is in flight, fail every busy/control message with
// GATEWAY_PATH_UNAVAILABLE and either detach (device really gone) or arm
// a reconnect backoff.
func (m *Manager) BrokenTeardown() {
	for name, c := range m.byName {
		if c == nil || c.state != StateBroken {
			continue
		}
		if c.txInFlight || c.rxInFlight || c.ctrlInFlight {
			continue
		}

		failAll(c.box.Busy)
		failAll(c.box.ControlQ)

		if c.dev == nil {
			c.reconnect.Stop()
			m.byName[name] = nil
			c.box.USB = nil
			if c.box.IsFallback() {
				delete(m.claimed, "\x00fallback")
			} else {
				delete(m.claimed, c.box.Serial)
			}
			continue
		}

		if c.reconnect == nil {
			c.state = StateInit
			c.reconnect = m.loop.AfterFunc(reconnectBackoff, func() { m.connect(c) })
		}
	}
}

// failAll drains l, replying GATEWAY_PATH_UNAVAILABLE to every message on
// it.
func failAll(l *list.List) {
	for {
		m := core.PopFront(l)
		if m == nil {
			return
		}
		tcpio.SendErrorReply(m, modbus.ExcGatewayPathUnavailable)
	}
}
