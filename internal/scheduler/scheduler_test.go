package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"urs485d/internal/core"
)

// fakeUSB is a minimal core.USBHandle for exercising the round-robin
// scheduler without a real device: Submit just records which message was
// handed over and always succeeds when ready is true.
type fakeUSB struct {
	attached bool
	ready    bool
	broken   bool
	sent     []*core.Message
}

func (f *fakeUSB) Attached() bool { return f.attached }
func (f *fakeUSB) Ready() bool    { return f.ready }
func (f *fakeUSB) Broken() bool   { return f.broken }
func (f *fakeUSB) Submit(m *core.Message) {
	f.sent = append(f.sent, m)
	f.ready = false
}
func (f *fakeUSB) SubmitGetPortStatus(p *core.Port) bool { return false }
func (f *fakeUSB) SubmitSetPortParams(p *core.Port) bool { return false }
func (f *fakeUSB) SerialNumber() string                  { return "FAKE" }
func (f *fakeUSB) HardwareRevision() string              { return "1" }

func readHoldingPDU(unit byte, addr, count uint16) []byte {
	return []byte{unit, 0x03, byte(addr >> 8), byte(addr), byte(count >> 8), byte(count)}
}

func TestPumpDataRoundRobinsAcrossPorts(t *testing.T) {
	box := core.NewBox("s1", "ABC123", 10000)
	usb := &fakeUSB{attached: true, ready: true}
	box.USB = usb

	m3 := core.NewMessage(box, nil, box.Ports[3], 1, readHoldingPDU(3, 1, 1))
	m5 := core.NewMessage(box, nil, box.Ports[5], 2, readHoldingPDU(5, 1, 1))
	m3.PlaceInQueue(box.Ports[3].Ready)
	m5.PlaceInQueue(box.Ports[5].Ready)

	pumpData(box)
	require.Len(t, usb.sent, 1)
	assert.Equal(t, uint16(1), usb.sent[0].TransactionID, "lower-numbered ready port wins the first pass")

	usb.ready = true
	pumpData(box)
	require.Len(t, usb.sent, 2)
	assert.Equal(t, uint16(2), usb.sent[1].TransactionID)
}

func TestPumpDataStopsWhenUSBNotReady(t *testing.T) {
	box := core.NewBox("s1", "ABC123", 10000)
	usb := &fakeUSB{attached: true, ready: false}
	box.USB = usb

	m := core.NewMessage(box, nil, box.Ports[1], 1, readHoldingPDU(1, 1, 1))
	m.PlaceInQueue(box.Ports[1].Ready)

	pumpData(box)
	assert.Empty(t, usb.sent)
	assert.Equal(t, 1, box.Ports[1].Ready.Len(), "message stays queued until USB is ready")
}

func TestPumpDataNilUSBIsNoop(t *testing.T) {
	box := core.NewBox("s1", "ABC123", 10000)
	m := core.NewMessage(box, nil, box.Ports[1], 1, readHoldingPDU(1, 1, 1))
	m.PlaceInQueue(box.Ports[1].Ready)

	assert.NotPanics(t, func() { pumpData(box) })
	assert.Equal(t, 1, box.Ports[1].Ready.Len())
}

func TestPumpControlProcessesOneMessageAtATime(t *testing.T) {
	box := core.NewBox("s1", "ABC123", 10000)

	m1 := core.NewMessage(box, nil, box.Ports[0], 1, readHoldingPDU(1, 1, 1))
	m2 := core.NewMessage(box, nil, box.Ports[0], 2, readHoldingPDU(2, 1, 1))
	m1.PlaceInQueue(box.Ports[0].Ready)
	m2.PlaceInQueue(box.Ports[0].Ready)

	pumpControl(box)

	// Single-address holding-register reads complete in one step (no USB
	// round trip needed), so the control queue drains immediately and
	// pumpControl should go on to accept the second message too.
	assert.Equal(t, 0, box.Ports[0].Ready.Len())
}

func TestPumpFailsDataMessagesWhileDetached(t *testing.T) {
	box := core.NewBox("s1", "ABC123", 10000)

	m := core.NewMessage(box, nil, box.Ports[2], 9, readHoldingPDU(1, 1, 1))
	m.PlaceInQueue(box.Ports[2].Ready)
	m.PlaceInClientList(box.Orphaned)

	Pump(box)

	assert.Equal(t, 0, box.Ports[2].Ready.Len(), "queued requests fail immediately while no device is bound")
	require.Equal(t, 3, m.ReplyLen)
	assert.Equal(t, byte(0x83), m.Reply[1])
	assert.Equal(t, byte(0x0a), m.Reply[2], "gateway path unavailable")
}

func TestPumpFailsDataMessagesWhileBroken(t *testing.T) {
	box := core.NewBox("s1", "ABC123", 10000)
	box.USB = &fakeUSB{attached: true, broken: true}

	m := core.NewMessage(box, nil, box.Ports[4], 9, readHoldingPDU(1, 1, 1))
	m.PlaceInQueue(box.Ports[4].Ready)
	m.PlaceInClientList(box.Orphaned)

	Pump(box)

	assert.Equal(t, 0, box.Ports[4].Ready.Len(), "a broken context fails new requests, it does not queue them")
	require.Equal(t, 3, m.ReplyLen)
	assert.Equal(t, byte(0x0a), m.Reply[2])
}

func TestPumpKeepsDataQueuedWhileDeviceStartsUp(t *testing.T) {
	box := core.NewBox("s1", "ABC123", 10000)
	box.USB = &fakeUSB{attached: true, ready: false} // mid startup sequence

	m := core.NewMessage(box, nil, box.Ports[2], 9, readHoldingPDU(1, 1, 1))
	m.PlaceInQueue(box.Ports[2].Ready)

	Pump(box)

	assert.Equal(t, 1, box.Ports[2].Ready.Len(), "an attached-but-not-ready device defers rather than fails")
	assert.Equal(t, 0, m.ReplyLen)
}

func TestDispatchClientListMovesMessageIntoClientBusy(t *testing.T) {
	box := core.NewBox("s1", "ABC123", 10000)
	client := core.NewClient(box, box.Ports[1], nil)
	m := core.NewMessage(box, client, box.Ports[1], 1, readHoldingPDU(1, 1, 1))
	m.PlaceInClientList(client.Received)

	dispatchClientList(m)
	assert.Equal(t, 0, client.Received.Len())
	assert.Equal(t, 1, client.Busy.Len())
}
