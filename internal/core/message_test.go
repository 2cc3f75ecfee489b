package core

import (
	"container/list"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueueMembershipIsExclusive(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)
	m := NewMessage(box, nil, box.Ports[1], 1, []byte{1, 3, 0, 0, 0, 1})

	a, b := list.New(), list.New()
	m.PlaceInQueue(a)
	assert.Equal(t, 1, a.Len())

	m.PlaceInQueue(b)
	assert.Equal(t, 0, a.Len(), "message must leave its previous queue list")
	assert.Equal(t, 1, b.Len())

	m.RemoveFromQueue()
	assert.Equal(t, 0, b.Len())
}

func TestMessageClientListMembershipIsExclusive(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)
	m := NewMessage(box, nil, box.Ports[1], 1, []byte{1, 3, 0, 0, 0, 1})

	received, busy := list.New(), list.New()
	m.PlaceInClientList(received)
	m.PlaceInClientList(busy)

	assert.Equal(t, 0, received.Len())
	assert.Equal(t, 1, busy.Len())
}

func TestMessageDestroyUnlinksBothLists(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)
	m := NewMessage(box, nil, box.Ports[1], 1, []byte{1, 3, 0, 0, 0, 1})

	q, c := list.New(), list.New()
	m.PlaceInQueue(q)
	m.PlaceInClientList(c)

	m.Destroy()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, c.Len())
}

func TestUnitAddressAndFunctionCode(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)
	m := NewMessage(box, nil, box.Ports[0], 1, []byte{3, 0x06, 0, 1, 0, 1})
	assert.Equal(t, byte(3), m.UnitAddress())
	assert.Equal(t, byte(0x06), m.FunctionCode())

	empty := NewMessage(box, nil, box.Ports[0], 1, nil)
	assert.Equal(t, byte(0), empty.UnitAddress())
	assert.Equal(t, byte(0), empty.FunctionCode())
}

func TestPopFrontDrainsInOrder(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)
	q := list.New()
	m1 := NewMessage(box, nil, box.Ports[1], 1, []byte{1, 3, 0, 0, 0, 1})
	m2 := NewMessage(box, nil, box.Ports[1], 2, []byte{1, 3, 0, 0, 0, 1})
	m1.PlaceInQueue(q)
	m2.PlaceInQueue(q)

	first := PopFront(q)
	require.NotNil(t, first)
	assert.Equal(t, uint16(1), first.TransactionID)

	second := PopFront(q)
	require.NotNil(t, second)
	assert.Equal(t, uint16(2), second.TransactionID)

	assert.Nil(t, PopFront(q))
}

func TestPortByUnitAddressRejectsControlAndOutOfRange(t *testing.T) {
	box := NewBox("s1", "ABC123", 10000)

	_, ok := box.PortByUnitAddress(0)
	assert.False(t, ok)

	_, ok = box.PortByUnitAddress(9)
	assert.False(t, ok)

	p, ok := box.PortByUnitAddress(3)
	require.True(t, ok)
	assert.Equal(t, uint8(3), p.Index)
}

func TestIsFallback(t *testing.T) {
	withSerial := NewBox("s1", "ABC123", 10000)
	assert.False(t, withSerial.IsFallback())

	fallback := NewBox("s2", "", 10010)
	assert.True(t, fallback.IsFallback())
}
