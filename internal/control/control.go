// Package control implements the control-port processor: the register
// read/write and device-identification handlers addressed through port 0,
// including the two USB round-trips (GET_PORT_STATUS before an
// input-register read, SET_PORT_PARAMS after a holding-register write)
// that force a message to suspend and resume across reactor turns. The
// cursor state lives on core.ControlCtx as offsets, since a message can
// suspend and the handler re-enters later with no stack of its own.
package control

import (
	"urs485d/internal/core"
	"urs485d/internal/daemonlog"
	"urs485d/internal/modbus"
	"urs485d/internal/tcpio"
)

// IsReady reports whether the control processor can accept a new message.
// Only one control message is processed at a time.
func IsReady(box *core.Box) bool {
	return box.ControlQ.Len() == 0
}

// Submit begins processing m on the control port. unit addresses 1-8 select
// the data port the request configures or queries; anything else draws a
// gateway-path-unavailable exception.
func Submit(box *core.Box, m *core.Message) {
	unit := m.UnitAddress()
	if unit < 1 || unit > 8 {
		tcpio.SendErrorReply(m, modbus.ExcGatewayPathUnavailable)
		return
	}
	m.Control = &core.ControlCtx{ForPort: box.Ports[unit], Step: core.StepInit}
	process(box, m)
}

// USBDone resumes the control message at the head of the box's control
// queue, called once the USB layer finishes a GET_PORT_STATUS or
// SET_PORT_PARAMS transfer it was asked to perform.
func USBDone(box *core.Box) {
	m := core.Front(box.ControlQ)
	if m == nil {
		return
	}
	process(box, m)
}

// process runs (or resumes) m through the handler for its function code.
// It may be called more than once per message: each call re-decodes the
// request from scratch, since the cursor's only persistent state is Step
// and the two flags.
func process(box *core.Box, m *core.Message) {
	c := m.Control
	c.RPos, c.REnd = 2, m.RequestLen
	m.Reply[0] = m.Request[0]
	m.Reply[1] = m.Request[1]
	c.WPos, c.WEnd = 2, 2+modbus.MaxDataSize

	fn := m.FunctionCode()
	daemonlog.Ctrl.Printf("%s: addr=%#02x func=%#02x step=%d", box.Name, m.Request[0], fn, c.Step)

	switch fn {
	case modbus.FuncReadHoldingRegisters:
		readRegisters(box, m, c, true)
	case modbus.FuncReadInputRegisters:
		readRegisters(box, m, c, false)
	case modbus.FuncWriteSingleRegister:
		writeSingleRegister(box, m, c)
	case modbus.FuncWriteMultipleRegisters:
		writeMultipleRegisters(box, m, c)
	case modbus.FuncEncapsulatedInterfaceTransport:
		encapsulatedInterfaceTransport(box, m, c)
	default:
		reportError(m, c, modbus.ExcIllegalFunction)
	}

	if c.Step == core.StepDone {
		m.ReplyLen = c.WPos
		tcpio.SendReply(m)
	}
}

// --- request/reply cursor helpers ---

func readRemains(c *core.ControlCtx) int { return c.REnd - c.RPos }

func readByte(m *core.Message, c *core.ControlCtx) byte {
	b := m.Request[c.RPos]
	c.RPos++
	return b
}

func readU16(m *core.Message, c *core.ControlCtx) uint16 {
	hi := readByte(m, c)
	lo := readByte(m, c)
	return uint16(hi)<<8 | uint16(lo)
}

func writeRemains(c *core.ControlCtx) int { return c.WEnd - c.WPos }

func writeByte(m *core.Message, c *core.ControlCtx, v byte) {
	m.Reply[c.WPos] = v
	c.WPos++
}

func writeU16(m *core.Message, c *core.ControlCtx, v uint16) {
	writeByte(m, c, byte(v>>8))
	writeByte(m, c, byte(v))
}

// reportError discards whatever had been written to the reply and rewrites
// it as a 3-byte exception frame. process treats any step other than Done
// as "still working", so reportError sets Step to Done explicitly.
func reportError(m *core.Message, c *core.ControlCtx, exc modbus.Exception) {
	m.Reply[1] |= 0x80
	m.Reply[2] = byte(exc)
	c.WPos = 3
	c.Step = core.StepDone
}

// --- register table ---

func u32Part(addr uint16, val uint32) uint16 {
	if addr&1 == 1 {
		return uint16(val >> 16)
	}
	return uint16(val)
}

// checkInputRegisterAddr validates addr and, as a side effect, notes that
// answering it requires a fresh GET_PORT_STATUS (every input register is
// sourced from the last status snapshot).
func checkInputRegisterAddr(c *core.ControlCtx, addr uint16) bool {
	if addr >= 1 && addr < modbus.IRegMax {
		c.NeedGetPortStatus = true
		return true
	}
	return false
}

func getInputRegister(port *core.Port, addr uint16) uint16 {
	switch addr {
	case modbus.IRegCurrentSense:
		return port.CurrentSense
	case modbus.IRegCntBroadcasts, modbus.IRegCntBroadcastsHi:
		return u32Part(addr, port.CntBroadcasts)
	case modbus.IRegCntUnicasts, modbus.IRegCntUnicastsHi:
		return u32Part(addr, port.CntUnicasts)
	case modbus.IRegCntFrameErrors, modbus.IRegCntFrameErrorsHi:
		return u32Part(addr, port.CntFrameErrors)
	case modbus.IRegCntOversizeErrors, modbus.IRegCntOversizeErrorsHi:
		return u32Part(addr, port.CntOversizeErrors)
	case modbus.IRegCntUndersizeErrors, modbus.IRegCntUndersizeErrorsHi:
		return u32Part(addr, port.CntUndersizeErrors)
	case modbus.IRegCntCRCErrors, modbus.IRegCntCRCErrorsHi:
		return u32Part(addr, port.CntCRCErrors)
	case modbus.IRegCntMismatchErrors, modbus.IRegCntMismatchErrorsHi:
		return u32Part(addr, port.CntMismatchErrors)
	case modbus.IRegCntTimeouts, modbus.IRegCntTimeoutsHi:
		return u32Part(addr, port.CntTimeouts)
	default:
		return 0
	}
}

func checkHoldingRegisterAddr(addr uint16) bool {
	return addr >= 1 && addr < modbus.HRegConfigMax
}

func getHoldingRegister(port *core.Port, addr uint16) uint16 {
	switch addr {
	case modbus.HRegBaudRate:
		return uint16(port.BaudRate / 100)
	case modbus.HRegParity:
		return uint16(port.Parity)
	case modbus.HRegPowered:
		return uint16(port.Powered)
	case modbus.HRegTimeout:
		return port.RequestTimeoutMS
	case modbus.HRegDescription1, modbus.HRegDescription2, modbus.HRegDescription3, modbus.HRegDescription4:
		return descriptionRegister(port, addr)
	default:
		return 0
	}
}

func descriptionRegister(port *core.Port, addr uint16) uint16 {
	i := int(addr-modbus.HRegDescription1) * 2
	return uint16(port.Description[i])<<8 | uint16(port.Description[i+1])
}

func setDescriptionRegister(port *core.Port, addr, val uint16) {
	i := int(addr-modbus.HRegDescription1) * 2
	port.Description[i] = byte(val >> 8)
	port.Description[i+1] = byte(val)
}

func checkHoldingRegisterWrite(addr, val uint16) bool {
	switch addr {
	case modbus.HRegBaudRate:
		return val >= 12 && val <= 1152
	case modbus.HRegParity:
		return val <= 2
	case modbus.HRegPowered:
		return val <= 1
	case modbus.HRegTimeout:
		return val >= 1 && val <= 65535
	case modbus.HRegDescription1, modbus.HRegDescription2, modbus.HRegDescription3, modbus.HRegDescription4:
		return true
	default:
		return false
	}
}

// setHoldingRegister applies a validated write. It reports (via
// c.NeedSetPortParams) whether the change must be pushed to the USB device;
// description writes only affect the persisted configuration.
func setHoldingRegister(c *core.ControlCtx, addr, val uint16) {
	port := c.ForPort
	switch addr {
	case modbus.HRegBaudRate:
		port.BaudRate = uint32(val) * 100
		c.NeedSetPortParams = true
	case modbus.HRegParity:
		port.Parity = uint8(val)
		c.NeedSetPortParams = true
	case modbus.HRegPowered:
		port.Powered = uint8(val)
		c.NeedSetPortParams = true
	case modbus.HRegTimeout:
		port.RequestTimeoutMS = val
		c.NeedSetPortParams = true
	case modbus.HRegDescription1, modbus.HRegDescription2, modbus.HRegDescription3, modbus.HRegDescription4:
		setDescriptionRegister(port, addr, val)
	}
}

// --- function handlers ---

func readRegisters(box *core.Box, m *core.Message, c *core.ControlCtx, holding bool) {
	if readRemains(c) < 4 {
		reportError(m, c, modbus.ExcIllegalDataValue)
		return
	}
	start := readU16(m, c)
	count := readU16(m, c)

	bytes := 2 * int(count)
	if bytes+1 > writeRemains(c) {
		reportError(m, c, modbus.ExcIllegalDataValue)
		return
	}

	switch c.Step {
	case core.StepInit:
		for i := uint16(0); i < count; i++ {
			addr := start + i
			ok := checkHoldingRegisterAddr(addr)
			if !holding {
				ok = checkInputRegisterAddr(c, addr)
			}
			if !ok {
				reportError(m, c, modbus.ExcIllegalDataAddress)
				return
			}
		}
		if c.NeedGetPortStatus {
			if box.USB == nil || !box.USB.SubmitGetPortStatus(c.ForPort) {
				reportError(m, c, modbus.ExcSlaveDeviceFailure)
				return
			}
			c.Step = core.StepUSBRead
			return
		}
	case core.StepUSBRead:
		// USB round trip finished; fall through to writing the reply.
	default:
		return
	}

	writeByte(m, c, byte(bytes))
	for i := uint16(0); i < count; i++ {
		addr := start + i
		var val uint16
		if holding {
			val = getHoldingRegister(c.ForPort, addr)
		} else {
			val = getInputRegister(c.ForPort, addr)
		}
		writeU16(m, c, val)
	}
	c.Step = core.StepDone
}

func writeSingleRegister(box *core.Box, m *core.Message, c *core.ControlCtx) {
	if readRemains(c) < 4 {
		reportError(m, c, modbus.ExcIllegalDataValue)
		return
	}
	addr := readU16(m, c)
	value := readU16(m, c)

	switch c.Step {
	case core.StepInit:
		if addr == modbus.HRegResetStats {
			if value != 0xdead {
				reportError(m, c, modbus.ExcIllegalDataValue)
				return
			}
			c.ForPort.ResetStats()
			break
		}

		if !checkHoldingRegisterAddr(addr) {
			reportError(m, c, modbus.ExcIllegalDataAddress)
			return
		}
		if !checkHoldingRegisterWrite(addr, value) {
			reportError(m, c, modbus.ExcSlaveDeviceFailure)
			return
		}
		setHoldingRegister(c, addr, value)
		box.Persist.ScheduleWrite(box)

		if c.NeedSetPortParams {
			if box.USB != nil && box.USB.SubmitSetPortParams(c.ForPort) {
				c.Step = core.StepUSBWrite
				return
			}
			// USB not connected: the new parameters apply after reconnect.
		}
	case core.StepUSBWrite:
	default:
		return
	}

	writeU16(m, c, addr)
	writeU16(m, c, value)
	c.Step = core.StepDone
}

func writeMultipleRegisters(box *core.Box, m *core.Message, c *core.ControlCtx) {
	if readRemains(c) < 5 {
		reportError(m, c, modbus.ExcIllegalDataValue)
		return
	}
	start := readU16(m, c)
	count := readU16(m, c)
	byteCount := readByte(m, c)

	if readRemains(c) < int(byteCount) || int(byteCount) != 2*int(count) {
		reportError(m, c, modbus.ExcIllegalDataValue)
		return
	}

	vals := make([]uint16, count)

	switch c.Step {
	case core.StepInit:
		for i := uint16(0); i < count; i++ {
			if !checkHoldingRegisterAddr(start + i) {
				reportError(m, c, modbus.ExcIllegalDataAddress)
				return
			}
			vals[i] = readU16(m, c)
		}
		for i := uint16(0); i < count; i++ {
			if !checkHoldingRegisterWrite(start+i, vals[i]) {
				reportError(m, c, modbus.ExcSlaveDeviceFailure)
				return
			}
		}
		for i := uint16(0); i < count; i++ {
			setHoldingRegister(c, start+i, vals[i])
		}
		box.Persist.ScheduleWrite(box)

		if c.NeedSetPortParams {
			if box.USB != nil && box.USB.SubmitSetPortParams(c.ForPort) {
				c.Step = core.StepUSBWrite
				return
			}
		}
	case core.StepUSBWrite:
	default:
		return
	}

	writeU16(m, c, start)
	writeU16(m, c, count)
	c.Step = core.StepDone
}

// identityString resolves a device-identification object ID to its string
// value; "" means the object is not present.
func identityString(box *core.Box, id byte) string {
	switch id {
	case modbus.IDCustomSwitchName:
		return box.Name
	case modbus.IDCustomHWSerialNumber:
		if box.USB != nil {
			return box.USB.SerialNumber()
		}
		return ""
	case modbus.IDCustomHWRevision:
		if box.USB != nil {
			return box.USB.HardwareRevision()
		}
		return ""
	default:
		if int(id) < len(modbus.StaticIdentity) {
			return modbus.StaticIdentity[id]
		}
		return ""
	}
}

func encapsulatedInterfaceTransport(box *core.Box, m *core.Message, c *core.ControlCtx) {
	if readRemains(c) < 3 || readByte(m, c) != modbus.EITReadDeviceIdent {
		reportError(m, c, modbus.ExcIllegalDataValue)
		return
	}
	action := readByte(m, c)
	id := readByte(m, c)

	var rangeMin, rangeMax byte
	switch action {
	case modbus.AccessBasic, modbus.AccessRegular, modbus.AccessExtended:
		rangeMin, rangeMax, _ = modbus.IdentityRange(action)
	case modbus.AccessIndividual:
		if !modbus.IdentityDefined(id) {
			reportError(m, c, modbus.ExcIllegalDataAddress)
			return
		}
		rangeMin, rangeMax = id, id
	default:
		reportError(m, c, modbus.ExcIllegalDataValue)
		return
	}

	daemonlog.Ctrl.Printf("%s: identify action=%d id=%d range=%d-%d", box.Name, action, id, rangeMin, rangeMax)

	if action != modbus.AccessIndividual && (id < rangeMin || id > rangeMax) {
		id = rangeMin
	}

	writeByte(m, c, modbus.EITReadDeviceIdent)
	writeByte(m, c, action)
	writeByte(m, c, modbus.ConformityLevel)

	moreFollowsAt := c.WPos
	writeByte(m, c, 0) // more follows
	writeByte(m, c, 0) // next object id
	writeByte(m, c, 0) // number of objects

	count := byte(0)
	for objID := rangeMin; ; objID++ {
		str := identityString(box, objID)
		if str != "" {
			l := len(str)
			remains := writeRemains(c)
			if l+2 > remains {
				if count == 0 {
					l = remains - 2
				} else {
					m.Reply[moreFollowsAt] = 0xff
					m.Reply[moreFollowsAt+1] = objID
					break
				}
			}
			count++
			writeByte(m, c, objID)
			writeByte(m, c, byte(l))
			copy(m.Reply[c.WPos:], str[:l])
			c.WPos += l
		}
		if objID == rangeMax {
			break
		}
	}
	m.Reply[moreFollowsAt+2] = count

	c.Step = core.StepDone
}
