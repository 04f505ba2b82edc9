package sim

// Byte level register interface, the view a PC sees at 0x3F0-0x3F7. Only
// the low three address bits are decoded, so any base works.

const (
	portDOR  = 2
	portMSR  = 4
	portData = 5
	portDCR  = 7
)

// In reads a controller register.
func (c *Chip) In(port uint16) (byte, error) {
	switch port & 7 {
	case portDOR:
		return c.dor, nil
	case portMSR:
		return c.MSR(), nil
	case portData:
		return c.readData(), nil
	}
	return 0xFF, nil
}

// Out writes a controller register. Raising the DOR reset bit resets the
// chip.
func (c *Chip) Out(port uint16, v byte) error {
	switch port & 7 {
	case portDOR:
		if c.dor&0x04 == 0 && v&0x04 != 0 {
			return c.Reset(v)
		}
		return c.WriteDOR(v)
	case portData:
		c.writeData(v)
	case portDCR:
		return c.WriteDCR(v)
	}
	return nil
}

func (c *Chip) readData() byte {
	switch c.phase {
	case phaseResult:
		if len(c.result) == 0 {
			c.phase = phaseCommand
			return 0xFF
		}
		b := c.result[0]
		c.result = c.result[1:]
		if len(c.result) == 0 {
			c.result = nil
			c.phase = phaseCommand
		}
		return b
	case phaseExecRead:
		e := &c.exec
		var b byte
		if e.pos < len(e.buf) {
			b = e.buf[e.pos]
		}
		e.pos++
		if e.pos >= e.want || (e.cutAt >= 0 && e.pos >= e.cutAt) {
			c.phase = phaseResult
		}
		return b
	}
	return 0xFF
}

func (c *Chip) writeData(v byte) {
	switch c.phase {
	case phaseCommand:
		c.WriteData(v)
	case phaseExecWrite:
		e := &c.exec
		e.wbuf = append(e.wbuf, v)
		if len(e.wbuf) >= e.want {
			data := e.wbuf
			e.wbuf = nil
			c.commit(data)
		}
	}
}
