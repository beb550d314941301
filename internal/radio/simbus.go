package radio

import "sync"

// SimChip is a software SX127x register file behind a drivers.SPI bus. Its
// Pins feed chip select and reset into the transaction state, so a HAL built
// from SimChip.Pins and the chip itself behaves like real wiring.
type SimChip struct {
	mu sync.Mutex

	regs [0x80]byte
	fifo []byte

	selected bool
	haveAddr bool
	write    bool
	addr     byte

	rxtx   uint8
	resets int
}

// NewSimChip returns a chip fresh out of reset.
func NewSimChip() *SimChip {
	c := &SimChip{}
	c.resetLocked()
	return c
}

// Pins returns callbacks wired to the chip.
func (c *SimChip) Pins() Pins {
	return Pins{
		ChipSelect: c.chipSelect,
		RxTx: func(level uint8) {
			c.mu.Lock()
			c.rxtx = level
			c.mu.Unlock()
		},
		Reset: func(level uint8) {
			if level != Low {
				return
			}
			c.mu.Lock()
			c.resetLocked()
			c.resets++
			c.mu.Unlock()
		},
	}
}

// Tx implements drivers.SPI. A nil w clocks out zeros, a nil r discards.
func (c *SimChip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		var in byte
		if w != nil {
			in = w[i]
		}
		out := c.clockLocked(in)
		if r != nil {
			r[i] = out
		}
	}
	return nil
}

// Transfer implements drivers.SPI.
func (c *SimChip) Transfer(b byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockLocked(b), nil
}

// Register returns a register value.
func (c *SimChip) Register(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr&0x7F]
}

// Fifo returns a copy of the bytes written to the FIFO and not read back.
func (c *SimChip) Fifo() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.fifo...)
}

// Switch returns the last RX/TX switch level.
func (c *SimChip) Switch() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxtx
}

// Resets counts reset pulses.
func (c *SimChip) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

func (c *SimChip) chipSelect(level uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = level == Low
	c.haveAddr = false
}

func (c *SimChip) clockLocked(in byte) byte {
	if !c.selected {
		return 0xFF
	}
	if !c.haveAddr {
		c.addr = in &^ writeBit
		c.write = in&writeBit != 0
		c.haveAddr = true
		return 0
	}

	var out byte
	switch {
	case c.addr == RegFifo && c.write:
		c.fifo = append(c.fifo, in)
	case c.addr == RegFifo:
		if len(c.fifo) > 0 {
			out = c.fifo[0]
			c.fifo = c.fifo[1:]
		}
	case c.write:
		if c.addr != RegVersion {
			c.regs[c.addr] = in
		}
	default:
		out = c.regs[c.addr]
	}
	if c.addr != RegFifo {
		c.addr = (c.addr + 1) & 0x7F
	}
	return out
}

func (c *SimChip) resetLocked() {
	c.regs = [0x80]byte{}
	c.regs[RegOpMode] = 0x09
	c.regs[RegVersion] = SX1276ID
	c.fifo = nil
}
