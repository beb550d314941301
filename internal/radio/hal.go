// Package radio is the pin and SPI boundary towards the radio transceiver.
//
// The HAL carries no scheduling semantics. Every call is an opaque side
// effect on the board, supplied by the host as pin callbacks and a
// tinygo.org/x/drivers SPI bus.
package radio

import (
	"sync"

	"github.com/cockroachdb/errors"
	"tinygo.org/x/drivers"
)

// Pin levels accepted by the pin callbacks. Floating only applies to Reset.
const (
	Low      uint8 = 0
	High     uint8 = 1
	Floating uint8 = 2
)

// RX/TX switch positions.
const (
	RX uint8 = 0
	TX uint8 = 1
)

// SX127x register addresses used by the HAL itself.
const (
	RegFifo    = 0x00
	RegOpMode  = 0x01
	RegVersion = 0x42

	// SX1276ID is the content of RegVersion on an SX1276/77/78/79.
	SX1276ID = 0x12

	writeBit = 0x80
)

var (
	// ErrMissingCallback is a configuration fault: a required pin callback or
	// the SPI bus was not supplied.
	ErrMissingCallback = errors.New("radio: missing required hardware callback")
	// ErrNotDetected is returned by Probe when the version register does not
	// identify a supported chip.
	ErrNotDetected = errors.New("radio: transceiver not detected")
)

// Pins are the board callbacks driving the radio pins.
type Pins struct {
	ChipSelect func(level uint8) // NSS, active low
	RxTx       func(level uint8) // antenna switch, RX or TX
	Reset      func(level uint8) // Low, High or Floating
}

// HAL drives one transceiver.
type HAL struct {
	pins Pins
	bus  drivers.SPI

	mu  sync.Mutex // one SPI transaction at a time
	buf [2]byte
}

// New validates the callbacks and returns a HAL with chip select released.
func New(pins Pins, bus drivers.SPI) (*HAL, error) {
	var missing []string
	if pins.ChipSelect == nil {
		missing = append(missing, "chip select")
	}
	if pins.RxTx == nil {
		missing = append(missing, "rx/tx switch")
	}
	if pins.Reset == nil {
		missing = append(missing, "reset")
	}
	if bus == nil {
		missing = append(missing, "spi bus")
	}
	if len(missing) > 0 {
		return nil, errors.WithHint(
			errors.Wrapf(ErrMissingCallback, "%v", missing),
			"supply every radio pin callback and the SPI bus before starting the task")
	}

	h := &HAL{pins: pins, bus: bus}
	h.Deselect()
	return h, nil
}

// Select pulls chip select low.
func (h *HAL) Select() { h.pins.ChipSelect(Low) }

// Deselect releases chip select.
func (h *HAL) Deselect() { h.pins.ChipSelect(High) }

// SwitchTx routes the antenna to the transmitter.
func (h *HAL) SwitchTx() { h.pins.RxTx(TX) }

// SwitchRx routes the antenna to the receiver.
func (h *HAL) SwitchRx() { h.pins.RxTx(RX) }

// ResetChip drives the reset line: Low asserts reset, Floating releases it.
func (h *HAL) ResetChip(level uint8) { h.pins.Reset(level) }

// Transfer clocks one byte out and returns the byte clocked in. Chip select
// is left to the caller.
func (h *HAL) Transfer(b byte) (byte, error) {
	return h.bus.Transfer(b)
}

// ReadRegister reads a single register.
func (h *HAL) ReadRegister(addr byte) (byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf = [2]byte{addr &^ writeBit, 0}
	h.Select()
	err := h.bus.Tx(h.buf[:], h.buf[:])
	h.Deselect()
	return h.buf[1], errors.Wrapf(err, "read register 0x%02x", addr)
}

// WriteRegister writes a single register.
func (h *HAL) WriteRegister(addr, v byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf = [2]byte{addr | writeBit, v}
	h.Select()
	err := h.bus.Tx(h.buf[:], nil)
	h.Deselect()
	return errors.Wrapf(err, "write register 0x%02x", addr)
}

// ReadBurst fills buf from consecutive reads starting at addr. The FIFO
// register does not auto-increment.
func (h *HAL) ReadBurst(addr byte, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Select()
	defer h.Deselect()
	if _, err := h.bus.Transfer(addr &^ writeBit); err != nil {
		return errors.Wrapf(err, "burst read 0x%02x", addr)
	}
	return errors.Wrapf(h.bus.Tx(nil, buf), "burst read 0x%02x", addr)
}

// WriteBurst writes data to consecutive registers starting at addr.
func (h *HAL) WriteBurst(addr byte, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Select()
	defer h.Deselect()
	if _, err := h.bus.Transfer(addr | writeBit); err != nil {
		return errors.Wrapf(err, "burst write 0x%02x", addr)
	}
	return errors.Wrapf(h.bus.Tx(data, nil), "burst write 0x%02x", addr)
}

// Probe pulses reset and checks the version register.
func (h *HAL) Probe() error {
	h.ResetChip(Low)
	h.ResetChip(Floating)

	v, err := h.ReadRegister(RegVersion)
	if err != nil {
		return err
	}
	if v != SX1276ID {
		return errors.Wrapf(ErrNotDetected, "version 0x%02x", v)
	}
	return nil
}
