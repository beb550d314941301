package radio

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHAL(t *testing.T) (*HAL, *SimChip) {
	t.Helper()
	chip := NewSimChip()
	h, err := New(chip.Pins(), chip)
	require.NoError(t, err)
	return h, chip
}

func TestNewRejectsMissingCallbacks(t *testing.T) {
	chip := NewSimChip()
	full := chip.Pins()

	tests := []struct {
		name string
		mod  func(p *Pins)
	}{
		{"chip select", func(p *Pins) { p.ChipSelect = nil }},
		{"rx/tx", func(p *Pins) { p.RxTx = nil }},
		{"reset", func(p *Pins) { p.Reset = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := full
			tt.mod(&p)
			_, err := New(p, chip)
			assert.True(t, errors.Is(err, ErrMissingCallback))
			assert.NotEmpty(t, errors.GetAllHints(err))
		})
	}

	_, err := New(full, nil)
	assert.True(t, errors.Is(err, ErrMissingCallback))
}

func TestRegisterRoundTrip(t *testing.T) {
	h, chip := newTestHAL(t)

	require.NoError(t, h.WriteRegister(0x06, 0xD9))
	assert.Equal(t, byte(0xD9), chip.Register(0x06))

	v, err := h.ReadRegister(0x06)
	require.NoError(t, err)
	assert.Equal(t, byte(0xD9), v)
}

func TestBurstAutoIncrements(t *testing.T) {
	h, chip := newTestHAL(t)

	require.NoError(t, h.WriteBurst(0x06, []byte{1, 2, 3}))
	assert.Equal(t, byte(1), chip.Register(0x06))
	assert.Equal(t, byte(2), chip.Register(0x07))
	assert.Equal(t, byte(3), chip.Register(0x08))

	buf := make([]byte, 3)
	require.NoError(t, h.ReadBurst(0x06, buf))
	assert.Equal(t, []byte{1, 2, 3}, buf)
}

func TestFifoDoesNotIncrement(t *testing.T) {
	h, chip := newTestHAL(t)

	require.NoError(t, h.WriteBurst(RegFifo, []byte("ping")))
	assert.Equal(t, []byte("ping"), chip.Fifo())

	buf := make([]byte, 4)
	require.NoError(t, h.ReadBurst(RegFifo, buf))
	assert.Equal(t, "ping", string(buf))
	assert.Empty(t, chip.Fifo())
}

func TestProbe(t *testing.T) {
	h, chip := newTestHAL(t)
	require.NoError(t, h.WriteRegister(0x06, 0x55))

	require.NoError(t, h.Probe())
	assert.Equal(t, 1, chip.Resets())
	assert.Equal(t, byte(0), chip.Register(0x06), "reset clears registers")
}

func TestProbeUnknownChip(t *testing.T) {
	chip := NewSimChip()
	pins := chip.Pins()
	pins.Reset = func(uint8) {}
	h, err := New(pins, dead{})
	require.NoError(t, err)

	err = h.Probe()
	assert.True(t, errors.Is(err, ErrNotDetected))
}

func TestSwitch(t *testing.T) {
	h, chip := newTestHAL(t)
	h.SwitchTx()
	assert.Equal(t, TX, chip.Switch())
	h.SwitchRx()
	assert.Equal(t, RX, chip.Switch())
}

func TestTransferWithoutSelectReadsIdleBus(t *testing.T) {
	h, _ := newTestHAL(t)
	b, err := h.Transfer(0x42)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), b)
}

// dead is a bus with nothing attached.
type dead struct{}

func (dead) Tx(w, r []byte) error {
	for i := range r {
		r[i] = 0xFF
	}
	return nil
}

func (dead) Transfer(byte) (byte, error) { return 0xFF, nil }
