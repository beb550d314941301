package mac

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Limits applied by Normalize.
const (
	MinSpreadingFactor = 7
	MaxSpreadingFactor = 12
	MaxTxPower         = 14 // dBm
)

// EUI is a 64-bit identifier in the order it is printed (MSB first).
type EUI [8]byte

// Key is a 128-bit AES key, MSB first.
type Key [16]byte

// DevAddr is the 32-bit device address of an ABP session.
type DevAddr uint32

// Config holds the LoRaWAN parameters of the device.
type Config struct {
	OTAA            bool    `yaml:"otaa"`
	SpreadingFactor int     `yaml:"spreading_factor"`
	TxPower         int     `yaml:"tx_power"`
	ADR             bool    `yaml:"adr"`
	DevAddr         DevAddr `yaml:"dev_addr"`  // ABP
	AppEUI          EUI     `yaml:"app_eui"`   // OTAA
	DevEUI          EUI     `yaml:"dev_eui"`   // OTAA
	AppKey          Key     `yaml:"app_key"`   // OTAA
	NwkSKey         Key     `yaml:"nwk_s_key"` // ABP
	AppSKey         Key     `yaml:"app_s_key"` // ABP
	LowPowerAntenna bool    `yaml:"low_power_antenna"`
}

// Normalize clamps the radio parameters into their valid ranges and describes
// each adjustment made.
func (c Config) Normalize() (Config, []string) {
	var notes []string
	if c.TxPower < 0 || c.TxPower > MaxTxPower {
		notes = append(notes, fmt.Sprintf("tx power %d dBm out of range 0..%d, using %d", c.TxPower, MaxTxPower, MaxTxPower))
		c.TxPower = MaxTxPower
	}
	switch {
	case c.SpreadingFactor < MinSpreadingFactor:
		notes = append(notes, fmt.Sprintf("spreading factor %d raised to %d", c.SpreadingFactor, MinSpreadingFactor))
		c.SpreadingFactor = MinSpreadingFactor
	case c.SpreadingFactor > MaxSpreadingFactor:
		notes = append(notes, fmt.Sprintf("spreading factor %d lowered to %d", c.SpreadingFactor, MaxSpreadingFactor))
		c.SpreadingFactor = MaxSpreadingFactor
	}
	return c, notes
}

// Validate checks that the activation mode has what it needs.
func (c Config) Validate() error {
	if c.OTAA {
		if c.DevEUI == (EUI{}) {
			return errors.New("mac: OTAA requires a device EUI")
		}
		return nil
	}
	if c.DevAddr == 0 {
		return errors.WithHint(errors.New("mac: ABP requires a device address"),
			"set dev_addr or enable otaa")
	}
	return nil
}

// AppEUILSBF returns the application EUI least significant byte first, the
// order the MAC consumes it in.
func (c Config) AppEUILSBF() [8]byte { return c.AppEUI.Reversed() }

// DevEUILSBF returns the device EUI least significant byte first.
func (c Config) DevEUILSBF() [8]byte { return c.DevEUI.Reversed() }

// Reversed returns e with its byte order swapped.
func (e EUI) Reversed() [8]byte {
	var out [8]byte
	for i := range e {
		out[i] = e[7-i]
	}
	return out
}

func (e EUI) String() string { return strings.ToUpper(hex.EncodeToString(e[:])) }

// MarshalText implements encoding.TextMarshaler.
func (e EUI) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// UnmarshalText parses 16 hex digits, optionally separated by colons or dashes.
func (e *EUI) UnmarshalText(text []byte) error {
	return decodeHex(e[:], text, "eui")
}

func (k Key) String() string { return strings.ToUpper(hex.EncodeToString(k[:])) }

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses 32 hex digits.
func (k *Key) UnmarshalText(text []byte) error {
	return decodeHex(k[:], text, "key")
}

// ParseDevAddr reads a device address from four big-endian bytes.
func ParseDevAddr(b []byte) (DevAddr, error) {
	if len(b) != 4 {
		return 0, errors.Newf("mac: device address must be 4 bytes, got %d", len(b))
	}
	return DevAddr(binary.BigEndian.Uint32(b)), nil
}

func (a DevAddr) String() string { return fmt.Sprintf("%08X", uint32(a)) }

// MarshalText implements encoding.TextMarshaler.
func (a DevAddr) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses 8 hex digits, most significant byte first.
func (a *DevAddr) UnmarshalText(text []byte) error {
	var b [4]byte
	if err := decodeHex(b[:], text, "device address"); err != nil {
		return err
	}
	v, err := ParseDevAddr(b[:])
	*a = v
	return err
}

func decodeHex(dst, text []byte, what string) error {
	s := strings.NewReplacer(":", "", "-", "", " ", "").Replace(string(text))
	if len(s) != 2*len(dst) {
		return errors.Newf("mac: %s %q must be %d hex digits", what, string(text), 2*len(dst))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return errors.Wrapf(err, "mac: %s %q", what, string(text))
	}
	return nil
}
