package mac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		sf, power int
		wantSF    int
		wantPower int
		notes     int
	}{
		{"in range", 9, 10, 9, 10, 0},
		{"sf too low", 5, 14, 7, 14, 1},
		{"sf too high", 15, 0, 12, 0, 1},
		{"power negative", 7, -3, 7, 14, 1},
		{"power too high", 7, 20, 7, 14, 1},
		{"both", 0, 99, 7, 14, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, notes := Config{SpreadingFactor: tt.sf, TxPower: tt.power}.Normalize()
			assert.Equal(t, tt.wantSF, got.SpreadingFactor)
			assert.Equal(t, tt.wantPower, got.TxPower)
			assert.Len(t, notes, tt.notes)
		})
	}
}

func TestEUIByteOrder(t *testing.T) {
	cfg := Config{
		AppEUI: EUI{1, 2, 3, 4, 5, 6, 7, 8},
		DevEUI: EUI{0xA, 0xB, 0xC, 0xD, 0xE, 0xF, 0x10, 0x11},
	}
	assert.Equal(t, [8]byte{8, 7, 6, 5, 4, 3, 2, 1}, cfg.AppEUILSBF())
	assert.Equal(t, [8]byte{0x11, 0x10, 0xF, 0xE, 0xD, 0xC, 0xB, 0xA}, cfg.DevEUILSBF())
}

func TestParseDevAddr(t *testing.T) {
	a, err := ParseDevAddr([]byte{0x26, 0x01, 0x1B, 0xDA})
	require.NoError(t, err)
	assert.Equal(t, DevAddr(0x26011BDA), a)
	assert.Equal(t, "26011BDA", a.String())

	_, err = ParseDevAddr([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestConfigFromYAML(t *testing.T) {
	doc := `
otaa: true
spreading_factor: 10
tx_power: 12
adr: true
dev_addr: "26011BDA"
app_eui: "70:B3:D5:7E:D0:00:00:01"
dev_eui: "0004A30B001F2E3D"
app_key: "2B7E151628AED2A6ABF7158809CF4F3C"
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	assert.True(t, cfg.OTAA)
	assert.Equal(t, 10, cfg.SpreadingFactor)
	assert.Equal(t, DevAddr(0x26011BDA), cfg.DevAddr)
	assert.Equal(t, EUI{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0, 0, 1}, cfg.AppEUI)
	assert.Equal(t, "0004A30B001F2E3D", cfg.DevEUI.String())
	assert.Equal(t, byte(0x2B), cfg.AppKey[0])
	assert.NoError(t, cfg.Validate())

	var bad Config
	assert.Error(t, yaml.Unmarshal([]byte(`dev_eui: "0004"`), &bad))
}

func TestAirtime(t *testing.T) {
	assert.Equal(t, 61696*time.Microsecond, Uplink(7).Airtime(23))
	assert.Equal(t, 1482752*time.Microsecond, Uplink(12).Airtime(23))
	assert.Zero(t, Modulation{}.Airtime(10))

	assert.Less(t, Uplink(7).Airtime(10), Uplink(7).Airtime(50))
	assert.Less(t, Uplink(7).Airtime(20), Uplink(8).Airtime(20))
}
