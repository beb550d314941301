package mac

import "time"

// Framing constants of a LoRaWAN uplink.
const (
	FrameOverhead   = 13 // MHDR + FHDR + FPort + MIC
	JoinRequestLen  = 23
	DefaultPreamble = 8
	BandwidthHz     = 125000
)

// Modulation describes a LoRa transmission for airtime purposes.
type Modulation struct {
	SpreadingFactor int
	BandwidthHz     int
	CodingRate      int // 1..4 for 4/5..4/8
	Preamble        int
	CRC             bool
	ImplicitHeader  bool
}

// Uplink returns the modulation LoRaWAN uses for uplinks at sf.
func Uplink(sf int) Modulation {
	return Modulation{
		SpreadingFactor: sf,
		BandwidthHz:     BandwidthHz,
		CodingRate:      1,
		Preamble:        DefaultPreamble,
		CRC:             true,
	}
}

// lowDataRate reports whether low data rate optimisation is mandatory,
// i.e. the symbol time exceeds 16 ms.
func (m Modulation) lowDataRate() bool {
	return (1<<m.SpreadingFactor)*1000 > 16*m.BandwidthHz
}

// Airtime returns the time on air of a PHY payload of n bytes.
func (m Modulation) Airtime(n int) time.Duration {
	if m.BandwidthHz <= 0 || m.SpreadingFactor <= 0 {
		return 0
	}
	sf := int64(m.SpreadingFactor)
	crc, ih, de := b2i(m.CRC), b2i(m.ImplicitHeader), b2i(m.lowDataRate())

	payload := 8*int64(n) - 4*sf + 28 + 16*crc - 20*ih
	div := 4 * (sf - 2*de)
	if payload < 0 {
		payload = 0
	}
	symbols := (payload + div - 1) / div * int64(m.CodingRate+4)
	symbols += 8

	// Work in quarter symbols: the preamble adds 4.25 symbols of sync.
	quarters := 4*symbols + 4*int64(m.Preamble) + 17
	return time.Duration(quarters * (1 << sf) * int64(time.Second) / (4 * int64(m.BandwidthHz)))
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
