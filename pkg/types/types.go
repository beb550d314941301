// Package types defines the core domain model shared by the lmic task runtime.
package types

import (
	"fmt"
	"strings"
)

// Tick is one unit of the logical monotonic clock.
type Tick uint32

// Sub returns the signed difference t - other. Deadline comparisons use this
// instead of absolute comparison so the clock may wrap.
func (t Tick) Sub(other Tick) int32 {
	return int32(t - other)
}

// Add returns t advanced by n ticks.
func (t Tick) Add(n uint32) Tick {
	return t + Tick(n)
}

// NotifyMask is the set of pending stimuli delivered to the task.
// Flags of the same kind merge; they are never queued as discrete events.
type NotifyMask uint32

const (
	NotifyRadioIRQ0 NotifyMask = 1 << iota // radio DIO0
	NotifyRadioIRQ1                        // radio DIO1
	NotifyRadioIRQ2                        // radio DIO2
	NotifyTickIRQ                          // tick timer overflow/compare
	NotifySend                             // payload offered for transmission
	NotifySleep                            // host requests sleep
	NotifyWake                             // host requests wake
)

// NotifyRadioIRQ is the union of the radio interrupt lines.
const NotifyRadioIRQ = NotifyRadioIRQ0 | NotifyRadioIRQ1 | NotifyRadioIRQ2

var notifyNames = []struct {
	bit  NotifyMask
	name string
}{
	{NotifyRadioIRQ0, "irq0"},
	{NotifyRadioIRQ1, "irq1"},
	{NotifyRadioIRQ2, "irq2"},
	{NotifyTickIRQ, "tick"},
	{NotifySend, "send"},
	{NotifySleep, "sleep"},
	{NotifyWake, "wake"},
}

// Has reports whether any bit of flags is set in m.
func (m NotifyMask) Has(flags NotifyMask) bool {
	return m&flags != 0
}

func (m NotifyMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, n := range notifyNames {
		if m.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if rest := m &^ (NotifyRadioIRQ | NotifyTickIRQ | NotifySend | NotifySleep | NotifyWake); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// RadioLineMask maps a radio DIO line to its notification bit.
// Lines outside 0..2 map to 0.
func RadioLineMask(line int) NotifyMask {
	switch line {
	case 0:
		return NotifyRadioIRQ0
	case 1:
		return NotifyRadioIRQ1
	case 2:
		return NotifyRadioIRQ2
	}
	return 0
}

// DutyState is the duty-cycle state of the task.
type DutyState int

const (
	StateSuspended DutyState = iota // created, not started yet
	StateRunning
	StateSleeping
)

func (s DutyState) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// MaxFrameLen bounds the payload of a single transmission.
const MaxFrameLen = 64

// Transmission is a payload waiting to be handed to the MAC layer.
type Transmission struct {
	Port      uint8  `json:"port"`
	Data      []byte `json:"data"`
	Confirmed bool   `json:"confirmed"`
}

// EventKind classifies events reported by the MAC layer.
type EventKind int

const (
	EventOther EventKind = iota
	EventJoined
	EventJoining
	EventReset
	EventTxComplete
	EventRxComplete
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventJoining:
		return "joining"
	case EventReset:
		return "reset"
	case EventTxComplete:
		return "tx_complete"
	case EventRxComplete:
		return "rx_complete"
	default:
		return "other"
	}
}

// MacEvent is an asynchronous report from the MAC layer. Code carries the raw
// event number for EventOther; Data carries downlink bytes received in the RX
// windows after a transmission.
type MacEvent struct {
	Kind EventKind
	Code int
	Data []byte
}
