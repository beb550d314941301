// Package mac is the boundary towards the LoRaWAN MAC layer.
//
// The task forwards drained payloads through Transmit and radio interrupts
// through OnRadioInterrupt. The MAC reports back asynchronously through an
// EventSink and, for internal faults, an AssertReporter. Sim is a loopback
// implementation driven by the task's own job queue.
package mac

import (
	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// MAC is the MAC layer as seen by the task.
type MAC interface {
	// Setup resets the MAC and applies cfg. With OTAA it starts joining.
	Setup(cfg Config) error
	// Transmit hands a payload to the MAC. Completion is reported later
	// through the event sink.
	Transmit(port uint8, payload []byte, confirmed bool) error
	// OnRadioInterrupt is called from interrupt context for DIO line.
	OnRadioInterrupt(line int)
}

// Attacher is implemented by MACs that take their callbacks after
// construction. The task attaches itself before Setup.
type Attacher interface {
	Attach(events EventSink, assert AssertReporter, raiseIRQ func(line int))
}

// EventSink receives MAC events. It runs in task context.
type EventSink func(types.MacEvent)

// AssertReporter receives internal MAC assertions.
type AssertReporter func(file string, line int)

var (
	// ErrNotSetup is returned by Transmit before Setup.
	ErrNotSetup = errors.New("mac: not set up")
	// ErrBusy is returned by Transmit while a frame is still queued.
	ErrBusy = errors.New("mac: transmission pending")
	// ErrFrameTooLong is returned when a frame cannot fit the band's duty
	// cycle budget at the configured data rate.
	ErrFrameTooLong = errors.New("mac: frame exceeds duty cycle budget")
)

// Event codes as numbered by the LMIC event enumeration.
const (
	CodeScanTimeout  = 1
	CodeBeaconFound  = 2
	CodeBeaconMissed = 3
	CodeBeaconTrack  = 4
	CodeJoining      = 5
	CodeJoined       = 6
	CodeJoinFailed   = 8
	CodeRejoinFailed = 9
	CodeTxComplete   = 10
	CodeLostTsync    = 11
	CodeReset        = 12
	CodeRxComplete   = 13
	CodeLinkDead     = 14
	CodeLinkAlive    = 15
)

// KindOf maps an event code to its kind. Unknown codes are EventOther.
func KindOf(code int) types.EventKind {
	switch code {
	case CodeJoined:
		return types.EventJoined
	case CodeJoining:
		return types.EventJoining
	case CodeReset:
		return types.EventReset
	case CodeTxComplete:
		return types.EventTxComplete
	case CodeRxComplete:
		return types.EventRxComplete
	default:
		return types.EventOther
	}
}

// Event builds a MacEvent from a code.
func Event(code int, data []byte) types.MacEvent {
	return types.MacEvent{Kind: KindOf(code), Code: code, Data: data}
}
