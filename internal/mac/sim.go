package mac

import (
	"encoding/binary"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/lmic-task/internal/jobqueue"
	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/internal/radio"
	"github.com/ChuLiYu/lmic-task/internal/ticksource"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// DefaultJoinAcceptDelay is the LoRaWAN JOIN_ACCEPT_DELAY1.
const DefaultJoinAcceptDelay = 5 * time.Second

// Band is a sub-band sharing one duty cycle budget.
type Band struct {
	Name      string   `yaml:"name"`
	DutyCycle float64  `yaml:"duty_cycle"` // fraction of time on air, e.g. 0.01
	Channels  []uint32 `yaml:"channels"`   // Hz
}

// DefaultBands enables the three mandatory EU868 channels on the 1% band.
func DefaultBands() []Band {
	return []Band{{Name: "g1", DutyCycle: 0.01, Channels: []uint32{868100000, 868300000, 868500000}}}
}

// SimOptions wires a Sim into the task.
type SimOptions struct {
	Queue  *jobqueue.Queue
	Clock  *ticksource.Source
	HAL    *radio.HAL // optional, receives the frames
	Events EventSink
	Assert AssertReporter

	// RaiseIRQ delivers the simulated DIO interrupt. The task sets it to
	// its interrupt trampoline; nil calls OnRadioInterrupt directly.
	RaiseIRQ func(line int)

	JoinAcceptDelay time.Duration
	Bands           []Band
	// Downlink, when set, supplies the payload received after an uplink.
	Downlink func(tx types.Transmission, seq uint32) []byte

	// Resume restores counters saved by a previous run. OnSession receives
	// the counters every time they change; it runs on the task loop.
	Resume    *SessionState
	OnSession func(SessionState)

	Logger *zap.SugaredLogger
}

// SessionState is the part of a session that must survive a restart: the
// uplink frame counter of the current device address and the last join nonce.
type SessionState struct {
	DevAddr  DevAddr `json:"dev_addr"`
	FCntUp   uint32  `json:"fcnt_up"`
	DevNonce uint16  `json:"dev_nonce"`
}

// SimStatus is a snapshot of the simulated session.
type SimStatus struct {
	Joined        bool
	Joining       bool
	DevAddr       DevAddr
	Seq           uint32
	Transmissions uint64
	Deferred      uint64
}

type band struct {
	Band
	limiter *rate.Limiter
	next    int
}

type frame struct {
	join bool
	tx   types.Transmission
	phy  []byte
	freq uint32
}

// Sim is a loopback MAC. Frames go to the radio HAL, time on air and duty
// cycle are accounted on the logical clock, and completions arrive through
// the same interrupt path a real radio would use.
type Sim struct {
	opts SimOptions
	log  *zap.SugaredLogger

	mu      sync.Mutex
	cfg     Config
	mod     Modulation
	setup   bool
	joined  bool
	joining bool
	devAddr DevAddr
	seq     uint32
	nonce   uint16
	pending *types.Transmission
	inAir   *frame
	bands   []*band
	nextBnd int

	// logical time, extended past the 32-bit tick wrap
	last    types.Tick
	elapsed int64

	txJob, doneJob, irqJob, joinJob jobqueue.Job
	lines                           atomic.Uint32

	transmissions, deferred atomic.Uint64
}

// NewSim returns a Sim. Queue and Clock are required.
func NewSim(opts SimOptions) *Sim {
	if opts.Queue == nil || opts.Clock == nil {
		panic("mac: sim needs a job queue and a tick source")
	}
	if opts.JoinAcceptDelay <= 0 {
		opts.JoinAcceptDelay = DefaultJoinAcceptDelay
	}
	if len(opts.Bands) == 0 {
		opts.Bands = DefaultBands()
	}
	s := &Sim{opts: opts, log: logger.OrNop(opts.Logger).With(logger.FieldComponent, "mac")}
	s.txJob.Name = "mac/tx"
	s.doneJob.Name = "mac/txdone"
	s.irqJob.Name = "mac/irq"
	s.joinJob.Name = "mac/join"
	return s
}

// Attach implements Attacher. It must be called before Setup.
func (s *Sim) Attach(events EventSink, assert AssertReporter, raiseIRQ func(line int)) {
	s.opts.Events = events
	s.opts.Assert = assert
	s.opts.RaiseIRQ = raiseIRQ
}

// Setup implements MAC.
func (s *Sim) Setup(cfg Config) error {
	cfg, notes := cfg.Normalize()
	for _, n := range notes {
		s.log.Warnw("lorawan parameter adjusted", "note", n)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	for _, j := range []*jobqueue.Job{&s.txJob, &s.doneJob, &s.irqJob, &s.joinJob} {
		s.opts.Queue.Cancel(j)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mod = Uplink(cfg.SpreadingFactor)
	s.setup = true
	s.joined, s.joining = false, false
	s.seq = 0
	s.pending, s.inAir = nil, nil
	s.last = s.opts.Clock.Now()
	s.elapsed = 0

	burst := int(s.mod.Airtime(FrameOverhead+types.MaxFrameLen) / time.Microsecond)
	s.bands = s.bands[:0]
	for _, b := range s.opts.Bands {
		s.bands = append(s.bands, &band{
			Band:    b,
			limiter: rate.NewLimiter(rate.Limit(b.DutyCycle*1e6), burst),
		})
	}

	if r := s.opts.Resume; r != nil {
		s.nonce = r.DevNonce
	}
	if cfg.OTAA {
		s.joining = true
	} else {
		s.joined = true
		s.devAddr = cfg.DevAddr
		if r := s.opts.Resume; r != nil && r.DevAddr == cfg.DevAddr {
			s.seq = r.FCntUp
		}
	}
	s.mu.Unlock()

	s.log.Infow("lorawan setup",
		"otaa", cfg.OTAA, "sf", cfg.SpreadingFactor, "tx_power", cfg.TxPower, "adr", cfg.ADR, "fcnt_up", s.Status().Seq)
	if cfg.OTAA {
		s.opts.Queue.ScheduleImmediate(&s.joinJob, s.startJoin)
	} else {
		s.log.Infow("abp session ready", "dev_addr", cfg.DevAddr.String())
	}
	return nil
}

// Transmit implements MAC. A payload given while another one is still
// queued replaces it.
func (s *Sim) Transmit(port uint8, payload []byte, confirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.setup {
		return ErrNotSetup
	}
	if air := s.mod.Airtime(FrameOverhead + len(payload)); s.exceedsBudget(air) {
		return errors.Wrapf(ErrFrameTooLong, "%d bytes at SF%d take %s", len(payload), s.mod.SpreadingFactor, air)
	}
	if s.pending != nil {
		s.log.Debugw("queued frame replaced", logger.FieldPort, s.pending.Port)
	}
	s.pending = &types.Transmission{Port: port, Data: append([]byte(nil), payload...), Confirmed: confirmed}
	if s.joined && s.inAir == nil {
		s.opts.Queue.ScheduleImmediate(&s.txJob, s.startTx)
	}
	return nil
}

// OnRadioInterrupt implements MAC. It only records the line and schedules
// the service job, so it is safe from interrupt context.
func (s *Sim) OnRadioInterrupt(line int) {
	if line < 0 || line > 2 {
		return
	}
	s.lines.Or(1 << line)
	s.opts.Queue.ScheduleImmediate(&s.irqJob, s.serviceIRQ)
}

// Status returns the session state.
func (s *Sim) Status() SimStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SimStatus{
		Joined:        s.joined,
		Joining:       s.joining,
		DevAddr:       s.devAddr,
		Seq:           s.seq,
		Transmissions: s.transmissions.Load(),
		Deferred:      s.deferred.Load(),
	}
}

func (s *Sim) startJoin(*jobqueue.Job) {
	s.mu.Lock()
	s.nonce++
	phy := make([]byte, 0, JoinRequestLen)
	phy = append(phy, 0x00)
	app, dev := s.cfg.AppEUILSBF(), s.cfg.DevEUILSBF()
	phy = append(phy, app[:]...)
	phy = append(phy, dev[:]...)
	phy = binary.LittleEndian.AppendUint16(phy, s.nonce)
	phy = append(phy, 0, 0, 0, 0) // MIC
	state := s.sessionLocked()
	s.mu.Unlock()

	s.saveSession(state)
	s.emit(Event(CodeJoining, nil))
	s.send(&frame{join: true, phy: phy})
}

func (s *Sim) startTx(*jobqueue.Job) {
	s.mu.Lock()
	if s.pending == nil || s.inAir != nil {
		s.mu.Unlock()
		return
	}
	tx := *s.pending
	s.pending = nil

	phy := make([]byte, 0, FrameOverhead+len(tx.Data))
	mhdr := byte(0x40) // unconfirmed data up
	if tx.Confirmed {
		mhdr = 0x80
	}
	phy = append(phy, mhdr)
	phy = binary.LittleEndian.AppendUint32(phy, uint32(s.devAddr))
	phy = append(phy, 0) // FCtrl
	phy = binary.LittleEndian.AppendUint16(phy, uint16(s.seq))
	phy = append(phy, tx.Port)
	phy = append(phy, tx.Data...)
	phy = append(phy, 0, 0, 0, 0) // MIC
	s.mu.Unlock()

	s.send(&frame{tx: tx, phy: phy})
}

// send reserves airtime on the next band and either starts the radio now or
// defers the start until the band is available again.
func (s *Sim) send(f *frame) {
	s.mu.Lock()
	b := s.bands[s.nextBnd%len(s.bands)]
	s.nextBnd++
	f.freq = b.Channels[b.next%len(b.Channels)]
	b.next++

	air := s.mod.Airtime(len(f.phy))
	now, tick := s.logicalNowLocked()
	r := b.limiter.ReserveN(now, int(air/time.Microsecond))
	s.inAir = f
	s.mu.Unlock()

	if !r.OK() {
		s.assert()
		s.mu.Lock()
		s.inAir = nil
		s.mu.Unlock()
		return
	}

	if wait := r.DelayFrom(now); wait > 0 {
		s.deferred.Add(1)
		s.log.Infow("duty cycle limited, transmission deferred",
			"band", b.Name, logger.FieldInMs, wait.Milliseconds())
		s.opts.Queue.ScheduleAt(&s.txJob, tick.Add(s.ticks(wait)), s.radioTx)
		return
	}
	s.radioTx(&s.txJob)
}

func (s *Sim) radioTx(*jobqueue.Job) {
	s.mu.Lock()
	f := s.inAir
	air := s.mod.Airtime(len(f.phy))
	s.mu.Unlock()

	if h := s.opts.HAL; h != nil {
		h.SwitchTx()
		if err := h.WriteBurst(radio.RegFifo, f.phy); err != nil {
			s.log.Errorw("radio write failed", logger.FieldError, err)
			s.assert()
		}
	}
	s.transmissions.Add(1)
	s.log.Debugw("frame on air",
		logger.FieldLength, len(f.phy), "freq", f.freq, "airtime_ms", air.Milliseconds(), "join", f.join)
	s.opts.Queue.ScheduleAt(&s.doneJob, s.opts.Clock.Now().Add(s.ticks(air)), s.txDone)
}

// txDone is the end of the airtime: the radio raises DIO0.
func (s *Sim) txDone(*jobqueue.Job) {
	if s.opts.RaiseIRQ != nil {
		s.opts.RaiseIRQ(0)
		return
	}
	s.OnRadioInterrupt(0)
}

func (s *Sim) serviceIRQ(*jobqueue.Job) {
	lines := s.lines.Swap(0)
	if lines&1 == 0 {
		s.log.Debugw("radio interrupt ignored", logger.FieldLine, lines)
		return
	}

	s.mu.Lock()
	f := s.inAir
	s.inAir = nil
	s.mu.Unlock()
	if f == nil {
		s.log.Debugw("tx done without a frame on air")
		return
	}
	if h := s.opts.HAL; h != nil {
		h.SwitchRx()
	}

	if f.join {
		s.opts.Queue.ScheduleAt(&s.joinJob, s.opts.Clock.Now().Add(s.ticks(s.opts.JoinAcceptDelay)), s.acceptJoin)
		return
	}

	s.mu.Lock()
	seq := s.seq
	s.seq++
	more := s.pending != nil
	state := s.sessionLocked()
	s.mu.Unlock()
	s.saveSession(state)

	var data []byte
	if s.opts.Downlink != nil {
		data = s.opts.Downlink(f.tx, seq)
	}
	s.emit(Event(CodeTxComplete, data))
	if more {
		s.opts.Queue.ScheduleImmediate(&s.txJob, s.startTx)
	}
}

func (s *Sim) acceptJoin(*jobqueue.Job) {
	s.mu.Lock()
	s.joined, s.joining = true, false
	s.devAddr = DevAddr(0x26000000 | binary.BigEndian.Uint32(s.cfg.DevEUI[4:])&0x01FFFFFF)
	s.seq = 0
	addr := s.devAddr
	more := s.pending != nil
	state := s.sessionLocked()
	s.mu.Unlock()
	s.saveSession(state)

	s.log.Infow("joined", "dev_addr", addr.String())
	s.emit(Event(CodeJoined, nil))
	if more {
		s.opts.Queue.ScheduleImmediate(&s.txJob, s.startTx)
	}
}

func (s *Sim) sessionLocked() SessionState {
	return SessionState{DevAddr: s.devAddr, FCntUp: s.seq, DevNonce: s.nonce}
}

func (s *Sim) saveSession(st SessionState) {
	if s.opts.OnSession != nil {
		s.opts.OnSession(st)
	}
}

func (s *Sim) emit(ev types.MacEvent) {
	if s.opts.Events != nil {
		s.opts.Events(ev)
	}
}

func (s *Sim) assert() {
	_, file, line, _ := runtime.Caller(1)
	file = filepath.Base(file)
	s.log.Errorw("mac assertion", logger.FieldFile, file, logger.FieldLine, line)
	if s.opts.Assert != nil {
		s.opts.Assert(file, line)
	}
}

func (s *Sim) exceedsBudget(air time.Duration) bool {
	for _, b := range s.bands {
		if int(air/time.Microsecond) > b.limiter.Burst() {
			return true
		}
	}
	return false
}

// logicalNowLocked maps the tick clock onto a time.Time for the limiters.
// The epoch is arbitrary; only differences matter.
func (s *Sim) logicalNowLocked() (time.Time, types.Tick) {
	tick := s.opts.Clock.Now()
	s.elapsed += int64(tick.Sub(s.last))
	s.last = tick
	tps := int64(s.opts.Clock.TicksPerSecond())
	d := time.Duration(s.elapsed/tps)*time.Second + time.Duration(s.elapsed%tps*int64(time.Second)/tps)
	return simEpoch.Add(d), tick
}

var simEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func (s *Sim) ticks(d time.Duration) uint32 {
	return uint32(int64(d) * int64(s.opts.Clock.TicksPerSecond()) / int64(time.Second))
}
