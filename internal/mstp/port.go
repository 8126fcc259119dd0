package mstp

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Timing constants, per spec.md section 4.6 and section 5.
const (
	ReplyTimeoutMin = 255 * time.Millisecond
	ReplyTimeoutMax = 300 * time.Millisecond
	UsageTimeoutMin = 20 * time.Millisecond
	UsageTimeoutMax = 35 * time.Millisecond
	ReplyDelay      = 250 * time.Millisecond
	Npoll           = 50
	NretryToken     = 1
)

// TnoToken returns the no-token timeout for a station, per spec.md
// section 4.6: 500 + 10*this_station ms.
func TnoToken(thisStation uint8) time.Duration {
	return time.Duration(500+10*int(thisStation)) * time.Millisecond
}

// Config configures a Port at construction.
type Config struct {
	ThisStation uint8
	NextStation uint8
	// PollStation, if non-zero and within [1,NmaxMaster], overrides the
	// first address a Poll-For-Master sweep probes; zero means start
	// the sweep at ThisStation+1 as spec.md section 4.6 step 5 assumes.
	PollStation       uint8
	NmaxMaster        uint8
	NmaxInfoFrames    int
	SlaveNodeEnabled  bool
	ZeroConfigEnabled bool
	CheckAutoBaud     bool
	InputBufSize      int
	StartBaudIdx      int
}

// pendingFrame is one item queued by the upper layer for transmission
// while holding the token.
type pendingFrame struct {
	dest        uint8
	data        []byte
	expectReply bool
}

// Port is the MS/TP orchestrator for one physical link: it owns the
// master/slave FSM state, the receive FSM, the zero-config and
// auto-baud sub-FSMs, and drives the driver/upper-layer boundary. Its
// event loop follows a single-goroutine-owns-mutable-state,
// select-driven shape: every other goroutine only enqueues events.
//
// Master/slave state transitions are driven through ApplyEvent /
// ApplySlaveEvent, with three exceptions that set masterState
// directly: vacateStation (back to Initialize), enterPassToken's
// every-Npoll switch to PollForMaster, and the zero-config claim
// completing in runZeroConfig (to NoToken).
type Port struct {
	cfg    Config
	driver Driver
	upper  UpperLayer
	source SendSource
	logger *slog.Logger

	rxFSM    *ReceiveFSM
	autobaud *AutoBaud
	zc       *ZeroConfig

	masterState MasterState
	slaveState  SlaveState

	thisStation uint8
	nextStation uint8
	tokenCount  int
	frameCount  int

	// Token-pass / poll-for-master retry and sweep bookkeeping.
	tokenRetries  int
	pollCandidate uint8
	sweepStart    uint8
	usageDeadline time.Time

	// Reply bookkeeping shared by the master AnswerDataRequest state
	// and the slave FSM.
	pendingReplySrc  uint8
	pendingReplyData []byte
	replyDeadline    time.Time

	// UseToken/WaitForReply bookkeeping. txStaged marks that txFrame
	// holds a frame already pulled from source.GetSend but not yet
	// transmitted, so DoneWithToken's "more to send?" probe and
	// UseToken's own send step never pull two frames for one send.
	txFrame   pendingFrame
	txStaged  bool
	waitReplyDeadline time.Time

	lastPFMSource        uint8
	lineActivityDuringPass bool

	noTokenTimer *time.Timer

	metrics PortMetrics
}

// PortMetrics is the minimal telemetry hook a Port reports through;
// internal/metrics.Collector implements it.
type PortMetrics interface {
	IncFramesValid(port string)
	IncFramesInvalid(port string)
	IncTokenRotations(port string)
	SetAutoBaudLocked(port string, bps int)
}

type noopPortMetrics struct{}

func (noopPortMetrics) IncFramesValid(string)        {}
func (noopPortMetrics) IncFramesInvalid(string)       {}
func (noopPortMetrics) IncTokenRotations(string)      {}
func (noopPortMetrics) SetAutoBaudLocked(string, int) {}

// Option configures optional Port behavior.
type Option func(*Port)

// WithMetrics attaches a PortMetrics sink.
func WithMetrics(m PortMetrics) Option {
	return func(p *Port) { p.metrics = m }
}

// NewPort constructs a Port bound to a Driver, an UpperLayer delivery
// target, and a SendSource of outgoing traffic.
func NewPort(cfg Config, driver Driver, upper UpperLayer, source SendSource, logger *slog.Logger, opts ...Option) *Port {
	if cfg.NmaxInfoFrames <= 0 {
		cfg.NmaxInfoFrames = 1
	}
	p := &Port{
		cfg:         cfg,
		driver:      driver,
		upper:       upper,
		source:      source,
		logger:      logger.With(slog.String("component", "mstp.port"), slog.Int("station", int(cfg.ThisStation))),
		rxFSM:       NewReceiveFSM(max2(cfg.InputBufSize, MaxDataLength)),
		autobaud:    NewAutoBaud(cfg.StartBaudIdx),
		masterState: Initialize,
		slaveState:  SlaveIdle,
		thisStation: cfg.ThisStation,
		nextStation: cfg.NextStation,
		metrics:     noopPortMetrics{},
	}
	p.autobaud.CheckEnabled = cfg.CheckAutoBaud
	if cfg.ZeroConfigEnabled {
		p.zc = NewZeroConfig(cfg.NmaxMaster)
		p.thisStation = StationBroadcast // receive-only until claimed
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func max2(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ThisStation returns the port's current station address (may change
// while zero-config is converging).
func (p *Port) ThisStation() uint8 { return p.thisStation }

// MasterState returns the master FSM's current state.
func (p *Port) MasterState() MasterState { return p.masterState }

// Run drives the port's event loop until ctx is cancelled. It pins
// the OS thread so MS/TP's tight response-window timers aren't
// skewed by the goroutine migrating mid-loop.
func (p *Port) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.autobaud.Start(time.Now())
	if p.zc != nil {
		p.zc.Start(time.Now())
	}
	p.noTokenTimer = time.NewTimer(TnoToken(p.thisStation))
	defer p.noTokenTimer.Stop()
	pollTicker := time.NewTicker(10 * time.Millisecond)
	defer pollTicker.Stop()

	wasLocked := p.autobaud.State() == AutoBaudLocked

	rxBuf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.noTokenTimer.C:
			p.applyEvent(EventNoTokenTimeout)
			p.noTokenTimer.Reset(TnoToken(p.thisStation))
		case <-pollTicker.C:
			p.drainDriver(rxBuf)
			p.autobaud.Tick(time.Now())
			p.syncBaudRate()
			if !wasLocked && p.autobaud.State() == AutoBaudLocked {
				p.metrics.SetAutoBaudLocked(portLabel(p), p.autobaud.BaudRate())
				wasLocked = true
			}
			if p.zc != nil {
				p.zc.Tick(time.Now())
				p.runZeroConfig()
			}
			p.pumpFSM()
		}
	}
}

// syncBaudRate applies AutoBaud's currently selected ladder rate to
// the driver whenever it differs, so a ladder advance (or a lock)
// actually changes the physical line rate instead of only bookkeeping
// it in software.
func (p *Port) syncBaudRate() {
	want := p.autobaud.BaudRate()
	if want == p.driver.BaudRate() {
		return
	}
	if err := p.driver.SetBaudRate(want); err != nil {
		p.logger.Warn("auto-baud rate change failed", slog.Int("bps", want), slog.String("error", err.Error()))
		return
	}
	p.logger.Info("auto-baud rate changed", slog.Int("bps", want), slog.String("state", p.autobaud.State().String()))
}

func (p *Port) drainDriver(rxBuf []byte) {
	n, err := p.driver.ReadBytes(rxBuf)
	if err != nil || n == 0 {
		return
	}
	for _, b := range rxBuf[:n] {
		p.rxFSM.Step(b)
		if p.rxFSM.ReceivedValidFrame {
			p.handleValidFrame(p.rxFSM.Frame())
			p.rxFSM.ClearFlags()
			p.autobaud.ValidFrame(time.Now())
		} else if p.rxFSM.ReceivedInvalidFrame {
			p.metrics.IncFramesInvalid(portLabel(p))
			p.rxFSM.ClearFlags()
		}
	}
}

func portLabel(p *Port) string { return "mstp" }

// applyEvent is the sole path by which Port mutates masterState: it
// looks up (masterState, event) in fsmTable, applies the resulting
// actions, and runs any additional state-entry behavior the table's
// per-transition actions don't capture (arming timers, initiating a
// token pass or poll sweep).
func (p *Port) applyEvent(event Event) Result {
	r := ApplyEvent(p.masterState, event)
	if r.Changed {
		p.logger.Debug("master fsm transition",
			slog.String("event", event.String()), slog.String("from", r.OldState.String()), slog.String("to", r.NewState.String()))
		p.masterState = r.NewState
	}
	for _, a := range r.Actions {
		p.executeAction(a)
	}
	if r.Changed {
		p.onEnterMasterState(r.NewState)
	}
	return r
}

// applySlaveEvent is the slave FSM's counterpart to applyEvent.
func (p *Port) applySlaveEvent(event Event) SlaveResult {
	r := ApplySlaveEvent(p.slaveState, event)
	if r.Changed {
		p.logger.Debug("slave fsm transition",
			slog.String("event", event.String()), slog.String("from", r.OldState.String()), slog.String("to", r.NewState.String()))
		p.slaveState = r.NewState
		if r.NewState == SlaveAnswerDataRequest {
			p.executeAction(ActionArmReplyDelay)
		}
	}
	for _, a := range r.Actions {
		p.executeAction(a)
	}
	return r
}

// onEnterMasterState performs state-entry behavior the transition
// table's per-event Actions don't encode on their own (arming a
// deadline that depends on which state was just entered, or kicking
// off a multi-step sweep).
func (p *Port) onEnterMasterState(s MasterState) {
	switch s {
	case PassToken:
		p.enterPassToken()
	case PollForMaster:
		p.enterPollForMaster()
	case AnswerDataRequest:
		p.executeAction(ActionArmReplyDelay)
	case NoToken:
		p.executeAction(ActionArmNoTokenTimeout)
	}
}

// enterPassToken implements spec.md section 4.6 steps 3-4: a node
// that has accumulated Npoll token visits polls for new masters
// instead of passing the token normally; otherwise it transmits the
// token and starts the usage-timeout wait for the ring to answer.
func (p *Port) enterPassToken() {
	if p.tokenCount >= Npoll {
		p.tokenCount = 0
		p.masterState = PollForMaster
		p.enterPollForMaster()
		return
	}
	p.executeAction(ActionSendToken)
	if p.nextStation == p.thisStation {
		// Sole master: there is no neighbor to wait out a usage
		// timeout for. Our own transmission is the only "line
		// activity" a single-node ring will ever see.
		p.applyEvent(EventLineActivity)
		return
	}
	p.executeAction(ActionArmUsageTimeout)
}

// enterPollForMaster implements spec.md section 4.6 step 5: sweep
// this_station+1..nmax_master (wrapping) issuing Poll-For-Master until
// some station answers Reply-To-PFM or the sweep returns to us.
func (p *Port) enterPollForMaster() {
	p.sweepStart = p.thisStation
	p.pollCandidate = p.initialPollCandidate()
	p.executeAction(ActionSendPFM)
	p.executeAction(ActionArmUsageTimeout)
}

func (p *Port) initialPollCandidate() uint8 {
	if p.cfg.PollStation != 0 && p.cfg.PollStation <= p.cfg.NmaxMaster {
		return p.cfg.PollStation
	}
	return p.nextPollCandidate(p.thisStation)
}

func (p *Port) nextPollCandidate(from uint8) uint8 {
	if from >= p.cfg.NmaxMaster {
		return 0
	}
	return from + 1
}

func (p *Port) becomeSoleMaster() {
	p.nextStation = p.thisStation
	p.tokenCount = 0
	p.logger.Info("became sole master")
}

// handleValidFrame translates one received frame into FSM events.
// Zero-config Test-Request/Test-Response traffic is inspected
// unconditionally (those frames may be addressed to a candidate
// station that isn't us yet, or broadcast); everything else is gated
// on address match first.
func (p *Port) handleValidFrame(f Frame) {
	p.metrics.IncFramesValid(portLabel(p))
	if p.zc != nil {
		p.zc.ObserveSource(f.Source)
	}
	if p.masterState == NoToken {
		p.applyEvent(EventLineActivity)
		if p.noTokenTimer != nil {
			p.noTokenTimer.Reset(TnoToken(p.thisStation))
		}
	}
	if p.masterState == PassToken {
		p.lineActivityDuringPass = true
	}

	switch f.Type {
	case FrameTestRequest, FrameTestResponse:
		p.handleZeroConfigFrame(f)
	}

	if f.Destination != p.thisStation && f.Destination != StationBroadcast {
		return
	}

	switch f.Type {
	case FrameToken:
		if !p.cfg.SlaveNodeEnabled {
			p.applyEvent(EventReceivedToken)
		}
	case FramePollForMaster:
		if !p.cfg.SlaveNodeEnabled {
			p.lastPFMSource = f.Source
			p.applyEvent(EventReceivedPFM)
		}
	case FrameReplyToPFM:
		if !p.cfg.SlaveNodeEnabled {
			p.nextStation = f.Source
			p.applyEvent(EventReceivedReplyToPFM)
		}
	case FrameDataExpectingReply:
		p.pendingReplySrc = f.Source
		p.upper.DeliverNPDU(f.Source, f.Data)
		if p.cfg.SlaveNodeEnabled {
			p.applySlaveEvent(EventReceivedDataExpectingReply)
		} else {
			p.applyEvent(EventReceivedDataExpectingReply)
		}
	case FrameDataNotExpectingReply:
		p.upper.DeliverNPDU(f.Source, f.Data)
		if !p.cfg.SlaveNodeEnabled && p.masterState == WaitForReply {
			p.applyEvent(EventReceivedDataNotExpectingReply)
		}
	}
}

// handleZeroConfigFrame wires Test-Request/Test-Response traffic into
// the zero-config sub-FSM: claim-side dispute detection via
// TestResponseReceived, occupant-side reply, and post-claim collision
// detection via CollisionDetected.
func (p *Port) handleZeroConfigFrame(f Frame) {
	if p.zc == nil || len(f.Data) < 17 {
		return
	}
	candidate := f.Data[0]
	id, err := uuid.FromBytes(f.Data[1:17])
	if err != nil {
		return
	}
	switch f.Type {
	case FrameTestResponse:
		if p.zc.State() == ZCClaim && candidate == p.zc.CandidateStation {
			p.zc.TestResponseReceived(id)
		}
	case FrameTestRequest:
		if p.thisStation == StationBroadcast || candidate != p.thisStation {
			return
		}
		if p.zc.State() == ZCUse && id != p.zc.UUID {
			p.zc.CollisionDetected(time.Now())
			p.vacateStation()
		}
		p.transmit(Frame{
			Type: FrameTestResponse, Destination: StationBroadcast, Source: p.thisStation,
			Data: zcTestPayload(candidate, p.zc.UUID),
		})
	}
}

func zcTestPayload(candidate uint8, id uuid.UUID) []byte {
	buf := make([]byte, 17)
	buf[0] = candidate
	copy(buf[1:], id[:])
	return buf
}

// vacateStation abandons the currently claimed address after a
// collision and returns to the pre-claim listening state so
// zero-config can pick a new candidate.
func (p *Port) vacateStation() {
	p.thisStation = StationBroadcast
	p.masterState = Initialize
	if p.noTokenTimer != nil {
		p.noTokenTimer.Reset(TnoToken(p.thisStation))
	}
	p.logger.Warn("zero-config collision detected, vacating claimed station")
}

// executeAction performs the side effect named by a, the Port
// orchestrator's counterpart to fsm.go's pure Action constants.
func (p *Port) executeAction(a Action) {
	switch a {
	case ActionSendToken:
		p.transmit(Frame{Type: FrameToken, Destination: p.nextStation, Source: p.thisStation})
		p.metrics.IncTokenRotations(portLabel(p))
	case ActionSendPFM:
		p.transmit(Frame{Type: FramePollForMaster, Destination: p.pollCandidate, Source: p.thisStation})
	case ActionSendReplyToPFM:
		p.transmit(Frame{Type: FrameReplyToPFM, Destination: p.lastPFMSource, Source: p.thisStation})
	case ActionSendQueuedFrame:
		p.transmit(Frame{Type: FrameDataExpectingReply, Destination: p.txFrame.dest, Source: p.thisStation, Data: p.txFrame.data})
		p.frameCount++
		p.txStaged = false
	case ActionSendReply:
		p.transmit(Frame{Type: FrameDataNotExpectingReply, Destination: p.pendingReplySrc, Source: p.thisStation, Data: p.pendingReplyData})
	case ActionSendReplyPostponed:
		p.transmit(Frame{Type: FrameReplyPostponed, Destination: p.pendingReplySrc, Source: p.thisStation})
	case ActionArmReplyTimeout:
		p.waitReplyDeadline = time.Now().Add(ReplyTimeoutMax)
	case ActionArmUsageTimeout:
		p.usageDeadline = time.Now().Add(UsageTimeoutMax)
		p.tokenRetries = 0
	case ActionArmNoTokenTimeout:
		if p.noTokenTimer != nil {
			p.noTokenTimer.Reset(TnoToken(p.thisStation))
		}
	case ActionArmReplyDelay:
		p.replyDeadline = time.Now().Add(ReplyDelay)
	case ActionIncrementTokenCount:
		p.tokenCount++
	case ActionResetTokenCount:
		p.tokenCount = 0
	case ActionAdvancePollStation:
		p.pollCandidate = p.nextPollCandidate(p.pollCandidate)
	case ActionBecomeSoleMaster:
		p.becomeSoleMaster()
	case ActionDeliverToUpperLayer:
		// Delivery already happened in handleValidFrame at the point
		// the frame arrived; this action exists for transitions that
		// are reached only after that delivery already occurred.
	default:
		p.logger.Warn("unknown fsm action", slog.Int("action", int(a)))
	}
}

// pumpFSM advances whichever state needs tick-driven progress: a
// queued send, a deadline expiring, or a reply becoming ready. Frame
// arrivals are handled synchronously in handleValidFrame instead.
func (p *Port) pumpFSM() {
	if p.cfg.SlaveNodeEnabled {
		p.pumpSlave(time.Now())
		return
	}

	now := time.Now()
	switch p.masterState {
	case UseToken:
		p.pumpUseToken()
	case WaitForReply:
		if !p.waitReplyDeadline.IsZero() && !now.Before(p.waitReplyDeadline) {
			p.applyEvent(EventReplyTimeout)
		}
	case DoneWithToken:
		p.pumpDoneWithToken()
	case PassToken:
		p.pumpPassToken(now)
	case PollForMaster:
		p.pumpPollForMaster(now)
	case AnswerDataRequest:
		p.pumpAnswerDataRequest(now)
	}
}

// pumpUseToken implements spec.md section 4.6 step 1: transmit the
// next queued frame, gated on frame_count never exceeding
// nmax_info_frames (the fairness invariant the port previously never
// enforced).
func (p *Port) pumpUseToken() {
	if p.frameCount >= p.cfg.NmaxInfoFrames {
		p.applyEvent(EventNoFramesToSend)
		return
	}
	if !p.stageSend() {
		p.applyEvent(EventNoFramesToSend)
		return
	}
	if p.txFrame.expectReply {
		p.applyEvent(EventFramesToSend)
	} else {
		p.transmit(Frame{Type: FrameDataNotExpectingReply, Destination: p.txFrame.dest, Source: p.thisStation, Data: p.txFrame.data})
		p.frameCount++
		p.txStaged = false
		p.applyEvent(EventSendComplete)
	}
}

// pumpDoneWithToken implements spec.md section 4.6 step 2: ask the
// send source for one more frame before deciding whether to keep the
// token (stay in UseToken) or relinquish it (PassToken).
func (p *Port) pumpDoneWithToken() {
	if p.frameCount >= p.cfg.NmaxInfoFrames {
		p.frameCount = 0
		p.applyEvent(EventNoFramesToSend)
		return
	}
	if p.stageSend() {
		p.applyEvent(EventFramesToSend)
		return
	}
	p.frameCount = 0
	p.applyEvent(EventNoFramesToSend)
}

// stageSend pulls the next frame from source.GetSend into txFrame if
// one isn't already staged, reporting whether a frame is now staged.
func (p *Port) stageSend() bool {
	if p.txStaged {
		return true
	}
	dest, data, expectReply := p.source.GetSend()
	if data == nil {
		return false
	}
	p.txFrame = pendingFrame{dest: dest, data: data, expectReply: expectReply}
	p.txStaged = true
	return true
}

// pumpPassToken implements the retry-then-poll half of spec.md section
// 4.6 step 4: wait for line activity within the usage timeout; retry
// the token transmission once; only then fall through to polling for
// a new master.
func (p *Port) pumpPassToken(now time.Time) {
	if p.lineActivityDuringPass {
		p.lineActivityDuringPass = false
		p.applyEvent(EventLineActivity)
		return
	}
	if now.Before(p.usageDeadline) {
		return
	}
	if p.tokenRetries < NretryToken {
		p.tokenRetries++
		p.executeAction(ActionSendToken)
		p.executeAction(ActionArmUsageTimeout)
		return
	}
	p.applyEvent(EventUsageTimeout)
}

// pumpPollForMaster advances the Poll-For-Master sweep one candidate
// at a time; once the sweep returns to sweepStart with no reply, the
// node becomes sole master.
func (p *Port) pumpPollForMaster(now time.Time) {
	if now.Before(p.usageDeadline) {
		return
	}
	p.executeAction(ActionAdvancePollStation)
	if p.pollCandidate == p.sweepStart {
		p.applyEvent(EventUsageTimeout)
		return
	}
	p.executeAction(ActionSendPFM)
	p.executeAction(ActionArmUsageTimeout)
}

// pumpAnswerDataRequest implements spec.md section 4.6 step 7 for the
// master FSM: transmit the reply once ready, or Reply-Postponed once
// Treply_delay elapses without one.
func (p *Port) pumpAnswerDataRequest(now time.Time) {
	if data, ready := p.source.GetReply(); ready {
		p.pendingReplyData = data
		p.applyEvent(EventReplyReady)
		return
	}
	if !now.Before(p.replyDeadline) {
		p.applyEvent(EventReplyPostponedNeeded)
	}
}

// pumpSlave is the slave FSM's counterpart to pumpAnswerDataRequest:
// a slave never claims a token, so this is the only tick-driven work
// it ever does, per spec.md section 4.7.
func (p *Port) pumpSlave(now time.Time) {
	if p.slaveState != SlaveAnswerDataRequest {
		return
	}
	if data, ready := p.source.GetReply(); ready {
		p.pendingReplyData = data
		p.applySlaveEvent(EventReplyReady)
		return
	}
	if !now.Before(p.replyDeadline) {
		p.applySlaveEvent(EventReplyPostponedNeeded)
	}
}

func (p *Port) transmit(f Frame) {
	buf := make([]byte, f.WireLen())
	n, err := MarshalFrame(f, buf)
	if err != nil {
		p.logger.Warn("marshal failed", slog.String("error", err.Error()))
		return
	}
	if _, err := p.driver.SendBytes(buf[:n]); err != nil {
		p.logger.Warn("send failed", slog.String("error", err.Error()))
	}
}

// runZeroConfig drives the zero-config claim loop: while claiming, it
// re-issues the Test-Request each tick until ClaimTimedOut reports the
// candidate address is free.
func (p *Port) runZeroConfig() {
	switch p.zc.State() {
	case ZCClaim:
		p.transmit(Frame{
			Type: FrameTestRequest, Destination: p.zc.CandidateStation, Source: StationBroadcast,
			Data: zcTestPayload(p.zc.CandidateStation, p.zc.UUID),
		})
		p.zc.TestRequestSent()
		if p.zc.ClaimTimedOut(PollCountDefault) {
			p.thisStation = p.zc.Claimed()
			p.nextStation = p.thisStation
			p.masterState = NoToken
			if p.noTokenTimer != nil {
				p.noTokenTimer.Reset(TnoToken(p.thisStation))
			}
			p.logger.Info("zero-config claimed station", slog.Int("station", int(p.thisStation)))
		}
	}
}
