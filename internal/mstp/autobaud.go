package mstp

import "time"

// BaudLadder is the fixed set of rates auto-baud probes in order, per
// spec.md section 4.9: a sorted array walked index-by-index until one
// value is confirmed to work.
var BaudLadder = [...]int{9600, 19200, 38400, 57600, 76800, 115200}

// AutoBaudWindow is the observation window for each probed rate.
const AutoBaudWindow = 2 * time.Second

// NminValid is the number of header-CRC-valid frames required within
// the window to lock onto a rate.
const NminValid = 4

// AutoBaudState is one of the auto-baud sub-FSM states.
type AutoBaudState int

const (
	AutoBaudIdle AutoBaudState = iota
	AutoBaudProbe
	AutoBaudConfirm
	AutoBaudLocked
)

func (s AutoBaudState) String() string {
	switch s {
	case AutoBaudIdle:
		return "Idle"
	case AutoBaudProbe:
		return "Probe"
	case AutoBaudConfirm:
		return "Confirm"
	case AutoBaudLocked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// AutoBaud walks BaudLadder counting valid frames per candidate rate
// until one is confirmed, per spec.md section 4.9.
type AutoBaud struct {
	state        AutoBaudState
	ladderIdx    int
	validFrames  int
	windowEnd    time.Time
	CheckEnabled bool
}

// NewAutoBaud creates an AutoBaud starting at the given persisted
// ladder index (0 if no prior lock is known).
func NewAutoBaud(startIdx int) *AutoBaud {
	if startIdx < 0 || startIdx >= len(BaudLadder) {
		startIdx = 0
	}
	return &AutoBaud{state: AutoBaudIdle, ladderIdx: startIdx, CheckEnabled: true}
}

// State returns the sub-FSM's current state.
func (a *AutoBaud) State() AutoBaudState { return a.state }

// BaudRate returns the currently selected or locked rate.
func (a *AutoBaud) BaudRate() int { return BaudLadder[a.ladderIdx] }

// LadderIndex returns the index of BaudRate() within BaudLadder, for
// persistence.
func (a *AutoBaud) LadderIndex() int { return a.ladderIdx }

// Start begins probing at the current ladder index.
func (a *AutoBaud) Start(now time.Time) {
	if !a.CheckEnabled {
		a.state = AutoBaudLocked
		return
	}
	a.state = AutoBaudProbe
	a.validFrames = 0
	a.windowEnd = now.Add(AutoBaudWindow)
}

// ValidFrame records one header-CRC-valid frame observed while
// probing.
func (a *AutoBaud) ValidFrame(now time.Time) {
	if a.state != AutoBaudProbe {
		return
	}
	a.validFrames++
	if a.validFrames >= NminValid {
		a.state = AutoBaudLocked
	}
}

// Tick advances time; if the probe window elapses without reaching
// NminValid, AutoBaud advances to the next ladder rate and restarts
// the window.
func (a *AutoBaud) Tick(now time.Time) {
	if a.state != AutoBaudProbe || now.Before(a.windowEnd) {
		return
	}
	a.ladderIdx = (a.ladderIdx + 1) % len(BaudLadder)
	a.validFrames = 0
	a.windowEnd = now.Add(AutoBaudWindow)
}
