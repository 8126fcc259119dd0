package mstp

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ZeroConfigState is one of the MS/TP zero-configuration sub-FSM
// states, per spec.md section 4.8.
type ZeroConfigState int

const (
	ZCInit ZeroConfigState = iota
	ZCIdle
	ZCLurk
	ZCClaim
	ZCUse
)

func (s ZeroConfigState) String() string {
	switch s {
	case ZCInit:
		return "Init"
	case ZCIdle:
		return "Idle"
	case ZCLurk:
		return "Lurk"
	case ZCClaim:
		return "Claim"
	case ZCUse:
		return "Use"
	default:
		return "Unknown"
	}
}

const (
	// ZeroConfigMin is the bottom of the addressable range a
	// zero-configuring node may pick, per spec.md section 4.8.
	ZeroConfigMin = 64
	// ZeroConfigMaxMaster is the default wrap point for station
	// numbers when searching for a free address.
	ZeroConfigMaxMaster = 127
	// ZeroConfigSilenceDefault is the default Idle/Lurk observation
	// window before a node attempts to claim an address.
	ZeroConfigSilenceDefault = 12 * time.Second
	// PollCountDefault is the number of unanswered Test-Request
	// attempts before an address is considered free.
	PollCountDefault = 8
)

// ZeroConfig runs the zero-configuration sub-FSM for one MS/TP node.
// It identifies itself with a stable UUID (generated once, persisted
// by the embedder) and observes traffic to find an unused station
// number, per spec.md section 4.8.
type ZeroConfig struct {
	state ZeroConfigState

	UUID              uuid.UUID
	PreferredStation  uint8
	CandidateStation  uint8
	MaxMaster         uint8
	observed          [256]bool
	pollAttempts      int
	silenceDeadline   time.Time
	SilenceDuration   time.Duration
}

// NewZeroConfig creates a ZeroConfig with a freshly generated UUID and
// a random preferred station in [ZeroConfigMin, maxMaster].
func NewZeroConfig(maxMaster uint8) *ZeroConfig {
	z := &ZeroConfig{
		state:           ZCInit,
		UUID:            uuid.New(),
		MaxMaster:       maxMaster,
		SilenceDuration: ZeroConfigSilenceDefault,
	}
	z.PreferredStation = randomStationIn(ZeroConfigMin, int(maxMaster))
	return z
}

// RestoreZeroConfig rebuilds a ZeroConfig from a persisted UUID (e.g.
// loaded from NVM/config at boot), per spec.md section 4.8's "restore"
// path.
func RestoreZeroConfig(id uuid.UUID, maxMaster uint8) *ZeroConfig {
	z := NewZeroConfig(maxMaster)
	z.UUID = id
	return z
}

func randomStationIn(lo, hi int) uint8 {
	if hi <= lo {
		return uint8(lo)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo+1)))
	if err != nil {
		return uint8(lo) // crypto/rand failure: fall back to the floor, never block boot
	}
	return uint8(lo + int(n.Int64()))
}

// State returns the sub-FSM's current state.
func (z *ZeroConfig) State() ZeroConfigState { return z.state }

// Start begins the Idle/Lurk observation window.
func (z *ZeroConfig) Start(now time.Time) {
	z.state = ZCIdle
	z.silenceDeadline = now.Add(z.SilenceDuration)
}

// ObserveSource records that a valid frame's source address was seen,
// marking that station occupied.
func (z *ZeroConfig) ObserveSource(station uint8) {
	if z.state == ZCIdle || z.state == ZCLurk {
		z.state = ZCLurk
	}
	z.observed[station] = true
}

// Tick advances time; once the silence window elapses while lurking,
// the sub-FSM moves to Claim and picks a candidate station.
func (z *ZeroConfig) Tick(now time.Time) {
	if (z.state == ZCIdle || z.state == ZCLurk) && !now.Before(z.silenceDeadline) {
		z.state = ZCClaim
		z.CandidateStation = z.pickCandidate(z.PreferredStation)
		z.pollAttempts = 0
	}
}

func (z *ZeroConfig) pickCandidate(from uint8) uint8 {
	station := from
	for z.observed[station] {
		station++
		if station > z.MaxMaster {
			station = ZeroConfigMin
		}
		if station == from {
			break // ring exhausted; claim anyway, contention resolves via Test-Request
		}
	}
	return station
}

// TestRequestSent records that a Test-Request for CandidateStation was
// issued; callers call this once per claim attempt.
func (z *ZeroConfig) TestRequestSent() { z.pollAttempts++ }

// TestResponseReceived handles a Test-Response to our claim. If the
// responder's UUID differs from ours, the address is owned by someone
// else: advance to the next candidate and keep claiming.
func (z *ZeroConfig) TestResponseReceived(responderUUID uuid.UUID) {
	if z.state != ZCClaim {
		return
	}
	if responderUUID == z.UUID {
		return // our own echo; ignore
	}
	z.observed[z.CandidateStation] = true
	z.CandidateStation = z.pickCandidate(z.CandidateStation + 1)
	z.pollAttempts = 0
}

// ClaimTimedOut reports whether PollCount attempts have elapsed with
// no disputing response, meaning the candidate address is free.
func (z *ZeroConfig) ClaimTimedOut(pollCount int) bool {
	return z.state == ZCClaim && z.pollAttempts >= pollCount
}

// Claimed transitions to Use, the candidate now being this_station.
func (z *ZeroConfig) Claimed() uint8 {
	z.state = ZCUse
	return z.CandidateStation
}

// CollisionDetected handles a later collision discovery (a frame from
// another node using our station, UUID mismatch confirmed via a Test
// exchange): abandon the address and resume lurking.
func (z *ZeroConfig) CollisionDetected(now time.Time) {
	z.state = ZCLurk
	z.observed[z.CandidateStation] = true
	z.silenceDeadline = now.Add(z.SilenceDuration)
}
