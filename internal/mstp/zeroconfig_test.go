package mstp_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bacnet-go/bacnetcore/internal/mstp"
)

func TestZeroConfigClaimsAfterSilenceWindow(t *testing.T) {
	t.Parallel()

	z := mstp.NewZeroConfig(mstp.ZeroConfigMaxMaster)
	now := time.Unix(0, 0)
	z.Start(now)

	if z.State() != mstp.ZCIdle {
		t.Fatalf("state after Start = %v, want Idle", z.State())
	}

	z.Tick(now.Add(z.SilenceDuration + time.Millisecond))
	if z.State() != mstp.ZCClaim {
		t.Fatalf("state after silence window = %v, want Claim", z.State())
	}
	if z.CandidateStation < mstp.ZeroConfigMin || z.CandidateStation > z.MaxMaster {
		t.Errorf("CandidateStation = %d, out of range [%d,%d]", z.CandidateStation, mstp.ZeroConfigMin, z.MaxMaster)
	}
}

func TestZeroConfigObserveSourceEntersLurk(t *testing.T) {
	t.Parallel()

	z := mstp.NewZeroConfig(mstp.ZeroConfigMaxMaster)
	z.Start(time.Unix(0, 0))
	z.ObserveSource(70)

	if z.State() != mstp.ZCLurk {
		t.Errorf("state after ObserveSource = %v, want Lurk", z.State())
	}
}

func TestZeroConfigPickCandidateSkipsObserved(t *testing.T) {
	t.Parallel()

	z := mstp.NewZeroConfig(mstp.ZeroConfigMaxMaster)
	z.PreferredStation = mstp.ZeroConfigMin
	now := time.Unix(0, 0)
	z.Start(now)
	z.ObserveSource(mstp.ZeroConfigMin)

	z.Tick(now.Add(z.SilenceDuration + time.Millisecond))
	if z.CandidateStation == mstp.ZeroConfigMin {
		t.Error("CandidateStation picked an already-observed station")
	}
}

func TestZeroConfigTestResponseAdvancesOnForeignUUID(t *testing.T) {
	t.Parallel()

	z := mstp.NewZeroConfig(mstp.ZeroConfigMaxMaster)
	now := time.Unix(0, 0)
	z.Start(now)
	z.Tick(now.Add(z.SilenceDuration + time.Millisecond))

	disputed := z.CandidateStation
	z.TestRequestSent()
	z.TestResponseReceived(uuid.New())

	if z.CandidateStation == disputed {
		t.Error("CandidateStation unchanged after a disputing Test-Response")
	}
}

func TestZeroConfigTestResponseIgnoresOwnUUID(t *testing.T) {
	t.Parallel()

	z := mstp.NewZeroConfig(mstp.ZeroConfigMaxMaster)
	now := time.Unix(0, 0)
	z.Start(now)
	z.Tick(now.Add(z.SilenceDuration + time.Millisecond))

	candidate := z.CandidateStation
	z.TestResponseReceived(z.UUID)

	if z.CandidateStation != candidate {
		t.Error("CandidateStation changed in response to our own echoed UUID")
	}
}

func TestZeroConfigClaimTimedOutAndClaimed(t *testing.T) {
	t.Parallel()

	z := mstp.NewZeroConfig(mstp.ZeroConfigMaxMaster)
	now := time.Unix(0, 0)
	z.Start(now)
	z.Tick(now.Add(z.SilenceDuration + time.Millisecond))

	for i := 0; i < mstp.PollCountDefault; i++ {
		if z.ClaimTimedOut(mstp.PollCountDefault) {
			t.Fatalf("ClaimTimedOut true after only %d attempts", i)
		}
		z.TestRequestSent()
	}
	if !z.ClaimTimedOut(mstp.PollCountDefault) {
		t.Fatal("ClaimTimedOut false after PollCountDefault attempts")
	}

	station := z.Claimed()
	if z.State() != mstp.ZCUse {
		t.Errorf("state after Claimed = %v, want Use", z.State())
	}
	if station != z.CandidateStation {
		t.Errorf("Claimed() = %d, want CandidateStation %d", station, z.CandidateStation)
	}
}

func TestZeroConfigCollisionDetectedResumesLurk(t *testing.T) {
	t.Parallel()

	z := mstp.NewZeroConfig(mstp.ZeroConfigMaxMaster)
	now := time.Unix(0, 0)
	z.Start(now)
	z.Tick(now.Add(z.SilenceDuration + time.Millisecond))
	z.Claimed()

	z.CollisionDetected(now)
	if z.State() != mstp.ZCLurk {
		t.Errorf("state after CollisionDetected = %v, want Lurk", z.State())
	}
}

func TestRestoreZeroConfigPreservesUUID(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	z := mstp.RestoreZeroConfig(id, mstp.ZeroConfigMaxMaster)
	if z.UUID != id {
		t.Errorf("UUID = %v, want %v", z.UUID, id)
	}
}
