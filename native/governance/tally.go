package governance

// BasisPointScale is the denominator every basis-point ratio in this package
// is expressed against (10000 == 100.00%).
const BasisPointScale = 10_000

// Tally is the side-effect-free aggregate of a proposal's votes against its
// locked membership snapshot. Computing it never mutates state, so it can be
// called as often as needed (on every vote, or just at finalize) without
// worrying about double-counting.
type Tally struct {
	YesCount          uint64
	NoCount           uint64
	AbstainCount      uint64
	LockedMemberCount uint64
	OutstandingCount  uint64
	TurnoutBps        uint64
	YesRatioBps       uint64
	QuorumMet         bool
	PassThresholdMet  bool
}

// ComputeTally aggregates votes against a locked member count and the
// policy's quorum/pass-threshold basis points. All arithmetic is integer
// basis points to keep the result deterministic across platforms.
func ComputeTally(votes []Vote, lockedMemberCount, quorumBps, passThresholdBps uint64) Tally {
	var yes, no, abstain uint64
	for _, v := range votes {
		switch v.Choice {
		case VoteYes:
			yes++
		case VoteNo:
			no++
		case VoteAbstain:
			abstain++
		}
	}
	cast := yes + no + abstain
	var outstanding uint64
	if lockedMemberCount > cast {
		outstanding = lockedMemberCount - cast
	}
	var turnoutBps uint64
	if lockedMemberCount > 0 {
		turnoutBps = cast * BasisPointScale / lockedMemberCount
	}
	decisive := yes + no
	var yesRatioBps uint64
	if decisive > 0 {
		yesRatioBps = yes * BasisPointScale / decisive
	}
	return Tally{
		YesCount:          yes,
		NoCount:           no,
		AbstainCount:      abstain,
		LockedMemberCount: lockedMemberCount,
		OutstandingCount:  outstanding,
		TurnoutBps:        turnoutBps,
		YesRatioBps:       yesRatioBps,
		QuorumMet:         turnoutBps >= quorumBps,
		PassThresholdMet:  yesRatioBps > passThresholdBps,
	}
}

// EarlyOutcome reports whether a proposal's final outcome is already
// mathematically fixed given the votes cast so far, ahead of its voting
// window closing. decided is true only when no possible distribution of the
// remaining, outstanding votes could change the result; passed is only
// meaningful when decided is true.
//
// Rejection is inevitable when even the best possible case for "yes" (every
// outstanding vote lands yes) cannot clear the pass threshold, or cannot
// clear quorum at full participation. Passing is guaranteed only when the
// worst possible case for "yes" (every outstanding vote lands no) still
// clears the pass threshold, and quorum is already met by votes already
// cast — quorum can only be lost by a voting window closing early, never by
// additional votes, so the votes already in hand are quorum's worst case.
func EarlyOutcome(t Tally, quorumBps, passThresholdBps uint64) (decided bool, passed bool) {
	if t.OutstandingCount == 0 {
		return true, t.PassThresholdMet && t.QuorumMet
	}

	bestYes := t.YesCount + t.OutstandingCount
	bestDecisive := bestYes + t.NoCount
	var bestYesRatioBps uint64
	if bestDecisive > 0 {
		bestYesRatioBps = bestYes * BasisPointScale / bestDecisive
	}
	var bestTurnoutBps uint64
	if t.LockedMemberCount > 0 {
		bestTurnoutBps = (t.YesCount + t.NoCount + t.AbstainCount + t.OutstandingCount) * BasisPointScale / t.LockedMemberCount
	}
	if bestYesRatioBps <= passThresholdBps || bestTurnoutBps < quorumBps {
		return true, false
	}

	worstDecisive := t.YesCount + t.NoCount + t.OutstandingCount
	var worstYesRatioBps uint64
	if worstDecisive > 0 {
		worstYesRatioBps = t.YesCount * BasisPointScale / worstDecisive
	}
	if worstYesRatioBps > passThresholdBps && t.QuorumMet {
		return true, true
	}
	return false, false
}
